// Package mcp exposes the session orchestration operations as MCP tools
// over stdio, for agent hosts that drive games conversationally.
package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/louisbranch/masquerade/internal/app"
)

const serverVersion = "0.1.0"

// Server wraps an MCP server bound to one orchestration core.
type Server struct {
	server *mcp.Server
	core   *app.Core
}

// NewServer creates an MCP server with every orchestration tool registered.
func NewServer(core *app.Core) (*Server, error) {
	if core == nil {
		return nil, errors.New("orchestration core is required")
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "masquerade",
		Version: serverVersion,
	}, nil)
	registerTools(server, core)
	return &Server{server: server, core: core}, nil
}

// Run serves MCP over stdio until the context ends.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func registerTools(server *mcp.Server, core *app.Core) {
	mcp.AddTool(server, sessionCreateTool(), sessionCreateHandler(core))
	mcp.AddTool(server, sessionAdvanceTool(), sessionAdvanceHandler(core))
	mcp.AddTool(server, sessionTimerTool(), sessionTimerHandler(core))
	mcp.AddTool(server, sessionVoteTool(), sessionVoteHandler(core))
	mcp.AddTool(server, explorationSubmitActionTool(), explorationSubmitActionHandler(core))
	mcp.AddTool(server, explorationSkipTool(), explorationSkipHandler(core))
	mcp.AddTool(server, speakingAcquireTool(), speakingAcquireHandler(core))
	mcp.AddTool(server, speakingReleaseTool(), speakingReleaseHandler(core))
	mcp.AddTool(server, speakingRankTool(), speakingRankHandler(core))
}
