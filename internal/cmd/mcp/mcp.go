// Package mcp parses MCP command flags and starts the stdio tool server.
package mcp

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/masquerade/internal/app"
	mcpserver "github.com/louisbranch/masquerade/internal/mcp"
	entrypoint "github.com/louisbranch/masquerade/internal/platform/cmd"
	storagesqlite "github.com/louisbranch/masquerade/internal/storage/sqlite"
)

// Config holds MCP command configuration.
type Config struct {
	DBPath string `env:"MASQUERADE_GAME_DB_PATH" envDefault:"data/masquerade.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the session database")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the MCP tool server over stdio.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMCP, func(context.Context) error {
		path := strings.TrimSpace(cfg.DBPath)
		if path == "" {
			path = filepath.Join("data", "masquerade.db")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := storagesqlite.Open(path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		defer store.Close()

		server, err := mcpserver.NewServer(app.BuildCore(store, nil))
		if err != nil {
			return err
		}
		return server.Run(ctx)
	})
}
