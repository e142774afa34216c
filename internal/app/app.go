// Package app hosts the session orchestration runtime: the sqlite-backed
// store, the transition engine with its scheduler and arbiter, a gRPC
// health endpoint, and the periodic expiry tick.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/masquerade/internal/game/arbiter"
	"github.com/louisbranch/masquerade/internal/game/engine"
	"github.com/louisbranch/masquerade/internal/game/oracle"
	"github.com/louisbranch/masquerade/internal/game/scheduler"
	"github.com/louisbranch/masquerade/internal/game/speech"
	"github.com/louisbranch/masquerade/internal/storage"
	storagesqlite "github.com/louisbranch/masquerade/internal/storage/sqlite"
	"github.com/louisbranch/masquerade/internal/telemetry"
)

const defaultTickInterval = 60 * time.Second

// Core bundles the orchestration components wired against one store.
type Core struct {
	Store     storage.SessionStore
	Emitter   *telemetry.Emitter
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Arbiter   *arbiter.Arbiter
	Speech    *speech.Trigger
}

// BuildCore wires the engine, scheduler, arbiter, and speech trigger
// against a session store. The oracle may be nil; autonomous behavior then
// degrades to the random-target and skip fallbacks.
func BuildCore(store storage.SessionStore, o oracle.Oracle) *Core {
	emitter := telemetry.NewEmitter(store)
	arb := arbiter.New(store, emitter, arbiter.Config{})
	trigger := speech.NewTrigger(arb, o, emitter)
	eng := engine.New(store, emitter, trigger, engine.Config{})
	sched := scheduler.New(store, emitter, o, eng, scheduler.Config{})
	eng.SetScheduler(sched)
	return &Core{
		Store:     store,
		Emitter:   emitter,
		Engine:    eng,
		Scheduler: sched,
		Arbiter:   arb,
		Speech:    trigger,
	}
}

// Server hosts the orchestration runtime.
type Server struct {
	listener     net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	core         *Core
	closeStore   func() error
	tickInterval time.Duration
}

// New creates a configured server listening on the provided port.
func New(port int) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	store, err := openSessionStore()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	// The decision oracle is an external service; without one configured
	// the scheduler and speech trigger fall back to random choices and
	// silence.
	core := BuildCore(store, nil)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:     listener,
		grpcServer:   grpcServer,
		health:       healthServer,
		core:         core,
		closeStore:   store.Close,
		tickInterval: tickInterval(),
	}, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Core exposes the wired orchestration components.
func (s *Server) Core() *Core {
	return s.core
}

// Run creates and serves an orchestration server until the context ends.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
// The expiry tick runs alongside the gRPC listener for as long as the
// server is up.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.close()

	log.Printf("game server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	tickCtx, cancelTicks := context.WithCancel(ctx)
	defer cancelTicks()
	go s.runTicks(tickCtx)

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
		err := <-serveErr
		return handleErr(err)
	case err := <-serveErr:
		return handleErr(err)
	}
}

// runTicks drives the periodic expiry check. This loop is the system's
// only guaranteed forward-progress driver when no caller is active.
func (s *Server) runTicks(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Server) tick(ctx context.Context) {
	ids, err := s.core.Store.ListSessionsInPlay(ctx)
	if err != nil {
		log.Printf("list sessions in play: %v", err)
		return
	}
	for _, sessionID := range ids {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.core.Engine.CheckExpiry(ctx, sessionID); err != nil {
			log.Printf("check expiry session_id=%s: %v", sessionID, err)
		}
	}
}

func (s *Server) close() {
	if s == nil || s.closeStore == nil {
		return
	}
	if err := s.closeStore(); err != nil {
		log.Printf("close session store: %v", err)
	}
}

func openSessionStore() (*storagesqlite.Store, error) {
	path := strings.TrimSpace(os.Getenv("MASQUERADE_GAME_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "masquerade.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := storagesqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func tickInterval() time.Duration {
	raw := strings.TrimSpace(os.Getenv("MASQUERADE_TICK_INTERVAL"))
	if raw == "" {
		return defaultTickInterval
	}
	interval, err := time.ParseDuration(raw)
	if err != nil || interval <= 0 {
		log.Printf("invalid MASQUERADE_TICK_INTERVAL %q, using %v", raw, defaultTickInterval)
		return defaultTickInterval
	}
	return interval
}
