// Package game parses game command flags and starts the orchestration runtime.
package game

import (
	"context"
	"flag"

	"github.com/louisbranch/masquerade/internal/app"
	entrypoint "github.com/louisbranch/masquerade/internal/platform/cmd"
)

// Config holds game command configuration.
type Config struct {
	Port int `env:"MASQUERADE_GAME_PORT" envDefault:"8082"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The game server port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the session orchestration service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGame, func(context.Context) error {
		return app.Run(ctx, cfg.Port)
	})
}
