// Package relay parses relay flags and launches the relay daemon.
package relay

import (
	"context"
	"flag"
	"log"

	"github.com/vaultmesh/vaultmesh/internal/platform/config"
	"github.com/vaultmesh/vaultmesh/internal/platform/otel"
	"github.com/vaultmesh/vaultmesh/internal/relay/app"
)

// Config holds relay command configuration.
type Config struct {
	Port int `env:"VAULTMESH_RELAY_PORT" envDefault:"8090"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The relay gRPC server port")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the relay daemon with tracing wired for the process lifetime.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "vaultmesh-relay")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()
	return app.Run(ctx, cfg.Port)
}
