// Package daemon parses daemon command flags and starts the telemetry runtime.
package daemon

import (
	"context"
	"flag"

	"github.com/framelog/framelog/internal/app/server"
	entrypoint "github.com/framelog/framelog/internal/platform/cmd"
)

// ParseConfig parses environment and flags into a server config.
func ParseConfig(fs *flag.FlagSet, args []string) (server.Config, error) {
	var cfg server.Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return server.Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The daemon HTTP port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path to the event log database")
	fs.BoolVar(&cfg.Ephemeral, "ephemeral", cfg.Ephemeral, "Keep the event log in memory only")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

// Run starts the telemetry daemon.
func Run(ctx context.Context, cfg server.Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDaemon, func(context.Context) error {
		return server.Run(ctx, cfg)
	})
}
