package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/ums-client/internal/app"
	"github.com/alexjbarnes/ums-client/internal/cli"
	"github.com/alexjbarnes/ums-client/internal/config"
	"github.com/alexjbarnes/ums-client/internal/logging"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := cli.Execute(ctx, load, Version, os.Args[1:])

	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load builds the client stack after flag parsing, so --help and
// --version work without configuration.
func load(ctx context.Context) (*cli.Deps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr; keep them quiet unless asked for.
	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}

	logger := logging.NewLogger(cfg.Environment, level)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	deps := &cli.Deps{
		Session:    a.Session,
		Users:      a.API,
		Services:   a.Services,
		Discoverer: a.Discoverer,
		Tokens:     a.Tokens,
	}

	if a.Provider.Enabled() {
		deps.SSORedirectURL = cfg.OIDCRedirectURL
	}

	closeFn := func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing client", slog.String("error", err.Error()))
		}
	}

	return deps, closeFn, nil
}
