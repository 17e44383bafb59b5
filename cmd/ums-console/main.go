package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/ums-client/internal/app"
	"github.com/alexjbarnes/ums-client/internal/auth"
	"github.com/alexjbarnes/ums-client/internal/config"
	"github.com/alexjbarnes/ums-client/internal/logging"
	"github.com/alexjbarnes/ums-client/internal/mcpserver"
	"github.com/alexjbarnes/ums-client/internal/metrics"
	"github.com/alexjbarnes/ums-client/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("ums-console starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIBaseURL),
		slog.Bool("sso", cfg.EnableSSO),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	a, err := app.New(ctx, cfg, logger, app.WithMetrics(m))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing client", slog.String("error", err.Error()))
		}
	}()

	store := auth.NewStore(logger)
	defer store.Stop()

	mcpHandler, err := newMCPHandler(cfg, a, store, logger)
	if err != nil {
		return err
	}

	mux := server.NewMux(server.MuxConfig{
		Session:    a.Session,
		Services:   a.Services,
		Resolver:   a.Discoverer,
		Auth:       store,
		Limiter:    auth.NewLoginLimiter(cfg.LoginRatePerMin),
		Metrics:    m.Handler(),
		MCPHandler: mcpHandler,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              cfg.ConsoleListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("console listening", slog.String("addr", cfg.ConsoleListenAddr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("console server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newMCPHandler returns the streamable MCP endpoint, or nil when MCP is
// disabled. Configured API keys are loaded into store.
func newMCPHandler(cfg *config.Config, a *app.App, store *auth.Store, logger *slog.Logger) (http.Handler, error) {
	if !cfg.EnableMCP {
		return nil, nil
	}

	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return nil, fmt.Errorf("parsing mcp api keys: %w", err)
	}

	for _, k := range keys {
		store.AddAPIKey(k.UserID, k.Key)
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "ums-console", Version: Version}, nil)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Users:    a.API,
		Session:  a.Session,
		Services: a.Services,
		Resolver: a.Discoverer,
	})

	logger.Info("mcp enabled", slog.Int("api_keys", len(keys)))

	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil), nil
}
