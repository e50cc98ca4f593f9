package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/skybridge-mcp/skybridge/internal/config"
	"github.com/skybridge-mcp/skybridge/internal/gateway"
	"github.com/skybridge-mcp/skybridge/internal/logging"
	"github.com/skybridge-mcp/skybridge/internal/mcpserver"
	"github.com/skybridge-mcp/skybridge/internal/oauth"
	"github.com/skybridge-mcp/skybridge/internal/sandbox"
	"github.com/skybridge-mcp/skybridge/internal/server"
	"github.com/skybridge-mcp/skybridge/internal/specindex"
	"github.com/skybridge-mcp/skybridge/internal/upstream"
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
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	for _, dir := range []string{cfg.DataDir, cfg.SpecDropDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	oauthStore, err := oauth.NewStore(filepath.Join(cfg.DataDir, "oauth.db"), logger)
	if err != nil {
		return fmt.Errorf("opening oauth store: %w", err)
	}
	defer oauthStore.Close()

	specs, err := specindex.Open(filepath.Join(cfg.DataDir, "specs.db"), logger)
	if err != nil {
		return fmt.Errorf("opening spec store: %w", err)
	}
	defer specs.Close()

	cookies, err := oauth.NewCookies(cfg.CookieSecret, strings.HasPrefix(cfg.ServerURL, "https://"))
	if err != nil {
		return fmt.Errorf("deriving cookie keys: %w", err)
	}

	// All traffic originating from sandboxed code goes through the host
	// gate; the gateway client and any transitive fetch share it.
	gate := gateway.NewHostGate(http.DefaultTransport, cfg.ParseAllowedHosts(), logger)
	sandboxClient := &http.Client{Transport: gate, Timeout: 60 * time.Second}

	// Identity lookups and the upstream token exchange are server-side
	// calls with fixed destinations; they bypass the gate.
	serverClient := &http.Client{Timeout: 30 * time.Second}

	identity := upstream.NewClient(cfg.APIBaseURL, serverClient, logger)
	upstreamOAuth := upstream.NewOAuth(
		cfg.OAuthClientID,
		cfg.OAuthClientSecret,
		cfg.OAuthAuthURL,
		cfg.OAuthTokenURL,
		strings.TrimRight(cfg.ServerURL, "/")+"/oauth/callback",
		serverClient,
	)

	oauthHandlers := oauth.NewHandlers(oauthStore, cookies, upstreamOAuth, identity, logger, cfg.ServerURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := specs.IngestDir(cfg.SpecDropDir); err != nil {
		return fmt.Errorf("ingesting spec drop dir: %w", err)
	}

	go func() {
		if err := specs.Watch(ctx, cfg.SpecDropDir); err != nil && ctx.Err() == nil {
			logger.Error("spec watcher stopped", slog.String("error", err.Error()))
		}
	}()

	// MCP server setup.
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "skybridge", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, &mcpserver.Deps{
		Engine:      sandbox.New(logger),
		Specs:       specs,
		APIBaseURL:  cfg.APIBaseURL,
		GraphQLPath: cfg.GraphQLPath,
		HTTPClient:  sandboxClient,
		Logger:      logger,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		OAuth:      oauthHandlers,
		Resolver:   identity,
		Grants:     oauthStore,
		MCPHandler: mcpHandler,
		Logger:     logger,
		ServerURL:  cfg.ServerURL,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server",
		slog.String("listen", cfg.ListenAddr),
		slog.String("server_url", cfg.ServerURL),
		slog.String("api_base", cfg.APIBaseURL),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
