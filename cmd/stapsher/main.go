// Package main is the entrypoint for the stapsher GitHub App.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/donaldgifford/stapsher/internal/bot"
	"github.com/donaldgifford/stapsher/internal/config"
	ghclient "github.com/donaldgifford/stapsher/internal/github"
	"github.com/donaldgifford/stapsher/internal/scheduler"
	"github.com/donaldgifford/stapsher/internal/webhook"
)

func main() {
	// Local development reads a .env file; deployments use the real environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger.
	logger := initLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting stapsher",
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"github_api_url", cfg.GitHubAPIURL,
		"gitlab_bot_configured", cfg.GitLabBotAccessToken != "",
	)

	// Initialize App authentication.
	cred, err := ghclient.LoadCredential(cfg.GitHubAppID, cfg.GitHubPrivateKeyPath)
	if err != nil {
		logger.Error("failed to load GitHub App credential", "error", err)
		os.Exit(1)
	}

	auth, err := ghclient.NewAppAuthenticator(cred, logger.With("component", "auth"))
	if err != nil {
		logger.Error("failed to create GitHub App authenticator", "error", err)
		os.Exit(1)
	}

	verifier, err := webhook.NewVerifier(cfg.GitHubWebhookSecret)
	if err != nil {
		logger.Error("failed to create webhook verifier", "error", err)
		os.Exit(1)
	}

	// Initialize GitHub client and token manager.
	base, err := ghclient.NewBaseClient(ghclient.ClientOptions{
		BaseURL:            cfg.GitHubAPIURL,
		Timeout:            cfg.GitHubAPITimeout,
		RateLimitThreshold: cfg.RateLimitThreshold,
		RateLimitMaxWait:   cfg.RateLimitMaxWait,
		RequestsPerSecond:  cfg.RequestsPerSecond,
	}, logger)
	if err != nil {
		logger.Error("failed to create GitHub client", "error", err)
		os.Exit(1)
	}

	app := ghclient.NewAppClient(base, logger.With("component", "app"))

	// A refresh is two API calls, each bounded by the client timeout.
	tokens := ghclient.NewTokenManager(
		auth,
		app,
		app,
		cfg.TokenSafetyMargin,
		2*cfg.GitHubAPITimeout,
		logger.With("component", "tokens"),
	)

	content := func(repo ghclient.Repository) bot.BranchDeleter {
		return ghclient.NewContentClient(base, tokens, repo, logger.With("component", "content"))
	}

	// Initialize cleanup queue, router and webhook handler.
	queue := bot.NewQueue(cfg.CleanupQueueSize, logger.With("component", "cleanup"))

	router := webhook.NewRouter(verifier, logger.With("component", "router"))
	bot.New(tokens, queue, cfg.BranchPrefix, logger.With("component", "bot")).Register(router)

	webhookHandler := webhook.NewHandler(router, logger)

	// Initialize token janitor.
	sched := scheduler.NewScheduler(tokens, cfg.TokenPruneInterval, logger.With("component", "janitor"))

	// Set up context for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start cleanup workers.
	queue.Start(ctx, cfg.CleanupWorkers, content)

	// Start janitor in background.
	go sched.Start(ctx)

	// Set up and start HTTP servers.
	mainServer := newMainServer(cfg.ListenAddr, cfg.HomeRedirect, webhookHandler, auth, queue)
	metricsServer := newMetricsServer(cfg.MetricsAddr)

	startServer(logger, mainServer, "main", cfg.ListenAddr, cancel)
	startServer(logger, metricsServer, "metrics", cfg.MetricsAddr, cancel)

	// Wait for shutdown signal.
	awaitShutdown(ctx, logger)

	// Graceful shutdown.
	gracefulShutdown(logger, cfg.ShutdownTimeout, queue, mainServer, metricsServer)
	cancel()
}

func newMainServer(
	addr, homeRedirect string,
	webhookHandler http.Handler,
	auth ghclient.Authenticator,
	queue *bot.Queue,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/github", webhookHandler)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(auth, queue))

	if homeRedirect != "" {
		mux.Handle("GET /{$}", http.RedirectHandler(homeRedirect, http.StatusFound))
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func startServer(logger *slog.Logger, srv *http.Server, name, addr string, cancel context.CancelFunc) {
	go func() {
		logger.Info("server listening", "name", name, "addr", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "name", name, "error", err)
			cancel()
		}
	}()
}

func awaitShutdown(ctx context.Context, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context canceled")
	}
}

// gracefulShutdown stops accepting webhooks first so no cleanup job is
// queued after the queue starts draining.
func gracefulShutdown(logger *slog.Logger, timeout time.Duration, queue *bot.Queue, servers ...*http.Server) {
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	queue.Stop(shutdownCtx)
	logger.Info("stapsher stopped")
}

func initLogger(level string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("ok")); err != nil {
		slog.Error("failed to write healthz response", "error", err)
	}
}

// handleReadyz reports ready while an App assertion can be minted and the
// cleanup queue accepts work.
func handleReadyz(auth ghclient.Authenticator, queue *bot.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if _, err := auth.Authenticate(); err != nil || !queue.Accepting() {
			if err != nil {
				slog.Warn("readiness check failed", "error", err)
			}

			w.WriteHeader(http.StatusServiceUnavailable)

			if _, err := w.Write([]byte("not ready")); err != nil {
				slog.Error("failed to write readyz response", "error", err)
			}

			return
		}

		w.WriteHeader(http.StatusOK)

		if _, err := w.Write([]byte("ok")); err != nil {
			slog.Error("failed to write readyz response", "error", err)
		}
	}
}
