// Squadron orchestration server — receives platform webhooks, routes
// canonical events to agent lifecycle and pipeline handlers, and drives
// long-running coding agents with persistent state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/squadron-hq/squadron/pkg/agentsession"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/gitops"
	"github.com/squadron-hq/squadron/pkg/lifecycle"
	"github.com/squadron-hq/squadron/pkg/mail"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/pipeline"
	"github.com/squadron-hq/squadron/pkg/pipeline/gatecheck"
	"github.com/squadron-hq/squadron/pkg/platform"
	"github.com/squadron-hq/squadron/pkg/reconcile"
	"github.com/squadron-hq/squadron/pkg/registry"
	"github.com/squadron-hq/squadron/pkg/reviews"
	"github.com/squadron-hq/squadron/pkg/version"
)

// maxWebhookBody caps a single webhook payload.
const maxWebhookBody = 1 << 20

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	level := slog.LevelInfo
	if getEnv("LOG_LEVEL", "info") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting Squadron",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready", "dialect", dbClient.Dialect())

	reg := registry.New(dbClient)

	// The platform API. The in-memory implementation backs runs without
	// credentials; either way every call goes through the retry/breaker
	// wrapper.
	api := platform.NewResilient(platform.NewLocal(logger), logger)

	var git gitops.Worktrees
	if repoPath := os.Getenv("REPO_PATH"); repoPath != "" {
		git = gitops.New(repoPath, logger)
	} else {
		slog.Warn("REPO_PATH not set, using no-op worktrees")
		git = gitops.NewNoop()
	}

	runner := agentsession.NewFakeRunner(logger)
	store := mail.NewStore()

	queueSize := cfg.Runtime.EventQueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	router := events.NewRouter(reg, queueSize, logger)
	normalizer := events.NewNormalizer(cfg.Project.BotUsername, logger)

	mgr := lifecycle.New(cfg, reg, store, runner, git, api,
		os.Getenv("GIT_TOKEN"), logger)

	checks := gatecheck.NewRegistry()
	gatecheck.RegisterBuiltins(checks, reg, api)
	actions := pipeline.NewActionRegistry()
	pipeline.RegisterBuiltinActions(actions, api)
	engine := pipeline.NewEngine(cfg, reg, checks, actions, mgr, logger)

	mgr.SetCallbacks(engine)
	mgr.SetEventSink(router)

	policy := reviews.New(cfg, reg, api, logger)

	// Handler registration order fixes dispatch order per event.
	mgr.RegisterHandlers(router)
	policy.RegisterHandlers(router)
	engine.RegisterHandlers(router)

	if err := engine.Recover(ctx); err != nil {
		slog.Error("Pipeline recovery failed", "error", err)
		os.Exit(1)
	}

	router.Start(ctx)

	recon := reconcile.New(cfg, reg, api, mgr, logger)
	if err := recon.Start(); err != nil {
		slog.Error("Failed to start reconciliation", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /webhook", webhookHandler(normalizer, router, logger))

	server := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	recon.Stop()
	router.Stop()
	engine.Wait()
	mgr.Stop()
	slog.Info("Shutdown complete")
}

// webhookHandler normalizes a raw platform webhook and publishes it. The
// enqueue blocks when the router queue is full, which back-pressures the
// platform's delivery retries instead of dropping events.
func webhookHandler(n *events.Normalizer, router *events.Router, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		eventName := r.Header.Get("X-GitHub-Event")
		deliveryID := r.Header.Get("X-GitHub-Delivery")
		if deliveryID == "" {
			deliveryID = uuid.New().String()
		}

		var probe struct {
			Action string `json:"action"`
		}
		_ = json.Unmarshal(body, &probe)

		event, err := n.Normalize(eventName, probe.Action, deliveryID, body)
		if err != nil {
			logger.Warn("webhook rejected", "delivery_id", deliveryID, "error", err)
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		if event.Type == models.EventTypeUnknown {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if err := router.Publish(r.Context(), event); err != nil {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
