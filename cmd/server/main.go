// Stepflow questionnaire server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/stepflow/internal/api"
	"github.com/ashureev/stepflow/internal/config"
	"github.com/ashureev/stepflow/internal/identity"
	"github.com/ashureev/stepflow/internal/middleware"
	"github.com/ashureev/stepflow/internal/relay"
	"github.com/ashureev/stepflow/internal/retry"
	"github.com/ashureev/stepflow/internal/store"
	"github.com/ashureev/stepflow/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"total_steps", cfg.Flow.TotalSteps,
		"agent_step", cfg.Flow.AgentStep)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, cfg)
	healthHandler := api.NewHealthHandler(repo)

	var chatHandler *relay.Handler
	if cfg.ChatEnabled() {
		upstream := relay.NewDirectLine(cfg.Relay.DirectLineURL, cfg.Relay.DirectLineSecret, nil)
		transport := retry.New(cfg.Retry.Delay, retry.WithLogger(logger))
		chatRelay := relay.New(upstream, transport, relay.Config{
			SendAttempts: cfg.Retry.MaxAttempts,
			Retention:    cfg.Relay.DedupRetention,
			Logger:       logger,
		})
		limiter := relay.NewRateLimiter(ctx, cfg.Relay.RateLimitRequests, cfg.Relay.RateLimitWindow)
		chatHandler = relay.NewHandler(chatRelay, limiter)

		relay.StartSweeper(ctx, chatRelay, cfg.Relay.SweepInterval)
		slog.Info("Chat relay enabled", "dedup_retention", cfg.Relay.DedupRetention, "sweep_interval", cfg.Relay.SweepInterval)
	} else {
		slog.Info("Chat relay disabled (DIRECTLINE_SECRET not set)")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg), identity.SessionHeaderName))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		baseHandler.RegisterRoutes(r)
		if chatHandler != nil {
			chatHandler.RegisterRoutes(r)
		}
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// allowedOrigins permits any origin in development and only the configured
// frontend otherwise.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
