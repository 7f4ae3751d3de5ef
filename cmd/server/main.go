// WhatsApp multi-session messaging gateway server.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/serviq/whatsapp-backend/internal/api"
	"github.com/serviq/whatsapp-backend/internal/auth"
	"github.com/serviq/whatsapp-backend/internal/bridge"
	"github.com/serviq/whatsapp-backend/internal/config"
	"github.com/serviq/whatsapp-backend/internal/middleware"
	"github.com/serviq/whatsapp-backend/internal/protocol/meow"
	"github.com/serviq/whatsapp-backend/internal/session"
	"github.com/serviq/whatsapp-backend/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	dialer, err := meow.NewDialer(cfg.WADBDir, cfg.QRTerminal)
	if err != nil {
		slog.Error("Failed to initialize protocol dialer", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	registry := session.NewRegistry()
	hub := bridge.NewHub()
	mgr := session.NewManager(repo, dialer, registry, hub, session.ReconnectPolicy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
	})

	// Initialize handlers.
	verifier := auth.NewVerifier(cfg.AuthSecret)
	apiHandler := api.NewHandler(repo)
	wsHandler := bridge.NewHandler(hub, mgr, verifier, cfg.AllowedOrigins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Authenticated REST routes.
	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)
		apiHandler.RegisterRoutes(r)
	})

	// WebSocket endpoint; the handler does its own auth during handshake.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Resume sessions that still hold credentials from a previous run.
	if err := mgr.ResumeAll(context.Background()); err != nil {
		slog.Error("Failed to resume stored sessions", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	mgr.Close()
	slog.Info("Server stopped successfully")
}
