// Orienteer Assist - chat assistant gateway for the orienteering app.
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

	"github.com/ashureev/orienteer-assist/internal/api"
	"github.com/ashureev/orienteer-assist/internal/chat"
	"github.com/ashureev/orienteer-assist/internal/competition"
	"github.com/ashureev/orienteer-assist/internal/config"
	"github.com/ashureev/orienteer-assist/internal/identity"
	"github.com/ashureev/orienteer-assist/internal/middleware"
	"github.com/ashureev/orienteer-assist/internal/realtime"
	"github.com/ashureev/orienteer-assist/internal/store"
	"github.com/ashureev/orienteer-assist/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
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
	level.Set(cfg.SlogLevel())

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.StoreDriver)

	// Initialize dependencies.
	repo, err := openRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected")

	userID, err := identity.UserID(context.Background(), repo)
	if err != nil {
		slog.Error("Failed to resolve chat user id", "error", err)
		os.Exit(1)
	}
	slog.Info("Chat identity resolved", "user_id", userID)

	// Initialize services.
	conn := realtime.NewManager(realtime.Options{
		BaseURL:     cfg.Chat.BaseURL,
		UserID:      userID,
		BaseDelay:   cfg.Chat.ReconnectBaseDelay,
		MaxAttempts: cfg.Chat.ReconnectMaxAttempts,
		Throttle:    throttle(cfg.Chat.ConnectThrottle),
		DialTimeout: cfg.Chat.DialTimeout,
		Logger:      logger,
	})
	defer conn.Close()

	session, err := chat.NewSession(context.Background(), chat.Options{
		Conn:          conn,
		Store:         repo,
		ThinkingDelay: chat.RandomDelay(cfg.Chat.ThinkingMinDelay, cfg.Chat.ThinkingMaxDelay),
		Logger:        logger,
	})
	if err != nil {
		slog.Error("Failed to initialize chat session", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	conn.EnsureConnected()

	competitions := competition.NewClient(cfg.API.BaseURL, cfg.API.Timeout)

	// Initialize handlers.
	handler := api.NewHandler(session, conn, competitions, api.StreamConfig{
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		RetryDelay:        cfg.SSE.RetryDelay,
	})

	origins := []string{"*"}
	if cfg.FrontendURL != "" && !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	handler.RegisterRoutes(r)

	// Serve embedded client (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE streams stay open, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
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

	slog.Info("Server stopped successfully")
}

func openRepository(cfg *config.Config) (store.Repository, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return store.NewMemory(), nil
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// throttle maps the configured window onto realtime.Options, where zero
// selects the default and a negative value disables throttling.
func throttle(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
