// rentdesk - pay-per-use rental console server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/rentdesk/internal/api"
	"github.com/ashureev/rentdesk/internal/config"
	"github.com/ashureev/rentdesk/internal/console"
	"github.com/ashureev/rentdesk/internal/health"
	"github.com/ashureev/rentdesk/internal/hub"
	"github.com/ashureev/rentdesk/internal/identity"
	"github.com/ashureev/rentdesk/internal/middleware"
	"github.com/ashureev/rentdesk/internal/payment"
	"github.com/ashureev/rentdesk/internal/remote"
	"github.com/ashureev/rentdesk/internal/rental"
	"github.com/ashureev/rentdesk/internal/store"
	"github.com/ashureev/rentdesk/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "remote", cfg.Remote.BaseURL)

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

	client, err := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout, logger)
	if err != nil {
		slog.Error("Failed to initialize rental service client", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	tabs := hub.New(logger)
	consoles := console.NewManager(console.Config{
		RentalDuration: cfg.Rental.Duration,
		RentalHours:    cfg.Rental.Hours,
		DevTxSignature: cfg.Remote.DevTxSignature,
		Quote: payment.Quote{
			Receiver: cfg.Rental.Receiver,
			Amount:   cfg.Rental.Amount,
			Currency: cfg.Rental.Currency,
		},
	}, console.Deps{
		Remote: client,
		Dialer: console.EventsDialer{
			Client: client.StreamClient(),
			URL:    client.EventsURL(cfg.Remote.AgentID, cfg.Remote.AgentDescription),
			Logger: logger,
		},
		Repo:      repo,
		Publisher: tabs,
		Logger:    logger,
	})
	defer consoles.Close()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, func(ctx context.Context, userID string) (api.Console, error) {
		c, err := consoles.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	rentalHandler := api.NewRentalHandler(baseHandler, cfg)
	healthHandler := api.NewHealthHandler(repo, client)
	wsHandler := hub.NewHandler(tabs, func(ctx context.Context, userID string) (hub.Session, error) {
		c, err := consoles.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		return c, nil
	}, repo, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Routes that need an anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		rentalHandler.RegisterRoutes(r)
		r.Get("/ws/console", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket connections are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start rental reaper.
	rental.NewReaper(repo, cfg.Rental.ReaperInterval, cfg.Rental.Retention, consoles.Expire).Start(ctx)

	// Drop consoles of users with no tabs open and no running rental.
	consoles.StartEviction(ctx, cfg.Rental.ReaperInterval, cfg.Rental.ConsoleIdle, func(userID string) bool {
		return tabs.Tabs(userID) > 0
	})

	// Start gRPC health server.
	var healthSrv *health.Server
	if cfg.Health.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.Health.GRPCPort)
		if err != nil {
			slog.Error("Failed to listen for gRPC health", "error", err, "port", cfg.Health.GRPCPort)
			os.Exit(1)
		}
		healthSrv = health.NewServer(client, cfg.Health.ProbeInterval)
		healthSrv.StartProbing(ctx)
		go func() {
			if err := healthSrv.Serve(lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
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

	if healthSrv != nil {
		healthSrv.Stop()
	}
	tabs.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
