package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	httpAdapter "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http"
	mw "github.com/lorrc/service-desk-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/memory"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/postgres"
	"github.com/lorrc/service-desk-realtime/internal/adapters/secondary/redisbus"
	"github.com/lorrc/service-desk-realtime/internal/auth"
	"github.com/lorrc/service-desk-realtime/internal/config"
	"github.com/lorrc/service-desk-realtime/internal/core/ports"
	"github.com/lorrc/service-desk-realtime/internal/core/services"
	"github.com/lorrc/service-desk-realtime/internal/infrastructure/logging"
)

// memoryRetention caps messages kept per ticket without a database.
const memoryRetention = 500

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecks := map[string]httpAdapter.HealthChecker{}

	// 3. Message storage: Postgres when configured, memory otherwise
	var messageRepo ports.MessageRepository
	if cfg.Database.URL != "" {
		if err := postgres.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL, logger); err != nil {
			logger.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}

		pool, err := newPool(ctx, cfg)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connection established")

		messageRepo = postgres.NewMessageRepository(pool)
		healthChecks["database"] = pool
	} else {
		logger.Warn("DATABASE_URL not set, keeping message history in memory")
		messageRepo = memory.NewMessageRepository(memoryRetention)
	}

	// 4. Initialize Security & Real-time Components
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	var broadcaster ports.EventBroadcaster = hub
	if cfg.Redis.URL != "" {
		client, err := redisbus.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		bus := redisbus.New(client, cfg.Redis.Channel, hub, logger)
		if err := bus.Start(ctx); err != nil {
			logger.Error("failed to subscribe to redis channel", "error", err)
			os.Exit(1)
		}
		defer bus.Close()

		broadcaster = bus
		healthChecks["redis"] = bus
		logger.Info("redis fan-out enabled", "channel", cfg.Redis.Channel)
	}

	// 5. Initialize Rate Limiters
	var generalRateLimiter, authRateLimiter, ticketRateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		generalRateLimiter = mw.NewRateLimiter(ctx, mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		}, logger)
		authRateLimiter = mw.NewRateLimiter(ctx, mw.AuthRateLimiterConfig(), logger)
		// Ticket routes are also charged per authenticated user.
		ticketRateLimiter = mw.NewRateLimiter(ctx, mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
			Key:               mw.UserOrIP,
			Name:              "tickets",
		}, logger)
	}

	// 6. Dependency Injection (Wiring the Hexagon)
	errorHandler := httpAdapter.NewErrorHandler(logger)
	messageService := services.NewMessageService(messageRepo, broadcaster, logger)

	messageHandler := httpAdapter.NewMessageHandler(messageService, errorHandler, logger)
	authHandler := httpAdapter.NewAuthHandler(tokenManager, errorHandler, logger)
	wsHandler := httpAdapter.NewWebSocketHandler(hub, tokenManager, messageService, cfg, logger)
	healthHandler := httpAdapter.NewHealthHandler(healthChecks, hub, cfg.App.Version)

	// 7. Setup Router
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))
	r.Use(cors.Handler(corsOptions(cfg)))

	// Apply general rate limiting if enabled
	if generalRateLimiter != nil {
		r.Use(generalRateLimiter.Middleware)
	}

	// Health check endpoints (outside /api/v1 for standard probe paths)
	healthHandler.RegisterRoutes(r)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Token minting for local development only
		if !cfg.IsProduction() {
			r.Group(func(r chi.Router) {
				if authRateLimiter != nil {
					r.Use(authRateLimiter.Middleware)
				}
				r.Route("/auth", authHandler.RegisterRoutes)
			})
		}

		// WebSocket route (Authentication is handled inside the handler)
		r.Get("/ws", wsHandler.ServeHTTP)

		// Protected REST routes
		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(tokenManager))
			if ticketRateLimiter != nil {
				r.Use(ticketRateLimiter.Middleware)
			}
			r.Route("/tickets", messageHandler.RegisterRoutes)
		})
	})

	// 8. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the hub
	// closes them once ctx is done.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		logger.Warn("hub did not stop before the shutdown deadline")
	}

	logger.Info("server shutdown complete")
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// corsOptions allows the dashboard origins listed in WS_ALLOWED_ORIGINS,
// or any origin in development.
func corsOptions(cfg *config.Config) cors.Options {
	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = origins[:0]
		for _, host := range cfg.WebSocket.AllowedOrigins {
			host = strings.TrimSpace(host)
			origins = append(origins, "https://"+host, "http://"+host)
		}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mw.RequestIDHeader},
		ExposedHeaders:   []string{mw.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}
}
