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

	"cocktail-auth/internal/config"
	"cocktail-auth/internal/handler"
	"cocktail-auth/internal/messaging"
	"cocktail-auth/internal/middleware"
	"cocktail-auth/internal/observability"
	"cocktail-auth/internal/repository/postgres"
	"cocktail-auth/internal/security"
	"cocktail-auth/internal/service"
)

func main() {
	cfg := config.Load()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "json"
	}
	observability.InitLogger(logLevel, logFormat)

	slog.Info("starting auth server", slog.String("environment", cfg.Environment))

	connCtx, connCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer connCancel()

	db, err := config.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(connCtx); err != nil {
		slog.Error("database ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := postgres.Migrate(connCtx, db); err != nil {
		slog.Error("database migration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("connected to postgresql")

	rmqCtx, rmqCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer rmqCancel()

	rmq, err := messaging.NewRabbitMQWithRetry(rmqCtx, cfg.RabbitMQURL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rmq.Close()

	userRepo := postgres.NewUserRepository(db)
	sessionRepo, err := postgres.NewSessionRepository(db)
	if err != nil {
		slog.Error("failed to prepare session repository", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sessionRepo.Close()

	authService := service.NewAuthService(userRepo, sessionRepo, rmq)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go config.ReportPoolStats(ctx, db, 15*time.Second)
	go startSessionCleanup(ctx, authService)
	slog.Info("session cleanup task started")

	authLimiter := middleware.NewRateLimiter(5, 10)
	defer authLimiter.Stop()

	router := handler.NewBackendRouter(handler.BackendOptions{
		AuthService:    authService,
		Tokens:         security.NewTokenManager(cfg.SessionSecret),
		CookieSecure:   cfg.CookieSecure,
		AllowedOrigins: middleware.ParseOrigins(cfg.AllowedOrigins),
		ReadyChecks: map[string]handler.Check{
			"database": handler.DatabaseCheck(db),
			"rabbitmq": handler.RabbitMQCheck(rmq),
		},
		OpenAPI:     middleware.DefaultOpenAPIValidatorConfig(cfg.OpenAPISpecPath, cfg.OpenAPIValidation),
		AuthLimiter: authLimiter,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("auth server listening", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	slog.Info("server stopped gracefully")
}

// startSessionCleanup runs a background task to delete expired sessions
func startSessionCleanup(ctx context.Context, authService *service.AuthService) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping session cleanup task")
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			count, err := authService.CleanupExpiredSessions(cleanupCtx)
			if err != nil {
				slog.Error("session cleanup failed", slog.String("error", err.Error()))
			} else {
				slog.Info("session cleanup completed",
					slog.Int64("sessions_deleted", count))
			}
			cancel()
		}
	}
}
