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

	"github.com/redis/go-redis/v9"

	"cocktail-auth/internal/config"
	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/handler"
	"cocktail-auth/internal/identitycache"
	"cocktail-auth/internal/messaging"
	"cocktail-auth/internal/middleware"
	"cocktail-auth/internal/observability"
	"cocktail-auth/internal/session"
	ws "cocktail-auth/internal/websocket"
)

// watchableCache is an identity cache other processes can change under us
type watchableCache interface {
	session.IdentityCache
	Watch(ctx context.Context, onChange func(context.Context)) error
}

func main() {
	cfg := config.Load()

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := os.Getenv("LOG_FORMAT")
	if logFormat == "" {
		logFormat = "text"
	}
	logger := observability.InitLogger(logLevel, logFormat)

	slog.Info("starting session agent",
		slog.String("backend", cfg.BackendURL),
		slog.String("identity_cache", cfg.IdentityCache))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, err := session.NewHTTPTransport(cfg.BackendURL)
	if err != nil {
		slog.Error("invalid backend url", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checks := map[string]handler.Check{}

	cache, watcher, closeCache, err := openCache(cfg, checks)
	if err != nil {
		slog.Error("failed to open identity cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeCache()

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithSettleDelay(cfg.SettleDelay),
		session.WithRetryPolicy(session.RetryPolicy{
			MaxAttempts:          cfg.MaxAttempts,
			BaseDelay:            cfg.RetryBaseDelay,
			RefreshBeforeAttempt: session.DefaultRetryPolicy().RefreshBeforeAttempt,
		}),
	}
	if cfg.ClearOnUnauthorized {
		opts = append(opts, session.WithClearOnUnauthorized())
	}

	coord := session.NewCoordinator(
		transport,
		session.NewCookieTokenStore(transport),
		cache,
		session.NewBroadcast(),
		opts...,
	)

	resumeSession(ctx, coord)

	if watcher != nil {
		go func() {
			err := watcher.Watch(ctx, func(ctx context.Context) {
				coord.Reconcile(ctx)
			})
			if err != nil {
				slog.Error("identity cache watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if rmq := connectEvents(ctx, cfg.RabbitMQURL); rmq != nil {
		defer rmq.Close()

		consumer := messaging.NewAccountEventConsumer(rmq, func(ctx context.Context, event domain.AccountEvent) {
			coord.HandleAccountEvent(ctx, event)
		})
		if err := consumer.Start(ctx); err != nil {
			slog.Warn("account events disabled", slog.String("error", err.Error()))
		} else {
			checks["rabbitmq"] = handler.RabbitMQCheck(rmq)
		}
	}

	hub := ws.NewHub()
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("identity hub stopped", slog.String("error", err.Error()))
		}
	}()
	detach := hub.Attach(coord.Broadcast())
	defer detach()

	router := handler.NewAgentRouter(handler.AgentOptions{
		Sessions:       coord,
		IdentityStream: handler.NewIdentityStreamHandler(hub, coord, middleware.ParseOrigins(cfg.AllowedOrigins)),
		ReadyChecks:    checks,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.AgentPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("session agent listening", slog.String("port", cfg.AgentPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down session agent")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
	}

	cancel()

	slog.Info("session agent stopped")
}

// resumeSession restores the cached identity and confirms it with the server, so
// changes made while the agent was down (a ban, a role change) show up at once.
func resumeSession(ctx context.Context, coord *session.Coordinator) *domain.Identity {
	identity := coord.Resume(ctx)
	if identity == nil {
		return nil
	}
	slog.Info("resumed cached identity", slog.String("user_id", identity.ID))

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return coord.SilentCheck(checkCtx)
}

// openCache builds the configured identity cache. The returned watcher is nil for
// caches no other process can see.
func openCache(cfg *config.Config, checks map[string]handler.Check) (session.IdentityCache, watchableCache, func(), error) {
	switch cfg.IdentityCache {
	case config.CacheMemory:
		return identitycache.NewMemory(), nil, func() {}, nil

	case config.CacheRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		checks["redis"] = handler.PingCheck(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		cache := identitycache.NewRedis(client, cfg.CacheProfile)
		return cache, cache, func() { _ = client.Close() }, nil

	default:
		path := cfg.IdentityCachePath
		if path == "" {
			var err error
			if path, err = identitycache.DefaultPath(); err != nil {
				return nil, nil, nil, err
			}
		}
		cache := identitycache.NewFile(path)
		slog.Info("using file identity cache", slog.String("path", cache.Path()))
		return cache, cache, func() {}, nil
	}
}

// connectEvents is best effort: the agent still works without account events,
// it just learns about bans on the next silent check.
func connectEvents(ctx context.Context, url string) *messaging.RabbitMQ {
	if url == "" {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	rmq, err := messaging.NewRabbitMQWithRetry(connCtx, url)
	if err != nil {
		slog.Warn("account events unavailable", slog.String("error", err.Error()))
		return nil
	}
	return rmq
}
