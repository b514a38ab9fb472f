package identitycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"cocktail-auth/internal/domain"
	"cocktail-auth/internal/observability"
)

const (
	redisKeyPrefix     = "cocktail:identity:"
	redisChannelSuffix = ":changed"
)

// Redis shares the identity between processes through a Redis key. Every change
// is announced on a pub/sub channel so other processes can reconcile.
type Redis struct {
	client  redis.UniversalClient
	key     string
	channel string
	logger  *slog.Logger
}

// NewRedis creates a cache stored under cocktail:identity:<profile>
func NewRedis(client redis.UniversalClient, profile string) *Redis {
	if profile == "" {
		profile = "default"
	}
	key := redisKeyPrefix + profile
	return &Redis{
		client:  client,
		key:     key,
		channel: key + redisChannelSuffix,
		logger:  observability.FromContext(context.Background()).With("cache", "redis", "key", key),
	}
}

// Key returns the Redis key holding the identity
func (r *Redis) Key() string {
	return r.key
}

func (r *Redis) Load(ctx context.Context) *domain.Identity {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("failed to read identity cache", "error", err)
		}
		return nil
	}
	return decode(r.logger, data)
}

func (r *Redis) Save(ctx context.Context, identity domain.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}

	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	r.announce(ctx)
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	r.announce(ctx)
	return nil
}

// Watch calls onChange whenever any process changes the identity, until ctx is done.
func (r *Redis) Watch(ctx context.Context, onChange func(context.Context)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so no change is missed after return.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			onChange(ctx)
		}
	}
}

func (r *Redis) announce(ctx context.Context) {
	if err := r.client.Publish(ctx, r.channel, "changed").Err(); err != nil {
		r.logger.Warn("failed to announce identity change", "error", err)
	}
}
