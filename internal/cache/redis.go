package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/dispatch/config"
	"example.com/storefront/services/dispatch/internal/models"
)

const userKeyTTL = 10 * time.Minute

// RedisCache provides caching using Redis
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache. A disabled or unreachable Redis
// degrades to a pass-through cache; callers fall back to the store.
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return &RedisCache{enabled: false}, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{client: client, enabled: true}, nil
}

// Enabled reports whether the cache is active.
func (c *RedisCache) Enabled() bool {
	return c != nil && c.enabled
}

// GetUser returns a cached user, or false on a miss or any cache error.
func (c *RedisCache) GetUser(ctx context.Context, id uint) (*models.User, bool) {
	if !c.Enabled() {
		return nil, false
	}

	data, err := c.client.Get(ctx, userKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Uint("user_id", id).Msg("Redis get failed")
		}
		return nil, false
	}

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		log.Debug().Err(err).Uint("user_id", id).Msg("Failed to decode cached user")
		return nil, false
	}
	return &user, true
}

// SetUser caches a user. Best effort: failures are logged and ignored.
func (c *RedisCache) SetUser(ctx context.Context, user *models.User) {
	if !c.Enabled() || user == nil {
		return
	}

	data, err := json.Marshal(user)
	if err != nil {
		log.Debug().Err(err).Uint("user_id", user.ID).Msg("Failed to encode user for cache")
		return
	}

	if err := c.client.Set(ctx, userKey(user.ID), data, userKeyTTL).Err(); err != nil {
		log.Debug().Err(err).Uint("user_id", user.ID).Msg("Redis set failed")
	}
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

func userKey(id uint) string {
	return fmt.Sprintf("dispatch:user:%d", id)
}
