package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/foresee/internal/config"
	"github.com/goodtune/foresee/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by the store.
const DefaultKeyPrefix = "foresee"

// Store implements the storage.Store interface using Redis
type Store struct {
	client     *redis.Client
	alertStore *alertStore
	usageStore *usageStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	keys := keyspace{prefix: prefix}

	return &Store{
		client:     client,
		alertStore: &alertStore{client: client, keys: keys},
		usageStore: &usageStore{client: client, keys: keys},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks that Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Alerts returns the AlertStore implementation
func (s *Store) Alerts() storage.AlertStore {
	return s.alertStore
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}

// keyspace builds the Redis keys used by the stores.
type keyspace struct {
	prefix string
}

func (k keyspace) alert(appID string) string {
	return fmt.Sprintf("%s:alert:%s", k.prefix, appID)
}

func (k keyspace) alertIndex() string {
	return k.prefix + ":alerts"
}

func (k keyspace) usage(appID string) string {
	return fmt.Sprintf("%s:usage:app:%s", k.prefix, appID)
}

func (k keyspace) usageIndex() string {
	return k.prefix + ":usage:last_used"
}
