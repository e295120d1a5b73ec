package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/pricefleet/internal/config"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pricefleet"

// Store implements the storage.Store interface using Redis
type Store struct {
	client         *redis.Client
	costStore      *costStore
	lifecycleStore *lifecycleStore
	searchStore    *searchStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
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

	// Host may already carry the port
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client), nil
}

func newStore(client *redis.Client) *Store {
	appendScript := redis.NewScript(appendRecordScript)
	deleteScript := redis.NewScript(deleteBeforeScript)

	return &Store{
		client:         client,
		costStore:      &costStore{client: client, append: appendScript, deleteBefore: deleteScript},
		lifecycleStore: &lifecycleStore{client: client, append: appendScript, deleteBefore: deleteScript},
		searchStore: &searchStore{
			client:       client,
			append:       appendScript,
			deleteBefore: deleteScript,
			putResult:    redis.NewScript(putResultScript),
		},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Costs returns the CostStore implementation
func (s *Store) Costs() storage.CostStore {
	return s.costStore
}

// Lifecycle returns the LifecycleStore implementation
func (s *Store) Lifecycle() storage.LifecycleStore {
	return s.lifecycleStore
}

// Searches returns the SearchStore implementation
func (s *Store) Searches() storage.SearchStore {
	return s.searchStore
}

// scoreArg maps a timestamp onto a sorted-set score.
func scoreArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}
