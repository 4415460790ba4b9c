package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/shiftkiosk/internal/config"
	"github.com/goodtune/shiftkiosk/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client     *redis.Client
	sessions   *sessionStore
	units      *unitStore
	shifts     *shiftStore
	shiftLogs  *shiftLogStore
	users      *userStore
	adminUsers *adminUserStore
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

	return &Store{
		client:     client,
		sessions:   &sessionStore{client: client},
		units:      &unitStore{client: client},
		shifts:     &shiftStore{client: client},
		shiftLogs:  &shiftLogStore{client: client},
		users:      &userStore{client: client},
		adminUsers: &adminUserStore{client: client},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore { return s.sessions }

// Units returns the UnitStore implementation
func (s *Store) Units() storage.UnitStore { return s.units }

// Shifts returns the ShiftStore implementation
func (s *Store) Shifts() storage.ShiftStore { return s.shifts }

// ShiftLogs returns the ShiftLogStore implementation
func (s *Store) ShiftLogs() storage.ShiftLogStore { return s.shiftLogs }

// Users returns the UserStore implementation
func (s *Store) Users() storage.UserStore { return s.users }

// AdminUsers returns the AdminUserStore implementation
func (s *Store) AdminUsers() storage.AdminUserStore { return s.adminUsers }
