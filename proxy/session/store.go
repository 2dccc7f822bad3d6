package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// StoreType selects the session storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

var (
	// ErrNotFound is returned by operations that require an existing session.
	ErrNotFound = errors.New("session not found")
	// ErrVersionConflict is returned by Put when the session was modified by
	// another writer since it was read. Callers re-read and retry.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrUnavailable wraps backend connectivity failures. Callers should
	// treat it as retryable and answer with "service unavailable".
	ErrUnavailable = errors.New("session store unavailable")
	// ErrInvalidStoreType is returned by NewStore for unknown backends.
	ErrInvalidStoreType = errors.New("invalid session store type")
	// ErrInvalidConfig is returned when a backend is missing required options.
	ErrInvalidConfig = errors.New("invalid session store configuration")
)

// EventLogger is the slice of the proxy logger the store needs for TTL
// eviction events.
type EventLogger interface {
	Event(name string, fields map[string]any)
	Warnf(format string, args ...any)
}

// Store is the session persistence contract. Keys are the
// (userID, sessionID) pair; backends derive their physical key from it.
//
// Concurrent AppendMessage calls on the same session are serialized by the
// backend; the resulting order reflects that serialization. Get returns a
// point-in-time snapshot, or (nil, nil) when the session is absent.
//
// Put upserts with optimistic locking: the stored Version must match the
// caller's snapshot or ErrVersionConflict is returned. On success the
// caller's Session has its Version advanced in place so a follow-up Put of
// the same object keeps working.
type Store interface {
	Get(ctx context.Context, sessionID, userID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	AppendMessage(ctx context.Context, sessionID, userID string, msg Message) error
	// Reset clears the conversation history. The memory zone and metadata
	// survive; only Delete destroys them.
	Reset(ctx context.Context, sessionID, userID string) error
	Delete(ctx context.Context, sessionID, userID string) error
	// CleanupExpired evicts sessions idle past the TTL and returns the count.
	// Backends with native expiry report zero.
	CleanupExpired(ctx context.Context) (int, error)
	// Healthy reports backend reachability.
	Healthy(ctx context.Context) error
	Close() error
}

type storeConfig struct {
	ttl           time.Duration
	sweepInterval time.Duration
	redisClient   *redis.Client
	logger        EventLogger
}

// StoreOption configures NewStore.
type StoreOption func(*storeConfig)

// WithTTL sets the idle lifetime of a session.
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) { c.ttl = ttl }
}

// WithSweepInterval overrides how often the memory backend sweeps for
// expired sessions.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(c *storeConfig) { c.sweepInterval = d }
}

// WithRedisClient supplies the client for the redis backend.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithLogger attaches an event logger for eviction reporting.
func WithLogger(logger EventLogger) StoreOption {
	return func(c *storeConfig) { c.logger = logger }
}

// NewStore builds a session store for the given backend type.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{
		ttl:           time.Hour,
		sweepInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(cfg), nil
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(cfg), nil
	default:
		return nil, ErrInvalidStoreType
	}
}

// storageKey is the shared physical key shape for both backends.
func storageKey(sessionID, userID string) string {
	return "session:" + userID + ":" + sessionID
}
