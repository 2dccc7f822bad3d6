package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTxRetries bounds how often a WATCH transaction is re-run when another
// writer touches the key mid-flight. Every failed attempt means some other
// writer committed, so the budget has to exceed the number of writers that
// can contend for one key at once.
const redisTxRetries = 128

// RedisStore persists sessions as JSON values with a native TTL, refreshed on
// every write and read. Expiry is redis's job; CleanupExpired is a no-op.
//
// All mutations run inside WATCH/MULTI/EXEC so replicas sharing one redis
// never lose updates: Put checks the Version of the caller's snapshot and
// returns ErrVersionConflict on a mismatch, while AppendMessage and Reset
// re-read inside the transaction and retry when the watched key changes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger EventLogger
}

func newRedisStore(cfg *storeConfig) *RedisStore {
	return &RedisStore{
		client: cfg.redisClient,
		ttl:    cfg.ttl,
		logger: cfg.logger,
	}
}

func (s *RedisStore) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	key := storageKey(sessionID, userID)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w: %w", key, ErrUnavailable, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("redis get %s: corrupt session record: %w", key, err)
	}

	// Refresh TTL on read so active conversations stay alive.
	if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil && s.logger != nil {
		s.logger.Warnf("redis ttl refresh failed for %s: %v", key, err)
	}
	return &sess, nil
}

// getWatched reads the session inside a transaction. Returns nil when absent.
func getWatched(ctx context.Context, tx *redis.Tx, key string) (*Session, error) {
	val, err := tx.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	return &sess, nil
}

// writeWatched commits the session in the watched transaction, bumping its
// version and refreshing the TTL.
func (s *RedisStore) writeWatched(ctx context.Context, tx *redis.Tx, key string, sess *Session) error {
	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.SessionID, err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, s.ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	key := storageKey(sess.SessionID, sess.UserID)
	working := sess.Clone()

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := getWatched(ctx, tx, key)
		if err != nil {
			return err
		}
		if stored != nil && stored.Version != working.Version {
			return ErrVersionConflict
		}
		return s.writeWatched(ctx, tx, key, working)
	}, key)

	switch {
	case err == nil:
		sess.Version = working.Version
		sess.UpdatedAt = working.UpdatedAt
		return nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		// TxFailedErr means another writer won the race after our version
		// check passed; to the caller that is the same staleness.
		return ErrVersionConflict
	default:
		return fmt.Errorf("redis put %s: %w: %w", key, ErrUnavailable, err)
	}
}

// mutateWatched runs a read-modify-write atomically, retrying when a
// concurrent writer invalidates the watched key.
func (s *RedisStore) mutateWatched(ctx context.Context, key string, mutate func(*Session) (*Session, error)) error {
	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			stored, err := getWatched(ctx, tx, key)
			if err != nil {
				return err
			}
			next, err := mutate(stored)
			if err != nil {
				return err
			}
			return s.writeWatched(ctx, tx, key, next)
		}, key)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			return err
		default:
			return fmt.Errorf("redis tx %s: %w: %w", key, ErrUnavailable, err)
		}
	}
	return fmt.Errorf("redis tx %s: retries exhausted under contention: %w", key, ErrUnavailable)
}

func (s *RedisStore) AppendMessage(ctx context.Context, sessionID, userID string, msg Message) error {
	key := storageKey(sessionID, userID)
	return s.mutateWatched(ctx, key, func(stored *Session) (*Session, error) {
		if stored == nil {
			stored = New(sessionID, userID)
		}
		stored.History = append(stored.History, msg)
		return stored, nil
	})
}

func (s *RedisStore) Reset(ctx context.Context, sessionID, userID string) error {
	key := storageKey(sessionID, userID)
	return s.mutateWatched(ctx, key, func(stored *Session) (*Session, error) {
		if stored == nil {
			return nil, ErrNotFound
		}
		stored.History = []Message{}
		return stored, nil
	})
}

func (s *RedisStore) Delete(ctx context.Context, sessionID, userID string) error {
	key := storageKey(sessionID, userID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w: %w", key, ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Healthy(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
