package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in an in-process map. A background sweeper
// evicts sessions whose updatedAt + ttl has passed.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl    time.Duration
	logger EventLogger

	stop     chan struct{}
	stopOnce sync.Once
}

func newMemoryStore(cfg *storeConfig) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      cfg.ttl,
		logger:   cfg.logger,
		stop:     make(chan struct{}),
	}
	go s.sweepLoop(cfg.sweepInterval)
	return s
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, _ := s.CleanupExpired(context.Background()); n > 0 && s.logger != nil {
				s.logger.Warnf("evicted %d expired session(s)", n)
			}
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[storageKey(sessionID, userID)]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storageKey(sess.SessionID, sess.UserID)
	if stored, ok := s.sessions[key]; ok && stored.Version != sess.Version {
		return ErrVersionConflict
	}
	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[key] = sess.Clone()
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID, userID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storageKey(sessionID, userID)
	sess, ok := s.sessions[key]
	if !ok {
		sess = New(sessionID, userID)
		s.sessions[key] = sess
	}
	sess.History = append(sess.History, msg)
	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[storageKey(sessionID, userID)]
	if !ok {
		return ErrNotFound
	}
	sess.History = []Message{}
	sess.Version++
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, storageKey(sessionID, userID))
	return nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	var expired []*Session
	for key, sess := range s.sessions {
		if now.Sub(sess.UpdatedAt) > s.ttl {
			expired = append(expired, sess)
			delete(s.sessions, key)
		}
	}
	s.mu.Unlock()

	if s.logger != nil {
		for _, sess := range expired {
			s.logger.Event("session_expired", map[string]any{
				"session_key": sess.SessionID,
				"user_id":     sess.UserID,
				"idle_for":    now.Sub(sess.UpdatedAt).String(),
			})
		}
	}
	return len(expired), nil
}

func (s *MemoryStore) Healthy(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
