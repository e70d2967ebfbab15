package sessionstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yanqian/agrivision/internal/domain/session"
)

// MemoryStore keeps sessions in process memory. Expired entries are hidden from Get
// and removed by Sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	now      func() time.Time
}

// NewMemoryStore constructs a store backed by process memory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]session.Session),
		now:      time.Now,
	}
}

// Save implements session.Store.
func (s *MemoryStore) Save(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Get implements session.Store.
func (s *MemoryStore) Get(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || hasExpired(sess.ExpiresAt, s.now()) {
		return session.Session{}, session.ErrNotFound
	}
	return cloneSession(sess), nil
}

// Sweep implements session.Store.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for id, sess := range s.sessions {
		if hasExpired(sess.ExpiresAt, now) {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

func cloneSession(sess session.Session) session.Session {
	if sess.Image != nil {
		ref := *sess.Image
		sess.Image = &ref
	}
	return sess
}

func hasExpired(ts, now time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return !ts.After(now)
}

var _ session.Store = (*MemoryStore)(nil)
