package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/zhouzirui/lead-relay/backend/internal/metrics"
	"github.com/zhouzirui/lead-relay/backend/internal/model/chat"
)

// DefaultCapacity is the number of sessions kept when no capacity is configured.
const DefaultCapacity = 100

var (
	ErrSessionRequired = errors.New("session id is required")
	ErrSessionNotFound = errors.New("session not found")
)

// Store keeps session transcripts in memory.
//
// Sessions are evicted oldest-created first once Capacity is reached,
// regardless of how recently they were used.
type Store struct {
	mu       sync.RWMutex
	sessions *orderedmap.OrderedMap[string, *chat.Session]
	capacity int
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewStore creates a store bounded to capacity sessions. A non-positive
// capacity falls back to DefaultCapacity.
func NewStore(capacity int, m *metrics.Metrics) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		sessions: orderedmap.New[string, *chat.Session](),
		capacity: capacity,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append adds message to the session transcript, creating the session if needed.
func (s *Store) Append(_ context.Context, sessionID string, message chat.Message) error {
	if sessionID == "" {
		return ErrSessionRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getOrCreateLocked(sessionID)
	sess.Transcript = append(sess.Transcript, s.stampLocked(sess, message))
	sess.LastActivity = s.now()
	return nil
}

// Mutate applies fn to the session transcript under the store lock. fn
// receives a copy and returns the transcript to store. A missing session is
// only created when fn returns a non-empty transcript.
func (s *Store) Mutate(_ context.Context, sessionID string, fn func([]chat.Message) []chat.Message) ([]chat.Message, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current []chat.Message
	sess, ok := s.sessions.Get(sessionID)
	if ok {
		current = cloneTranscript(sess.Transcript)
	}

	next := fn(current)
	if !ok {
		if len(next) == 0 {
			return nil, nil
		}
		sess = s.getOrCreateLocked(sessionID)
	}

	for i := range next {
		if next[i].ID == "" {
			next[i] = s.stampLocked(&chat.Session{Transcript: next[:i]}, next[i])
		}
	}

	sess.Transcript = next
	sess.LastActivity = s.now()
	return cloneTranscript(next), nil
}

// Get returns a copy of the transcript, empty for unknown sessions.
func (s *Store) Get(_ context.Context, sessionID string) []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return []chat.Message{}
	}
	return cloneTranscript(sess.Transcript)
}

// Session returns a snapshot of the session.
func (s *Store) Session(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}

	snapshot := *sess
	snapshot.Transcript = cloneTranscript(sess.Transcript)
	return snapshot, nil
}

// Clear removes the session. It reports whether anything was removed.
func (s *Store) Clear(_ context.Context, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, removed := s.sessions.Delete(sessionID)
	if removed {
		s.metrics.SetSessions(s.sessions.Len())
	}
	return removed
}

// Sessions lists session ids in creation order.
func (s *Store) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, s.sessions.Len())
	for pair := s.sessions.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// Len reports the number of stored sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions.Len()
}

// Capacity reports the configured bound.
func (s *Store) Capacity() int {
	return s.capacity
}

func (s *Store) getOrCreateLocked(sessionID string) *chat.Session {
	if sess, ok := s.sessions.Get(sessionID); ok {
		return sess
	}

	// 插入与淘汰在同一临界区内完成，读者不会看到超过容量的状态。
	for s.sessions.Len() >= s.capacity {
		oldest := s.sessions.Oldest()
		if oldest == nil {
			break
		}
		s.sessions.Delete(oldest.Key)
		s.metrics.Evicted()
	}

	now := s.now()
	sess := &chat.Session{
		ID:           sessionID,
		Transcript:   make([]chat.Message, 0, 16),
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions.Set(sessionID, sess)
	s.metrics.SetSessions(s.sessions.Len())
	return sess
}

// stampLocked assigns an id and keeps CreatedAt non-decreasing within the transcript.
func (s *Store) stampLocked(sess *chat.Session, message chat.Message) chat.Message {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	if n := len(sess.Transcript); n > 0 {
		if prev := sess.Transcript[n-1].CreatedAt; message.CreatedAt.Before(prev) {
			message.CreatedAt = prev
		}
	}
	if message.UpdatedAt.Before(message.CreatedAt) {
		message.UpdatedAt = message.CreatedAt
	}
	return message
}

func cloneTranscript(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in))
	copy(out, in)
	return out
}
