// Package session is the short-lived tier: per (user, session) turn sequences
// that expire after a period of inactivity.
package session

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/xiy/memory-engine/pkg/types"
)

// ErrNotFound is returned when a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

type key struct {
	userID    string
	sessionID string
}

type entry struct {
	session   types.Session
	expiresAt time.Time
}

// Store is an in-process TTL session store. Expiry is enforced on every
// access and reclaimed in bulk by Sweep.
type Store struct {
	ttl         time.Duration
	maxMessages int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[key]*entry
}

// NewStore builds an empty store. maxMessages <= 0 keeps every message.
func NewStore(ttl time.Duration, maxMessages int) *Store {
	return &Store{
		ttl:         ttl,
		maxMessages: maxMessages,
		now:         func() time.Time { return time.Now().UTC() },
		sessions:    make(map[key]*entry),
	}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// live returns the entry if present and unexpired; expired entries are dropped.
func (s *Store) live(k key, now time.Time) *entry {
	e, ok := s.sessions[k]
	if !ok {
		return nil
	}
	if !now.Before(e.expiresAt) {
		delete(s.sessions, k)
		return nil
	}
	return e
}

func (s *Store) touch(e *entry, now time.Time) {
	e.session.LastAccessedAt = now
	e.expiresAt = now.Add(s.ttl)
	e.session.ExpiresAt = e.expiresAt
}

// Append adds a message, creating the session on first use. Timestamps never
// go backwards within a session.
func (s *Store) Append(ctx context.Context, userID, sessionID string, msg types.Message) (types.Session, error) {
	if err := ctx.Err(); err != nil {
		return types.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := key{userID, sessionID}
	e := s.live(k, now)
	if e == nil {
		e = &entry{session: types.Session{
			UserID:    userID,
			SessionID: sessionID,
			Context:   map[string]string{},
			StartedAt: now,
		}}
		s.sessions[k] = e
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if n := len(e.session.Messages); n > 0 && msg.Timestamp.Before(e.session.Messages[n-1].Timestamp) {
		msg.Timestamp = e.session.Messages[n-1].Timestamp
	}
	e.session.Messages = append(e.session.Messages, msg)
	if s.maxMessages > 0 && len(e.session.Messages) > s.maxMessages {
		e.session.Messages = slices.Clone(e.session.Messages[len(e.session.Messages)-s.maxMessages:])
	}
	s.touch(e, now)
	return cloneSession(e.session), nil
}

// Messages returns the session's turns oldest first. A missing or expired
// session yields no messages and no error.
func (s *Store) Messages(ctx context.Context, userID, sessionID string) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key{userID, sessionID}, now)
	if e == nil {
		return []types.Message{}, nil
	}
	s.touch(e, now)
	return slices.Clone(e.session.Messages), nil
}

// Get returns the full session, including its context map.
func (s *Store) Get(ctx context.Context, userID, sessionID string) (types.Session, error) {
	if err := ctx.Err(); err != nil {
		return types.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key{userID, sessionID}, now)
	if e == nil {
		return types.Session{}, ErrNotFound
	}
	s.touch(e, now)
	return cloneSession(e.session), nil
}

// UpdateContext merges values into the session's context map. Empty values delete keys.
func (s *Store) UpdateContext(ctx context.Context, userID, sessionID string, values map[string]string) (types.Session, error) {
	if err := ctx.Err(); err != nil {
		return types.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := s.live(key{userID, sessionID}, now)
	if e == nil {
		return types.Session{}, ErrNotFound
	}
	for k, v := range values {
		if v == "" {
			delete(e.session.Context, k)
			continue
		}
		e.session.Context[k] = v
	}
	s.touch(e, now)
	return cloneSession(e.session), nil
}

// Delete removes a session immediately.
func (s *Store) Delete(ctx context.Context, userID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, key{userID, sessionID})
	s.mu.Unlock()
	return nil
}

// Sweep drops every expired session and reports how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for k, e := range s.sessions {
		if !now.Before(e.expiresAt) {
			delete(s.sessions, k)
			n++
		}
	}
	return n, nil
}

// CountForUser returns live sessions and their total message count for a user.
func (s *Store) CountForUser(userID string) (sessions, messages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.sessions {
		if k.userID != userID || !now.Before(e.expiresAt) {
			continue
		}
		sessions++
		messages += len(e.session.Messages)
	}
	return sessions, messages
}

// Len returns the number of tracked sessions, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func cloneSession(in types.Session) types.Session {
	out := in
	out.Messages = slices.Clone(in.Messages)
	out.Context = maps.Clone(in.Context)
	return out
}
