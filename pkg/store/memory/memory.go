// Package memory is the in-process implementation of the quota and capture
// stores. It backs tests and databaseless development runs; production
// deployments use pkg/store/postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soullab/maia-voice/pkg/core/capture"
	"github.com/soullab/maia-voice/pkg/core/quota"
)

// Store holds everything behind one mutex. Operations are cheap; contention
// is not a concern at test/dev scale.
type Store struct {
	mu sync.Mutex

	quotas   map[string]*quota.Quota
	usage    []quota.Entry
	sessions map[string]*capture.Session
	notes    map[string][]capture.Note
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		quotas:   make(map[string]*quota.Quota),
		sessions: make(map[string]*capture.Session),
		notes:    make(map[string][]capture.Note),
	}
}

// --- quota.Store ---

// GetQuota implements quota.Store.
func (s *Store) GetQuota(_ context.Context, userID string) (*quota.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, quota.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

// CreateQuota implements quota.Store.
func (s *Store) CreateQuota(_ context.Context, q quota.Quota) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.quotas[q.UserID]; exists {
		return nil
	}
	cp := q
	s.quotas[q.UserID] = &cp
	return nil
}

// SeedQuota overwrites a user's quota record. Test helper.
func (s *Store) SeedQuota(q quota.Quota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := q
	s.quotas[q.UserID] = &cp
}

// RolloverQuota implements quota.Store.
func (s *Store) RolloverQuota(_ context.Context, userID string, newPeriodStart time.Time) (*quota.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[userID]
	if !ok {
		return nil, quota.ErrNotFound
	}
	if q.PeriodStart.Before(newPeriodStart) {
		q.PeriodStart = newPeriodStart
		q.ConsumedUnits = 0
	}
	cp := *q
	return &cp, nil
}

// AddUsage implements quota.Store. Append and increment happen under one
// lock, mirroring the single-transaction guarantee of the SQL store.
func (s *Store) AddUsage(_ context.Context, e quota.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, e)
	if q, ok := s.quotas[e.UserID]; ok {
		q.ConsumedUnits += e.Cost
	}
	return nil
}

// UsageSince implements quota.Store.
func (s *Store) UsageSince(_ context.Context, userID string, since time.Time) ([]quota.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []quota.Entry
	for _, e := range s.usage {
		if e.Timestamp.Before(since) {
			continue
		}
		if userID != "" && e.UserID != userID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// --- capture.Store ---

// InsertActiveSession implements capture.Store.
func (s *Store) InsertActiveSession(_ context.Context, sess capture.Session) (capture.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.activeLocked(sess.UserID, sess.OrgID); existing != nil {
		return *existing, true, nil
	}
	cp := sess
	s.sessions[sess.ID] = &cp
	return cp, false, nil
}

// StopSession implements capture.Store.
func (s *Store) StopSession(_ context.Context, id string, stoppedAt time.Time) (*capture.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.StoppedAt != nil {
		return nil, nil
	}
	t := stoppedAt
	sess.StoppedAt = &t
	cp := *sess
	return &cp, nil
}

// ActiveSession implements capture.Store.
func (s *Store) ActiveSession(_ context.Context, userID, orgID string) (*capture.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.activeLocked(userID, orgID); sess != nil {
		cp := *sess
		return &cp, nil
	}
	return nil, nil
}

// AppendNote implements capture.Store.
func (s *Store) AppendNote(_ context.Context, n capture.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[n.SessionID] = append(s.notes[n.SessionID], n)
	return nil
}

// Notes implements capture.Store.
func (s *Store) Notes(_ context.Context, sessionID string) ([]capture.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capture.Note, len(s.notes[sessionID]))
	copy(out, s.notes[sessionID])
	return out, nil
}

// RecentSessions implements capture.Store.
func (s *Store) RecentSessions(_ context.Context, userID, orgID string, limit int) ([]capture.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []capture.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.OrgID == orgID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) activeLocked(userID, orgID string) *capture.Session {
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.OrgID == orgID && sess.StoppedAt == nil {
			return sess
		}
	}
	return nil
}
