// Package capture manages bounded recording sessions: while one is active,
// utterances are persisted as notes instead of conversed with.
package capture

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

// Session is one bounded recording period. A session with a nil StoppedAt
// is active.
type Session struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	OrgID       string     `json:"org_id"`
	StartedAt   time.Time  `json:"started_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
	AutoStarted bool       `json:"auto_started"`
}

// Active reports whether the session has not been stopped.
func (s Session) Active() bool { return s.StoppedAt == nil }

// Note is one persisted utterance within a session.
type Note struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence boundary. InsertActiveSession must be atomic
// insert-or-fetch: two near-simultaneous starts for the same (user, org)
// must converge on a single row, enforced at the store (unique constraint
// on the active pair), not by check-then-act here.
type Store interface {
	// InsertActiveSession inserts s, or returns the pair's existing active
	// session with alreadyActive=true.
	InsertActiveSession(ctx context.Context, s Session) (sess Session, alreadyActive bool, err error)
	// StopSession marks the session stopped; returns nil when the id is
	// unknown or the session was already stopped, leaving StoppedAt as-is.
	StopSession(ctx context.Context, id string, stoppedAt time.Time) (*Session, error)
	ActiveSession(ctx context.Context, userID, orgID string) (*Session, error)
	AppendNote(ctx context.Context, n Note) error
	Notes(ctx context.Context, sessionID string) ([]Note, error)
	RecentSessions(ctx context.Context, userID, orgID string, limit int) ([]Session, error)
}

// Service owns session lifecycle and note recording.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDFunc injects the session id generator. Used by tests.
func WithIDFunc(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// NewService creates a Service over store.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return "cap_" + randHex(10) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins a capture session, or returns the existing active one for
// the (user, org) pair. Retried client requests under flaky networks are
// expected; a duplicate start is a no-op signalled by alreadyActive.
func (s *Service) Start(ctx context.Context, userID, orgID string, autoStarted bool) (Session, bool, error) {
	if userID == "" {
		return Session{}, false, fmt.Errorf("start session: user id is required")
	}
	candidate := Session{
		ID:          s.newID(),
		UserID:      userID,
		OrgID:       orgID,
		StartedAt:   s.now(),
		AutoStarted: autoStarted,
	}
	sess, alreadyActive, err := s.store.InsertActiveSession(ctx, candidate)
	if err != nil {
		return Session{}, false, fmt.Errorf("start session: %w", err)
	}
	if alreadyActive {
		s.logger.Info("capture session already active", "session_id", sess.ID, "user_id", userID)
	} else {
		s.logger.Info("capture session started", "session_id", sess.ID, "user_id", userID, "auto", autoStarted)
	}
	return sess, alreadyActive, nil
}

// Stop marks a session stopped. Double-stop and unknown ids return nil
// without error.
func (s *Service) Stop(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.store.StopSession(ctx, sessionID, s.now())
	if err != nil {
		return nil, fmt.Errorf("stop session: %w", err)
	}
	if sess != nil {
		s.logger.Info("capture session stopped", "session_id", sess.ID)
	}
	return sess, nil
}

// Active returns the unstopped session for the pair, or nil.
func (s *Service) Active(ctx context.Context, userID, orgID string) (*Session, error) {
	return s.store.ActiveSession(ctx, userID, orgID)
}

// Record appends an utterance to the pair's active session, auto-starting
// one when none exists.
func (s *Service) Record(ctx context.Context, userID, orgID, text string) error {
	sess, err := s.store.ActiveSession(ctx, userID, orgID)
	if err != nil {
		return fmt.Errorf("record note: %w", err)
	}
	if sess == nil {
		started, _, err := s.Start(ctx, userID, orgID, true)
		if err != nil {
			return err
		}
		sess = &started
	}
	n := Note{SessionID: sess.ID, Text: text, CreatedAt: s.now()}
	if err := s.store.AppendNote(ctx, n); err != nil {
		return fmt.Errorf("record note: %w", err)
	}
	return nil
}

// Notes returns the note stream for a session.
func (s *Service) Notes(ctx context.Context, sessionID string) ([]Note, error) {
	return s.store.Notes(ctx, sessionID)
}

// Recent returns the newest sessions for the pair, most recent first.
func (s *Service) Recent(ctx context.Context, userID, orgID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.RecentSessions(ctx, userID, orgID, limit)
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}
