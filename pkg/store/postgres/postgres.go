// Package postgres persists quotas, usage entries, and capture sessions in
// PostgreSQL. It implements both quota.Store and capture.Store over a single
// pgx pool.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/soullab/maia-voice/pkg/core/capture"
	"github.com/soullab/maia-voice/pkg/core/quota"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements quota.Store and capture.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports connection health. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies pending schema migrations. Goose runs over database/sql,
// so it opens a short-lived stdlib connection of its own.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open for migrate: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// --- quota.Store ---

// GetQuota returns the quota record for userID, or quota.ErrNotFound.
func (s *Store) GetQuota(ctx context.Context, userID string) (*quota.Quota, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, tier, period_start, consumed_units, allowance_units
		FROM user_quotas WHERE user_id = $1`, userID)

	var q quota.Quota
	err := row.Scan(&q.UserID, &q.Tier, &q.PeriodStart, &q.ConsumedUnits, &q.AllowanceUnits)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, quota.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get quota: %w", err)
	}
	q.PeriodStart = q.PeriodStart.UTC()
	return &q, nil
}

// CreateQuota inserts a quota record, ignoring an existing one so concurrent
// provisioning stays idempotent.
func (s *Store) CreateQuota(ctx context.Context, q quota.Quota) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_quotas (user_id, tier, period_start, consumed_units, allowance_units)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		q.UserID, q.Tier, q.PeriodStart, q.ConsumedUnits, q.AllowanceUnits)
	if err != nil {
		return fmt.Errorf("postgres: create quota: %w", err)
	}
	return nil
}

// RolloverQuota resets consumed units when the stored period predates
// newPeriodStart. The WHERE clause makes racing rollovers collapse to one
// reset.
func (s *Store) RolloverQuota(ctx context.Context, userID string, newPeriodStart time.Time) (*quota.Quota, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE user_quotas
		SET period_start = $2, consumed_units = 0
		WHERE user_id = $1 AND period_start < $2
		RETURNING user_id, tier, period_start, consumed_units, allowance_units`,
		userID, newPeriodStart)

	var q quota.Quota
	err := row.Scan(&q.UserID, &q.Tier, &q.PeriodStart, &q.ConsumedUnits, &q.AllowanceUnits)
	if errors.Is(err, pgx.ErrNoRows) {
		// Someone else already rolled it over.
		return s.GetQuota(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: rollover quota: %w", err)
	}
	q.PeriodStart = q.PeriodStart.UTC()
	return &q, nil
}

// AddUsage appends a log entry and increments the user's consumed units in
// one transaction.
func (s *Store) AddUsage(ctx context.Context, e quota.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_log (user_id, request_type, cost, ts, input_tokens, output_tokens, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.UserID, e.RequestType, e.Cost, e.Timestamp, e.InputTokens, e.OutputTokens, e.Success)
	if err != nil {
		return fmt.Errorf("postgres: insert usage: %w", err)
	}

	if e.Cost > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE user_quotas SET consumed_units = consumed_units + $2
			WHERE user_id = $1`, e.UserID, e.Cost)
		if err != nil {
			return fmt.Errorf("postgres: increment consumed: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// UsageSince returns entries at or after since. Empty userID means all users.
func (s *Store) UsageSince(ctx context.Context, userID string, since time.Time) ([]quota.Entry, error) {
	query := `
		SELECT user_id, request_type, cost, ts, input_tokens, output_tokens, success
		FROM usage_log WHERE ts >= $1`
	args := []any{since}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += ` ORDER BY ts`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: usage since: %w", err)
	}
	defer rows.Close()

	var entries []quota.Entry
	for rows.Next() {
		var e quota.Entry
		if err := rows.Scan(&e.UserID, &e.RequestType, &e.Cost, &e.Timestamp, &e.InputTokens, &e.OutputTokens, &e.Success); err != nil {
			return nil, fmt.Errorf("postgres: scan usage: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- capture.Store ---

const sessionCols = `id, user_id, org_id, started_at, stopped_at, auto_started`

func scanSession(row pgx.Row) (capture.Session, error) {
	var sess capture.Session
	var stopped *time.Time
	err := row.Scan(&sess.ID, &sess.UserID, &sess.OrgID, &sess.StartedAt, &stopped, &sess.AutoStarted)
	if err != nil {
		return capture.Session{}, err
	}
	sess.StartedAt = sess.StartedAt.UTC()
	if stopped != nil {
		t := stopped.UTC()
		sess.StoppedAt = &t
	}
	return sess, nil
}

// InsertActiveSession inserts s unless an active session already exists for
// the (user, org) pair, in which case the existing one comes back with
// alreadyActive=true. The partial unique index carries the race.
func (s *Store) InsertActiveSession(ctx context.Context, sess capture.Session) (capture.Session, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO capture_sessions (id, user_id, org_id, started_at, stopped_at, auto_started)
		VALUES ($1, $2, $3, $4, NULL, $5)
		ON CONFLICT (user_id, org_id) WHERE stopped_at IS NULL DO NOTHING`,
		sess.ID, sess.UserID, sess.OrgID, sess.StartedAt, sess.AutoStarted)
	if err != nil {
		return capture.Session{}, false, fmt.Errorf("postgres: insert session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return sess, false, nil
	}
	existing, err := s.ActiveSession(ctx, sess.UserID, sess.OrgID)
	if err != nil {
		return capture.Session{}, false, err
	}
	if existing == nil {
		// The conflicting session was stopped between insert and read.
		return capture.Session{}, false, fmt.Errorf("postgres: active session vanished for %s/%s", sess.UserID, sess.OrgID)
	}
	return *existing, true, nil
}

// StopSession marks the session stopped. Unknown or already-stopped sessions
// return nil without touching the stored timestamp.
func (s *Store) StopSession(ctx context.Context, id string, stoppedAt time.Time) (*capture.Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE capture_sessions SET stopped_at = $2
		WHERE id = $1 AND stopped_at IS NULL
		RETURNING `+sessionCols, id, stoppedAt)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: stop session: %w", err)
	}
	return &sess, nil
}

// ActiveSession returns the running session for the pair, or nil.
func (s *Store) ActiveSession(ctx context.Context, userID, orgID string) (*capture.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionCols+` FROM capture_sessions
		WHERE user_id = $1 AND org_id = $2 AND stopped_at IS NULL`, userID, orgID)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: active session: %w", err)
	}
	return &sess, nil
}

// AppendNote stores one note.
func (s *Store) AppendNote(ctx context.Context, n capture.Note) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_notes (session_id, body, created_at)
		VALUES ($1, $2, $3)`, n.SessionID, n.Text, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append note: %w", err)
	}
	return nil
}

// Notes returns a session's notes in insertion order.
func (s *Store) Notes(ctx context.Context, sessionID string) ([]capture.Note, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, body, created_at FROM session_notes
		WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: notes: %w", err)
	}
	defer rows.Close()

	var notes []capture.Note
	for rows.Next() {
		var n capture.Note
		if err := rows.Scan(&n.SessionID, &n.Text, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan note: %w", err)
		}
		n.CreatedAt = n.CreatedAt.UTC()
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// RecentSessions returns up to limit sessions for the pair, newest first.
func (s *Store) RecentSessions(ctx context.Context, userID, orgID string, limit int) ([]capture.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionCols+` FROM capture_sessions
		WHERE user_id = $1 AND org_id = $2
		ORDER BY started_at DESC LIMIT $3`, userID, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent sessions: %w", err)
	}
	defer rows.Close()

	var sessions []capture.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
