// Package postgres persists approval requests in Postgres so that several
// backend processes can share one queue. Each state transition is a single
// conditional UPDATE, which gives the same per-id compare-and-swap semantics
// as the in-memory store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tkingovr/deploygate/internal/approval"
)

const table = "deploygate_approval_requests"

// Store is an approval.Store backed by a pgx connection pool.
type Store struct {
	pool  *pgxpool.Pool
	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDFunc overrides id generation.
func WithIDFunc(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := New(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the requests table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
    seq BIGSERIAL,
    id TEXT PRIMARY KEY,
    payload BYTEA,
    message TEXT NOT NULL DEFAULT '',
    task_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'PENDING',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    approved BOOLEAN,
    signed_artifact TEXT NOT NULL DEFAULT '',
    rejection_reason TEXT NOT NULL DEFAULT '',
    decided_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_` + table + `_status_seq ON ` + table + ` (status, seq);`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure approval schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, p approval.CreateParams) (string, error) {
	id := p.ID
	if id == "" {
		id = s.newID()
	}
	now := s.now().UTC()
	var expiresAt *time.Time
	if p.TTL > 0 {
		exp := now.Add(p.TTL)
		expiresAt = &exp
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO `+table+` (id, payload, message, task_id, status, created_at, expires_at, updated_at)
VALUES ($1, $2, $3, $4, 'PENDING', $5, $6, $5)
ON CONFLICT (id) DO NOTHING`,
		id, []byte(p.Payload), p.Message, p.TaskID, now, expiresAt)
	if err != nil {
		return "", fmt.Errorf("create approval request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: %s", approval.ErrDuplicateRequest, id)
	}
	return id, nil
}

func (s *Store) ListPending(ctx context.Context) ([]*approval.Request, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, payload, message, task_id, status, created_at, expires_at,
       approved, signed_artifact, rejection_reason, decided_at
FROM `+table+`
WHERE status = 'PENDING'
ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*approval.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Decide(ctx context.Context, id string, d approval.Decision) (bool, error) {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = s.now()
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+table+`
SET status = 'DECIDED', approved = $2, signed_artifact = $3, rejection_reason = $4,
    decided_at = $5, updated_at = $5
WHERE id = $1 AND status = 'PENDING'`,
		id, d.Approved, d.SignedArtifact, d.RejectionReason, d.DecidedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("decide approval %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	status, err := s.status(ctx, id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("%w: %s", approval.ErrUnknownApprovalID, id)
	case err != nil:
		return false, err
	case status == approval.StatusAbandoned:
		return false, approval.ErrAbandoned
	}
	return false, nil
}

func (s *Store) TakeDecision(ctx context.Context, id string) (*approval.Decision, error) {
	var (
		d         approval.Decision
		approved  *bool
		decidedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
UPDATE `+table+`
SET status = 'CONSUMED', updated_at = $2
WHERE id = $1 AND status = 'DECIDED'
RETURNING approved, signed_artifact, rejection_reason, decided_at`,
		id, s.now().UTC()).Scan(&approved, &d.SignedArtifact, &d.RejectionReason, &decidedAt)
	if err == nil {
		d.Approved = approved != nil && *approved
		if decidedAt != nil {
			d.DecidedAt = *decidedAt
		}
		return &d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("take decision %s: %w", id, err)
	}

	status, err := s.status(ctx, id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, approval.ErrNotFound
	case err != nil:
		return nil, err
	case status == approval.StatusPending:
		return nil, approval.ErrNotDecided
	case status == approval.StatusAbandoned:
		return nil, approval.ErrAbandoned
	}
	return nil, approval.ErrNotFound
}

func (s *Store) Abandon(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+table+`
SET status = 'ABANDONED', updated_at = $2
WHERE id = $1 AND status = 'PENDING'`, id, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("abandon approval %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.status(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: %s", approval.ErrUnknownApprovalID, id)
		}
		return false, err
	}
	return false, nil
}

func (s *Store) Get(ctx context.Context, id string) (*approval.Request, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, payload, message, task_id, status, created_at, expires_at,
       approved, signed_artifact, rejection_reason, decided_at
FROM `+table+`
WHERE id = $1 AND status <> 'CONSUMED'`, id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) Recorded(ctx context.Context, id string) (*approval.Decision, error) {
	var (
		d         approval.Decision
		status    string
		approved  *bool
		decidedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT status, approved, signed_artifact, rejection_reason, decided_at
FROM `+table+`
WHERE id = $1`, id).Scan(&status, &approved, &d.SignedArtifact, &d.RejectionReason, &decidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", approval.ErrUnknownApprovalID, id)
		}
		return nil, fmt.Errorf("recorded decision %s: %w", id, err)
	}
	switch approval.Status(status) {
	case approval.StatusPending:
		return nil, approval.ErrNotDecided
	case approval.StatusAbandoned:
		return nil, approval.ErrAbandoned
	}
	d.Approved = approved != nil && *approved
	if decidedAt != nil {
		d.DecidedAt = *decidedAt
	}
	return &d, nil
}

func (s *Store) Stats(ctx context.Context) (approval.Stats, error) {
	var st approval.Stats
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FILTER (WHERE status = 'PENDING'), count(*)
FROM `+table).Scan(&st.Pending, &st.Total)
	if err != nil {
		return approval.Stats{}, fmt.Errorf("approval stats: %w", err)
	}
	return st, nil
}

// Subscribe returns a nil channel: decisions may be written by other
// processes, so callers poll.
func (s *Store) Subscribe() (<-chan string, func()) {
	return nil, func() {}
}

// Purge deletes consumed and abandoned rows last touched before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM `+table+`
WHERE status IN ('CONSUMED', 'ABANDONED') AND updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge approvals: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) status(ctx context.Context, id string) (approval.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
		return "", fmt.Errorf("approval status %s: %w", id, err)
	}
	return approval.Status(status), nil
}

func scanRequest(row pgx.Row) (*approval.Request, error) {
	var (
		r         approval.Request
		payload   []byte
		status    string
		approved  *bool
		artifact  string
		reason    string
		decidedAt *time.Time
	)
	if err := row.Scan(&r.ID, &payload, &r.Message, &r.TaskID, &status, &r.CreatedAt,
		&r.ExpiresAt, &approved, &artifact, &reason, &decidedAt); err != nil {
		return nil, err
	}
	r.Payload = payload
	r.Status = approval.Status(status)
	if decidedAt != nil {
		r.Decision = &approval.Decision{
			Approved:        approved != nil && *approved,
			SignedArtifact:  artifact,
			RejectionReason: reason,
			DecidedAt:       *decidedAt,
		}
	}
	return &r, nil
}

var _ approval.Store = (*Store)(nil)
