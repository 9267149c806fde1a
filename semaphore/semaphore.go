// Package semaphore implements the bounded semaphore manager (C6):
// N-concurrent lease holders per named resource, with idempotent acquire
// via a caller-supplied client request id and amortized reaping of
// expired leases on the hot acquire path.
package semaphore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Result classifies try_acquire/renew/release outcomes, matching the
// external interface's {NotAcquired|Acquired|Unavailable} / {Renewed|
// Lost|Unavailable} / {Released|NotFound|Unavailable} taxonomies.
type Result int

const (
	NotAcquired Result = iota
	Acquired
	Unavailable
	Renewed
	Lost
	Released
	NotFound
)

var ErrEmptyName = errors.New("semaphore: name must not be empty")

// reapBatch bounds how many expired leases try_acquire opportunistically
// deletes per call, so a backlog of expired leases can't turn a single
// acquire into an unbounded delete.
const reapBatch = 50

// Lease is a held semaphore lease, as returned by TryAcquire.
type Lease struct {
	Token     string
	Fencing   int64
	ExpiresAt time.Time
}

// Manager is the semaphores/semaphore_leases tables' API.
type Manager struct {
	db *sqlx.DB
}

// New builds a Manager over db.
func New(db *sqlx.DB) *Manager {
	return &Manager{db: db}
}

// Define creates or updates a named semaphore's concurrency limit.
func (m *Manager) Define(ctx context.Context, name string, limit int) error {
	if name == "" {
		return ErrEmptyName
	}
	_, err := m.db.ExecContext(ctx, `
INSERT INTO semaphores (name, "limit") VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET "limit" = $2, updated_at = now()`, name, limit)
	return err
}

// TryAcquire attempts to take one of name's limited concurrent leases for
// ttl. A non-empty clientRequestID makes the call idempotent: a retry
// with the same (name, clientRequestID) against a still-live lease
// returns that same lease rather than allocating a new one.
func (m *Manager) TryAcquire(ctx context.Context, name string, ttl time.Duration, ownerID, clientRequestID string) (Result, *Lease, error) {
	if name == "" {
		return Unavailable, nil, ErrEmptyName
	}

	var limit int
	if err := m.db.QueryRowContext(ctx, `SELECT "limit" FROM semaphores WHERE name = $1`, name).Scan(&limit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Unavailable, nil, nil
		}
		return Unavailable, nil, err
	}

	if clientRequestID != "" {
		var existing Lease
		err := m.db.QueryRowContext(ctx, `
SELECT token, fencing, lease_until FROM semaphore_leases
WHERE name = $1 AND client_request_id = $2 AND lease_until > now()`, name, clientRequestID).
			Scan(&existing.Token, &existing.Fencing, &existing.ExpiresAt)
		if err == nil {
			return Acquired, &existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Unavailable, nil, err
		}
	}

	if _, err := m.db.ExecContext(ctx, `
DELETE FROM semaphore_leases WHERE (name, token) IN (
	SELECT name, token FROM semaphore_leases WHERE name = $1 AND lease_until <= now() LIMIT $2
)`, name, reapBatch); err != nil {
		return Unavailable, nil, err
	}

	var live int
	if err := m.db.QueryRowContext(ctx, `SELECT count(*) FROM semaphore_leases WHERE name = $1 AND lease_until > now()`, name).Scan(&live); err != nil {
		return Unavailable, nil, err
	}
	if live >= limit {
		return NotAcquired, nil, nil
	}

	l := Lease{Token: uuid.NewString(), ExpiresAt: time.Now().Add(ttl)}
	err := m.db.QueryRowContext(ctx, `
UPDATE semaphores SET next_fencing_counter = next_fencing_counter + 1 WHERE name = $1
RETURNING next_fencing_counter`, name).Scan(&l.Fencing)
	if err != nil {
		return Unavailable, nil, err
	}

	if _, err := m.db.ExecContext(ctx, `
INSERT INTO semaphore_leases (name, token, fencing, owner_id, lease_until, client_request_id)
VALUES ($1, $2, $3, $4, $5, $6)`,
		name, l.Token, l.Fencing, ownerID, l.ExpiresAt, nullableString(clientRequestID),
	); err != nil {
		return Unavailable, nil, err
	}
	return Acquired, &l, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Renew extends a live lease's expiry. Returns Lost if token is no longer
// live (expired or released).
func (m *Manager) Renew(ctx context.Context, name, token string, ttl time.Duration) (Result, time.Time, error) {
	expiresAt := time.Now().Add(ttl)
	res, err := m.db.ExecContext(ctx, `
UPDATE semaphore_leases SET lease_until = $1, renewed_at = now()
WHERE name = $2 AND token = $3 AND lease_until > now()`, expiresAt, name, token)
	if err != nil {
		return Unavailable, time.Time{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unavailable, time.Time{}, err
	}
	if n == 0 {
		return Lost, time.Time{}, nil
	}
	return Renewed, expiresAt, nil
}

// Release deletes a held lease, freeing its concurrency slot immediately.
func (m *Manager) Release(ctx context.Context, name, token string) (Result, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM semaphore_leases WHERE name = $1 AND token = $2`, name, token)
	if err != nil {
		return Unavailable, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unavailable, err
	}
	if n == 0 {
		return NotFound, nil
	}
	return Released, nil
}

// ReapExpired bulk-deletes expired leases, optionally scoped to name, up
// to maxRows per call. Intended to be driven by a background loop rather
// than the acquire-time amortized reap alone, for names with low acquire
// traffic but long-lived expired leases.
func (m *Manager) ReapExpired(ctx context.Context, name string, maxRows int) (int64, error) {
	var res sql.Result
	var err error
	if name == "" {
		res, err = m.db.ExecContext(ctx, `
DELETE FROM semaphore_leases WHERE (name, token) IN (
	SELECT name, token FROM semaphore_leases WHERE lease_until <= now() LIMIT $1
)`, maxRows)
	} else {
		res, err = m.db.ExecContext(ctx, `
DELETE FROM semaphore_leases WHERE (name, token) IN (
	SELECT name, token FROM semaphore_leases WHERE name = $1 AND lease_until <= now() LIMIT $2
)`, name, maxRows)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
