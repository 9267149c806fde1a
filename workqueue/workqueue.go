// Package workqueue implements the claim/ack/abandon/fail/reap protocol
// shared by the integer-status row-backed stores in duraplane (outbox,
// scheduler timers and job runs; the inbox runs its own SQL over text
// statuses). It knows nothing about payloads or topics — only
// about a status column, a lock-expiry column, and an owner-token column
// on a caller-named table.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Status is the lifecycle state of a work-queue row. Stores with a richer
// terminal state (inbox's Seen/Processing/Done/Dead) define their own
// status type and map it onto these four stages at the SQL layer; Status
// itself models the C1-C2/C4 Pending/Processing/Dispatched/Failed machine
// directly.
type Status int

const (
	Pending Status = iota
	Processing
	Dispatched
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Dispatched:
		return "dispatched"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidBatchSize is returned when a caller asks to claim zero rows.
	ErrInvalidBatchSize = errors.New("workqueue: batch_size must be > 0")
	// ErrEmptyOwnerToken is returned when a caller passes an empty owner token.
	ErrEmptyOwnerToken = errors.New("workqueue: owner token must not be empty")
)

// Spec names the columns a conforming table exposes. The outbox and
// scheduler stores each build one Spec per table and drives claim/ack/
// abandon/fail/reap through it; the SQL text itself never leaks into
// store-specific code.
type Spec struct {
	// Table is the table name, schema-qualified if needed.
	Table string
	// IDColumn is the primary key column, compared with ids passed to
	// Ack/Abandon/Fail. It must be string-comparable (uuid or text).
	IDColumn string
	// OrderColumn is the ordering key for claim (created_at or due_time).
	OrderColumn string
	// StatusColumn holds a Status-compatible integer.
	StatusColumn string
	// LockedUntilColumn holds the claim lease expiry, null when not Processing.
	LockedUntilColumn string
	// OwnerColumn holds the current claim owner token, null when not Processing.
	OwnerColumn string
	// DueColumn, if non-empty, additionally gates claim on due_time <= now.
	// Pass empty to claim regardless of a due time.
	DueColumn string
	// ExtraSet is SQL fragment(s) appended to the claim UPDATE's SET clause,
	// e.g. "attempt_count = attempt_count" — stores needing extra bookkeeping
	// on claim (none currently do) can hook in here without a new verb.
	ExtraSet []string
}

func (s Spec) dueFilter() string {
	if s.DueColumn == "" {
		return ""
	}
	return fmt.Sprintf(" AND (%s IS NULL OR %s <= now())", s.DueColumn, s.DueColumn)
}

// Claim selects up to batchSize Pending rows that are due, locks them
// against concurrent claimers with SKIP LOCKED, and atomically transitions
// them to Processing under owner, returning their ids in claim order.
func Claim(ctx context.Context, db *sqlx.DB, spec Spec, owner string, batchSize int, lease time.Duration) ([]string, error) {
	if batchSize <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if owner == "" {
		return nil, ErrEmptyOwnerToken
	}

	extraSet := ""
	if len(spec.ExtraSet) > 0 {
		extraSet = ", " + strings.Join(spec.ExtraSet, ", ")
	}

	q := buildClaimQuery(spec, extraSet)

	rows, err := db.QueryContext(ctx, q, int(Pending), batchSize, int(Processing), owner, time.Now().Add(lease))
	if err != nil {
		return nil, fmt.Errorf("workqueue: claim on %s: %w", spec.Table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("workqueue: claim scan on %s: %w", spec.Table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func buildClaimQuery(spec Spec, extraSet string) string {
	return fmt.Sprintf(`
WITH candidates AS (
	SELECT %[1]s AS id
	FROM %[2]s
	WHERE %[3]s = $1%[4]s
	ORDER BY %[5]s ASC, %[1]s ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE %[2]s AS t
SET %[3]s = $3, %[6]s = $4, %[7]s = $5%[8]s
FROM candidates
WHERE t.%[1]s = candidates.id
RETURNING t.%[1]s`,
		spec.IDColumn, spec.Table, spec.StatusColumn, spec.dueFilter(), spec.OrderColumn,
		spec.OwnerColumn, spec.LockedUntilColumn, extraSet,
	)
}

// Ack transitions owned Processing rows in ids to terminal, clearing the
// lock and owner and stamping processedAtColumn. Rows not owned by owner
// are silently skipped — this is the no-op-on-ownership-violation rule
// the dispatcher relies on so a stolen claim can't be acked twice.
func Ack(ctx context.Context, db sqlx.ExecerContext, spec Spec, processedAtColumn string, terminal Status, owner string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`
UPDATE %[1]s
SET %[2]s = $1, %[3]s = NULL, %[4]s = NULL, %[5]s = now()
WHERE %[6]s = ANY($2) AND %[3]s = $3 AND %[2]s = $4`,
		spec.Table, spec.StatusColumn, spec.OwnerColumn, spec.LockedUntilColumn,
		processedAtColumn, spec.IDColumn,
	)
	_, err := db.ExecContext(ctx, q, int(terminal), ids, owner, int(Processing))
	if err != nil {
		return fmt.Errorf("workqueue: ack on %s: %w", spec.Table, err)
	}
	return nil
}

// Abandon transitions owned Processing rows back to Pending, bumping
// attemptColumn and optionally rescheduling dueColumn/spec.DueColumn.
func Abandon(ctx context.Context, db sqlx.ExecerContext, spec Spec, attemptColumn, lastErrorColumn string, owner string, ids []string, lastErr string, nextDue *time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	setDue := ""
	args := []any{int(Pending), owner, int(Processing), lastErr, ids}
	if nextDue != nil && spec.DueColumn != "" {
		setDue = fmt.Sprintf(", %s = $6", spec.DueColumn)
		args = append(args, *nextDue)
	}
	q := fmt.Sprintf(`
UPDATE %[1]s
SET %[2]s = $1, %[3]s = NULL, %[4]s = NULL, %[5]s = %[5]s + 1, %[6]s = $4%[7]s
WHERE %[8]s = ANY($5) AND %[3]s = $2 AND %[2]s = $3`,
		spec.Table, spec.StatusColumn, spec.OwnerColumn, spec.LockedUntilColumn,
		attemptColumn, lastErrorColumn, setDue, spec.IDColumn,
	)
	_, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("workqueue: abandon on %s: %w", spec.Table, err)
	}
	return nil
}

// Fail transitions owned Processing rows to a terminal failed status.
func Fail(ctx context.Context, db sqlx.ExecerContext, spec Spec, lastErrorColumn string, terminal Status, owner string, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`
UPDATE %[1]s
SET %[2]s = $1, %[3]s = NULL, %[4]s = NULL, %[5]s = $4
WHERE %[6]s = ANY($5) AND %[3]s = $2 AND %[2]s = $3`,
		spec.Table, spec.StatusColumn, spec.OwnerColumn, spec.LockedUntilColumn,
		lastErrorColumn, spec.IDColumn,
	)
	_, err := db.ExecContext(ctx, q, int(terminal), owner, int(Processing), reason, ids)
	if err != nil {
		return fmt.Errorf("workqueue: fail on %s: %w", spec.Table, err)
	}
	return nil
}

// ReapExpired transitions any Processing row whose lock has elapsed back
// to Pending, regardless of owner, and returns the number of rows reaped.
// This is the recovery path for workers that crashed or lost their lease.
func ReapExpired(ctx context.Context, db *sqlx.DB, spec Spec) (int64, error) {
	q := fmt.Sprintf(`
UPDATE %[1]s
SET %[2]s = $1, %[3]s = NULL, %[4]s = NULL
WHERE %[2]s = $2 AND %[4]s <= now()`,
		spec.Table, spec.StatusColumn, spec.OwnerColumn, spec.LockedUntilColumn,
	)
	res, err := db.ExecContext(ctx, q, int(Pending), int(Processing))
	if err != nil {
		return 0, fmt.Errorf("workqueue: reap_expired on %s: %w", spec.Table, err)
	}
	return res.RowsAffected()
}

// RenewLock extends the lock on an owned Processing row, used by the
// dispatcher's heartbeat co-task to keep a long-running handler's claim
// alive without re-running claim's full candidate scan.
func RenewLock(ctx context.Context, db *sqlx.DB, spec Spec, owner string, id string, lease time.Duration) (bool, error) {
	q := fmt.Sprintf(`
UPDATE %[1]s
SET %[2]s = $1
WHERE %[3]s = $2 AND %[4]s = $3 AND %[5]s = $4`,
		spec.Table, spec.LockedUntilColumn, spec.IDColumn, spec.OwnerColumn, spec.StatusColumn,
	)
	res, err := db.ExecContext(ctx, q, time.Now().Add(lease), id, owner, int(Processing))
	if err != nil {
		return false, fmt.Errorf("workqueue: renew_lock on %s: %w", spec.Table, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
