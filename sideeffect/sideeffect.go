// Package sideeffect implements the external-side-effect coordinator
// (C8): a synchronous exactly-once shim around a non-idempotent external
// call, keyed by (operation_name, idempotency_key). Unlike the other
// stores it has no dispatcher loop of its own — Execute runs the caller's
// probe and execute functions inline and returns a terminal Outcome.
package sideeffect

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/duraplane/duraplane/resilience"
)

// Status is the external_effects row's lifecycle state.
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

// Outcome classifies what Execute did for one call, matching the
// external interface's AlreadyCompleted/Completed/RetryScheduled/
// PermanentFailure taxonomy.
type Outcome int

const (
	AlreadyCompleted Outcome = iota
	Completed
	RetryScheduled
	PermanentFailure
)

// UnknownCheckBehavior decides what happens when a probe's result is
// inconclusive (CheckFunc returns ok=false, err=nil).
type UnknownCheckBehavior int

const (
	// Attempt proceeds straight to try_begin_attempt.
	Attempt UnknownCheckBehavior = iota
	// RetryLater returns RetryScheduled without attempting.
	RetryLater
)

var (
	ErrEmptyOperationName  = errors.New("sideeffect: operation_name must not be empty")
	ErrEmptyIdempotencyKey = errors.New("sideeffect: idempotency_key must not be empty")
)

// CheckFunc probes whether an external operation already succeeded,
// independent of this coordinator's own bookkeeping (e.g. asking the
// downstream system directly). ok=true means the probe is conclusive;
// succeeded reports its verdict only when ok is true.
type CheckFunc func(ctx context.Context) (ok bool, succeeded bool, externalReferenceID, externalStatus string, err error)

// ExecuteFunc performs the actual non-idempotent external call.
type ExecuteFunc func(ctx context.Context) (ExecuteResult, error)

// ExecuteResult is what ExecuteFunc reports about one attempt.
type ExecuteResult struct {
	Succeeded           bool
	Permanent           bool
	ExternalReferenceID string
	ExternalStatus      string
}

// Key identifies one external effect.
type Key struct {
	OperationName  string
	IdempotencyKey string
}

// ExecuteOptions customizes Execute.
type ExecuteOptions struct {
	Check                CheckFunc
	UnknownCheckBehavior UnknownCheckBehavior
	// MinCheckInterval is the minimum time since last_external_check_at
	// before Check is invoked again for a previously-attempted row.
	MinCheckInterval time.Duration
	// LockDuration bounds how long try_begin_attempt's lock is held
	// before another worker may steal it.
	LockDuration time.Duration
	// Policy's Breaker, if set, guards the execute call. Policy.Retry is
	// not used here: a transient failure returns RetryScheduled without
	// retrying. Nil runs ExecuteFunc directly with no extra resilience.
	Policy *resilience.Policy
}

func (o ExecuteOptions) withDefaults() ExecuteOptions {
	if o.MinCheckInterval <= 0 {
		o.MinCheckInterval = time.Minute
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	return o
}

// Coordinator is the external_effects table's API.
type Coordinator struct {
	db *sqlx.DB
}

// New builds a Coordinator over db.
func New(db *sqlx.DB) *Coordinator {
	return &Coordinator{db: db}
}

type row struct {
	ID                  uuid.UUID
	Status              Status
	AttemptCount        int
	LastExternalCheckAt *time.Time
	LockedUntil         *time.Time
	LockedBy            *string
}

// Execute runs the get_or_create → check → try_begin_attempt → execute
// protocol for key, using workerID to identify this caller for locking.
func (c *Coordinator) Execute(ctx context.Context, key Key, workerID string, execute ExecuteFunc, opts ExecuteOptions) (Outcome, error) {
	if key.OperationName == "" {
		return PermanentFailure, ErrEmptyOperationName
	}
	if key.IdempotencyKey == "" {
		return PermanentFailure, ErrEmptyIdempotencyKey
	}
	opts = opts.withDefaults()

	r, err := c.getOrCreate(ctx, key)
	if err != nil {
		return PermanentFailure, err
	}

	switch r.Status {
	case Succeeded:
		return AlreadyCompleted, nil
	case Failed:
		return PermanentFailure, nil
	}

	if opts.Check != nil && r.AttemptCount > 0 && checkDue(r.LastExternalCheckAt, opts.MinCheckInterval) {
		ok, succeeded, refID, extStatus, err := opts.Check(ctx)
		if err := c.recordCheck(ctx, r.ID, err); err != nil {
			return PermanentFailure, err
		}
		if ok {
			if succeeded {
				if err := c.markSucceeded(ctx, r.ID, refID, extStatus); err != nil {
					return PermanentFailure, err
				}
				return Completed, nil
			}
		} else if opts.UnknownCheckBehavior == RetryLater {
			return RetryScheduled, nil
		}
	}

	got, err := c.tryBeginAttempt(ctx, r.ID, workerID, opts.LockDuration)
	if err != nil {
		return PermanentFailure, err
	}
	if !got {
		return RetryScheduled, nil
	}

	result, execErr := c.runExecute(ctx, execute, opts.Policy)
	if execErr != nil && result.Permanent {
		if err := c.markFailed(ctx, r.ID, execErr.Error()); err != nil {
			return PermanentFailure, err
		}
		return PermanentFailure, execErr
	}
	if execErr != nil {
		// Transient failure or thrown exception: record and let the
		// caller's own retry loop (or a future Execute call) try again.
		_ = c.recordTransientFailure(ctx, r.ID, execErr.Error())
		return RetryScheduled, execErr
	}
	if result.Permanent {
		if err := c.markFailed(ctx, r.ID, "execute reported permanent failure"); err != nil {
			return PermanentFailure, err
		}
		return PermanentFailure, nil
	}
	if !result.Succeeded {
		_ = c.recordTransientFailure(ctx, r.ID, "execute reported non-terminal failure")
		return RetryScheduled, nil
	}
	if err := c.markSucceeded(ctx, r.ID, result.ExternalReferenceID, result.ExternalStatus); err != nil {
		return PermanentFailure, err
	}
	return Completed, nil
}

func (c *Coordinator) runExecute(ctx context.Context, execute ExecuteFunc, policy *resilience.Policy) (ExecuteResult, error) {
	if policy == nil || policy.Breaker == nil {
		return execute(ctx)
	}
	if err := policy.Breaker.CanExecute(); err != nil {
		return ExecuteResult{}, err
	}
	result, err := execute(ctx)
	policy.Breaker.OnExecution(err == nil && result.Succeeded)
	return result, err
}

func checkDue(lastCheck *time.Time, minInterval time.Duration) bool {
	if lastCheck == nil {
		return true
	}
	return time.Since(*lastCheck) >= minInterval
}

func (c *Coordinator) getOrCreate(ctx context.Context, key Key) (*row, error) {
	id := uuid.New()
	_, err := c.db.ExecContext(ctx, `
INSERT INTO external_effects (id, operation_name, idempotency_key) VALUES ($1, $2, $3)
ON CONFLICT (operation_name, idempotency_key) DO NOTHING`, id, key.OperationName, key.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var r row
	err = c.db.QueryRowContext(ctx, `
SELECT id, status, attempt_count, last_external_check_at, locked_until, locked_by
FROM external_effects WHERE operation_name = $1 AND idempotency_key = $2`,
		key.OperationName, key.IdempotencyKey,
	).Scan(&r.ID, &r.Status, &r.AttemptCount, &r.LastExternalCheckAt, &r.LockedUntil, &r.LockedBy)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Coordinator) recordCheck(ctx context.Context, id uuid.UUID, checkErr error) error {
	_, err := c.db.ExecContext(ctx, `UPDATE external_effects SET last_external_check_at = now() WHERE id = $1`, id)
	if checkErr != nil {
		return nil
	}
	return err
}

func (c *Coordinator) tryBeginAttempt(ctx context.Context, id uuid.UUID, workerID string, lockDuration time.Duration) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
UPDATE external_effects
SET locked_until = $1, locked_by = $2, attempt_count = attempt_count + 1, last_attempt_at = now()
WHERE id = $3 AND status = $4 AND (locked_until IS NULL OR locked_until <= now())`,
		time.Now().Add(lockDuration), workerID, id, int(Pending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *Coordinator) markSucceeded(ctx context.Context, id uuid.UUID, externalReferenceID, externalStatus string) error {
	_, err := c.db.ExecContext(ctx, `
UPDATE external_effects
SET status = $1, external_reference_id = $2, external_status = $3, locked_until = NULL, locked_by = NULL, last_updated_at = now()
WHERE id = $4`, int(Succeeded), nullableString(externalReferenceID), nullableString(externalStatus), id)
	return err
}

func (c *Coordinator) markFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := c.db.ExecContext(ctx, `
UPDATE external_effects
SET status = $1, last_error = $2, locked_until = NULL, locked_by = NULL, last_updated_at = now()
WHERE id = $3`, int(Failed), reason, id)
	return err
}

func (c *Coordinator) recordTransientFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := c.db.ExecContext(ctx, `
UPDATE external_effects
SET last_error = $1, locked_until = NULL, locked_by = NULL, last_updated_at = now()
WHERE id = $2`, reason, id)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
