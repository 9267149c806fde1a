package join

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/duraplane/duraplane/dispatch"
	"github.com/duraplane/duraplane/outbox"
	"github.com/duraplane/duraplane/workqueue"
)

var outboxSpec = workqueue.Spec{
	Table:             "outbox",
	IDColumn:          "id",
	OrderColumn:       "created_at",
	StatusColumn:      "status",
	LockedUntilColumn: "locked_until",
	OwnerColumn:       "owner_token",
	DueColumn:         "due_time",
}

// JoinAwareQueue wraps an outbox.Store so that Ack and Fail run the
// work-queue transition and this outbox message's join bookkeeping in a
// single transaction, satisfying the "ack procedure marks matching members
// in the same transaction as the ack itself" rule. Claim and the
// lease-maintenance verbs pass straight through to the wrapped store.
type JoinAwareQueue struct {
	db          *sqlx.DB
	outbox      *outbox.Store
	coordinator *Coordinator
}

// NewJoinAwareQueue builds a JoinAwareQueue over ob, using coordinator for
// member bookkeeping.
func NewJoinAwareQueue(db *sqlx.DB, ob *outbox.Store, coordinator *Coordinator) *JoinAwareQueue {
	return &JoinAwareQueue{db: db, outbox: ob, coordinator: coordinator}
}

func (q *JoinAwareQueue) Claim(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]dispatch.Item, error) {
	return q.outbox.Claim(ctx, owner, batchSize, lease)
}

func (q *JoinAwareQueue) Ack(ctx context.Context, owner string, ids []string) error {
	return q.withTx(ctx, ids, func(tx *sqlx.Tx, id uuid.UUID) error {
		return q.coordinator.OnMemberCompleted(ctx, tx, id)
	}, func(tx *sqlx.Tx) error {
		return workqueue.Ack(ctx, tx, outboxSpec, "processed_at", workqueue.Dispatched, owner, ids)
	})
}

func (q *JoinAwareQueue) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	return q.withTx(ctx, ids, func(tx *sqlx.Tx, id uuid.UUID) error {
		return q.coordinator.OnMemberFailed(ctx, tx, id)
	}, func(tx *sqlx.Tx) error {
		return workqueue.Fail(ctx, tx, outboxSpec, "last_error", workqueue.Failed, owner, ids, reason)
	})
}

func (q *JoinAwareQueue) withTx(ctx context.Context, ids []string, perMember func(*sqlx.Tx, uuid.UUID) error, settle func(*sqlx.Tx) error) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return err
		}
		if err := perMember(tx, id); err != nil {
			return err
		}
	}
	if err := settle(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *JoinAwareQueue) Abandon(ctx context.Context, owner string, ids []string, lastErr string, nextDue time.Time) error {
	return q.outbox.Abandon(ctx, owner, ids, lastErr, nextDue)
}

func (q *JoinAwareQueue) ReapExpired(ctx context.Context) (int64, error) {
	return q.outbox.ReapExpired(ctx)
}

func (q *JoinAwareQueue) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return q.outbox.DeleteTerminalOlderThan(ctx, age)
}

func (q *JoinAwareQueue) RenewLock(ctx context.Context, owner, id string, lease time.Duration) (bool, error) {
	return q.outbox.RenewLock(ctx, owner, id, lease)
}
