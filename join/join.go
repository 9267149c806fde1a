// Package join implements the outbox-join fan-in coordinator (C7): a
// workflow publishes N related outbox messages and wants notification
// once a completion condition over them holds. Counter increments run in
// the same transaction as the triggering outbox ack/fail, guarded so a
// member contributes to at most one counter at most once and the join's
// counters never overshoot expected_steps.
package join

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/duraplane/duraplane/outbox"
)

var ErrZeroExpectedSteps = errors.New("join: expected_steps must be > 0")

// Status mirrors the join's lifecycle: Open while counters are still
// short of expected_steps, Fired once the fan-in signal has been emitted.
type Status int

const (
	Open Status = iota
	Fired
)

// Coordinator is the outbox_joins/outbox_join_members tables' API.
type Coordinator struct {
	db     *sqlx.DB
	outbox *outbox.Store
}

// New builds a Coordinator over db, using ob to publish the fan-in-fired
// notification as a regular outbox message.
func New(db *sqlx.DB, ob *outbox.Store) *Coordinator {
	return &Coordinator{db: db, outbox: ob}
}

// Create opens a new join expecting expectedSteps member completions or
// failures before firing, within tx so it commits atomically with the
// member outbox messages the caller is about to enqueue.
func (c *Coordinator) Create(ctx context.Context, tx *sqlx.Tx, ownerKey string, expectedSteps int, metadata []byte) (uuid.UUID, error) {
	if expectedSteps <= 0 {
		return uuid.UUID{}, ErrZeroExpectedSteps
	}
	id := uuid.New()
	_, err := tx.ExecContext(ctx, `
INSERT INTO outbox_joins (join_id, owner_key, expected_steps, metadata) VALUES ($1, $2, $3, $4)`,
		id, ownerKey, expectedSteps, metadata)
	return id, err
}

// AddMember enrolls an outbox message as one of joinID's counted steps.
func (c *Coordinator) AddMember(ctx context.Context, tx *sqlx.Tx, joinID, outboxMessageID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO outbox_join_members (join_id, outbox_message_id) VALUES ($1, $2)`, joinID, outboxMessageID)
	return err
}

// EnqueueJoin publishes parentPayload plus every child message as a
// single atomic transaction, wiring each child into a new join that fires
// after expectedCompletions of them reach a terminal outbox state. It
// implements the enqueue_join entry of the stable enqueue/consume surface.
type ChildMessage struct {
	Topic     string
	Payload   []byte
	MessageID uuid.UUID
}

// EnqueueJoin inserts parentTopic/parentPayload and every child as outbox
// rows, and a join tracking the children, all in one transaction.
func (c *Coordinator) EnqueueJoin(ctx context.Context, tx *sqlx.Tx, ownerKey, parentTopic string, parentPayload []byte, children []ChildMessage, expectedCompletions int) (parentID, joinID uuid.UUID, err error) {
	parentID, err = c.outbox.Enqueue(ctx, tx, parentTopic, parentPayload, outbox.EnqueueOptions{})
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, err
	}
	joinID, err = c.Create(ctx, tx, ownerKey, expectedCompletions, nil)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, err
	}
	for _, child := range children {
		childID, err := c.outbox.Enqueue(ctx, tx, child.Topic, child.Payload, outbox.EnqueueOptions{MessageID: child.MessageID})
		if err != nil {
			return uuid.UUID{}, uuid.UUID{}, err
		}
		if err := c.AddMember(ctx, tx, joinID, childID); err != nil {
			return uuid.UUID{}, uuid.UUID{}, err
		}
	}
	return parentID, joinID, nil
}

// firedTopic is the topic a fan-in-fired notification is published under;
// handlers register against it the same way they would any other topic.
const firedTopic = "duraplane.join.fired"

// OnMemberCompleted marks outboxMessageID's join membership completed and
// increments the parent join's completed_steps, all within tx so it
// commits atomically with the outbox ack that triggered it. If this call
// is what brings completed_steps+failed_steps to expected_steps, it also
// enqueues the fan-in-fired outbox message within the same tx.
func (c *Coordinator) OnMemberCompleted(ctx context.Context, tx *sqlx.Tx, outboxMessageID uuid.UUID) error {
	return c.onMember(ctx, tx, outboxMessageID, "completed_at", "completed_steps")
}

// OnMemberFailed is OnMemberCompleted's symmetric path for outbox fail.
func (c *Coordinator) OnMemberFailed(ctx context.Context, tx *sqlx.Tx, outboxMessageID uuid.UUID) error {
	return c.onMember(ctx, tx, outboxMessageID, "failed_at", "failed_steps")
}

func (c *Coordinator) onMember(ctx context.Context, tx *sqlx.Tx, outboxMessageID uuid.UUID, timestampColumn, counterColumn string) error {
	var joinID uuid.UUID
	err := tx.QueryRowContext(ctx, `
UPDATE outbox_join_members SET `+timestampColumn+` = now()
WHERE outbox_message_id = $1 AND completed_at IS NULL AND failed_at IS NULL
RETURNING join_id`, outboxMessageID).Scan(&joinID)
	if err != nil {
		// No row, or the member was already settled by a prior attempt:
		// both are no-ops, not errors, per the per-member-once guarantee.
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	var completed, failed, expected int
	err = tx.QueryRowContext(ctx, `
UPDATE outbox_joins SET `+counterColumn+` = `+counterColumn+` + 1, last_updated_at = now()
WHERE join_id = $1 AND (completed_steps + failed_steps) < expected_steps
RETURNING completed_steps, failed_steps, expected_steps`, joinID).
		Scan(&completed, &failed, &expected)
	if errors.Is(err, sql.ErrNoRows) {
		// The join already reached expected_steps from other members;
		// this member's row update above still recorded, so it is not
		// double-counted, but there is nothing left to fire.
		return nil
	}
	if err != nil {
		return err
	}

	if completed+failed == expected {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_joins SET status = $1 WHERE join_id = $2`, int(Fired), joinID); err != nil {
			return err
		}
		payload := []byte(joinID.String())
		if _, err := c.outbox.Enqueue(ctx, tx, firedTopic, payload, outbox.EnqueueOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// Join is a snapshot of one join's state, as returned by Get.
type Join struct {
	JoinID         uuid.UUID
	OwnerKey       string
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         Status
	CreatedAt      time.Time
	LastUpdatedAt  time.Time
}

// Get returns joinID's current counters.
func (c *Coordinator) Get(ctx context.Context, joinID uuid.UUID) (*Join, error) {
	var j Join
	err := c.db.QueryRowxContext(ctx, `
SELECT join_id, owner_key, expected_steps, completed_steps, failed_steps, status, created_at, last_updated_at
FROM outbox_joins WHERE join_id = $1`, joinID).
		Scan(&j.JoinID, &j.OwnerKey, &j.ExpectedSteps, &j.CompletedSteps, &j.FailedSteps, &j.Status, &j.CreatedAt, &j.LastUpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
