// Package scheduler implements the Scheduler Store (C4): one-shot Timers
// and cron-driven Jobs. Timers and JobRuns both ride the same work-queue
// protocol as the outbox, ordered by due_time/scheduled_time; a separate
// tick loop turns enabled Job definitions into JobRun rows as their cron
// schedule comes due.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/duraplane/duraplane/dispatch"
	"github.com/duraplane/duraplane/workqueue"
)

var (
	ErrInvalidCron  = errors.New("scheduler: invalid cron expression")
	ErrEmptyJobName = errors.New("scheduler: job name must not be empty")
	ErrJobNotFound  = errors.New("scheduler: job not found")
)

// CatchUpPolicy controls how many runs a Job materializes when its next
// tick has fallen behind wall-clock time (open question in the source
// spec, resolved here as an explicit, documented config field).
type CatchUpPolicy int

const (
	// FireOnce materializes a single catch-up run for the most recent
	// missed tick and fast-forwards next_due from there. This is the
	// default: it matches "fire once, resume forward".
	FireOnce CatchUpPolicy = iota
	// FireAll materializes one JobRun per missed tick, oldest first.
	FireAll
)

var timerSpec = workqueue.Spec{
	Table:             "timers",
	IDColumn:          "id",
	OrderColumn:       "due_time",
	StatusColumn:      "status",
	LockedUntilColumn: "locked_until",
	OwnerColumn:       "owner_token",
	DueColumn:         "due_time",
}

var jobRunSpec = workqueue.Spec{
	Table:             "job_runs",
	IDColumn:          "id",
	OrderColumn:       "scheduled_time",
	StatusColumn:      "status",
	LockedUntilColumn: "locked_until",
	OwnerColumn:       "owner_token",
	DueColumn:         "scheduled_time",
}

// Timer is a one-shot row, as returned by TimerStore.Claim.
type Timer struct {
	ID            uuid.UUID
	TopicName     string
	Payload       []byte
	CorrelationID string
	AttemptCount  int
}

// JobRun is one materialized execution of a Job, as returned by
// JobRunStore.Claim.
type JobRun struct {
	ID            uuid.UUID
	JobID         uuid.UUID
	ScheduledTime time.Time
	TopicName     string
	Payload       []byte
	CorrelationID string
	AttemptCount  int
}

type timerItem struct{ Timer }

func (i timerItem) ID() string        { return i.Timer.ID.String() }
func (i timerItem) Topic() string     { return i.Timer.TopicName }
func (i timerItem) AttemptCount() int { return i.Timer.AttemptCount }

type jobRunItem struct{ JobRun }

func (i jobRunItem) ID() string        { return i.JobRun.ID.String() }
func (i jobRunItem) Topic() string     { return i.JobRun.TopicName }
func (i jobRunItem) AttemptCount() int { return i.JobRun.AttemptCount }

// TimerStore schedules one-shot work and implements dispatch.Queue over
// the timers table.
type TimerStore struct {
	db *sqlx.DB
}

// NewTimerStore builds a TimerStore over db.
func NewTimerStore(db *sqlx.DB) *TimerStore { return &TimerStore{db: db} }

// ScheduleTimer inserts a Pending timer due at dueTime.
func (s *TimerStore) ScheduleTimer(ctx context.Context, topic string, payload []byte, dueTime time.Time, correlationID string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO timers (id, due_time, topic, payload, correlation_id) VALUES ($1, $2, $3, $4, $5)`,
		id, dueTime, topic, payload, nullableString(correlationID))
	return id, err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *TimerStore) Claim(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]dispatch.Item, error) {
	ids, err := workqueue.Claim(ctx, s.db, timerSpec, owner, batchSize, lease)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, `
SELECT id, topic, payload, coalesce(correlation_id, ''), attempt_count FROM timers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []dispatch.Item
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.ID, &t.TopicName, &t.Payload, &t.CorrelationID, &t.AttemptCount); err != nil {
			return nil, err
		}
		items = append(items, timerItem{t})
	}
	return items, rows.Err()
}

func (s *TimerStore) Ack(ctx context.Context, owner string, ids []string) error {
	return workqueue.Ack(ctx, s.db, timerSpec, "processed_at", workqueue.Dispatched, owner, ids)
}
func (s *TimerStore) Abandon(ctx context.Context, owner string, ids []string, lastErr string, nextDue time.Time) error {
	return workqueue.Abandon(ctx, s.db, timerSpec, "attempt_count", "last_error", owner, ids, lastErr, &nextDue)
}
func (s *TimerStore) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	return workqueue.Fail(ctx, s.db, timerSpec, "last_error", workqueue.Failed, owner, ids, reason)
}
func (s *TimerStore) ReapExpired(ctx context.Context) (int64, error) {
	return workqueue.ReapExpired(ctx, s.db, timerSpec)
}
func (s *TimerStore) RenewLock(ctx context.Context, owner, id string, lease time.Duration) (bool, error) {
	return workqueue.RenewLock(ctx, s.db, timerSpec, owner, id, lease)
}
func (s *TimerStore) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE status = $1 AND processed_at < $2`,
		int(workqueue.Dispatched), time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// JobDefinition is one row of the jobs table.
type JobDefinition struct {
	ID         uuid.UUID
	Name       string
	Cron       string
	Topic      string
	Payload    []byte
	Enabled    bool
	NextDue    *time.Time
	LastRunAt  *time.Time
	LastStatus *int
}

// JobStore manages Job definitions and materializes JobRuns as their cron
// schedule comes due.
type JobStore struct {
	db     *sqlx.DB
	policy CatchUpPolicy
}

// NewJobStore builds a JobStore over db with the given catch-up policy.
func NewJobStore(db *sqlx.DB, policy CatchUpPolicy) *JobStore {
	return &JobStore{db: db, policy: policy}
}

// UpsertJob creates or updates a Job definition by name.
func (s *JobStore) UpsertJob(ctx context.Context, name, cron, topic string, payload []byte, enabled bool) (uuid.UUID, error) {
	if name == "" {
		return uuid.UUID{}, ErrEmptyJobName
	}
	sched, err := NewCronSchedule(cron)
	if err != nil {
		return uuid.UUID{}, err
	}
	next := sched.Next(time.Now())

	var id uuid.UUID
	err = s.db.QueryRowContext(ctx, `
INSERT INTO jobs (id, name, cron, topic, payload, enabled, next_due)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (name) DO UPDATE SET cron = $3, topic = $4, payload = $5, enabled = $6
RETURNING id`,
		uuid.New(), name, cron, topic, payload, enabled, next,
	).Scan(&id)
	return id, err
}

// TriggerJob materializes an immediate JobRun for name regardless of its
// schedule, returning the new run's id.
func (s *JobStore) TriggerJob(ctx context.Context, name string) (uuid.UUID, error) {
	var job JobDefinition
	err := s.db.QueryRowxContext(ctx, `SELECT id, topic, payload FROM jobs WHERE name = $1`, name).
		Scan(&job.ID, &job.Topic, &job.Payload)
	if err != nil {
		return uuid.UUID{}, ErrJobNotFound
	}
	return s.materializeRun(ctx, job.ID, job.Topic, job.Payload, time.Now())
}

func (s *JobStore) materializeRun(ctx context.Context, jobID uuid.UUID, topic string, payload []byte, scheduledTime time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_runs (id, job_id, scheduled_time, topic, payload) VALUES ($1, $2, $3, $4, $5)`,
		id, jobID, scheduledTime, topic, payload)
	return id, err
}

// Tick advances every enabled Job whose next_due has arrived, materializing
// JobRuns per s.policy and fast-forwarding each job's next_due past now.
// It is meant to be called periodically by a dedicated tick loop, never
// concurrently for the same JobStore (callers wrap it in a lease if
// multiple processes run the tick loop).
func (s *JobStore) Tick(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryxContext(ctx, `
SELECT id, name, cron, topic, payload, next_due FROM jobs WHERE enabled = true AND next_due <= $1`, now)
	if err != nil {
		return 0, err
	}
	var jobs []JobDefinition
	for rows.Next() {
		var j JobDefinition
		if err := rows.Scan(&j.ID, &j.Name, &j.Cron, &j.Topic, &j.Payload, &j.NextDue); err != nil {
			rows.Close()
			return 0, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()

	materialized := 0
	for _, j := range jobs {
		sched, err := NewCronSchedule(j.Cron)
		if err != nil {
			continue
		}

		switch s.policy {
		case FireAll:
			due := *j.NextDue
			for !due.IsZero() && !due.After(now) {
				if _, err := s.materializeRun(ctx, j.ID, j.Topic, j.Payload, due); err != nil {
					return materialized, err
				}
				materialized++
				due = sched.Next(due)
			}
			if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET next_due = $1, last_run_at = $2 WHERE id = $3`, due, now, j.ID); err != nil {
				return materialized, err
			}
		default: // FireOnce
			due := *j.NextDue
			for next := sched.Next(due); !next.IsZero() && !next.After(now); next = sched.Next(next) {
				due = next
			}
			if _, err := s.materializeRun(ctx, j.ID, j.Topic, j.Payload, due); err != nil {
				return materialized, err
			}
			materialized++
			next := sched.Next(now)
			if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET next_due = $1, last_run_at = $2 WHERE id = $3`, next, now, j.ID); err != nil {
				return materialized, err
			}
		}
	}
	return materialized, nil
}

// JobRunStore implements dispatch.Queue over the job_runs table.
type JobRunStore struct {
	db *sqlx.DB
}

// NewJobRunStore builds a JobRunStore over db.
func NewJobRunStore(db *sqlx.DB) *JobRunStore { return &JobRunStore{db: db} }

func (s *JobRunStore) Claim(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]dispatch.Item, error) {
	ids, err := workqueue.Claim(ctx, s.db, jobRunSpec, owner, batchSize, lease)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, `
SELECT id, job_id, scheduled_time, topic, payload, coalesce(correlation_id, ''), attempt_count FROM job_runs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []dispatch.Item
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.ScheduledTime, &r.TopicName, &r.Payload, &r.CorrelationID, &r.AttemptCount); err != nil {
			return nil, err
		}
		items = append(items, jobRunItem{r})
	}
	return items, rows.Err()
}

func (s *JobRunStore) Ack(ctx context.Context, owner string, ids []string) error {
	return workqueue.Ack(ctx, s.db, jobRunSpec, "processed_at", workqueue.Dispatched, owner, ids)
}
func (s *JobRunStore) Abandon(ctx context.Context, owner string, ids []string, lastErr string, nextDue time.Time) error {
	return workqueue.Abandon(ctx, s.db, jobRunSpec, "attempt_count", "last_error", owner, ids, lastErr, &nextDue)
}
func (s *JobRunStore) Fail(ctx context.Context, owner string, ids []string, reason string) error {
	return workqueue.Fail(ctx, s.db, jobRunSpec, "last_error", workqueue.Failed, owner, ids, reason)
}
func (s *JobRunStore) ReapExpired(ctx context.Context) (int64, error) {
	return workqueue.ReapExpired(ctx, s.db, jobRunSpec)
}
func (s *JobRunStore) RenewLock(ctx context.Context, owner, id string, lease time.Duration) (bool, error) {
	return workqueue.RenewLock(ctx, s.db, jobRunSpec, owner, id, lease)
}
func (s *JobRunStore) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE status = $1 AND processed_at < $2`,
		int(workqueue.Dispatched), time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
