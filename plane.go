package duraplane

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/duraplane/duraplane/dispatch"
	"github.com/duraplane/duraplane/inbox"
	"github.com/duraplane/duraplane/join"
	"github.com/duraplane/duraplane/l3"
	"github.com/duraplane/duraplane/lease"
	"github.com/duraplane/duraplane/lifecycle"
	"github.com/duraplane/duraplane/metrics"
	"github.com/duraplane/duraplane/outbox"
	"github.com/duraplane/duraplane/scheduler"
	"github.com/duraplane/duraplane/semaphore"
	"github.com/duraplane/duraplane/sideeffect"
)

// Plane is the fully-wired coordination plane: every store, its
// dispatcher loop, and the shared lifecycle manager that starts and stops
// them together. Build one with Builder; it is immutable once built.
type Plane struct {
	DB *sqlx.DB

	Outbox     *outbox.Store
	Inbox      *inbox.Store
	Timers     *scheduler.TimerStore
	Jobs       *scheduler.JobStore
	JobRuns    *scheduler.JobRunStore
	Leases     *lease.Manager
	Semaphores *semaphore.Manager
	Joins      *join.Coordinator
	Effects    *sideeffect.Coordinator

	components lifecycle.ComponentManager
}

// StartAll starts every dispatcher loop and supporting component.
func (p *Plane) StartAll() { p.components.StartAll() }

// StopAll stops every dispatcher loop and supporting component.
func (p *Plane) StopAll() { p.components.StopAll() }

// Wait blocks until every component has stopped.
func (p *Plane) Wait() { p.components.Wait() }

// Builder assembles a Plane from a database handle, ambient services, and
// per-store configuration. The zero value is not usable; build one with
// NewBuilder.
type Builder struct {
	db      *sqlx.DB
	log     l3.Logger
	metrics *metrics.Registry
	owner   string

	outboxCfg     dispatch.Config
	inboxCfg      dispatch.Config
	timerCfg      dispatch.Config
	jobRunCfg     dispatch.Config
	catchUp       scheduler.CatchUpPolicy
	handlers      map[string]dispatch.Handlers
	joinEnabled   bool
}

// NewBuilder starts assembling a Plane over db, identified to its own
// claims as owner (a process-unique prefix; dispatch.Loop appends a
// random per-cycle suffix). A nil log defaults to l3.NewProductionLogger,
// falling back to a no-op logger only if that itself fails to build.
func NewBuilder(db *sqlx.DB, log l3.Logger, owner string) *Builder {
	if log == nil {
		if prod, err := l3.NewProductionLogger(); err == nil {
			log = prod
		} else {
			log = l3.NewZapLogger(nil)
		}
	}
	return &Builder{
		db:       db,
		log:      log,
		metrics:  metrics.NewRegistry(nil),
		owner:    owner,
		handlers: make(map[string]dispatch.Handlers),
	}
}

// WithMetrics overrides the default Prometheus registry.
func (b *Builder) WithMetrics(m *metrics.Registry) *Builder {
	b.metrics = m
	return b
}

// WithOutboxConfig overrides the outbox dispatcher's Config.
func (b *Builder) WithOutboxConfig(cfg dispatch.Config) *Builder {
	b.outboxCfg = cfg
	return b
}

// WithInboxConfig overrides the inbox dispatcher's Config.
func (b *Builder) WithInboxConfig(cfg dispatch.Config) *Builder {
	b.inboxCfg = cfg
	return b
}

// WithSchedulerConfig overrides the timer and job-run dispatchers' Config
// and the job-tick catch-up policy.
func (b *Builder) WithSchedulerConfig(timerCfg, jobRunCfg dispatch.Config, catchUp scheduler.CatchUpPolicy) *Builder {
	b.timerCfg = timerCfg
	b.jobRunCfg = jobRunCfg
	b.catchUp = catchUp
	return b
}

// WithOutboxJoin enables wrapping the outbox dispatcher's queue with a
// join-aware decorator so outbox acks/fails update fan-in counters in the
// same transaction (C7). Off by default since most applications never
// use outbox-join.
func (b *Builder) WithOutboxJoin() *Builder {
	b.joinEnabled = true
	return b
}

// Handlers registers handler funcs for store's topics, where store is one
// of "outbox", "inbox", "timers", "job_runs".
func (b *Builder) Handlers(store string) dispatch.Handlers {
	h, ok := b.handlers[store]
	if !ok {
		h = dispatch.NewHandlers()
		b.handlers[store] = h
	}
	return h
}

// Build wires every store, its dispatcher loop, and the supporting
// lifecycle components into a Plane.
func (b *Builder) Build() (*Plane, error) {
	manager := lifecycle.NewSimpleComponentManager()

	ob := outbox.New(b.db)
	ib := inbox.New(b.db)
	timers := scheduler.NewTimerStore(b.db)
	jobs := scheduler.NewJobStore(b.db, b.catchUp)
	jobRuns := scheduler.NewJobRunStore(b.db)
	leases := lease.New(b.db)
	semaphores := semaphore.New(b.db)
	joins := join.New(b.db, ob)
	effects := sideeffect.New(b.db)

	var outboxQueue dispatch.Queue = ob
	if b.joinEnabled {
		outboxQueue = join.NewJoinAwareQueue(b.db, ob, joins)
	}

	manager.Register(dispatch.New("outbox", outboxQueue, b.Handlers("outbox"), b.owner, b.log, b.metrics.ForStore("outbox"), b.outboxCfg).Component())
	manager.Register(dispatch.New("inbox", ib, b.Handlers("inbox"), b.owner, b.log, b.metrics.ForStore("inbox"), b.inboxCfg).Component())
	manager.Register(dispatch.New("timers", timers, b.Handlers("timers"), b.owner, b.log, b.metrics.ForStore("timers"), b.timerCfg).Component())
	manager.Register(dispatch.New("job_runs", jobRuns, b.Handlers("job_runs"), b.owner, b.log, b.metrics.ForStore("job_runs"), b.jobRunCfg).Component())
	manager.Register(newJobTickComponent(jobs, b.log))

	return &Plane{
		DB:         b.db,
		Outbox:     ob,
		Inbox:      ib,
		Timers:     timers,
		Jobs:       jobs,
		JobRuns:    jobRuns,
		Leases:     leases,
		Semaphores: semaphores,
		Joins:      joins,
		Effects:    effects,
		components: manager,
	}, nil
}

func newJobTickComponent(jobs *scheduler.JobStore, log l3.Logger) lifecycle.Component {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	return &lifecycle.SimpleComponent{
		CompId: "job-tick",
		StartFunc: func() error {
			go jobTickLoop(ctx, jobs, log, done)
			return nil
		},
		StopFunc: func() error {
			cancel()
			<-done
			return nil
		},
	}
}

// jobTickInterval is how often the job-tick component materializes
// JobRuns for jobs whose next_due has arrived.
const jobTickInterval = time.Second

func jobTickLoop(ctx context.Context, jobs *scheduler.JobStore, log l3.Logger, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(jobTickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if _, err := jobs.Tick(ctx, now); err != nil {
				log.ErrorF("job-tick: %v", err)
			}
		}
	}
}
