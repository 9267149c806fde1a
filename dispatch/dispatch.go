// Package dispatch implements the background worker template shared by
// every work-queue-backed store (C9): claim a batch, run the topic's
// handler, settle each id by outcome, sleep with adaptive backoff when
// idle. Stores plug in by implementing Queue; dispatch knows nothing about
// payload shapes.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/duraplane/duraplane/l3"
	"github.com/duraplane/duraplane/lifecycle"
	"github.com/duraplane/duraplane/managers"
	"github.com/duraplane/duraplane/metrics"
	"github.com/duraplane/duraplane/pool"
	"github.com/duraplane/duraplane/resilience"
	"github.com/duraplane/duraplane/uuid"
)

// randSuffix returns a short unique string appended to an owner prefix so
// concurrent claim cycles from the same loop never share an owner token.
func randSuffix() string {
	return uuid.NewV4().String()[:8]
}

// Item is a claimed row, identified by id and routed to a handler by topic.
type Item interface {
	ID() string
	Topic() string
	// AttemptCount is the number of prior delivery attempts (0 on first
	// claim), used to compute backoff and to enforce MaxAttempts.
	AttemptCount() int
}

// Queue is the subset of a store's API a dispatcher loop needs. Outbox,
// inbox, and scheduler stores each implement it over their own table.
type Queue interface {
	Claim(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]Item, error)
	Ack(ctx context.Context, owner string, ids []string) error
	Abandon(ctx context.Context, owner string, ids []string, lastErr string, nextDue time.Time) error
	Fail(ctx context.Context, owner string, ids []string, reason string) error
	ReapExpired(ctx context.Context) (int64, error)
	DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error)
	// RenewLock extends a claimed row's lock, used by the heartbeat
	// co-task to keep a long-running handler's claim alive.
	RenewLock(ctx context.Context, owner, id string, lease time.Duration) (bool, error)
}

// Outcome classifies a handler's result. The dispatcher never inspects an
// error value to guess intent — handlers return the classification
// explicitly, per the three-way transient-storage/transient-handler/
// permanent-handler taxonomy.
type Outcome int

const (
	// Success acks the item to its store's terminal-success status.
	Success Outcome = iota
	// Transient abandons the item for retry with backoff.
	Transient
	// Permanent fails the item to its store's terminal-failure status.
	Permanent
)

// HandlerFunc processes one claimed item. ctx is cancelled if the
// dispatcher's lease-heartbeat fails to renew before the claim expires.
type HandlerFunc func(ctx context.Context, item Item) (Outcome, error)

// Handlers is a topic → HandlerFunc registry, built on the teacher's
// generic item manager so registration/lookup share its locking and API
// shape with every other named-registry in the module.
type Handlers = managers.ItemManager[HandlerFunc]

// NewHandlers creates an empty topic handler registry.
func NewHandlers() Handlers {
	return managers.NewItemManager[HandlerFunc]()
}

var ErrNoHandler = errors.New("dispatch: no handler registered for topic")

// Config controls one dispatcher loop's batching, leasing, and backoff.
// The zero value is valid: Loop applies every default below.
type Config struct {
	// BatchSize is the max rows claimed per cycle. Default 10.
	BatchSize int
	// LeaseSeconds is the claim lock duration. Default 30s.
	LeaseSeconds int
	// HeartbeatFraction renews the claim at this fraction of the lease.
	// Default 0.5 (renew halfway through the lease).
	HeartbeatFraction float64
	// MaxPollingInterval caps the adaptive idle-sleep backoff. Default 5s.
	MaxPollingInterval time.Duration
	// RetentionWindow is the age after terminal status at which the
	// retention loop deletes a row. Default 24h.
	RetentionWindow time.Duration
	// ReapInterval is how often the independent reaper loop runs. Default 10s.
	ReapInterval time.Duration
	// RetentionInterval is how often the retention loop runs. Default 5m.
	RetentionInterval time.Duration
	// Backoff computes the abandon delay from attempt count. Default
	// doubling from 1s, capped at 5m, with jitter.
	Backoff *resilience.RetryInfo
	// MaxAttempts caps transient retries before a Transient outcome is
	// treated as Permanent. Zero means unbounded.
	MaxAttempts int
	// MaxConcurrency caps how many claimed items this loop runs handlers
	// for at once, independent of BatchSize (a large batch can still be
	// worked through a small number of concurrent slots). Default equals
	// BatchSize, i.e. no throttling beyond the claim itself.
	MaxConcurrency int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 30
	}
	if c.HeartbeatFraction <= 0 {
		c.HeartbeatFraction = 0.5
	}
	if c.MaxPollingInterval <= 0 {
		c.MaxPollingInterval = 5 * time.Second
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 24 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 10 * time.Second
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = 5 * time.Minute
	}
	if c.Backoff == nil {
		c.Backoff = &resilience.RetryInfo{Wait: 1000, Exponential: true, MaxWait: 300_000, Jitter: true}
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = c.BatchSize
	}
	return c
}

// Loop is a lifecycle.Component running one dispatcher, its lease
// heartbeat, an independent reaper, and a retention sweeper.
type Loop struct {
	name     string
	queue    Queue
	handlers Handlers
	cfg      Config
	owner    string
	log      l3.Logger
	metrics  *metrics.StoreMetrics

	tokens pool.Pool[struct{}]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a dispatcher loop named name, claiming from queue and routing
// claimed items to handlers by topic. owner is this process's owner-token
// prefix; a random suffix is appended per claim cycle so concurrent loops
// across processes never collide on ownership.
func New(name string, queue Queue, handlers Handlers, owner string, log l3.Logger, m *metrics.StoreMetrics, cfg Config) *Loop {
	cfg = cfg.withDefaults()
	tokens, err := pool.NewPool[struct{}](
		func() (struct{}, error) { return struct{}{}, nil },
		nil,
		0, cfg.MaxConcurrency, concurrencyGateMaxWaitSeconds,
	)
	if err != nil {
		log.ErrorF("dispatch[%s]: building concurrency gate: %v", name, err)
	}
	return &Loop{
		name:     name,
		queue:    queue,
		handlers: handlers,
		cfg:      cfg,
		owner:    owner,
		log:      log,
		metrics:  m,
		tokens:   tokens,
	}
}

// concurrencyGateMaxWaitSeconds bounds a single Checkout attempt on the
// per-loop concurrency gate; acquireToken retries across attempts so the
// effective wait is unbounded until ctx is done.
const concurrencyGateMaxWaitSeconds = 5

func (l *Loop) acquireToken(ctx context.Context) error {
	if l.tokens == nil {
		return nil
	}
	for {
		if _, err := l.tokens.Checkout(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (l *Loop) releaseToken() {
	if l.tokens != nil {
		l.tokens.Checkin(struct{}{})
	}
}

// Component wraps the Loop as a lifecycle.Component so it can be registered
// into a duraplane.Plane's ComponentManager alongside every other store.
func (l *Loop) Component() lifecycle.Component {
	return &lifecycle.SimpleComponent{
		CompId:    l.name,
		StartFunc: l.Start,
		StopFunc:  l.Stop,
	}
}

// Start launches the claim loop, the reaper loop, and the retention loop
// as independent goroutines.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.mu.Unlock()

	if l.tokens != nil {
		if err := l.tokens.Start(); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); l.claimLoop(ctx) }()
	go func() { defer wg.Done(); l.reapLoop(ctx) }()
	go func() { defer wg.Done(); l.retentionLoop(ctx) }()

	go func() {
		wg.Wait()
		close(l.done)
	}()
	l.log.InfoF("dispatch[%s]: started", l.name)
	return nil
}

// Stop cancels every loop and waits for them to exit.
func (l *Loop) Stop() error {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if l.tokens != nil {
		_ = l.tokens.Close()
	}
	l.log.InfoF("dispatch[%s]: stopped", l.name)
	return nil
}

func (l *Loop) claimLoop(ctx context.Context) {
	backoff := l.cfg.MaxPollingInterval
	sleep := 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		owner := l.owner + "-" + randSuffix()
		items, err := l.queue.Claim(ctx, owner, l.cfg.BatchSize, time.Duration(l.cfg.LeaseSeconds)*time.Second)
		if err != nil {
			l.log.ErrorF("dispatch[%s]: claim failed: %v", l.name, err)
			sleepCtx(ctx, sleep)
			sleep = nextSleep(sleep, backoff)
			continue
		}
		if len(items) == 0 {
			sleepCtx(ctx, sleep)
			sleep = nextSleep(sleep, backoff)
			continue
		}
		sleep = 100 * time.Millisecond
		if l.metrics != nil {
			l.metrics.ClaimBatchSize.Observe(float64(len(items)))
		}
		l.dispatchBatch(ctx, owner, items)
	}
}

func nextSleep(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (l *Loop) dispatchBatch(ctx context.Context, owner string, items []Item) {
	var wg sync.WaitGroup
	for _, item := range items {
		if err := l.acquireToken(ctx); err != nil {
			continue
		}
		wg.Add(1)
		go func(item Item) {
			defer wg.Done()
			defer l.releaseToken()
			l.dispatchOne(ctx, owner, item)
		}(item)
	}
	wg.Wait()
}

func (l *Loop) dispatchOne(ctx context.Context, owner string, item Item) {
	handler := l.handlers.Get(item.Topic())
	if handler == nil {
		l.log.ErrorF("dispatch[%s]: %v: topic=%s id=%s", l.name, ErrNoHandler, item.Topic(), item.ID())
		_ = l.queue.Fail(ctx, owner, []string{item.ID()}, ErrNoHandler.Error())
		return
	}

	hctx, hcancel := context.WithCancel(ctx)
	heartbeatStop := l.startHeartbeat(hctx, hcancel, owner, item.ID())
	start := time.Now()
	outcome, err := handler(hctx, item)
	heartbeatStop()
	if l.metrics != nil {
		l.metrics.HandlerDuration.Observe(time.Since(start).Seconds())
	}

	switch outcome {
	case Success:
		if ackErr := l.queue.Ack(ctx, owner, []string{item.ID()}); ackErr != nil {
			l.log.ErrorF("dispatch[%s]: ack failed for %s: %v", l.name, item.ID(), ackErr)
			return
		}
		if l.metrics != nil {
			l.metrics.Acked.Inc()
		}
	case Permanent:
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		if failErr := l.queue.Fail(ctx, owner, []string{item.ID()}, reason); failErr != nil {
			l.log.ErrorF("dispatch[%s]: fail failed for %s: %v", l.name, item.ID(), failErr)
			return
		}
		if l.metrics != nil {
			l.metrics.Failed.Inc()
		}
	default: // Transient
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		if l.cfg.MaxAttempts > 0 && item.AttemptCount()+1 >= l.cfg.MaxAttempts {
			if failErr := l.queue.Fail(ctx, owner, []string{item.ID()}, reason); failErr != nil {
				l.log.ErrorF("dispatch[%s]: fail failed for %s: %v", l.name, item.ID(), failErr)
				return
			}
			l.log.WarnF("dispatch[%s]: %s exceeded max attempts (%d), treating as permanent", l.name, item.ID(), l.cfg.MaxAttempts)
			if l.metrics != nil {
				l.metrics.Failed.Inc()
			}
			return
		}
		nextDue := time.Now().Add(l.cfg.Backoff.WaitTime(item.AttemptCount()))
		if abErr := l.queue.Abandon(ctx, owner, []string{item.ID()}, reason, nextDue); abErr != nil {
			l.log.ErrorF("dispatch[%s]: abandon failed for %s: %v", l.name, item.ID(), abErr)
			return
		}
		if l.metrics != nil {
			l.metrics.Abandoned.Inc()
		}
	}
}

func (l *Loop) reapLoop(ctx context.Context) {
	t := time.NewTicker(l.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := l.queue.ReapExpired(ctx)
			if err != nil {
				l.log.ErrorF("dispatch[%s]: reap failed: %v", l.name, err)
				continue
			}
			if n > 0 {
				l.log.InfoF("dispatch[%s]: reaped %d expired claims", l.name, n)
			}
		}
	}
}

func (l *Loop) retentionLoop(ctx context.Context) {
	t := time.NewTicker(l.cfg.RetentionInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := l.queue.DeleteTerminalOlderThan(ctx, l.cfg.RetentionWindow)
			if err != nil {
				l.log.ErrorF("dispatch[%s]: retention sweep failed: %v", l.name, err)
				continue
			}
			if n > 0 {
				l.log.InfoF("dispatch[%s]: purged %d terminal rows older than %s", l.name, n, l.cfg.RetentionWindow)
			}
		}
	}
}

// startHeartbeat launches a co-task that renews the claim's lock at
// HeartbeatFraction of the lease while the handler is still running. If
// renewal fails (the row was reaped and re-claimed elsewhere) it cancels
// ctx so the handler's work is abandoned promptly instead of racing a
// second owner. The returned func stops the heartbeat; callers must call
// it once the handler returns.
func (l *Loop) startHeartbeat(ctx context.Context, cancel context.CancelFunc, owner, id string) func() {
	stop := make(chan struct{})
	go func() {
		interval := time.Duration(float64(l.cfg.LeaseSeconds)*l.cfg.HeartbeatFraction) * time.Second
		if interval <= 0 {
			interval = time.Second
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				renewed, err := l.queue.RenewLock(ctx, owner, id, time.Duration(l.cfg.LeaseSeconds)*time.Second)
				if err != nil || !renewed {
					l.log.WarnF("dispatch[%s]: lease renewal lost for id=%s, cancelling handler", l.name, id)
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}
