// Package provider implements the store provider/router (C10): in a
// multi-database deployment, a discovery source yields the current set of
// logical database names, and the router keeps a live map of name → *sqlx.DB
// (migrated once per name), selecting one by round-robin for each
// dispatcher cycle that needs to operate fleet-wide.
package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/duraplane/duraplane/l3"
	"github.com/duraplane/duraplane/lifecycle"
	"github.com/duraplane/duraplane/sqlstore"
)

// ErrNotDiscovered is returned by Pick if discovery has not yet yielded at
// least one migrated store.
var ErrNotDiscovered = errors.New("provider: no store has been discovered and migrated yet")

// Discoverer yields the current set of logical database names this
// process should operate over. It is polled by Router's lifecycle
// component; implementations range from a static list to a dynamic
// service-registry client.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// StaticDiscoverer is a Discoverer over a fixed, unchanging set of names.
type StaticDiscoverer []string

func (d StaticDiscoverer) Discover(ctx context.Context) ([]string, error) { return d, nil }

// DSNFunc maps a logical database name to its connection string.
type DSNFunc func(name string) (sqlstore.Config, error)

// Router maintains name → *sqlx.DB for every currently discovered logical
// database, migrating each exactly once when it first appears and
// disposing it when discovery drops the name. It gates readiness behind
// "discovered at least once" AND "every discovered store migrated", per
// the lifecycle-startup rule every handler depends on.
type Router struct {
	discoverer Discoverer
	dsnFor     DSNFunc
	log        l3.Logger

	mu      sync.RWMutex
	stores  map[string]*sqlx.DB
	names   []string // stable order for round-robin
	cursor  uint64
	ready   atomic.Bool
}

// New builds a Router that discovers names via discoverer and connects/
// migrates each with dsnFor.
func New(discoverer Discoverer, dsnFor DSNFunc, log l3.Logger) *Router {
	return &Router{
		discoverer: discoverer,
		dsnFor:     dsnFor,
		log:        log,
		stores:     make(map[string]*sqlx.DB),
	}
}

// Component wraps Router as a lifecycle.Component whose Start performs
// the first discovery-and-migrate pass synchronously, so a
// ComponentManager won't report Running until every store is usable.
func (r *Router) Component() lifecycle.Component {
	return &lifecycle.SimpleComponent{
		CompId:    "provider",
		StartFunc: r.start,
		StopFunc:  r.stop,
	}
}

func (r *Router) start() error {
	return r.Refresh(context.Background())
}

func (r *Router) stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, db := range r.stores {
		if err := db.Close(); err != nil {
			r.log.WarnF("provider: close store %s: %v", name, err)
		}
	}
	r.stores = make(map[string]*sqlx.DB)
	r.names = nil
	r.ready.Store(false)
	return nil
}

// Refresh runs one discovery cycle: connects and migrates any newly
// discovered name, and disposes any name no longer present. On success it
// flips ready once both discovery and migration have happened at least
// once for every currently discovered name.
func (r *Router) Refresh(ctx context.Context) error {
	names, err := r.discoverer.Discover(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]bool, len(names))
	for _, name := range names {
		current[name] = true
		if _, ok := r.stores[name]; ok {
			continue
		}
		cfg, err := r.dsnFor(name)
		if err != nil {
			return err
		}
		db, err := sqlstore.Open(ctx, cfg)
		if err != nil {
			return err
		}
		if err := sqlstore.Migrate(db); err != nil {
			db.Close()
			return err
		}
		r.stores[name] = db
		r.log.InfoF("provider: discovered and migrated store %s", name)
	}

	for name, db := range r.stores {
		if current[name] {
			continue
		}
		db.Close()
		delete(r.stores, name)
		r.log.InfoF("provider: store %s no longer discovered, disposed", name)
	}

	r.names = names
	r.ready.Store(len(names) > 0)
	return nil
}

// Pick returns the next store by round-robin over the currently
// discovered names, ensuring fair progress across the fleet across
// repeated calls.
func (r *Router) Pick() (name string, db *sqlx.DB, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready.Load() || len(r.names) == 0 {
		return "", nil, ErrNotDiscovered
	}
	idx := atomic.AddUint64(&r.cursor, 1) % uint64(len(r.names))
	name = r.names[idx]
	return name, r.stores[name], nil
}

// All returns every currently discovered name → store, for callers that
// must fan out to the whole fleet rather than pick one.
func (r *Router) All() map[string]*sqlx.DB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*sqlx.DB, len(r.stores))
	for name, db := range r.stores {
		out[name] = db
	}
	return out
}

// Ready reports whether discovery has succeeded and every discovered
// store has been migrated at least once.
func (r *Router) Ready() bool {
	return r.ready.Load()
}
