// Package duraplane provides a database-backed coordination plane for
// distributed applications: a transactional outbox, a deduplicating inbox,
// a cron/one-shot scheduler, a fencing-token lease manager, a bounded
// semaphore, an outbox fan-in join barrier, and an exactly-once envelope
// for non-idempotent external calls. All of it is built on one shared
// claim/ack/abandon/fail/reap work-queue protocol over PostgreSQL rows.
//
// The composition root lives in this package: a Builder assembles a
// *sql.DB, a logger, a metrics registry, and per-store configuration into
// an immutable Plane that owns every store and its dispatcher loops.
//
// Sub-packages are independently importable:
//
//	import "github.com/duraplane/duraplane/workqueue"  // shared claim/ack/abandon/fail/reap protocol
//	import "github.com/duraplane/duraplane/outbox"     // transactional outbox (C2)
//	import "github.com/duraplane/duraplane/inbox"      // deduplicated inbox (C3)
//	import "github.com/duraplane/duraplane/scheduler"  // timers and cron jobs (C4)
//	import "github.com/duraplane/duraplane/lease"      // fencing-token lease manager (C5)
//	import "github.com/duraplane/duraplane/semaphore"  // bounded N-holder semaphore (C6)
//	import "github.com/duraplane/duraplane/join"       // outbox fan-in join (C7)
//	import "github.com/duraplane/duraplane/sideeffect" // external side-effect coordinator (C8)
//	import "github.com/duraplane/duraplane/dispatch"   // dispatcher loop template (C9)
//	import "github.com/duraplane/duraplane/provider"   // store provider / router (C10)
//	import "github.com/duraplane/duraplane/l3"         // logging
//	import "github.com/duraplane/duraplane/config"     // application configuration
//
// For a complete list of packages and documentation, see:
// https://pkg.go.dev/github.com/duraplane/duraplane
package duraplane
