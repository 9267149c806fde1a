// Command duraplane is an administrative CLI for inspecting and nudging
// the coordination plane's tables directly: listing outbox/inbox rows,
// requeuing stuck claims, triggering a job out of band, and showing a
// lease or semaphore's current holder.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/duraplane/duraplane/cli"
	"github.com/duraplane/duraplane/codec"
	"github.com/duraplane/duraplane/lease"
	"github.com/duraplane/duraplane/scheduler"
	"github.com/duraplane/duraplane/sqlstore"
	"github.com/jmoiron/sqlx"
)

// prettyPayload re-indents a JSON payload for display, falling back to the
// raw bytes if it doesn't decode as JSON (opaque or non-JSON payloads are
// passed through unchanged).
func prettyPayload(raw []byte) string {
	var v interface{}
	if err := codec.JsonCodec().DecodeBytes(raw, &v); err != nil {
		return string(raw)
	}
	enc := codec.JsonCodec()
	enc.SetOption(codec.PrettyPrint, true)
	pretty, err := enc.EncodeToString(v)
	if err != nil {
		return string(raw)
	}
	return pretty
}

var dsnFlag = &cli.Flag{
	Name:    "dsn",
	Usage:   "PostgreSQL connection string (defaults to $DURAPLANE_DSN)",
	Default: "",
}

func dsn(ctx *cli.Context) string {
	if v, ok := ctx.GetFlag("dsn"); ok && v != "" {
		return v
	}
	return os.Getenv("DURAPLANE_DSN")
}

func openDB(ctx *cli.Context) (*sqlx.DB, error) {
	return sqlstore.Open(context.Background(), sqlstore.Config{DSN: dsn(ctx)})
}

func main() {
	app := cli.NewCLI()
	app.AddVersion("0.1.0")
	app.AddCommand(outboxCommand())
	app.AddCommand(inboxCommand())
	app.AddCommand(schedulerCommand())
	app.AddCommand(leaseCommand())
	app.AddCommand(semaphoreCommand())

	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func outboxCommand() *cli.Command {
	cmd := cli.NewCommand("outbox", "inspect and requeue outbox rows", "", nil)

	inspect := cli.NewCommand("inspect", "show outbox rows by status", "", func(ctx *cli.Context) error {
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		rows, err := db.Query(`SELECT id, topic, status, attempt_count, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, topic string
			var status, attempts int
			var createdAt time.Time
			if err := rows.Scan(&id, &topic, &status, &attempts, &createdAt); err != nil {
				return err
			}
			fmt.Printf("%-36s %-24s status=%d attempts=%d created=%s\n", id, topic, status, attempts, createdAt.Format(time.RFC3339))
		}
		return rows.Err()
	})
	inspect.Flags = append(inspect.Flags, dsnFlag)
	cmd.AddSubCommand(inspect)

	requeue := cli.NewCommand("requeue", "move a stuck Processing row back to Pending", "", func(ctx *cli.Context) error {
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		id, _ := ctx.GetFlag("id")
		if id == "" {
			return fmt.Errorf("outbox requeue: --id is required")
		}
		_, err = db.Exec(`UPDATE outbox SET status = $1, owner_token = NULL, locked_until = NULL WHERE id = $2`, 0, id)
		return err
	})
	requeue.Flags = append(requeue.Flags, dsnFlag, &cli.Flag{Name: "id", Usage: "outbox row id", Default: ""})
	cmd.AddSubCommand(requeue)

	show := cli.NewCommand("show", "print one outbox row's payload, pretty-printed if JSON", "", func(ctx *cli.Context) error {
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		id, _ := ctx.GetFlag("id")
		if id == "" {
			return fmt.Errorf("outbox show: --id is required")
		}
		var payload []byte
		if err := db.QueryRow(`SELECT payload FROM outbox WHERE id = $1`, id).Scan(&payload); err != nil {
			return err
		}
		fmt.Println(prettyPayload(payload))
		return nil
	})
	show.Flags = append(show.Flags, dsnFlag, &cli.Flag{Name: "id", Usage: "outbox row id", Default: ""})
	cmd.AddSubCommand(show)

	return cmd
}

func inboxCommand() *cli.Command {
	cmd := cli.NewCommand("inbox", "inspect inbox rows", "", nil)

	inspect := cli.NewCommand("inspect", "show inbox rows by status", "", func(ctx *cli.Context) error {
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		rows, err := db.Query(`SELECT message_id, source, status, attempts, first_seen_at FROM inbox ORDER BY first_seen_at DESC LIMIT 50`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var messageID, source, status string
			var attempts int
			var firstSeenAt time.Time
			if err := rows.Scan(&messageID, &source, &status, &attempts, &firstSeenAt); err != nil {
				return err
			}
			fmt.Printf("%-36s %-16s status=%-10s attempts=%d seen=%s\n", messageID, source, status, attempts, firstSeenAt.Format(time.RFC3339))
		}
		return rows.Err()
	})
	inspect.Flags = append(inspect.Flags, dsnFlag)
	cmd.AddSubCommand(inspect)

	return cmd
}

func schedulerCommand() *cli.Command {
	cmd := cli.NewCommand("scheduler", "manage jobs and timers", "", nil)

	trigger := cli.NewCommand("trigger", "materialize an immediate job run", "", func(ctx *cli.Context) error {
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		name, _ := ctx.GetFlag("name")
		if name == "" {
			return fmt.Errorf("scheduler trigger: --name is required")
		}
		store := scheduler.NewJobStore(db, scheduler.FireOnce)
		runID, err := store.TriggerJob(context.Background(), name)
		if err != nil {
			return err
		}
		fmt.Println(runID)
		return nil
	})
	trigger.Flags = append(trigger.Flags, dsnFlag, &cli.Flag{Name: "name", Usage: "job name", Default: ""})
	cmd.AddSubCommand(trigger)

	return cmd
}

func leaseCommand() *cli.Command {
	cmd := cli.NewCommand("lease", "inspect a distributed lease", "", nil)

	show := cli.NewCommand("show", "show a lease's current holder and fencing token", "", func(ctx *cli.Context) error {
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		name, _ := ctx.GetFlag("name")
		if name == "" {
			return fmt.Errorf("lease show: --name is required")
		}
		mgr := lease.New(db)
		h, err := mgr.Get(context.Background(), name)
		if err != nil {
			return err
		}
		if h == nil {
			fmt.Println("no such lease")
			return nil
		}
		fmt.Printf("resource=%s owner=%v lease_until=%v fencing=%d\n", h.ResourceName, h.OwnerToken, h.LeaseUntil, h.FencingToken)
		return nil
	})
	show.Flags = append(show.Flags, dsnFlag, &cli.Flag{Name: "name", Usage: "resource name", Default: ""})
	cmd.AddSubCommand(show)

	return cmd
}

func semaphoreCommand() *cli.Command {
	cmd := cli.NewCommand("semaphore", "inspect a bounded semaphore", "", nil)

	show := cli.NewCommand("show", "show a semaphore's live lease count", "", func(ctx *cli.Context) error {
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		name, _ := ctx.GetFlag("name")
		if name == "" {
			return fmt.Errorf("semaphore show: --name is required")
		}
		var limit, live int
		if err := db.QueryRow(`SELECT "limit" FROM semaphores WHERE name = $1`, name).Scan(&limit); err != nil {
			return err
		}
		if err := db.QueryRow(`SELECT count(*) FROM semaphore_leases WHERE name = $1 AND lease_until > now()`, name).Scan(&live); err != nil {
			return err
		}
		fmt.Printf("%s: %d/%d held\n", name, live, limit)
		return nil
	})
	show.Flags = append(show.Flags, dsnFlag, &cli.Flag{Name: "name", Usage: "semaphore name", Default: ""})
	cmd.AddSubCommand(show)

	return cmd
}
