// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package opqueue is the SQLite-backed operation queue behind the
// reference instance.
//
// Each operation is one row holding its CBOR encoding, the stage
// marker decoded from its metadata, the platform it requires, a FIFO
// sequence number, and (while a worker holds it) a lease deadline. An
// operation is queued when its stage is Queued, it is not done, and no
// lease is held. [Queue.Take] leases the oldest queued operation whose
// requirements the caller's platform satisfies. The worker keeps the
// lease alive with [Queue.Poll]; a lease that lapses returns the
// operation to the queue, with its stage reset to Queued, the next
// time any Take runs.
//
// Waiting (Take on an empty queue, Wait on an unfinished operation) is
// signalled in-process: every write wakes all waiters, which re-check
// the database. There is no polling except for lease expiry, which is
// timed on the queue's clock.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/buildfarm/lib/clock"
	"github.com/bureau-foundation/buildfarm/lib/codec"
	"github.com/bureau-foundation/buildfarm/lib/operation"
	"github.com/bureau-foundation/buildfarm/lib/sqlitepool"
)

// ErrNotFound is returned for an operation name the queue has never
// seen.
var ErrNotFound = errors.New("operation not found")

// ErrExists is returned by Enqueue for a name already in the queue.
var ErrExists = errors.New("operation already exists")

const schema = `
	CREATE TABLE IF NOT EXISTS operations (
		name          TEXT PRIMARY KEY,
		data          BLOB NOT NULL,
		stage         INTEGER NOT NULL,
		done          INTEGER NOT NULL DEFAULT 0,
		platform      BLOB,
		sequence      INTEGER NOT NULL,
		lease_expires INTEGER
	);
	CREATE INDEX IF NOT EXISTS operations_queued
		ON operations (sequence) WHERE done = 0 AND lease_expires IS NULL;
`

// Config configures a Queue.
type Config struct {
	// Path of the SQLite database file.
	Path string

	// LeaseDuration is how long a Take or Poll holds an operation.
	LeaseDuration time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Queue is safe for concurrent use.
type Queue struct {
	pool          *sqlitepool.Pool
	clock         clock.Clock
	logger        *slog.Logger
	leaseDuration time.Duration

	mu       sync.Mutex
	sequence int64
	changed  chan struct{}
}

// Open opens (creating if needed) the queue database.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.LeaseDuration <= 0 {
		return nil, fmt.Errorf("opqueue: lease duration must be positive, got %v", cfg.LeaseDuration)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:   cfg.Path,
		Schema: schema,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	queue := &Queue{
		pool:          pool,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		leaseDuration: cfg.LeaseDuration,
		changed:       make(chan struct{}),
	}

	err = pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COALESCE(MAX(sequence), 0) FROM operations", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				queue.sequence = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("opqueue: reading sequence: %w", err)
	}
	return queue, nil
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.pool.Close()
}

// nextSequence returns a fresh FIFO position.
func (q *Queue) nextSequence() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sequence++
	return q.sequence
}

// notify wakes every waiter.
func (q *Queue) notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.changed)
	q.changed = make(chan struct{})
}

// changes returns the channel closed by the next notify.
func (q *Queue) changes() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Enqueue adds a new operation requiring platform. The operation's
// metadata must decode.
func (q *Queue) Enqueue(ctx context.Context, op *operation.Operation, platform operation.Platform) error {
	metadata, err := operation.UnpackMetadata(op.Metadata)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(op)
	if err != nil {
		return fmt.Errorf("opqueue: encoding %s: %w", op.Name, err)
	}
	platformData, err := codec.Marshal(platform.Normalize())
	if err != nil {
		return fmt.Errorf("opqueue: encoding platform: %w", err)
	}

	err = q.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		exists, err := rowExists(conn, op.Name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrExists, op.Name)
		}
		return sqlitex.Execute(conn,
			`INSERT INTO operations (name, data, stage, done, platform, sequence)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				op.Name, data, int64(metadata.Stage), op.Done, platformData, q.nextSequence(),
			}})
	})
	if err != nil {
		return fmt.Errorf("opqueue: enqueue %s: %w", op.Name, err)
	}

	q.logger.Debug("operation enqueued", "operation", op.Name, "stage", metadata.Stage)
	q.notify()
	return nil
}

// Put replaces a known operation. A Queued, unfinished operation is
// moved to the back of the queue with its lease cleared; a done
// operation loses its lease; any other stage keeps its lease.
func (q *Queue) Put(ctx context.Context, op *operation.Operation) error {
	metadata, err := operation.UnpackMetadata(op.Metadata)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(op)
	if err != nil {
		return fmt.Errorf("opqueue: encoding %s: %w", op.Name, err)
	}

	var query string
	args := []any{data, int64(metadata.Stage), op.Done}
	switch {
	case op.Done:
		query = `UPDATE operations SET data = ?, stage = ?, done = ?, lease_expires = NULL WHERE name = ?`
	case metadata.Stage == operation.StageQueued:
		query = `UPDATE operations SET data = ?, stage = ?, done = ?, lease_expires = NULL, sequence = ? WHERE name = ?`
		args = append(args, q.nextSequence())
	default:
		query = `UPDATE operations SET data = ?, stage = ?, done = ? WHERE name = ?`
	}
	args = append(args, op.Name)

	err = q.pool.With(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, op.Name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("opqueue: put %s: %w", op.Name, err)
	}

	q.logger.Debug("operation updated", "operation", op.Name, "stage", metadata.Stage, "done", op.Done)
	q.notify()
	return nil
}

// Get returns the current state of an operation.
func (q *Queue) Get(ctx context.Context, name string) (*operation.Operation, error) {
	var op *operation.Operation
	err := q.pool.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		op, err = readOperation(conn, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("opqueue: get %s: %w", name, err)
	}
	return op, nil
}

// Take leases the oldest queued operation whose platform requirement
// is satisfied by platform. It blocks until one is available or ctx is
// done.
func (q *Queue) Take(ctx context.Context, platform operation.Platform) (*operation.Operation, error) {
	for {
		// Subscribe before looking so a write between the look and
		// the wait is not missed.
		changed := q.changes()

		op, nextExpiry, err := q.tryTake(ctx, platform)
		if err != nil {
			return nil, fmt.Errorf("opqueue: take: %w", err)
		}
		if op != nil {
			q.logger.Debug("operation leased", "operation", op.Name, "platform", platform.String())
			return op, nil
		}

		var expiry <-chan time.Time
		if !nextExpiry.IsZero() {
			expiry = q.clock.After(nextExpiry.Sub(q.clock.Now()))
		}
		select {
		case <-changed:
		case <-expiry:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryTake reaps expired leases and leases the first eligible
// operation. When nothing is eligible it returns the earliest
// outstanding lease deadline (zero if none) so the caller can wake
// when that lease lapses.
func (q *Queue) tryTake(ctx context.Context, platform operation.Platform) (*operation.Operation, time.Time, error) {
	var (
		taken      *operation.Operation
		nextExpiry time.Time
		reaped     int
	)
	err := q.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		now := q.clock.Now()
		reaped, err = q.reapExpired(conn, now)
		if err != nil {
			return err
		}

		var candidate string
		err = sqlitex.Execute(conn,
			`SELECT name, platform FROM operations
			 WHERE done = 0 AND lease_expires IS NULL AND stage = ?
			 ORDER BY sequence`,
			&sqlitex.ExecOptions{
				Args: []any{int64(operation.StageQueued)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if candidate != "" {
						return nil
					}
					var requirement operation.Platform
					if !stmt.ColumnIsNull(1) {
						if err := codec.Unmarshal(columnBlob(stmt, 1), &requirement); err != nil {
							return fmt.Errorf("decoding platform of %s: %w", stmt.ColumnText(0), err)
						}
					}
					if platform.Satisfies(requirement) {
						candidate = stmt.ColumnText(0)
					}
					return nil
				},
			})
		if err != nil {
			return err
		}

		if candidate == "" {
			return sqlitex.Execute(conn,
				`SELECT MIN(lease_expires) FROM operations WHERE done = 0 AND lease_expires IS NOT NULL`,
				&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
					if !stmt.ColumnIsNull(0) {
						nextExpiry = time.Unix(0, stmt.ColumnInt64(0))
					}
					return nil
				}})
		}

		err = sqlitex.Execute(conn, `UPDATE operations SET lease_expires = ? WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{now.Add(q.leaseDuration).UnixNano(), candidate}})
		if err != nil {
			return err
		}
		taken, err = readOperation(conn, candidate)
		return err
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	if reaped > 0 {
		q.logger.Info("expired leases returned to queue", "count", reaped)
	}
	return taken, nextExpiry, nil
}

// reapExpired returns every operation whose lease has lapsed to the
// queue with its stage marker reset to Queued.
func (q *Queue) reapExpired(conn *sqlite.Conn, now time.Time) (int, error) {
	var expired []string
	err := sqlitex.Execute(conn,
		`SELECT name FROM operations WHERE done = 0 AND lease_expires IS NOT NULL AND lease_expires <= ?`,
		&sqlitex.ExecOptions{
			Args: []any{now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				expired = append(expired, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return 0, err
	}

	for _, name := range expired {
		op, err := readOperation(conn, name)
		if err != nil {
			return 0, err
		}
		requeued, err := op.WithStage(operation.StageQueued)
		if err != nil {
			// The row was validated on write; a decode failure here
			// means corruption. Leave the row leased and move on.
			q.logger.Error("cannot requeue expired operation", "operation", name, "error", err)
			continue
		}
		data, err := codec.Marshal(requeued)
		if err != nil {
			return 0, err
		}
		err = sqlitex.Execute(conn,
			`UPDATE operations SET data = ?, stage = ?, lease_expires = NULL, sequence = ? WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{data, int64(operation.StageQueued), q.nextSequence(), name}})
		if err != nil {
			return 0, err
		}
		q.logger.Warn("operation lease expired", "operation", name)
	}
	return len(expired), nil
}

// Poll extends the lease on name if it is leased, not done, and its
// stage marker equals stage. It reports whether the lease was
// extended; false tells the worker it no longer owns the operation.
func (q *Queue) Poll(ctx context.Context, name string, stage operation.Stage) (bool, error) {
	var extended bool
	err := q.pool.With(ctx, func(conn *sqlite.Conn) error {
		now := q.clock.Now()
		err := sqlitex.Execute(conn,
			`UPDATE operations SET lease_expires = ?
			 WHERE name = ? AND done = 0 AND stage = ?
			   AND lease_expires IS NOT NULL AND lease_expires > ?`,
			&sqlitex.ExecOptions{Args: []any{
				now.Add(q.leaseDuration).UnixNano(), name, int64(stage), now.UnixNano(),
			}})
		if err != nil {
			return err
		}
		extended = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("opqueue: poll %s: %w", name, err)
	}
	return extended, nil
}

// Wait blocks until name is done or ctx ends, and returns the final
// operation.
func (q *Queue) Wait(ctx context.Context, name string) (*operation.Operation, error) {
	for {
		changed := q.changes()
		op, err := q.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		if op.Done {
			return op, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats counts operations by state.
type Stats struct {
	Queued     int
	Dispatched int
	Done       int
}

// Stats returns current queue counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := q.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT
			   COALESCE(SUM(done = 0 AND lease_expires IS NULL AND stage = ?), 0),
			   COALESCE(SUM(done = 0 AND lease_expires IS NOT NULL), 0),
			   COALESCE(SUM(done = 1), 0)
			 FROM operations`,
			&sqlitex.ExecOptions{
				Args: []any{int64(operation.StageQueued)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					stats.Queued = stmt.ColumnInt(0)
					stats.Dispatched = stmt.ColumnInt(1)
					stats.Done = stmt.ColumnInt(2)
					return nil
				},
			})
	})
	if err != nil {
		return Stats{}, fmt.Errorf("opqueue: stats: %w", err)
	}
	return stats, nil
}

func rowExists(conn *sqlite.Conn, name string) (bool, error) {
	var exists bool
	err := sqlitex.Execute(conn, "SELECT 1 FROM operations WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	return exists, err
}

func readOperation(conn *sqlite.Conn, name string) (*operation.Operation, error) {
	var op *operation.Operation
	err := sqlitex.Execute(conn, "SELECT data FROM operations WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			op = new(operation.Operation)
			return codec.Unmarshal(columnBlob(stmt, 0), op)
		},
	})
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return op, nil
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}
