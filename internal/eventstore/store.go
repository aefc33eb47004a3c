// Package eventstore implements the durable, append-only event log: a
// single SQLite file holding events, an idempotency index, and the
// projection tables, guarded by a single serialising mutex per the
// concurrency model (§5) and an OS-level advisory lock against a second
// daemon process touching the same file.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/devguyrash/moduprompt/internal/kernel"
	"github.com/devguyrash/moduprompt/internal/lockfile"
	"github.com/devguyrash/moduprompt/internal/projection"
)

// Store is the durable event log. All mutating access is serialised
// through mu; reads go straight to the database without taking mu. The
// pool holds a single connection, so a read waits for any in-flight
// append transaction to finish.
type Store struct {
	db   *sql.DB
	lock *lockfile.DaemonLock
	mu   sync.Mutex

	clock kernel.Clock
}

// Open opens (creating if absent) the SQLite database at path, acquires an
// exclusive advisory lock on "<path>.lock" so a second daemon process
// cannot write concurrently, and runs the bootstrap migration.
func Open(path string, clock kernel.Clock) (*Store, error) {
	if clock == nil {
		clock = kernel.SystemClock{}
	}
	lock, err := lockfile.AcquireExclusive(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("eventstore: acquire lock: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer model; §5 relies on in-process serialisation anyway
	s := &Store{db: db, lock: lock, clock: clock}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			workspace_id TEXT NOT NULL,
			seq_global INTEGER NOT NULL,
			stream_id TEXT NOT NULL,
			seq_stream INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			ts TEXT NOT NULL,
			actor_json TEXT NOT NULL,
			project_id TEXT,
			subject_kind TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			payload_json TEXT NOT NULL,
			trace_id TEXT,
			PRIMARY KEY (workspace_id, seq_global)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_stream
			ON events (workspace_id, stream_id, seq_stream)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idempotency_key TEXT NOT NULL,
			command_type TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			trace_id TEXT,
			first_seq_global INTEGER NOT NULL,
			last_seq_global INTEGER NOT NULL,
			status TEXT NOT NULL,
			PRIMARY KEY (idempotency_key, command_type)
		)`,
		`CREATE TABLE IF NOT EXISTS proj_workspaces (
			workspace_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			root_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			seq_global INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proj_projects (
			project_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			seq_global INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proj_meta (
			workspace_id TEXT PRIMARY KEY,
			last_seq_global INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("eventstore: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the database handle and the advisory lock.
func (s *Store) Close() error {
	err := s.db.Close()
	s.lock.Release()
	return err
}

// DB exposes the underlying handle for the projection rebuild path, which
// needs direct table access outside of an append transaction.
func (s *Store) DB() *sql.DB { return s.db }

// Rebuild truncates and replays the projection tables from the full log.
// Must not be called concurrently with Append; callers run it during
// startup before serving traffic.
func (s *Store) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return projection.Rebuild(ctx, s.db)
}

// retryBusy retries fn with backoff when SQLite reports the database is
// locked/busy, which can happen transiently even with single-process
// writes (e.g. a concurrent read holding a shared lock during checkpoint).
func retryBusy(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, bo)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Append implements the algorithm of §4.3: idempotency short-circuit, then
// a single transaction that assigns seq_global/seq_stream/event_id/ts per
// event in input order, writes each row, folds it into the projections,
// and (if an idempotency key was supplied) records the accepted range.
func (s *Store) Append(ctx context.Context, meta kernel.AppendMeta, events []kernel.NewEvent) (kernel.AppendResult, error) {
	if len(events) == 0 {
		return kernel.AppendResult{Events: nil, Idempotent: false}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.IdempotencyKey != "" {
		if existing, hit, err := s.lookupIdempotent(ctx, meta.IdempotencyKey, meta.CommandType); err != nil {
			return kernel.AppendResult{}, err
		} else if hit {
			return kernel.AppendResult{Events: existing, Idempotent: true}, nil
		}
	}

	var result kernel.AppendResult
	err := retryBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return kernel.NewError(kernel.CodeInternal, "begin transaction: "+err.Error())
		}
		defer tx.Rollback()

		assigned, err := s.appendWithin(ctx, tx, events)
		if err != nil {
			return err
		}

		if meta.IdempotencyKey != "" {
			first, last := assigned[0].SeqGlobal, assigned[len(assigned)-1].SeqGlobal
			workspaceID := assigned[0].WorkspaceID
			traceID := assigned[0].TraceID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_keys
					(idempotency_key, command_type, workspace_id, trace_id, first_seq_global, last_seq_global, status)
				VALUES (?, ?, ?, ?, ?, ?, 'accepted')
			`, meta.IdempotencyKey, meta.CommandType, workspaceID, traceID, first, last); err != nil {
				return kernel.NewError(kernel.CodeInternal, "insert idempotency row: "+err.Error())
			}
		}

		if err := tx.Commit(); err != nil {
			return kernel.NewError(kernel.CodeInternal, "commit: "+err.Error())
		}
		result = kernel.AppendResult{Events: assigned, Idempotent: false}
		return nil
	})
	if err != nil {
		return kernel.AppendResult{}, err
	}
	return result, nil
}

func (s *Store) appendWithin(ctx context.Context, tx *sql.Tx, events []kernel.NewEvent) ([]kernel.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	workspaceID := events[0].WorkspaceID

	seq, err := s.headSeqTx(ctx, tx, workspaceID)
	if err != nil {
		return nil, err
	}

	streamSeq := make(map[string]int64)
	assigned := make([]kernel.Event, 0, len(events))

	for _, ne := range events {
		streamID := ne.StreamID
		if streamID == "" {
			streamID = ne.Subject.ID
		}
		if _, cached := streamSeq[streamID]; !cached {
			cur, err := s.headStreamSeqTx(ctx, tx, workspaceID, streamID)
			if err != nil {
				return nil, err
			}
			streamSeq[streamID] = cur
		}

		seq++
		streamSeq[streamID]++

		eventID, err := kernel.NewEventID()
		if err != nil {
			return nil, kernel.NewError(kernel.CodeInternal, "generate event id: "+err.Error())
		}
		now := kernel.FormatTime(s.clock.Now())

		actorJSON, err := json.Marshal(ne.Actor)
		if err != nil {
			return nil, kernel.NewError(kernel.CodeInternal, "encode actor: "+err.Error())
		}

		ev := kernel.Event{
			WorkspaceID:   workspaceID,
			SeqGlobal:     seq,
			StreamID:      streamID,
			SeqStream:     streamSeq[streamID],
			EventID:       eventID,
			EventType:     ne.EventType,
			Timestamp:     now,
			Actor:         ne.Actor,
			ProjectID:     ne.ProjectID,
			Subject:       ne.Subject,
			SchemaVersion: ne.SchemaVersion,
			Payload:       ne.Payload,
			TraceID:       ne.TraceID,
		}

		var projectID, traceID interface{}
		if ev.ProjectID != "" {
			projectID = ev.ProjectID
		}
		if ev.TraceID != "" {
			traceID = ev.TraceID
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events
				(workspace_id, seq_global, stream_id, seq_stream, event_id, event_type,
				 ts, actor_json, project_id, subject_kind, subject_id, schema_version,
				 payload_json, trace_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.WorkspaceID, ev.SeqGlobal, ev.StreamID, ev.SeqStream, ev.EventID, ev.EventType,
			ev.Timestamp, string(actorJSON), projectID, ev.Subject.Kind, ev.Subject.ID,
			ev.SchemaVersion, string(ev.Payload), traceID); err != nil {
			return nil, kernel.NewError(kernel.CodeInternal, "insert event: "+err.Error())
		}

		if err := projection.Apply(ctx, tx, ev); err != nil {
			return nil, err
		}

		assigned = append(assigned, ev)
	}
	return assigned, nil
}

func (s *Store) headSeqTx(ctx context.Context, tx *sql.Tx, workspaceID string) (int64, error) {
	var seq sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(seq_global) FROM events WHERE workspace_id = ?`, workspaceID).Scan(&seq)
	if err != nil {
		return 0, kernel.NewError(kernel.CodeInternal, "head seq: "+err.Error())
	}
	return seq.Int64, nil
}

func (s *Store) headStreamSeqTx(ctx context.Context, tx *sql.Tx, workspaceID, streamID string) (int64, error) {
	var seq sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(seq_stream) FROM events WHERE workspace_id = ? AND stream_id = ?
	`, workspaceID, streamID).Scan(&seq)
	if err != nil {
		return 0, kernel.NewError(kernel.CodeInternal, "head stream seq: "+err.Error())
	}
	return seq.Int64, nil
}

func (s *Store) lookupIdempotent(ctx context.Context, key, commandType string) ([]kernel.Event, bool, error) {
	var workspaceID string
	var first, last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, first_seq_global, last_seq_global
		FROM idempotency_keys WHERE idempotency_key = ? AND command_type = ?
	`, key, commandType).Scan(&workspaceID, &first, &last)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kernel.NewError(kernel.CodeInternal, "idempotency lookup: "+err.Error())
	}
	events, err := s.readRange(ctx, workspaceID, first, last)
	if err != nil {
		return nil, false, err
	}
	return events, true, nil
}

func (s *Store) readRange(ctx context.Context, workspaceID string, first, last int64) ([]kernel.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace_id, seq_global, stream_id, seq_stream, event_id, event_type,
		       ts, actor_json, project_id, subject_kind, subject_id, schema_version,
		       payload_json, trace_id
		FROM events WHERE workspace_id = ? AND seq_global BETWEEN ? AND ?
		ORDER BY seq_global ASC
	`, workspaceID, first, last)
	if err != nil {
		return nil, kernel.NewError(kernel.CodeInternal, "read range: "+err.Error())
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadFrom returns events with seq_global > fromSeq for the workspace,
// ascending, optionally capped at limit (0 means unlimited).
func (s *Store) ReadFrom(ctx context.Context, workspaceID string, fromSeq int64, limit int) ([]kernel.Event, error) {
	q := `
		SELECT workspace_id, seq_global, stream_id, seq_stream, event_id, event_type,
		       ts, actor_json, project_id, subject_kind, subject_id, schema_version,
		       payload_json, trace_id
		FROM events WHERE workspace_id = ? AND seq_global > ?
		ORDER BY seq_global ASC`
	args := []interface{}{workspaceID, fromSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, kernel.NewError(kernel.CodeInternal, "read from: "+err.Error())
	}
	defer rows.Close()
	return scanEvents(rows)
}

// HeadSeq returns the current max seq_global for the workspace, or 0.
func (s *Store) HeadSeq(ctx context.Context, workspaceID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq_global) FROM events WHERE workspace_id = ?`, workspaceID).Scan(&seq)
	if err != nil {
		return 0, kernel.NewError(kernel.CodeInternal, "head seq: "+err.Error())
	}
	return seq.Int64, nil
}

// ListWorkspaces returns every known workspace ordered by name.
func (s *Store) ListWorkspaces(ctx context.Context) ([]kernel.WorkspaceRow, error) {
	return projection.ListWorkspaces(ctx, s.db)
}

// ListProjects returns every project of a workspace ordered by name.
func (s *Store) ListProjects(ctx context.Context, workspaceID string) ([]kernel.ProjectRow, error) {
	return projection.ListProjects(ctx, s.db, workspaceID)
}

func scanEvents(rows *sql.Rows) ([]kernel.Event, error) {
	var out []kernel.Event
	for rows.Next() {
		var ev kernel.Event
		var actorJSON string
		var projectID, traceID sql.NullString
		if err := rows.Scan(
			&ev.WorkspaceID, &ev.SeqGlobal, &ev.StreamID, &ev.SeqStream, &ev.EventID,
			&ev.EventType, &ev.Timestamp, &actorJSON, &projectID, &ev.Subject.Kind,
			&ev.Subject.ID, &ev.SchemaVersion, &ev.Payload, &traceID,
		); err != nil {
			return nil, kernel.NewError(kernel.CodeInternal, "scan event: "+err.Error())
		}
		ev.ProjectID = projectID.String
		ev.TraceID = traceID.String
		if err := json.Unmarshal([]byte(actorJSON), &ev.Actor); err != nil {
			return nil, kernel.NewError(kernel.CodeInternal, "decode actor: "+err.Error())
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
