// Package projection implements the deterministic fold from events to the
// read-side list tables (workspaces, projects) and the rebuild-from-log
// operation that makes those tables a pure function of the event prefix.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/devguyrash/moduprompt/internal/kernel"
)

// Apply folds a single event into the projection tables within the given
// transaction. It is invoked synchronously inside the append transaction
// (§4.4) so that projection updates are atomic with the event write.
func Apply(ctx context.Context, tx *sql.Tx, ev kernel.Event) error {
	switch ev.EventType {
	case kernel.EventWorkspaceCreated:
		var p kernel.WorkspaceCreatePayloadProjection
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("projection: decode workspace.created: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proj_workspaces (workspace_id, name, root_path, created_at, seq_global)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(workspace_id) DO UPDATE SET
				name=excluded.name, root_path=excluded.root_path,
				created_at=excluded.created_at, seq_global=excluded.seq_global
		`, ev.WorkspaceID, p.Name, p.RootPath, p.CreatedAt, ev.SeqGlobal); err != nil {
			return fmt.Errorf("projection: upsert workspace: %w", err)
		}
		return setLastSeq(ctx, tx, ev.WorkspaceID, ev.SeqGlobal)

	case kernel.EventProjectCreated:
		if ev.ProjectID == "" {
			return kernel.NewError(kernel.CodeInternal, "project_id missing")
		}
		var p kernel.ProjectCreatedPayloadProjection
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("projection: decode project.created: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proj_projects (project_id, workspace_id, name, created_at, seq_global)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET
				workspace_id=excluded.workspace_id, name=excluded.name,
				created_at=excluded.created_at, seq_global=excluded.seq_global
		`, ev.ProjectID, ev.WorkspaceID, p.Name, p.CreatedAt, ev.SeqGlobal); err != nil {
			return fmt.Errorf("projection: upsert project: %w", err)
		}
		return setLastSeq(ctx, tx, ev.WorkspaceID, ev.SeqGlobal)

	default:
		return nil
	}
}

func setLastSeq(ctx context.Context, tx *sql.Tx, workspaceID string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proj_meta (workspace_id, last_seq_global) VALUES (?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET last_seq_global=excluded.last_seq_global
	`, workspaceID, seq)
	return err
}

// Rebuild truncates the three projection tables and replays every event in
// (workspace_id, seq_global) order, so the result is a pure function of the
// log regardless of prior projection state. Must not be called while an
// append transaction is in flight.
func Rebuild(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM proj_workspaces`,
		`DELETE FROM proj_projects`,
		`DELETE FROM proj_meta`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("projection: truncate: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT workspace_id, seq_global, stream_id, seq_stream, event_id, event_type,
		       ts, actor_json, project_id, subject_kind, subject_id, schema_version,
		       payload_json, trace_id
		FROM events ORDER BY workspace_id, seq_global
	`)
	if err != nil {
		return fmt.Errorf("projection: scan events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev kernel.Event
		var actorJSON string
		var projectID, traceID sql.NullString
		if err := rows.Scan(
			&ev.WorkspaceID, &ev.SeqGlobal, &ev.StreamID, &ev.SeqStream, &ev.EventID,
			&ev.EventType, &ev.Timestamp, &actorJSON, &projectID, &ev.Subject.Kind,
			&ev.Subject.ID, &ev.SchemaVersion, &ev.Payload, &traceID,
		); err != nil {
			return fmt.Errorf("projection: scan row: %w", err)
		}
		ev.ProjectID = projectID.String
		ev.TraceID = traceID.String
		if err := json.Unmarshal([]byte(actorJSON), &ev.Actor); err != nil {
			return fmt.Errorf("projection: decode actor: %w", err)
		}
		if err := Apply(ctx, tx, ev); err != nil {
			return fmt.Errorf("projection: replay seq_global=%d: %w", ev.SeqGlobal, err)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return tx.Commit()
}

// ListWorkspaces returns every workspace, ordered by name ascending.
func ListWorkspaces(ctx context.Context, db *sql.DB) ([]kernel.WorkspaceRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT workspace_id, name, root_path, created_at, seq_global
		FROM proj_workspaces ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []kernel.WorkspaceRow
	for rows.Next() {
		var w kernel.WorkspaceRow
		if err := rows.Scan(&w.WorkspaceID, &w.Name, &w.RootPath, &w.CreatedAt, &w.SeqGlobal); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListProjects returns every project of a workspace, ordered by name ascending.
func ListProjects(ctx context.Context, db *sql.DB, workspaceID string) ([]kernel.ProjectRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT project_id, workspace_id, name, created_at, seq_global
		FROM proj_projects WHERE workspace_id = ? ORDER BY name ASC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []kernel.ProjectRow
	for rows.Next() {
		var p kernel.ProjectRow
		if err := rows.Scan(&p.ProjectID, &p.WorkspaceID, &p.Name, &p.CreatedAt, &p.SeqGlobal); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
