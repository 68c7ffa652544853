// Package ledger keeps a local SQLite record of processing runs: when they
// ran, on which folders, how they ended, the rename mappings they made and
// the volumes they measured.
package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"airwayseg/internal/models"
)

// CurrentSchemaVersion is the latest schema version.
const CurrentSchemaVersion = 1

// FileName is the database file created in the ledger directory
const FileName = "ledger.db"

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run is one recorded pipeline invocation.
type Run struct {
	ID         string
	Input      string
	Output     string
	FileType   string
	Status     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Ledger is an open ledger database.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if needed) dir/ledger.db and applies migrations.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	dsn := filepath.Join(dir, FileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to get user_version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS runs (
		  id          TEXT PRIMARY KEY,
		  input       TEXT NOT NULL,
		  output      TEXT,
		  file_type   TEXT NOT NULL,
		  status      TEXT NOT NULL,
		  error       TEXT,
		  started_at  INTEGER NOT NULL,
		  finished_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

		CREATE TABLE IF NOT EXISTS renames (
		  run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		  original TEXT NOT NULL,
		  renamed  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_renames_run ON renames(run_id);

		CREATE TABLE IF NOT EXISTS volumes (
		  run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		  filename   TEXT NOT NULL,
		  voxels     INTEGER NOT NULL,
		  volume_mm3 REAL NOT NULL,
		  error      TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_volumes_run ON volumes(run_id);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", 1)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}
	return nil
}

func newID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// StartRun records a new running run and returns its id.
func (l *Ledger) StartRun(ctx context.Context, input string, fileType models.FileType) (string, error) {
	id, err := newID()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO runs (id, input, file_type, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, input, string(fileType), StatusRunning, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return id, nil
}

// FinishRun stores the output root and outcome of a run.
func (l *Ledger) FinishRun(ctx context.Context, id, output string, runErr error) error {
	status, msg := StatusSucceeded, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET output = ?, status = ?, error = ?, finished_at = ? WHERE id = ?`,
		output, status, msg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// RecordRenames stores the rename mappings of a run.
func (l *Ledger) RecordRenames(ctx context.Context, runID string, entries []models.RenameEntry) error {
	return l.insertAll(ctx, `INSERT INTO renames (run_id, original, renamed) VALUES (?, ?, ?)`, len(entries),
		func(i int) []any { return []any{runID, entries[i].Original, entries[i].New} })
}

// RecordVolumes stores the volume results of a run.
func (l *Ledger) RecordVolumes(ctx context.Context, runID string, results []models.VolumeResult) error {
	return l.insertAll(ctx, `INSERT INTO volumes (run_id, filename, voxels, volume_mm3, error) VALUES (?, ?, ?, ?, ?)`, len(results),
		func(i int) []any {
			r := results[i]
			var msg sql.NullString
			if r.Err != nil {
				msg = sql.NullString{String: r.Err.Error(), Valid: true}
			}
			return []any{runID, r.Filename, r.Voxels, r.VolumeMM3, msg}
		})
}

func (l *Ledger) insertAll(ctx context.Context, query string, n int, row func(i int) []any) error {
	if n == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, row(i)...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, input, output, file_type, status, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var output, msg sql.NullString
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Input, &output, &r.FileType, &r.Status, &msg, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Output = output.String
		r.Error = msg.String
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Renames returns the rename mappings of a run.
func (l *Ledger) Renames(ctx context.Context, runID string) ([]models.RenameEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT original, renamed FROM renames WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query renames: %w", err)
	}
	defer rows.Close()

	var entries []models.RenameEntry
	for rows.Next() {
		var e models.RenameEntry
		if err := rows.Scan(&e.Original, &e.New); err != nil {
			return nil, fmt.Errorf("failed to scan rename: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Volumes returns the volume results of a run. Failed measurements carry
// their message in Err.
func (l *Ledger) Volumes(ctx context.Context, runID string) ([]models.VolumeResult, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT filename, voxels, volume_mm3, error FROM volumes WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query volumes: %w", err)
	}
	defer rows.Close()

	var results []models.VolumeResult
	for rows.Next() {
		var r models.VolumeResult
		var msg sql.NullString
		if err := rows.Scan(&r.Filename, &r.Voxels, &r.VolumeMM3, &msg); err != nil {
			return nil, fmt.Errorf("failed to scan volume: %w", err)
		}
		if msg.Valid && msg.String != "" {
			r.Err = errors.New(msg.String)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
