// Package ledger keeps a local SQLite history of ingests and job runs. The
// graph store holds the data; the ledger answers "what ran here, when, and
// how did it go" without a round trip to the database.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"cadgraph/internal/logging"
)

// IngestRecord is one row of ingest history.
type IngestRecord struct {
	ID            string
	File          string
	Status        string
	Entities      int
	Nodes         int
	Relationships int
	Warnings      int
	DurationMS    int64
	Error         string
	CreatedAt     time.Time
}

// JobRecord is one row of job-run history. ResultPath points at the durable
// result file the job manager wrote.
type JobRecord struct {
	JobID       string
	File        string
	Status      string
	Progress    float64
	Stage       string
	Error       string
	ResultPath  string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Ledger wraps the SQLite file. Reads and writes go through one RWMutex;
// the sqlite driver serializes anyway but the lock keeps multi-statement
// operations coherent.
type Ledger struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens or creates the ledger at path. ":memory:" works for tests.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Ledger("ledger open at %s", path)
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ingests (
		id          TEXT PRIMARY KEY,
		file        TEXT NOT NULL,
		status      TEXT NOT NULL,
		entities    INTEGER NOT NULL DEFAULT 0,
		nodes       INTEGER NOT NULL DEFAULT 0,
		rels        INTEGER NOT NULL DEFAULT 0,
		warnings    INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ingests_created ON ingests(created_at);

	CREATE TABLE IF NOT EXISTS job_runs (
		job_id       TEXT PRIMARY KEY,
		file         TEXT NOT NULL,
		status       TEXT NOT NULL,
		progress     REAL NOT NULL DEFAULT 0,
		stage        TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		result_path  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

// RecordIngest upserts one ingest row.
func (l *Ledger) RecordIngest(rec IngestRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("ingest record needs an id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO ingests (id, file, status, entities, nodes, rels, warnings, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.File, rec.Status, rec.Entities, rec.Nodes, rec.Relationships,
		rec.Warnings, rec.DurationMS, rec.Error, rec.CreatedAt,
	)
	if err != nil {
		logging.Get(logging.CategoryLedger).Error("record ingest %s: %v", rec.ID, err)
		return err
	}
	logging.LedgerDebug("recorded ingest %s status=%s nodes=%d", rec.ID, rec.Status, rec.Nodes)
	return nil
}

// RecordJob upserts one job-run row.
func (l *Ledger) RecordJob(rec JobRecord) error {
	if rec.JobID == "" {
		return fmt.Errorf("job record needs a job id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var completed interface{}
	if !rec.CompletedAt.IsZero() {
		completed = rec.CompletedAt
	}
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO job_runs (job_id, file, status, progress, stage, error, result_path, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.File, rec.Status, rec.Progress, rec.Stage, rec.Error,
		rec.ResultPath, rec.CreatedAt, completed,
	)
	if err != nil {
		logging.Get(logging.CategoryLedger).Error("record job %s: %v", rec.JobID, err)
		return err
	}
	logging.LedgerDebug("recorded job %s status=%s", rec.JobID, rec.Status)
	return nil
}

// RecentIngests returns up to limit ingest rows, newest first.
func (l *Ledger) RecentIngests(limit int) ([]IngestRecord, error) {
	if limit < 1 {
		limit = 20
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(
		`SELECT id, file, status, entities, nodes, rels, warnings, duration_ms, error, created_at
		 FROM ingests ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestRecord
	for rows.Next() {
		var rec IngestRecord
		if err := rows.Scan(&rec.ID, &rec.File, &rec.Status, &rec.Entities, &rec.Nodes,
			&rec.Relationships, &rec.Warnings, &rec.DurationMS, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentJobs returns up to limit job rows, newest first.
func (l *Ledger) RecentJobs(limit int) ([]JobRecord, error) {
	if limit < 1 {
		limit = 20
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(
		`SELECT job_id, file, status, progress, stage, error, result_path, created_at, completed_at
		 FROM job_runs ORDER BY created_at DESC, job_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var completed sql.NullTime
		if err := rows.Scan(&rec.JobID, &rec.File, &rec.Status, &rec.Progress, &rec.Stage,
			&rec.Error, &rec.ResultPath, &rec.CreatedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			rec.CompletedAt = completed.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// JobRun looks up one job row by id.
func (l *Ledger) JobRun(jobID string) (JobRecord, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var rec JobRecord
	var completed sql.NullTime
	err := l.db.QueryRow(
		`SELECT job_id, file, status, progress, stage, error, result_path, created_at, completed_at
		 FROM job_runs WHERE job_id = ?`, jobID,
	).Scan(&rec.JobID, &rec.File, &rec.Status, &rec.Progress, &rec.Stage, &rec.Error,
		&rec.ResultPath, &rec.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	if completed.Valid {
		rec.CompletedAt = completed.Time
	}
	return rec, true, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
