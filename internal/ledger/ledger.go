// Package ledger records thumbnail runs and per-job outcomes in SQLite.
//
// Schema:
//
//	runs(run_id, mode, root, started_at, finished_at, generated, failed, skipped, degraded)
//	jobs(job_id, run_id, source, output, class, kind, status, width, height,
//	     bytes, duration_ms, error, created_at)
//
// Timestamps are unix milliseconds.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("ledger: not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    mode        TEXT NOT NULL,
    root        TEXT NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER,
    generated   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    degraded    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS jobs (
    job_id      TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    source      TEXT NOT NULL,
    output      TEXT NOT NULL DEFAULT '',
    class       TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    width       INTEGER NOT NULL DEFAULT 0,
    height      INTEGER NOT NULL DEFAULT 0,
    bytes       INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_source ON jobs(source, created_at DESC);
`

// Run is one invocation over an input tree.
type Run struct {
	ID         string
	Mode       string
	Root       string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is open
	Totals
}

// Totals are the counters a finished run reports.
type Totals struct {
	Generated int64
	Failed    int64
	Skipped   int64
	Degraded  int64
}

// Job is the outcome of one render job.
type Job struct {
	ID       string
	RunID    string
	Source   string
	Output   string
	Class    string
	Kind     string
	Status   string
	Width    int
	Height   int
	Bytes    int64
	Duration time.Duration
	Error    string
	Created  time.Time
}

// Ledger is safe for concurrent use.
type Ledger struct {
	db    *sql.DB
	owned bool
	newID func() string
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open opens (creating if needed) the ledger database at path. Use Memory
// for a throwaway ledger.
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	l, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// New applies the schema to an already open database. Close does not close
// db.
func New(db *sql.DB, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger: nil db")
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("ledger: schema: %w", err)
		}
	}
	l := &Ledger{
		db:    db,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// StartRun opens a run and returns its id.
func (l *Ledger) StartRun(ctx context.Context, mode, root string) (string, error) {
	id := l.newID()
	_, err := exec(ctx, l.db,
		`INSERT INTO runs (run_id, mode, root, started_at) VALUES (?, ?, ?, ?)`,
		id, mode, root, l.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("ledger: start run: %w", err)
	}
	return id, nil
}

// FinishRun stores the final counters of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID string, t Totals) error {
	res, err := exec(ctx, l.db,
		`UPDATE runs SET finished_at = ?, generated = ?, failed = ?, skipped = ?, degraded = ?
		 WHERE run_id = ?`,
		l.now().UnixMilli(), t.Generated, t.Failed, t.Skipped, t.Degraded, runID)
	if err != nil {
		return fmt.Errorf("ledger: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// RecordJob appends a job outcome. ID and Created are filled when empty.
func (l *Ledger) RecordJob(ctx context.Context, j *Job) error {
	if j.RunID == "" || j.Source == "" {
		return errors.New("ledger: job needs run id and source")
	}
	if j.ID == "" {
		j.ID = l.newID()
	}
	if j.Created.IsZero() {
		j.Created = l.now()
	}
	if j.Status == "" {
		j.Status = StatusOK
		if j.Error != "" {
			j.Status = StatusFailed
		}
	}
	_, err := exec(ctx, l.db,
		`INSERT INTO jobs (job_id, run_id, source, output, class, kind, status,
		                   width, height, bytes, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.RunID, j.Source, j.Output, j.Class, j.Kind, j.Status,
		j.Width, j.Height, j.Bytes, j.Duration.Milliseconds(), j.Error, j.Created.UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: record job: %w", err)
	}
	return nil
}

// Run loads one run.
func (l *Ledger) Run(ctx context.Context, runID string) (Run, error) {
	var (
		r          Run
		started    int64
		finishedAt sql.NullInt64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT run_id, mode, root, started_at, finished_at, generated, failed, skipped, degraded
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&r.ID, &r.Mode, &r.Root, &started, &finishedAt,
			&r.Generated, &r.Failed, &r.Skipped, &r.Degraded)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("ledger: run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("ledger: run: %w", err)
	}
	r.StartedAt = time.UnixMilli(started)
	if finishedAt.Valid {
		r.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return r, nil
}

// Jobs lists the jobs of a run in insertion order.
func (l *Ledger) Jobs(ctx context.Context, runID string) ([]Job, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT job_id, run_id, source, output, class, kind, status,
		        width, height, bytes, duration_ms, error, created_at
		 FROM jobs WHERE run_id = ? ORDER BY created_at, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// LastJob returns the most recent job for source, across runs.
func (l *Ledger) LastJob(ctx context.Context, source string) (Job, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT job_id, run_id, source, output, class, kind, status,
		        width, height, bytes, duration_ms, error, created_at
		 FROM jobs WHERE source = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, source)
	if err != nil {
		return Job{}, fmt.Errorf("ledger: last job: %w", err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return Job{}, err
	}
	if len(jobs) == 0 {
		return Job{}, fmt.Errorf("ledger: job for %s: %w", source, ErrNotFound)
	}
	return jobs[0], nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		var (
			j          Job
			durationMS int64
			created    int64
		)
		if err := rows.Scan(&j.ID, &j.RunID, &j.Source, &j.Output, &j.Class, &j.Kind, &j.Status,
			&j.Width, &j.Height, &j.Bytes, &durationMS, &j.Error, &created); err != nil {
			return nil, fmt.Errorf("ledger: scan job: %w", err)
		}
		j.Duration = time.Duration(durationMS) * time.Millisecond
		j.Created = time.UnixMilli(created)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: jobs: %w", err)
	}
	return out, nil
}

// Close closes the database when the Ledger opened it.
func (l *Ledger) Close() error {
	if !l.owned {
		return nil
	}
	return l.db.Close()
}
