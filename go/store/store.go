// Package store implements the durable job/result/log/profile persistence
// named in C6: a sqlite-backed relational store for the structured tables,
// per database/sql + go-sqlite3's registration idiom in the teacher's
// sql-driver and catalog build database code.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
	"github.com/google/uuid"
	"github.com/minio/highwayhash"

	"github.com/netsshio/netsshd/go/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	job_type        TEXT NOT NULL,
	batch_id        TEXT NOT NULL DEFAULT '',
	payload_json    TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	started_at      INTEGER,
	completed_at    INTEGER,
	scheduled_for   INTEGER,
	cron_expression TEXT NOT NULL DEFAULT '',
	timezone        TEXT NOT NULL DEFAULT '',
	next_run_at     INTEGER,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_scheduled_for ON jobs(scheduled_for);
CREATE INDEX IF NOT EXISTS idx_jobs_next_run_at ON jobs(next_run_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(idempotency_key) WHERE idempotency_key != '';

CREATE TABLE IF NOT EXISTS command_results (
	job_id      TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	result_json TEXT NOT NULL,
	executed_at INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	parse_status TEXT NOT NULL,
	PRIMARY KEY (job_id, idx)
);

CREATE TABLE IF NOT EXISTS job_logs (
	job_id  TEXT NOT NULL,
	ts      INTEGER NOT NULL,
	level   TEXT NOT NULL,
	message TEXT NOT NULL,
	context_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs(job_id);

CREATE TABLE IF NOT EXISTS connection_profiles (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	config_json TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

// Store is a sqlite-backed implementation of C6's durable job/result/log/
// profile operations. Status updates are serialized by sqlite's single-writer
// database lock under WAL mode and the store's one open connection; command
// results are appended under
// a transaction that preserves emission order via the idx column.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// IdempotencyKey hashes a job's (connection_spec, commands) payload with
// HighwayHash so at-least-once queue redelivery can be detected before a
// terminal job is re-executed.
func IdempotencyKey(key [32]byte, spec model.ConnectionSpec, commands []string) (string, error) {
	payload, err := json.Marshal(struct {
		Spec     model.ConnectionSpec
		Commands []string
	}{spec, commands})
	if err != nil {
		return "", err
	}
	h, err := highwayhash.New(key[:])
	if err != nil {
		return "", err
	}
	h.Write(payload)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

type jobPayload struct {
	Connection     model.ConnectionSpec
	Commands       []string
	CommandTimeout time.Duration
	MaxRetries     int
	Description    string
	ParseOptions   model.ParseOptions
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func ptrFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// CreateJob inserts job (expected Pending) and returns its ID, assigning
// one via uuid if unset.
func (s *Store) CreateJob(ctx context.Context, job model.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(jobPayload{
		Connection:     job.Connection,
		Commands:       job.Commands,
		CommandTimeout: job.CommandTimeout,
		MaxRetries:     job.MaxRetries,
		Description:    job.Description,
		ParseOptions:   job.ParseOptions,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}

	var scheduledFor, nextRunAt any
	switch job.Schedule.Kind {
	case model.ScheduleOneTime:
		scheduledFor = job.Schedule.At.Unix()
	case model.ScheduleRecurring:
		nextRunAt = job.Schedule.At.Unix()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, batch_id, payload_json, status, created_at,
			scheduled_for, cron_expression, timezone, next_run_at, retry_count,
			max_retries, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.BatchID, string(payload), model.JobPending, job.CreatedAt.Unix(),
		scheduledFor, job.Schedule.Cron, job.Schedule.Timezone, nextRunAt, job.RetryCount,
		job.MaxRetries, job.IdempotencyKey,
	)
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	return job.ID, nil
}

// UpdateStatus transitions a job's status. Single-row UPDATE under
// sqlite's transaction isolation gives the linearizable-per-job-id
// guarantee C6 requires.
func (s *Store) UpdateStatus(ctx context.Context, id string, status model.JobStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	return requireRowAffected(res, id)
}

// SaveResult records the terminal (or retry) outcome of a job run.
func (s *Store) SaveResult(ctx context.Context, id string, status model.JobStatus, startedAt, completedAt *time.Time, errMsg string, retryCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?, completed_at = ?, error_message = ?, retry_count = ?
		WHERE id = ?`,
		status, unixPtr(startedAt), unixPtr(completedAt), errMsg, retryCount, id,
	)
	if err != nil {
		return fmt.Errorf("saving job result: %w", err)
	}
	return requireRowAffected(res, id)
}

// AppendCommandResults appends items in order under one transaction,
// continuing the job's existing idx sequence.
func (s *Store) AppendCommandResults(ctx context.Context, id string, items []model.CommandResult) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting command result transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM command_results WHERE job_id = ?`, id).Scan(&next); err != nil {
		return fmt.Errorf("reading next command result index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO command_results (job_id, idx, result_json, executed_at, duration_ms, parse_status)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing command result insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshaling command result: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id, next+i, string(raw), item.ExecutedAt.Unix(), item.Duration.Milliseconds(), item.ParseStatus); err != nil {
			return fmt.Errorf("inserting command result: %w", err)
		}
	}
	return tx.Commit()
}

// ListCommandResults returns a job's accumulated command results in
// execution order.
func (s *Store) ListCommandResults(ctx context.Context, jobID string) ([]model.CommandResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT result_json FROM command_results WHERE job_id = ? ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying command results: %w", err)
	}
	defer rows.Close()

	var out []model.CommandResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning command result: %w", err)
		}
		var result model.CommandResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("unmarshaling command result: %w", err)
		}
		out = append(out, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading command results: %w", err)
	}
	return out, nil
}

// AppendLog appends a single job_logs row.
func (s *Store) AppendLog(ctx context.Context, entry model.JobLogEntry) error {
	ctxJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("marshaling log context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, ts, level, message, context_json) VALUES (?, ?, ?, ?, ?)`,
		entry.JobID, entry.Time.Unix(), entry.Level, entry.Message, string(ctxJSON),
	)
	if err != nil {
		return fmt.Errorf("appending job log: %w", err)
	}
	return nil
}

// GetJob fetches one job by id. Its command results are stored separately;
// see ListCommandResults.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_type, batch_id, payload_json, status, created_at, started_at,
			completed_at, scheduled_for, cron_expression, timezone, next_run_at,
			retry_count, max_retries, error_message, idempotency_key
		FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %q: %w", id, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// JobFilter narrows ListJobs; zero value lists every job.
type JobFilter struct {
	Status  model.JobStatus
	BatchID string
}

// ListJobs returns jobs matching filter, most-recently-created first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `
		SELECT id, job_type, batch_id, payload_json, status, created_at, started_at,
			completed_at, scheduled_for, cron_expression, timezone, next_run_at,
			retry_count, max_retries, error_message, idempotency_key
		FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.BatchID != "" {
		query += " AND batch_id = ?"
		args = append(args, filter.BatchID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// DeleteJob removes a job and its associated results/logs.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM command_results WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("deleting command results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_logs WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("deleting job logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	if err := requireRowAffected(res, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ScheduledOneTimeDue returns pending OneTime jobs whose scheduled_for <= now.
func (s *Store) ScheduledOneTimeDue(ctx context.Context, now time.Time) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, batch_id, payload_json, status, created_at, started_at,
			completed_at, scheduled_for, cron_expression, timezone, next_run_at,
			retry_count, max_retries, error_message, idempotency_key
		FROM jobs
		WHERE status = ? AND scheduled_for IS NOT NULL AND scheduled_for <= ?
		ORDER BY scheduled_for ASC`, model.JobPending, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("querying one-time due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// ScheduledRecurringDue returns pending Recurring jobs whose next_run_at <= now.
func (s *Store) ScheduledRecurringDue(ctx context.Context, now time.Time) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, batch_id, payload_json, status, created_at, started_at,
			completed_at, scheduled_for, cron_expression, timezone, next_run_at,
			retry_count, max_retries, error_message, idempotency_key
		FROM jobs
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, model.JobPending, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("querying recurring due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// UpdateNextRunAt advances (or clears, marking Completed) a recurring job's
// next fire time.
func (s *Store) UpdateNextRunAt(ctx context.Context, id string, next *time.Time) error {
	if next == nil {
		_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, next_run_at = NULL WHERE id = ?`, model.JobCompleted, id)
		if err != nil {
			return fmt.Errorf("completing exhausted recurring job: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET next_run_at = ? WHERE id = ?`, next.Unix(), id)
	if err != nil {
		return fmt.Errorf("updating next_run_at: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		job                      model.Job
		payload                  string
		startedAt, completedAt   sql.NullInt64
		scheduledFor, nextRunAt  sql.NullInt64
		cronExpr, tz             string
	)
	if err := row.Scan(
		&job.ID, &job.Type, &job.BatchID, &payload, &job.Status, &createdAtScanner{&job.CreatedAt},
		&startedAt, &completedAt, &scheduledFor, &cronExpr, &tz, &nextRunAt,
		&job.RetryCount, &job.MaxRetries, &job.ErrorMessage, &job.IdempotencyKey,
	); err != nil {
		return nil, err
	}

	var p jobPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("unmarshaling job payload: %w", err)
	}
	job.Connection = p.Connection
	job.Commands = p.Commands
	job.CommandTimeout = p.CommandTimeout
	job.MaxRetries = p.MaxRetries
	job.Description = p.Description
	job.ParseOptions = p.ParseOptions

	job.StartedAt = ptrFromUnix(startedAt)
	job.CompletedAt = ptrFromUnix(completedAt)

	switch {
	case scheduledFor.Valid:
		job.Schedule = model.Schedule{Kind: model.ScheduleOneTime, At: time.Unix(scheduledFor.Int64, 0).UTC()}
	case nextRunAt.Valid || cronExpr != "":
		job.Schedule = model.Schedule{Kind: model.ScheduleRecurring, Cron: cronExpr, Timezone: tz}
		if nextRunAt.Valid {
			t := time.Unix(nextRunAt.Int64, 0).UTC()
			job.NextRunAt = &t
		}
	default:
		job.Schedule = model.Schedule{Kind: model.ScheduleImmediate}
	}

	return &job, nil
}

// createdAtScanner adapts a *time.Time target to scan a unix-seconds
// INTEGER column via database/sql.Scanner.
type createdAtScanner struct{ t *time.Time }

func (c *createdAtScanner) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*c.t = time.Unix(v, 0).UTC()
	case nil:
	default:
		return fmt.Errorf("unsupported created_at scan source %T", src)
	}
	return nil
}

func scanJobRows(rows *sql.Rows) ([]model.Job, error) {
	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

var errNotFound = fmt.Errorf("not found")

func requireRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %q: %w", id, errNotFound)
	}
	return nil
}

// SaveConnectionProfile inserts or replaces a named profile.
func (s *Store) SaveConnectionProfile(ctx context.Context, p model.ConnectionProfile) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cfg, err := json.Marshal(p.Spec)
	if err != nil {
		return "", fmt.Errorf("marshaling connection profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connection_profiles (id, name, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET config_json = excluded.config_json, updated_at = excluded.updated_at`,
		p.ID, p.Name, string(cfg), p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("saving connection profile: %w", err)
	}
	return p.ID, nil
}

// GetConnectionProfile fetches one profile by id.
func (s *Store) GetConnectionProfile(ctx context.Context, id string) (*model.ConnectionProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, config_json, created_at, updated_at FROM connection_profiles WHERE id = ?`, id)
	return scanProfile(row)
}

// ListConnectionProfiles returns every stored profile.
func (s *Store) ListConnectionProfiles(ctx context.Context) ([]model.ConnectionProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, config_json, created_at, updated_at FROM connection_profiles ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing connection profiles: %w", err)
	}
	defer rows.Close()

	var out []model.ConnectionProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateConnectionProfile replaces an existing profile's spec.
func (s *Store) UpdateConnectionProfile(ctx context.Context, id string, spec model.ConnectionSpec, updatedAt time.Time) error {
	cfg, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshaling connection profile: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE connection_profiles SET config_json = ?, updated_at = ? WHERE id = ?`, string(cfg), updatedAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("updating connection profile: %w", err)
	}
	return requireRowAffected(res, id)
}

// DeleteConnectionProfile removes a profile by id.
func (s *Store) DeleteConnectionProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connection_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting connection profile: %w", err)
	}
	return requireRowAffected(res, id)
}

func scanProfile(row scanner) (*model.ConnectionProfile, error) {
	var p model.ConnectionProfile
	var cfg string
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.Name, &cfg, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("connection profile: %w", errNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &p.Spec); err != nil {
		return nil, fmt.Errorf("unmarshaling connection profile: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}
