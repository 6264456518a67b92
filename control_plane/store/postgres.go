package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and makes sure the schema exists.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			playbook TEXT NOT NULL,
			target TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INT NOT NULL,
			required_tags TEXT[] NOT NULL DEFAULT '{}',
			preferred_tags TEXT[] NOT NULL DEFAULT '{}',
			job_type TEXT NOT NULL,
			extra_vars JSONB,
			assigned_worker TEXT,
			submitted_at TIMESTAMPTZ NOT NULL,
			assigned_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			exit_code INT,
			log_file TEXT,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs (assigned_worker)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			tags TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			max_concurrent_jobs INT NOT NULL,
			priority_boost INT NOT NULL DEFAULT 0,
			is_local BOOLEAN NOT NULL DEFAULT FALSE,
			system_stats JSONB,
			last_checkin TIMESTAMPTZ,
			registered_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_history (
			seq BIGSERIAL PRIMARY KEY,
			schedule_id TEXT NOT NULL,
			doc JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_schedule ON schedule_history (schedule_id)`,
		`CREATE TABLE IF NOT EXISTS batch_jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			doc JSONB NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- Job Operations ---

const jobColumns = `id, playbook, target, status, priority, required_tags, preferred_tags,
	job_type, extra_vars, assigned_worker, submitted_at, assigned_at, started_at,
	completed_at, exit_code, log_file, error_message`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var extraVars []byte
	var assignedWorker, logFile, errorMessage *string
	err := row.Scan(
		&j.ID, &j.Playbook, &j.Target, &j.Status, &j.Priority, &j.RequiredTags,
		&j.PreferredTags, &j.JobType, &extraVars, &assignedWorker, &j.SubmittedAt,
		&j.AssignedAt, &j.StartedAt, &j.CompletedAt, &j.ExitCode, &logFile, &errorMessage,
	)
	if err != nil {
		return nil, err
	}
	if extraVars != nil {
		if err := json.Unmarshal(extraVars, &j.ExtraVars); err != nil {
			return nil, err
		}
	}
	if assignedWorker != nil {
		j.AssignedWorker = *assignedWorker
	}
	if logFile != nil {
		j.LogFile = *logFile
	}
	if errorMessage != nil {
		j.ErrorMessage = *errorMessage
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *Job) error {
	extraVars, err := json.Marshal(job.ExtraVars)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			playbook = EXCLUDED.playbook,
			target = EXCLUDED.target,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			required_tags = EXCLUDED.required_tags,
			preferred_tags = EXCLUDED.preferred_tags,
			job_type = EXCLUDED.job_type,
			extra_vars = EXCLUDED.extra_vars,
			assigned_worker = EXCLUDED.assigned_worker,
			assigned_at = EXCLUDED.assigned_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			exit_code = EXCLUDED.exit_code,
			log_file = EXCLUDED.log_file,
			error_message = EXCLUDED.error_message
	`
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.Playbook, job.Target, job.Status, job.Priority,
		job.RequiredTags, job.PreferredTags, job.JobType, extraVars,
		nullStr(job.AssignedWorker), job.SubmittedAt, job.AssignedAt,
		job.StartedAt, job.CompletedAt, job.ExitCode,
		nullStr(job.LogFile), nullStr(job.ErrorMessage),
	)
	return err
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// UpdateJob applies a partial update in a single statement. The WHERE guard
// on the expected status makes concurrent assignment first-wins.
func (s *PostgresStore) UpdateJob(ctx context.Context, id string, update JobUpdate) (bool, error) {
	sets := make([]string, 0, 8)
	args := []interface{}{id}
	add := func(col string, v interface{}) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.AssignedWorker != nil {
		add("assigned_worker", *update.AssignedWorker)
	}
	if update.AssignedAt != nil {
		add("assigned_at", *update.AssignedAt)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.ExitCode != nil {
		add("exit_code", *update.ExitCode)
	}
	if update.LogFile != nil {
		add("log_file", *update.LogFile)
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	if len(sets) == 0 {
		return false, nil
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1", strings.Join(sets, ", "))
	if update.ExpectStatus != nil {
		args = append(args, *update.ExpectStatus)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) GetAllJobs(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY submitted_at ASC`)
}

func (s *PostgresStore) GetPendingJobs(ctx context.Context) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = $1 ORDER BY priority DESC, submitted_at ASC`
	return s.queryJobs(ctx, query, JobQueued)
}

func (s *PostgresStore) GetWorkerJobs(ctx context.Context, workerID string, statuses ...JobStatus) ([]*Job, error) {
	if len(statuses) == 0 {
		query := `SELECT ` + jobColumns + ` FROM jobs WHERE assigned_worker = $1`
		return s.queryJobs(ctx, query, workerID)
	}
	set := make([]string, len(statuses))
	for i, st := range statuses {
		set[i] = string(st)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE assigned_worker = $1 AND status = ANY($2)`
	return s.queryJobs(ctx, query, workerID, set)
}

// --- Worker Operations ---

const workerColumns = `id, name, address, tags, status, max_concurrent_jobs, priority_boost,
	is_local, system_stats, last_checkin, registered_at`

func scanWorker(row pgx.Row) (*Worker, error) {
	var w Worker
	var stats []byte
	var lastCheckin *time.Time
	err := row.Scan(
		&w.ID, &w.Name, &w.Address, &w.Tags, &w.Status, &w.MaxConcurrentJobs,
		&w.PriorityBoost, &w.IsLocal, &stats, &lastCheckin, &w.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	if stats != nil {
		if err := json.Unmarshal(stats, &w.SystemStats); err != nil {
			return nil, err
		}
	}
	if lastCheckin != nil {
		w.LastCheckin = *lastCheckin
	}
	return &w, nil
}

func (s *PostgresStore) GetAllWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *PostgresStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	w, err := scanWorker(s.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *PostgresStore) SaveWorker(ctx context.Context, worker *Worker) error {
	stats, err := json.Marshal(worker.SystemStats)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO workers (` + workerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			tags = EXCLUDED.tags,
			status = EXCLUDED.status,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			priority_boost = EXCLUDED.priority_boost,
			is_local = EXCLUDED.is_local,
			system_stats = EXCLUDED.system_stats,
			last_checkin = EXCLUDED.last_checkin
	`
	var lastCheckin *time.Time
	if !worker.LastCheckin.IsZero() {
		lastCheckin = &worker.LastCheckin
	}
	_, err = s.pool.Exec(ctx, query,
		worker.ID, worker.Name, worker.Address, worker.Tags, worker.Status,
		worker.MaxConcurrentJobs, worker.PriorityBoost, worker.IsLocal,
		stats, lastCheckin, worker.RegisteredAt,
	)
	return err
}

func (s *PostgresStore) DeleteWorker(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) UpdateWorkerCheckin(ctx context.Context, id string, stats SystemStats, status WorkerStatus, at time.Time) (bool, error) {
	data, err := json.Marshal(stats)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workers SET system_stats = $2, status = $3, last_checkin = $4 WHERE id = $1`,
		id, data, status, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- Schedule Operations ---

func (s *PostgresStore) GetAllSchedules(ctx context.Context) (map[string]*Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM schedules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := make(map[string]*Schedule)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sched Schedule
		if err := json.Unmarshal(doc, &sched); err != nil {
			return nil, err
		}
		schedules[sched.ID] = &sched
	}
	return schedules, rows.Err()
}

func (s *PostgresStore) SaveSchedule(ctx context.Context, id string, schedule *Schedule) error {
	doc, err := json.Marshal(schedule)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`, id, doc)
	return err
}

func (s *PostgresStore) SaveAllSchedules(ctx context.Context, schedules map[string]*Schedule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM schedules`); err != nil {
		return err
	}
	for id, sched := range schedules {
		doc, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schedules (id, doc) VALUES ($1, $2)`, id, doc); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	return err
}

// --- History Operations ---

func (s *PostgresStore) AddHistoryEntry(ctx context.Context, entry *HistoryEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO schedule_history (schedule_id, doc) VALUES ($1, $2)`,
		entry.ScheduleID, doc,
	)
	return err
}

func (s *PostgresStore) GetHistory(ctx context.Context, scheduleID string, limit int) ([]*HistoryEntry, error) {
	query := `SELECT doc FROM schedule_history`
	args := []interface{}{}
	if scheduleID != "" {
		query += ` WHERE schedule_id = $1`
		args = append(args, scheduleID)
	}
	query += ` ORDER BY seq DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e HistoryEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) CleanupHistory(ctx context.Context, maxEntries int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM schedule_history WHERE seq NOT IN (
			SELECT seq FROM schedule_history ORDER BY seq DESC LIMIT $1
		)
	`, maxEntries)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Batch Job Operations ---

func (s *PostgresStore) GetBatchJob(ctx context.Context, id string) (*BatchJob, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM batch_jobs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b BatchJob
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) SaveBatchJob(ctx context.Context, batch *BatchJob) error {
	doc, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO batch_jobs (id, status, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc
	`, batch.ID, batch.Status, doc)
	return err
}

func (s *PostgresStore) GetBatchJobsByStatus(ctx context.Context, status BatchStatus) ([]*BatchJob, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM batch_jobs WHERE status = $1`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*BatchJob
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var b BatchJob
		if err := json.Unmarshal(doc, &b); err != nil {
			return nil, err
		}
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

// --- Utility ---

func (s *PostgresStore) HealthCheck(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

func (s *PostgresStore) BackendType() string {
	return "postgres"
}
