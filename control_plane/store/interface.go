package store

import (
	"context"
	"time"
)

// JobUpdate is a partial job mutation. Nil fields are left untouched.
// ExpectStatus, when set, turns the write into a compare-and-set: the update
// is rejected (applied=false) if the stored status differs. Concurrent
// route_job callers rely on this to guarantee first-wins assignment.
type JobUpdate struct {
	ExpectStatus *JobStatus

	Status         *JobStatus
	AssignedWorker *string
	AssignedAt     *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ExitCode       *int
	LogFile        *string
	ErrorMessage   *string
}

// Store defines the methods required of a storage backend. It abstracts over
// Memory (tests/standalone), Redis (ephemeral/fast) and Postgres (durable).
//
// Lookup methods return (nil, nil) when the record does not exist.
// The read-modify-write in UpdateJob must be atomic per job ID, and an
// applied assignment must be visible to the next GetWorkerJobs call
// (read-after-write); the router's capacity invariant depends on both.
type Store interface {
	// Job Operations
	GetJob(ctx context.Context, id string) (*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, id string, update JobUpdate) (bool, error)
	DeleteJob(ctx context.Context, id string) error
	GetAllJobs(ctx context.Context) ([]*Job, error)
	// GetPendingJobs returns queued jobs ordered by priority DESC,
	// submitted_at ASC (FIFO within a priority tier).
	GetPendingJobs(ctx context.Context) ([]*Job, error)
	// GetWorkerJobs returns the worker's jobs, filtered to the given
	// statuses when any are supplied.
	GetWorkerJobs(ctx context.Context, workerID string, statuses ...JobStatus) ([]*Job, error)

	// Worker Operations
	GetAllWorkers(ctx context.Context) ([]*Worker, error)
	GetWorker(ctx context.Context, id string) (*Worker, error)
	SaveWorker(ctx context.Context, worker *Worker) error
	DeleteWorker(ctx context.Context, id string) error
	UpdateWorkerCheckin(ctx context.Context, id string, stats SystemStats, status WorkerStatus, at time.Time) (bool, error)

	// Schedule Operations
	GetAllSchedules(ctx context.Context) (map[string]*Schedule, error)
	SaveSchedule(ctx context.Context, id string, schedule *Schedule) error
	SaveAllSchedules(ctx context.Context, schedules map[string]*Schedule) error
	DeleteSchedule(ctx context.Context, id string) error

	// History Operations
	AddHistoryEntry(ctx context.Context, entry *HistoryEntry) error
	// GetHistory returns entries newest first; scheduleID "" means all.
	GetHistory(ctx context.Context, scheduleID string, limit int) ([]*HistoryEntry, error)
	// CleanupHistory trims to the newest maxEntries and returns how many
	// entries were removed.
	CleanupHistory(ctx context.Context, maxEntries int) (int, error)

	// Batch Job Operations
	GetBatchJob(ctx context.Context, id string) (*BatchJob, error)
	SaveBatchJob(ctx context.Context, batch *BatchJob) error
	GetBatchJobsByStatus(ctx context.Context, status BatchStatus) ([]*BatchJob, error)

	// Utility
	HealthCheck(ctx context.Context) bool
	BackendType() string
}
