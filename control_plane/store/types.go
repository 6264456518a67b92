package store

import (
	"time"
)

// LocalWorkerID is the implicit always-present local executor. It carries a
// large negative priority boost so it only wins when no remote worker can
// take the job.
const LocalWorkerID = "__local__"

// LocalWorkerBoost is the additive score bias applied to the local executor.
const LocalWorkerBoost = -1000

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Active reports whether the job currently occupies worker capacity.
func (s JobStatus) Active() bool {
	return s == JobAssigned || s == JobRunning
}

// CanTransition validates the job state machine:
// queued -> assigned -> running -> completed|failed, and any non-terminal
// state -> cancelled.
func CanTransition(from, to JobStatus) bool {
	switch to {
	case JobAssigned:
		return from == JobQueued
	case JobRunning:
		return from == JobAssigned
	case JobCompleted, JobFailed:
		return from == JobRunning
	case JobCancelled:
		return !from.Terminal()
	}
	return false
}

// JobType influences preference scoring, not eligibility.
type JobType string

const (
	JobTypeNormal      JobType = "normal"
	JobTypeLongRunning JobType = "long_running"
)

// Job is a unit of work: run one playbook against one target.
type Job struct {
	ID             string            `json:"id" db:"id"`
	Playbook       string            `json:"playbook" db:"playbook"`
	Target         string            `json:"target" db:"target"`
	Status         JobStatus         `json:"status" db:"status"`
	Priority       int               `json:"priority" db:"priority"` // clamped to [1,100], higher routes first
	RequiredTags   []string          `json:"required_tags" db:"required_tags"`
	PreferredTags  []string          `json:"preferred_tags" db:"preferred_tags"`
	JobType        JobType           `json:"job_type" db:"job_type"`
	ExtraVars      map[string]string `json:"extra_vars,omitempty" db:"extra_vars"`
	AssignedWorker string            `json:"assigned_worker,omitempty" db:"assigned_worker"`
	SubmittedAt    time.Time         `json:"submitted_at" db:"submitted_at"`
	AssignedAt     *time.Time        `json:"assigned_at,omitempty" db:"assigned_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	ExitCode       *int              `json:"exit_code,omitempty" db:"exit_code"`
	LogFile        string            `json:"log_file,omitempty" db:"log_file"`
	ErrorMessage   string            `json:"error_message,omitempty" db:"error_message"`
}

// WorkerStatus is the health state of an execution node.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
	WorkerStale   WorkerStatus = "stale"
)

// Candidate reports whether the worker may receive new assignments.
func (s WorkerStatus) Candidate() bool {
	return s == WorkerOnline || s == WorkerBusy
}

// SystemStats is the load snapshot reported by worker check-in.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Load1m        float64 `json:"load_1m"`
}

// Worker is a registered execution node.
type Worker struct {
	ID                string       `json:"id" db:"id"`
	Name              string       `json:"name" db:"name"`
	Address           string       `json:"address,omitempty" db:"address"` // host:port for job dispatch, empty for the local worker
	Tags              []string     `json:"tags" db:"tags"`
	Status            WorkerStatus `json:"status" db:"status"`
	MaxConcurrentJobs int          `json:"max_concurrent_jobs" db:"max_concurrent_jobs"`
	PriorityBoost     int          `json:"priority_boost" db:"priority_boost"`
	IsLocal           bool         `json:"is_local" db:"is_local"`
	SystemStats       SystemStats  `json:"system_stats" db:"system_stats"`
	LastCheckin       time.Time    `json:"last_checkin" db:"last_checkin"`
	RegisteredAt      time.Time    `json:"registered_at" db:"registered_at"`
}

// HasTag reports whether the worker carries the capability label.
func (w *Worker) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RecurrenceType discriminates the trigger variants.
type RecurrenceType string

const (
	RecurrenceOnce    RecurrenceType = "once"
	RecurrenceHourly  RecurrenceType = "hourly"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
	RecurrenceCustom  RecurrenceType = "custom"
)

// Recurrence is a tagged variant; only the fields matching Type are set.
type Recurrence struct {
	Type            RecurrenceType `json:"type"`
	Datetime        time.Time      `json:"datetime,omitempty"`         // once
	Minute          int            `json:"minute"`                     // hourly: fire at :minute
	Time            string         `json:"time,omitempty"`             // daily/weekly/monthly "HH:MM"
	Days            []int          `json:"days,omitempty"`             // weekly, 0=Monday
	Day             int            `json:"day,omitempty"`              // monthly, day of month
	IntervalMinutes int            `json:"interval_minutes,omitempty"` // custom
}

// Schedule is a recurring or one-shot trigger producing jobs.
type Schedule struct {
	ID          string     `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	Playbook    string     `json:"playbook,omitempty" db:"playbook"`
	Target      string     `json:"target,omitempty" db:"target"`
	Playbooks   []string   `json:"playbooks,omitempty" db:"playbooks"` // batch only
	Targets     []string   `json:"targets,omitempty" db:"targets"`     // batch only
	IsBatch     bool       `json:"is_batch" db:"is_batch"`
	Recurrence  Recurrence `json:"recurrence" db:"recurrence"`
	Enabled     bool       `json:"enabled" db:"enabled"`
	Created     time.Time  `json:"created" db:"created"`

	RunCount     int        `json:"run_count" db:"run_count"`
	SuccessCount int        `json:"success_count" db:"success_count"`
	FailedCount  int        `json:"failed_count" db:"failed_count"`
	LastRun      *time.Time `json:"last_run,omitempty" db:"last_run"`
	LastStatus   string     `json:"last_status,omitempty" db:"last_status"`
	NextRun      *time.Time `json:"next_run,omitempty" db:"next_run"`
	CurrentRunID string     `json:"current_run_id,omitempty" db:"current_run_id"`
	LastBatchID  string     `json:"last_batch_id,omitempty" db:"last_batch_id"`
}

// HistoryEntry is an append-only record of one schedule execution.
type HistoryEntry struct {
	ScheduleID      string     `json:"schedule_id" db:"schedule_id"`
	RunID           string     `json:"run_id" db:"run_id"`
	LogFile         string     `json:"log_file" db:"log_file"`
	Started         *time.Time `json:"started,omitempty" db:"started"`
	Finished        *time.Time `json:"finished,omitempty" db:"finished"`
	DurationSeconds float64    `json:"duration_seconds" db:"duration_seconds"`
	Status          string     `json:"status" db:"status"`
	WorkerName      string     `json:"worker_name,omitempty" db:"worker_name"`
}

// BatchStatus is the lifecycle state of a batch job.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchPartial   BatchStatus = "partial"
)

// Terminal reports whether the batch reached a final state.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchPartial
}

// BatchJob groups a playbook x target matrix created by a batch schedule.
type BatchJob struct {
	ID        string      `json:"id" db:"id"`
	Name      string      `json:"name" db:"name"`
	Playbooks []string    `json:"playbooks" db:"playbooks"`
	Targets   []string    `json:"targets" db:"targets"`
	JobIDs    []string    `json:"job_ids" db:"job_ids"`
	Status    BatchStatus `json:"status" db:"status"`
	Created   time.Time   `json:"created" db:"created"`
}
