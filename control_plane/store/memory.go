package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds jobs, workers, schedules and history in process memory.
// It implements the Store interface and is the reference backend for tests
// and single-node operation.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	workers   map[string]*Worker
	schedules map[string]*Schedule
	batches   map[string]*BatchJob
	history   []*HistoryEntry // newest first
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*Job),
		workers:   make(map[string]*Worker),
		schedules: make(map[string]*Schedule),
		batches:   make(map[string]*BatchJob),
	}
}

// --- Job Operations ---

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	jobCopy := *j
	return &jobCopy, nil
}

func (s *MemoryStore) SaveJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobCopy := *job
	s.jobs[job.ID] = &jobCopy
	return nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id string, update JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	if update.ExpectStatus != nil && j.Status != *update.ExpectStatus {
		return false, nil
	}

	if update.Status != nil {
		j.Status = *update.Status
	}
	if update.AssignedWorker != nil {
		j.AssignedWorker = *update.AssignedWorker
	}
	if update.AssignedAt != nil {
		t := *update.AssignedAt
		j.AssignedAt = &t
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		j.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		j.CompletedAt = &t
	}
	if update.ExitCode != nil {
		c := *update.ExitCode
		j.ExitCode = &c
	}
	if update.LogFile != nil {
		j.LogFile = *update.LogFile
	}
	if update.ErrorMessage != nil {
		j.ErrorMessage = *update.ErrorMessage
	}
	return true, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) GetAllJobs(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobCopy := *j
		result = append(result, &jobCopy)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].SubmittedAt.Before(result[k].SubmittedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetPendingJobs(ctx context.Context) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.Status == JobQueued {
			jobCopy := *j
			result = append(result, &jobCopy)
		}
	}
	// Priority DESC, FIFO within a tier.
	sort.SliceStable(result, func(i, k int) bool {
		if result[i].Priority != result[k].Priority {
			return result[i].Priority > result[k].Priority
		}
		return result[i].SubmittedAt.Before(result[k].SubmittedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetWorkerJobs(ctx context.Context, workerID string, statuses ...JobStatus) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.AssignedWorker != workerID {
			continue
		}
		if len(statuses) > 0 && !statusIn(j.Status, statuses) {
			continue
		}
		jobCopy := *j
		result = append(result, &jobCopy)
	}
	return result, nil
}

func statusIn(status JobStatus, set []JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// --- Worker Operations ---

func (s *MemoryStore) GetAllWorkers(ctx context.Context) ([]*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workerCopy := *w
		result = append(result, &workerCopy)
	}
	// Stable order keeps score tie-breaking deterministic.
	sort.Slice(result, func(i, k int) bool {
		return result[i].ID < result[k].ID
	})
	return result, nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[id]
	if !ok {
		return nil, nil
	}
	workerCopy := *w
	return &workerCopy, nil
}

func (s *MemoryStore) SaveWorker(ctx context.Context, worker *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	workerCopy := *worker
	s.workers[worker.ID] = &workerCopy
	return nil
}

func (s *MemoryStore) DeleteWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workers, id)
	return nil
}

func (s *MemoryStore) UpdateWorkerCheckin(ctx context.Context, id string, stats SystemStats, status WorkerStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return false, nil
	}
	w.SystemStats = stats
	w.Status = status
	w.LastCheckin = at
	return true, nil
}

// --- Schedule Operations ---

func (s *MemoryStore) GetAllSchedules(ctx context.Context) (map[string]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*Schedule, len(s.schedules))
	for id, sched := range s.schedules {
		schedCopy := *sched
		result[id] = &schedCopy
	}
	return result, nil
}

func (s *MemoryStore) SaveSchedule(ctx context.Context, id string, schedule *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedCopy := *schedule
	s.schedules[id] = &schedCopy
	return nil
}

func (s *MemoryStore) SaveAllSchedules(ctx context.Context, schedules map[string]*Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules = make(map[string]*Schedule, len(schedules))
	for id, sched := range schedules {
		schedCopy := *sched
		s.schedules[id] = &schedCopy
	}
	return nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.schedules, id)
	return nil
}

// --- History Operations ---

func (s *MemoryStore) AddHistoryEntry(ctx context.Context, entry *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryCopy := *entry
	// Insert at the front (newest first).
	s.history = append([]*HistoryEntry{&entryCopy}, s.history...)
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, scheduleID string, limit int) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*HistoryEntry, 0)
	for _, e := range s.history {
		if scheduleID != "" && e.ScheduleID != scheduleID {
			continue
		}
		entryCopy := *e
		result = append(result, &entryCopy)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CleanupHistory(ctx context.Context, maxEntries int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxEntries < 0 || len(s.history) <= maxEntries {
		return 0, nil
	}
	removed := len(s.history) - maxEntries
	s.history = s.history[:maxEntries]
	return removed, nil
}

// --- Batch Job Operations ---

func (s *MemoryStore) GetBatchJob(ctx context.Context, id string) (*BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, nil
	}
	batchCopy := *b
	return &batchCopy, nil
}

func (s *MemoryStore) SaveBatchJob(ctx context.Context, batch *BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchCopy := *batch
	s.batches[batch.ID] = &batchCopy
	return nil
}

func (s *MemoryStore) GetBatchJobsByStatus(ctx context.Context, status BatchStatus) ([]*BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*BatchJob, 0)
	for _, b := range s.batches {
		if b.Status == status {
			batchCopy := *b
			result = append(result, &batchCopy)
		}
	}
	return result, nil
}

// --- Utility ---

func (s *MemoryStore) HealthCheck(ctx context.Context) bool {
	return true
}

func (s *MemoryStore) BackendType() string {
	return "memory"
}
