package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestJobLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := &Job{ID: "j1", Playbook: "site.yml", Target: "web01", Status: JobQueued, Priority: 50, SubmittedAt: time.Now()}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetJob(ctx, "j1")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Playbook != "site.yml" {
		t.Errorf("playbook = %q", got.Playbook)
	}

	// Missing jobs return nil, nil.
	got, err = s.GetJob(ctx, "missing")
	if err != nil || got != nil {
		t.Errorf("missing job: %v %v", got, err)
	}
}

func TestGetJobReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveJob(ctx, &Job{ID: "j1", Status: JobQueued}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := s.GetJob(ctx, "j1")
	got.Status = JobFailed

	again, _ := s.GetJob(ctx, "j1")
	if again.Status != JobQueued {
		t.Error("mutation through returned copy leaked into store")
	}
}

func TestUpdateJobCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveJob(ctx, &Job{ID: "j1", Status: JobQueued}); err != nil {
		t.Fatalf("save: %v", err)
	}

	expect := JobQueued
	assigned := JobAssigned
	worker := "w1"
	now := time.Now().UTC()
	applied, err := s.UpdateJob(ctx, "j1", JobUpdate{
		ExpectStatus:   &expect,
		Status:         &assigned,
		AssignedWorker: &worker,
		AssignedAt:     &now,
	})
	if err != nil || !applied {
		t.Fatalf("first update: applied=%v err=%v", applied, err)
	}

	// Same expectation again loses: the job is no longer queued.
	applied, err = s.UpdateJob(ctx, "j1", JobUpdate{ExpectStatus: &expect, Status: &assigned})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if applied {
		t.Error("compare-and-set applied against stale status")
	}

	got, _ := s.GetJob(ctx, "j1")
	if got.Status != JobAssigned || got.AssignedWorker != "w1" || got.AssignedAt == nil {
		t.Errorf("job = %+v", got)
	}
}

func TestUpdateJobUnknownJob(t *testing.T) {
	s := NewMemoryStore()
	status := JobFailed
	applied, err := s.UpdateJob(context.Background(), "nope", JobUpdate{Status: &status})
	if err != nil || applied {
		t.Errorf("applied=%v err=%v", applied, err)
	}
}

func TestGetPendingJobsOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	jobs := []*Job{
		{ID: "mid-late", Status: JobQueued, Priority: 50, SubmittedAt: base.Add(2 * time.Second)},
		{ID: "high", Status: JobQueued, Priority: 90, SubmittedAt: base.Add(3 * time.Second)},
		{ID: "mid-early", Status: JobQueued, Priority: 50, SubmittedAt: base},
		{ID: "low", Status: JobQueued, Priority: 25, SubmittedAt: base.Add(time.Second)},
		{ID: "done", Status: JobCompleted, Priority: 99, SubmittedAt: base},
	}
	for _, j := range jobs {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	pending, err := s.GetPendingJobs(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := []string{"high", "mid-early", "mid-late", "low"}
	if len(pending) != len(want) {
		t.Fatalf("pending = %d jobs", len(pending))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, id)
		}
	}
}

func TestGetWorkerJobsFiltersStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	jobs := []*Job{
		{ID: "a", Status: JobAssigned, AssignedWorker: "w1"},
		{ID: "r", Status: JobRunning, AssignedWorker: "w1"},
		{ID: "c", Status: JobCompleted, AssignedWorker: "w1"},
		{ID: "other", Status: JobRunning, AssignedWorker: "w2"},
	}
	for _, j := range jobs {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	active, err := s.GetWorkerJobs(ctx, "w1", JobAssigned, JobRunning)
	if err != nil {
		t.Fatalf("worker jobs: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active = %d, want 2", len(active))
	}

	all, _ := s.GetWorkerJobs(ctx, "w1")
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
}

func TestWorkersSortedByID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"w3", "w1", "w2"} {
		if err := s.SaveWorker(ctx, &Worker{ID: id}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	workers, err := s.GetAllWorkers(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, want := range []string{"w1", "w2", "w3"} {
		if workers[i].ID != want {
			t.Errorf("workers[%d] = %s, want %s", i, workers[i].ID, want)
		}
	}
}

func TestUpdateWorkerCheckin(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SaveWorker(ctx, &Worker{ID: "w1", Status: WorkerStale}); err != nil {
		t.Fatalf("save: %v", err)
	}

	at := time.Now().UTC()
	stats := SystemStats{CPUPercent: 42}
	found, err := s.UpdateWorkerCheckin(ctx, "w1", stats, WorkerOnline, at)
	if err != nil || !found {
		t.Fatalf("checkin: found=%v err=%v", found, err)
	}

	w, _ := s.GetWorker(ctx, "w1")
	if w.Status != WorkerOnline || w.SystemStats.CPUPercent != 42 || !w.LastCheckin.Equal(at) {
		t.Errorf("worker = %+v", w)
	}

	found, err = s.UpdateWorkerCheckin(ctx, "ghost", stats, WorkerOnline, at)
	if err != nil || found {
		t.Errorf("ghost checkin: found=%v err=%v", found, err)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sched := &Schedule{ID: "s1", Name: "nightly", Recurrence: Recurrence{Type: RecurrenceDaily, Time: "03:00"}, Enabled: true}
	if err := s.SaveSchedule(ctx, sched.ID, sched); err != nil {
		t.Fatalf("save: %v", err)
	}

	all, err := s.GetAllSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := all["s1"]; got == nil || got.Name != "nightly" {
		t.Errorf("schedule = %+v", got)
	}

	if err := s.DeleteSchedule(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ = s.GetAllSchedules(ctx)
	if len(all) != 0 {
		t.Errorf("schedules after delete = %d", len(all))
	}
}

func TestHistoryNewestFirstAndCleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &HistoryEntry{ScheduleID: "s1", RunID: fmt.Sprintf("run-%d", i), Status: "completed"}
		if err := s.AddHistoryEntry(ctx, entry); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	entries, err := s.GetHistory(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].RunID != "run-4" {
		t.Errorf("newest = %s", entries[0].RunID)
	}

	removed, err := s.CleanupHistory(ctx, 2)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d", removed)
	}
	entries, _ = s.GetHistory(ctx, "s1", 0)
	if len(entries) != 2 || entries[0].RunID != "run-4" {
		t.Errorf("after cleanup = %+v", entries)
	}
}

func TestBatchJobs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	batches := []*BatchJob{
		{ID: "b1", Status: BatchRunning},
		{ID: "b2", Status: BatchCompleted},
	}
	for _, b := range batches {
		if err := s.SaveBatchJob(ctx, b); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	running, err := s.GetBatchJobsByStatus(ctx, BatchRunning)
	if err != nil || len(running) != 1 || running[0].ID != "b1" {
		t.Errorf("running = %+v err=%v", running, err)
	}

	got, _ := s.GetBatchJob(ctx, "missing")
	if got != nil {
		t.Errorf("missing batch = %+v", got)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobQueued, JobAssigned, true},
		{JobAssigned, JobRunning, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobFailed, true},
		{JobQueued, JobCancelled, true},
		{JobRunning, JobCancelled, true},
		{JobCompleted, JobCancelled, false},
		{JobQueued, JobRunning, false},
		{JobCompleted, JobQueued, false},
		{JobAssigned, JobQueued, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
