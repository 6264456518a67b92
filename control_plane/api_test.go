package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/deployment"
	"github.com/llathrop/ansible-fleet/control_plane/router"
	"github.com/llathrop/ansible-fleet/control_plane/schedule"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

func testAPI(t *testing.T) (*API, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	r := router.New(st, router.Options{})

	executor := NewLocalExecutor(st, schedule.NewActiveRuns(), t.TempDir(), t.TempDir(), "")
	dispatcher := NewDispatcher(st, executor)
	manager := schedule.NewManager(st, nil, schedule.Callbacks{}, schedule.DefaultConfig())
	detector := deployment.NewDetector(st, "", "")

	api := NewAPI(st, r, dispatcher, manager, detector, deployment.Desired{Workers: 2}, NewEventHub())
	return api, st
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestSubmitJobDefaultsPriority(t *testing.T) {
	api, st := testAPI(t)

	rec := postJSON(t, api.handleSubmitJob, "/jobs", submitJobRequest{Playbook: "site.yml", Target: "web01"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	jobs, _ := st.GetAllJobs(context.Background())
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	if jobs[0].Priority != 50 {
		t.Errorf("priority = %d, want 50", jobs[0].Priority)
	}
	if jobs[0].JobType != store.JobTypeNormal {
		t.Errorf("job type = %q", jobs[0].JobType)
	}
	// No workers registered, so the job stays queued.
	if jobs[0].Status != store.JobQueued {
		t.Errorf("status = %s", jobs[0].Status)
	}
}

func TestSubmitJobClampsPriority(t *testing.T) {
	api, st := testAPI(t)
	ctx := context.Background()

	for _, tc := range []struct {
		in, want int
	}{
		{500, 100},
		{-3, 1},
		{77, 77},
	} {
		rec := postJSON(t, api.handleSubmitJob, "/jobs", submitJobRequest{
			Playbook: "site.yml", Target: "web01", Priority: tc.in,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp struct {
			Job store.Job `json:"job"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		job, _ := st.GetJob(ctx, resp.Job.ID)
		if job.Priority != tc.want {
			t.Errorf("priority %d clamped to %d, want %d", tc.in, job.Priority, tc.want)
		}
	}
}

func TestSubmitJobValidation(t *testing.T) {
	api, _ := testAPI(t)
	rec := postJSON(t, api.handleSubmitJob, "/jobs", submitJobRequest{Playbook: "site.yml"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	api, st := testAPI(t)
	ctx := context.Background()

	if err := st.SaveJob(ctx, &store.Job{ID: "j1", Status: store.JobQueued}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/jobs/j1/cancel", nil)
	rec := httptest.NewRecorder()
	api.handleJobByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	job, _ := st.GetJob(ctx, "j1")
	if job.Status != store.JobCancelled || job.CompletedAt == nil {
		t.Errorf("job = %+v", job)
	}

	// Cancelling a terminal job conflicts.
	rec = httptest.NewRecorder()
	api.handleJobByID(rec, httptest.NewRequest(http.MethodPost, "/jobs/j1/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", rec.Code)
	}
}

func TestJobResultTransitions(t *testing.T) {
	api, st := testAPI(t)
	ctx := context.Background()

	if err := st.SaveJob(ctx, &store.Job{ID: "j1", Status: store.JobAssigned, AssignedWorker: "w1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := postJSON(t, api.handleJobResult, "/jobs/result", jobResultRequest{JobID: "j1", Status: "running"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start report = %d: %s", rec.Code, rec.Body.String())
	}
	job, _ := st.GetJob(ctx, "j1")
	if job.Status != store.JobRunning || job.StartedAt == nil {
		t.Fatalf("after start: %+v", job)
	}

	rec = postJSON(t, api.handleJobResult, "/jobs/result", jobResultRequest{
		JobID: "j1", Status: "completed", ExitCode: 0, LogFile: "out.log",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("final report = %d", rec.Code)
	}
	job, _ = st.GetJob(ctx, "j1")
	if job.Status != store.JobCompleted || job.LogFile != "out.log" || job.CompletedAt == nil {
		t.Errorf("after completion: %+v", job)
	}

	// A skipped transition is rejected.
	if err := st.SaveJob(ctx, &store.Job{ID: "j2", Status: store.JobQueued}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec = postJSON(t, api.handleJobResult, "/jobs/result", jobResultRequest{JobID: "j2", Status: "completed"})
	if rec.Code != http.StatusConflict {
		t.Errorf("queued to completed = %d, want 409", rec.Code)
	}
}

func TestRegisterWorker(t *testing.T) {
	api, st := testAPI(t)

	rec := postJSON(t, api.handleRegisterWorker, "/workers/register", registerWorkerRequest{Name: "node-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing address = %d, want 400", rec.Code)
	}

	rec = postJSON(t, api.handleRegisterWorker, "/workers/register", registerWorkerRequest{
		ID: store.LocalWorkerID, Name: "node-1", Address: "10.0.0.1:9100",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reserved id = %d, want 400", rec.Code)
	}

	rec = postJSON(t, api.handleRegisterWorker, "/workers/register", registerWorkerRequest{
		ID: "w1", Name: "node-1", Address: "10.0.0.1:9100", Tags: []string{"gpu"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token == "" {
		t.Error("no token issued")
	}

	w, _ := st.GetWorker(context.Background(), "w1")
	if w == nil || w.Status != store.WorkerOnline || w.MaxConcurrentJobs != 2 {
		t.Errorf("worker = %+v", w)
	}
}

func TestWorkerCheckin(t *testing.T) {
	api, st := testAPI(t)
	ctx := context.Background()

	rec := postJSON(t, api.handleWorkerCheckin, "/workers/checkin", checkinRequest{WorkerID: "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("ghost checkin = %d, want 404", rec.Code)
	}

	if err := st.SaveWorker(ctx, &store.Worker{ID: "w1", Status: store.WorkerStale}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec = postJSON(t, api.handleWorkerCheckin, "/workers/checkin", checkinRequest{
		WorkerID:    "w1",
		SystemStats: store.SystemStats{CPUPercent: 12},
		Busy:        true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("checkin = %d", rec.Code)
	}
	w, _ := st.GetWorker(ctx, "w1")
	if w.Status != store.WorkerBusy || w.SystemStats.CPUPercent != 12 {
		t.Errorf("worker = %+v", w)
	}
}

func TestDispatchJobRemote(t *testing.T) {
	_, st := testAPI(t)
	ctx := context.Background()

	accepted := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer accepted.Close()

	worker := &store.Worker{ID: "w1", Address: accepted.Listener.Addr().String(), Status: store.WorkerOnline, MaxConcurrentJobs: 2}
	job := &store.Job{ID: "j1", Playbook: "site.yml", Target: "web01", Status: store.JobAssigned, AssignedWorker: "w1"}
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatalf("seed: %v", err)
	}

	executor := NewLocalExecutor(st, schedule.NewActiveRuns(), t.TempDir(), t.TempDir(), "")
	d := NewDispatcher(st, executor)
	d.DispatchJob(ctx, worker, job)

	got, _ := st.GetJob(ctx, "j1")
	if got.Status != store.JobRunning || got.StartedAt == nil {
		t.Errorf("after handoff: %+v", got)
	}
}

func TestDispatchJobRemoteRejection(t *testing.T) {
	_, st := testAPI(t)
	ctx := context.Background()

	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer rejecting.Close()

	worker := &store.Worker{ID: "w1", Address: rejecting.Listener.Addr().String(), Status: store.WorkerOnline, MaxConcurrentJobs: 2}
	job := &store.Job{ID: "j1", Playbook: "site.yml", Target: "web01", Status: store.JobAssigned, AssignedWorker: "w1"}
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatalf("seed: %v", err)
	}

	executor := NewLocalExecutor(st, schedule.NewActiveRuns(), t.TempDir(), t.TempDir(), "")
	d := NewDispatcher(st, executor)
	d.DispatchJob(ctx, worker, job)

	got, _ := st.GetJob(ctx, "j1")
	if got.Status != store.JobFailed {
		t.Errorf("after rejection: %+v", got)
	}
	if got.ErrorMessage == "" {
		t.Error("no error message recorded")
	}
}

func TestBatchSettlesPartial(t *testing.T) {
	_, st := testAPI(t)
	ctx := context.Background()

	executor := NewLocalExecutor(st, schedule.NewActiveRuns(), t.TempDir(), t.TempDir(), "")
	d := NewDispatcher(st, executor)

	batchID, err := d.CreateBatch(ctx, []string{"a.yml", "b.yml"}, []string{"db01", "db02"}, "patch")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	batch, _ := st.GetBatchJob(ctx, batchID)
	if batch == nil || len(batch.JobIDs) != 2 {
		t.Fatalf("batch = %+v", batch)
	}

	// One member succeeds, one fails.
	statuses := []store.JobStatus{store.JobCompleted, store.JobFailed}
	for i, jobID := range batch.JobIDs {
		status := statuses[i]
		if _, err := st.UpdateJob(ctx, jobID, store.JobUpdate{Status: &status}); err != nil {
			t.Fatalf("update member: %v", err)
		}
	}

	if settled := d.settleBatch(ctx, batchID); !settled {
		t.Fatal("batch did not settle")
	}
	batch, _ = st.GetBatchJob(ctx, batchID)
	if batch.Status != store.BatchPartial {
		t.Errorf("batch status = %s, want partial", batch.Status)
	}
}

func TestDeploymentDeltaHandler(t *testing.T) {
	api, st := testAPI(t)
	ctx := context.Background()

	if err := st.SaveWorker(ctx, &store.Worker{ID: "w1", Status: store.WorkerOnline, LastCheckin: time.Now()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/deployment/delta", nil)
	rec := httptest.NewRecorder()
	api.handleDeploymentDelta(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Delta deployment.Delta `json:"delta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Desired two workers, one registered.
	if !resp.Delta.DeployWorkers || resp.Delta.WorkerCountToAdd != 1 {
		t.Errorf("delta = %+v", resp.Delta)
	}
}

func TestLocalJobLogName(t *testing.T) {
	job := &store.Job{ID: "0123456789abcdef", Playbook: "deploy/site.yml", Target: "db/replica:01"}
	started := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)

	got := localJobLogName(job, started)
	want := fmt.Sprintf("site-db-replica-01-20260301-123045-%s.log", "01234567")
	if got != want {
		t.Errorf("log name = %q, want %q", got, want)
	}
}
