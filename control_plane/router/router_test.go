package router

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/store"
)

func newWorker(id string, tags []string, maxJobs int) *store.Worker {
	return &store.Worker{
		ID:                id,
		Name:              id,
		Tags:              tags,
		Status:            store.WorkerOnline,
		MaxConcurrentJobs: maxJobs,
		LastCheckin:       time.Now().UTC(),
		RegisteredAt:      time.Now().UTC(),
	}
}

func newJob(id string, priority int, requiredTags []string) *store.Job {
	return &store.Job{
		ID:           id,
		Playbook:     "site.yml",
		Target:       "web01",
		Status:       store.JobQueued,
		Priority:     priority,
		RequiredTags: requiredTags,
		SubmittedAt:  time.Now().UTC(),
	}
}

func seed(t *testing.T, workers []*store.Worker, jobs []*store.Job) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, w := range workers {
		if err := st.SaveWorker(ctx, w); err != nil {
			t.Fatalf("seed worker %s: %v", w.ID, err)
		}
	}
	for _, j := range jobs {
		if err := st.SaveJob(ctx, j); err != nil {
			t.Fatalf("seed job %s: %v", j.ID, err)
		}
	}
	return st
}

func TestCheckTagEligibility(t *testing.T) {
	w := newWorker("w1", []string{"gpu", "cuda"}, 2)

	if ok, reason := CheckTagEligibility(w, nil); !ok || reason != "No required tags" {
		t.Errorf("no tags: ok=%v reason=%q", ok, reason)
	}
	if ok, _ := CheckTagEligibility(w, []string{"gpu"}); !ok {
		t.Error("gpu should be eligible")
	}
	ok, reason := CheckTagEligibility(w, []string{"gpu", "fpga", "asic"})
	if ok {
		t.Error("missing tags should be ineligible")
	}
	if reason != "Missing required tags: asic, fpga" {
		t.Errorf("reason = %q", reason)
	}
}

func TestTagScore(t *testing.T) {
	w := newWorker("w1", []string{"gpu", "cuda"}, 2)

	if got := TagScore(w, []string{"fpga"}, nil); got != 0 {
		t.Errorf("missing required: %v", got)
	}
	if got := TagScore(w, []string{"gpu"}, nil); got != 60 {
		t.Errorf("required only: %v", got)
	}
	if got := TagScore(w, nil, nil); got != 50 {
		t.Errorf("no tags: %v", got)
	}
	// Base 60 plus half the preferred bonus.
	if got := TagScore(w, []string{"gpu"}, []string{"cuda", "nvme"}); got != 80 {
		t.Errorf("partial preferred: %v", got)
	}
	// Cap at 100.
	if got := TagScore(w, []string{"gpu"}, []string{"cuda"}); got != 100 {
		t.Errorf("full preferred: %v", got)
	}
}

func TestLoadScore(t *testing.T) {
	w := newWorker("w1", nil, 4)
	w.SystemStats = store.SystemStats{CPUPercent: 50, MemoryPercent: 30}
	st := seed(t, []*store.Worker{w}, nil)
	r := New(st, Options{})
	ctx := context.Background()

	// 100 - (0.3*50 + 0.3*30 + 0.4*0) = 76
	got, err := r.LoadScore(ctx, w)
	if err != nil {
		t.Fatalf("load score: %v", err)
	}
	if got != 76 {
		t.Errorf("idle worker: %v, want 76", got)
	}

	// Two active jobs out of four: job load 50, 0.4*50 = 20 more off.
	for i := 0; i < 2; i++ {
		job := newJob(fmt.Sprintf("j%d", i), 50, nil)
		job.Status = store.JobRunning
		job.AssignedWorker = w.ID
		if err := st.SaveJob(ctx, job); err != nil {
			t.Fatalf("seed job: %v", err)
		}
	}
	got, err = r.LoadScore(ctx, w)
	if err != nil {
		t.Fatalf("load score: %v", err)
	}
	if got != 56 {
		t.Errorf("busy worker: %v, want 56", got)
	}
}

func TestLoadScoreFloorsAtZero(t *testing.T) {
	w := newWorker("w1", nil, 1)
	w.SystemStats = store.SystemStats{CPUPercent: 100, MemoryPercent: 100}
	st := seed(t, []*store.Worker{w}, nil)
	r := New(st, Options{})

	got, err := r.LoadScore(context.Background(), w)
	if err != nil {
		t.Fatalf("load score: %v", err)
	}
	if got != 0 {
		t.Errorf("overloaded worker: %v, want 0", got)
	}
}

func TestPreferenceScore(t *testing.T) {
	now := time.Now().UTC()

	w := newWorker("w1", []string{"batch"}, 2)
	w.LastCheckin = now.Add(-30 * time.Second)
	job := newJob("j1", 50, nil)
	job.JobType = store.JobTypeLongRunning

	// 15 long-running capability + 10 fresh checkin.
	if got := PreferenceScore(w, job, now); got != 25 {
		t.Errorf("got %v, want 25", got)
	}

	// Stale checkin drops to the smaller bonus.
	w.LastCheckin = now.Add(-2 * time.Minute)
	if got := PreferenceScore(w, job, now); got != 20 {
		t.Errorf("stale checkin: %v, want 20", got)
	}

	// All components together hit the cap.
	w = newWorker("w2", []string{"long-running", "ssd"}, 2)
	w.IsLocal = true
	w.LastCheckin = now
	job.PreferredTags = []string{"ssd"}
	// 5 local + 15 long-running + 10 checkin + 20 preferred = 50
	if got := PreferenceScore(w, job, now); got != 50 {
		t.Errorf("cap: %v, want 50", got)
	}
}

func TestFindBestWorkerPrefersTagMatch(t *testing.T) {
	w1 := newWorker("w1", []string{"gpu", "cuda"}, 2)
	w2 := newWorker("w2", []string{"gpu"}, 2)
	st := seed(t, []*store.Worker{w1, w2}, nil)
	r := New(st, Options{})

	job := newJob("j1", 50, []string{"gpu"})
	job.PreferredTags = []string{"cuda"}

	best, score, err := r.FindBestWorker(context.Background(), job)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if best == nil || best.ID != "w1" {
		t.Fatalf("best = %v, want w1", best)
	}
	if score.TagScore != 100 {
		t.Errorf("tag score = %v", score.TagScore)
	}
}

func TestFindBestWorkerTieBreaksOnID(t *testing.T) {
	wb := newWorker("worker-b", nil, 2)
	wa := newWorker("worker-a", nil, 2)
	st := seed(t, []*store.Worker{wb, wa}, nil)
	r := New(st, Options{})

	best, _, err := r.FindBestWorker(context.Background(), newJob("j1", 50, nil))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if best.ID != "worker-a" {
		t.Errorf("tie went to %s, want worker-a", best.ID)
	}
}

func TestLocalWorkerOnlyWhenAlone(t *testing.T) {
	local := newWorker(store.LocalWorkerID, nil, 2)
	local.IsLocal = true
	local.PriorityBoost = store.LocalWorkerBoost
	remote := newWorker("remote-1", nil, 2)
	remote.SystemStats = store.SystemStats{CPUPercent: 99, MemoryPercent: 99}
	st := seed(t, []*store.Worker{local, remote}, nil)
	r := New(st, Options{})
	ctx := context.Background()

	// Even a heavily loaded remote beats the local worker.
	best, _, err := r.FindBestWorker(ctx, newJob("j1", 50, nil))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if best.ID != "remote-1" {
		t.Errorf("best = %s, want remote-1", best.ID)
	}

	// With no remote, the local worker carries the job.
	if err := st.DeleteWorker(ctx, "remote-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	best, score, err := r.FindBestWorker(ctx, newJob("j2", 50, nil))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if best == nil || best.ID != store.LocalWorkerID {
		t.Fatalf("best = %v, want local", best)
	}
	if score.TotalScore > 0 {
		t.Errorf("local total score = %v, expected negative", score.TotalScore)
	}
}

func TestAvailableWorkersExcludesFullAndOffline(t *testing.T) {
	full := newWorker("full", nil, 1)
	offline := newWorker("offline", nil, 2)
	offline.Status = store.WorkerOffline
	free := newWorker("free", nil, 2)
	busy := newWorker("busy", nil, 2)
	busy.Status = store.WorkerBusy

	job := newJob("j0", 50, nil)
	job.Status = store.JobRunning
	job.AssignedWorker = "full"

	st := seed(t, []*store.Worker{full, offline, free, busy}, []*store.Job{job})
	r := New(st, Options{})

	available, err := r.AvailableWorkers(context.Background())
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	got := make(map[string]bool)
	for _, w := range available {
		got[w.ID] = true
	}
	if len(got) != 2 || !got["free"] || !got["busy"] {
		t.Errorf("available = %v, want free and busy", got)
	}
}

func TestRouteJobAssignsAndPersists(t *testing.T) {
	w := newWorker("w1", []string{"gpu"}, 2)
	job := newJob("j1", 50, []string{"gpu"})
	st := seed(t, []*store.Worker{w}, []*store.Job{job})
	r := New(st, Options{})
	ctx := context.Background()

	result, err := r.RouteJob(ctx, "j1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !result.Assigned || result.WorkerID != "w1" {
		t.Fatalf("result = %+v", result)
	}

	stored, _ := st.GetJob(ctx, "j1")
	if stored.Status != store.JobAssigned || stored.AssignedWorker != "w1" {
		t.Errorf("stored job = %+v", stored)
	}
	if stored.AssignedAt == nil {
		t.Error("assigned_at not stamped")
	}
}

func TestRouteJobNoEligibleWorkerLeavesQueued(t *testing.T) {
	w := newWorker("w1", []string{"gpu"}, 2)
	job := newJob("j1", 50, []string{"quantum-asic"})
	st := seed(t, []*store.Worker{w}, []*store.Job{job})
	r := New(st, Options{})
	ctx := context.Background()

	result, err := r.RouteJob(ctx, "j1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.Assigned {
		t.Fatal("should not assign")
	}
	if result.Reason != "No eligible worker available" {
		t.Errorf("reason = %q", result.Reason)
	}

	stored, _ := st.GetJob(ctx, "j1")
	if stored.Status != store.JobQueued {
		t.Errorf("status = %s, want queued", stored.Status)
	}
}

func TestRouteJobErrors(t *testing.T) {
	w := newWorker("w1", nil, 2)
	assigned := newJob("j1", 50, nil)
	assigned.Status = store.JobAssigned
	assigned.AssignedWorker = "w1"
	st := seed(t, []*store.Worker{w}, []*store.Job{assigned})
	r := New(st, Options{})
	ctx := context.Background()

	if _, err := r.RouteJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing job err = %v", err)
	}

	if _, err := r.RouteJob(ctx, "j1"); !errors.Is(err, ErrInvalidJobState) {
		t.Errorf("assigned job err = %v", err)
	}
	// The job is left untouched.
	stored, _ := st.GetJob(ctx, "j1")
	if stored.Status != store.JobAssigned || stored.AssignedWorker != "w1" {
		t.Errorf("job mutated: %+v", stored)
	}
}

func TestRoutePendingJobsPriorityOrder(t *testing.T) {
	// One slot per round trip: three workers, capacity one each, so all
	// three jobs land somewhere and the order is observable.
	workers := []*store.Worker{
		newWorker("w1", nil, 1),
		newWorker("w2", nil, 1),
		newWorker("w3", nil, 1),
	}
	base := time.Now().UTC()
	low := newJob("low", 25, nil)
	low.SubmittedAt = base
	mid := newJob("mid", 50, nil)
	mid.SubmittedAt = base.Add(time.Second)
	high := newJob("high", 90, nil)
	high.SubmittedAt = base.Add(2 * time.Second)

	st := seed(t, workers, []*store.Job{low, mid, high})
	r := New(st, Options{})

	results, err := r.RoutePendingJobs(context.Background(), 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	order := []string{results[0].JobID, results[1].JobID, results[2].JobID}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRoutePendingJobsFIFOWithinPriority(t *testing.T) {
	w := newWorker("w1", nil, 2)
	base := time.Now().UTC()
	second := newJob("second", 50, nil)
	second.SubmittedAt = base.Add(time.Second)
	first := newJob("first", 50, nil)
	first.SubmittedAt = base

	st := seed(t, []*store.Worker{w}, []*store.Job{second, first})
	r := New(st, Options{})

	results, err := r.RoutePendingJobs(context.Background(), 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if results[0].JobID != "first" {
		t.Errorf("order = %s then %s", results[0].JobID, results[1].JobID)
	}
}

func TestRoutePendingJobsEarlyExit(t *testing.T) {
	w := newWorker("w1", nil, 2)
	blocked := newJob("blocked", 90, []string{"fpga"})
	routable := newJob("routable", 50, nil)
	st := seed(t, []*store.Worker{w}, []*store.Job{blocked, routable})
	r := New(st, Options{})
	ctx := context.Background()

	results, err := r.RoutePendingJobs(ctx, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	// The unroutable high-priority job stops the round.
	if len(results) != 1 || results[0].JobID != "blocked" {
		t.Fatalf("results = %+v", results)
	}

	stored, _ := st.GetJob(ctx, "routable")
	if stored.Status != store.JobQueued {
		t.Errorf("later job touched: %s", stored.Status)
	}
}

func TestRoutePendingJobsDrainAll(t *testing.T) {
	w := newWorker("w1", nil, 2)
	blocked := newJob("blocked", 90, []string{"fpga"})
	routable := newJob("routable", 50, nil)
	st := seed(t, []*store.Worker{w}, []*store.Job{blocked, routable})
	r := New(st, Options{DrainAll: true})
	ctx := context.Background()

	results, err := r.RoutePendingJobs(ctx, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}

	stored, _ := st.GetJob(ctx, "routable")
	if stored.Status != store.JobAssigned {
		t.Errorf("drain-all skipped routable job: %s", stored.Status)
	}
}

func TestWorkerRecommendationsRanked(t *testing.T) {
	w1 := newWorker("w1", []string{"gpu"}, 2)
	w2 := newWorker("w2", nil, 2)
	job := newJob("j1", 50, []string{"gpu"})
	st := seed(t, []*store.Worker{w1, w2}, []*store.Job{job})
	r := New(st, Options{})

	recs, err := r.WorkerRecommendations(context.Background(), "j1")
	if err != nil {
		t.Fatalf("recommendations: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("recs = %d", len(recs))
	}
	if recs[0].WorkerID != "w1" || !recs[0].Eligible {
		t.Errorf("top rec = %+v", recs[0])
	}
	if recs[1].Eligible {
		t.Errorf("ineligible worker marked eligible: %+v", recs[1])
	}
	if recs[1].Reason != "Missing required tags: gpu" {
		t.Errorf("reason = %q", recs[1].Reason)
	}
}

func TestScoreWorkerBreakdown(t *testing.T) {
	w := newWorker("w1", []string{"gpu"}, 2)
	w.SystemStats = store.SystemStats{CPUPercent: 20, MemoryPercent: 20}
	w.PriorityBoost = 10
	st := seed(t, []*store.Worker{w}, nil)
	r := New(st, Options{})

	job := newJob("j1", 50, []string{"gpu"})
	score, err := r.ScoreWorker(context.Background(), w, job)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	// tag 60, load 100-(6+6+0)=88, pref 10 (fresh checkin)
	want := 60*0.4 + 88*0.35 + 10*0.25 + 10
	if diff := score.TotalScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total = %v, want %v", score.TotalScore, want)
	}
	if score.PriorityBoost != 10 {
		t.Errorf("boost = %d", score.PriorityBoost)
	}
}
