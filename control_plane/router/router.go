// Package router implements the job routing and assignment engine: tag
// eligibility filtering, multi-factor worker scoring and capacity-aware
// assignment against the storage contract.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/observability"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

// Weight factors for the scoring components.
const (
	tagWeight        = 0.4
	loadWeight       = 0.35
	preferenceWeight = 0.25
)

// noEligibleReason is the canonical "nothing can take this job" result
// reason. RoutePendingJobs keys its early exit off it.
const noEligibleReason = "No eligible worker available"

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidJobState = errors.New("job not in queued status")
)

// Options tunes router behavior.
type Options struct {
	// DrainAll makes RoutePendingJobs keep scanning after the first
	// "no eligible worker" result instead of stopping the round. The
	// default (false) stops early: once capacity is exhausted for one
	// job, later jobs in the same round are usually unroutable too,
	// though jobs with different tag requirements get skipped until the
	// next round.
	DrainAll bool
}

// JobRouter routes queued jobs to the best-fit worker. It is stateless and
// safe for concurrent use; assignment correctness relies on the store's
// compare-and-set job update.
type JobRouter struct {
	store store.Store
	opts  Options
}

// New creates a JobRouter backed by the given store.
func New(s store.Store, opts Options) *JobRouter {
	return &JobRouter{store: s, opts: opts}
}

// WorkerScore is the per-worker scoring breakdown for one job. Transient,
// never persisted; surfaced for ranking and operator-facing explanations.
type WorkerScore struct {
	WorkerID        string  `json:"worker_id"`
	WorkerName      string  `json:"worker_name"`
	TotalScore      float64 `json:"total_score"`
	TagScore        float64 `json:"tag_score"`
	LoadScore       float64 `json:"load_score"`
	PreferenceScore float64 `json:"preference_score"`
	PriorityBoost   int     `json:"priority_boost"`
	Eligible        bool    `json:"eligible"`
	Reason          string  `json:"reason"`
}

// RouteResult is the outcome of one route_job call. An unassignable job is
// a normal outcome, not an error: Assigned=false with a reason.
type RouteResult struct {
	JobID      string       `json:"job_id"`
	Assigned   bool         `json:"assigned"`
	Reason     string       `json:"reason,omitempty"`
	WorkerID   string       `json:"worker_id,omitempty"`
	WorkerName string       `json:"worker_name,omitempty"`
	Score      *WorkerScore `json:"score,omitempty"`
}

// Recommendation is one entry of the ranked operator-facing view.
type Recommendation struct {
	WorkerID   string      `json:"worker_id"`
	WorkerName string      `json:"worker_name"`
	Eligible   bool        `json:"eligible"`
	Reason     string      `json:"reason"`
	Score      WorkerScore `json:"scores"`
}

// AvailableWorkers returns workers that are online or busy AND still have
// spare capacity (active assigned+running jobs below max_concurrent_jobs).
// Read-only.
func (r *JobRouter) AvailableWorkers(ctx context.Context) ([]*store.Worker, error) {
	all, err := r.store.GetAllWorkers(ctx)
	if err != nil {
		return nil, err
	}

	available := make([]*store.Worker, 0, len(all))
	for _, w := range all {
		if !w.Status.Candidate() {
			continue
		}
		active, err := r.activeJobCount(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		if active < w.MaxConcurrentJobs {
			available = append(available, w)
		}
	}
	return available, nil
}

// activeJobCount reads the worker's assigned+running job count live from
// storage. Not cached: an assignment made earlier in the same routing round
// must be visible here.
func (r *JobRouter) activeJobCount(ctx context.Context, workerID string) (int, error) {
	jobs, err := r.store.GetWorkerJobs(ctx, workerID, store.JobAssigned, store.JobRunning)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// CheckTagEligibility reports whether the worker carries every required
// tag. The failure reason names all missing tags, not just the first.
func CheckTagEligibility(worker *store.Worker, requiredTags []string) (bool, string) {
	if len(requiredTags) == 0 {
		return true, "No required tags"
	}

	var missing []string
	for _, tag := range requiredTags {
		if !worker.HasTag(tag) {
			missing = append(missing, tag)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return false, "Missing required tags: " + strings.Join(missing, ", ")
	}
	return true, "Has all required tags"
}

// TagScore scores tag match in [0,100]: 0 when required tags are not fully
// satisfied, base 60 when they are, base 50 when there are none, plus a
// proportional preferred-tag bonus of up to 40.
func TagScore(worker *store.Worker, requiredTags, preferredTags []string) float64 {
	var score float64
	if len(requiredTags) > 0 {
		if ok, _ := CheckTagEligibility(worker, requiredTags); !ok {
			return 0
		}
		score = 60
	} else {
		score = 50
	}

	if len(preferredTags) > 0 {
		matched := 0
		for _, tag := range preferredTags {
			if worker.HasTag(tag) {
				matched++
			}
		}
		score += float64(matched) / float64(len(preferredTags)) * 40
	}

	if score > 100 {
		score = 100
	}
	return score
}

// LoadScore scores current worker load in [0,100], higher meaning less
// loaded: combined = 0.3*cpu + 0.3*mem + 0.4*(active/max*100).
func (r *JobRouter) LoadScore(ctx context.Context, worker *store.Worker) (float64, error) {
	active, err := r.activeJobCount(ctx, worker.ID)
	if err != nil {
		return 0, err
	}

	jobLoad := 100.0
	if worker.MaxConcurrentJobs > 0 {
		jobLoad = float64(active) / float64(worker.MaxConcurrentJobs) * 100
	}

	combined := worker.SystemStats.CPUPercent*0.3 +
		worker.SystemStats.MemoryPercent*0.3 +
		jobLoad*0.4

	score := 100 - combined
	if score < 0 {
		score = 0
	}
	return score, nil
}

// PreferenceScore computes the additive bonus in [0,50]: local worker,
// long-running capability, check-in recency and full preferred-tag match.
func PreferenceScore(worker *store.Worker, job *store.Job, now time.Time) float64 {
	var score float64

	if worker.IsLocal {
		score += 5
	}

	if job.JobType == store.JobTypeLongRunning {
		if worker.HasTag("long-running") || worker.HasTag("batch") {
			score += 15
		}
	}

	// A worker that checked in recently is more likely to still be there.
	// Zero check-in time means no bonus, never an error.
	if !worker.LastCheckin.IsZero() {
		age := now.Sub(worker.LastCheckin)
		if age < time.Minute {
			score += 10
		} else if age < 5*time.Minute {
			score += 5
		}
	}

	if len(job.PreferredTags) > 0 {
		all := true
		for _, tag := range job.PreferredTags {
			if !worker.HasTag(tag) {
				all = false
				break
			}
		}
		if all {
			score += 20
		}
	}

	if score > 50 {
		score = 50
	}
	return score
}

// ScoreWorker computes the full breakdown for a worker-job pair. Ineligible
// workers short-circuit to a zero score without computing the components.
// The worker's priority boost is added after weighting, so the local
// worker's -1000 loses to any eligible remote but can still win alone.
func (r *JobRouter) ScoreWorker(ctx context.Context, worker *store.Worker, job *store.Job) (WorkerScore, error) {
	eligible, reason := CheckTagEligibility(worker, job.RequiredTags)
	if !eligible {
		return WorkerScore{
			WorkerID:   worker.ID,
			WorkerName: worker.Name,
			Eligible:   false,
			Reason:     reason,
		}, nil
	}

	tagScore := TagScore(worker, job.RequiredTags, job.PreferredTags)
	loadScore, err := r.LoadScore(ctx, worker)
	if err != nil {
		return WorkerScore{}, err
	}
	prefScore := PreferenceScore(worker, job, time.Now())

	total := tagScore*tagWeight + loadScore*loadWeight + prefScore*preferenceWeight
	total += float64(worker.PriorityBoost)

	return WorkerScore{
		WorkerID:        worker.ID,
		WorkerName:      worker.Name,
		TotalScore:      total,
		TagScore:        tagScore,
		LoadScore:       loadScore,
		PreferenceScore: prefScore,
		PriorityBoost:   worker.PriorityBoost,
		Eligible:        true,
		Reason:          "Eligible",
	}, nil
}

// FindBestWorker scores every available worker and returns the eligible one
// with the highest total score, or (nil, zero) when none qualifies. Ties
// break toward the lexicographically smaller worker ID so results are
// deterministic across storage backends.
func (r *JobRouter) FindBestWorker(ctx context.Context, job *store.Job) (*store.Worker, WorkerScore, error) {
	available, err := r.AvailableWorkers(ctx)
	if err != nil {
		return nil, WorkerScore{}, err
	}

	var best *store.Worker
	var bestScore WorkerScore
	for _, w := range available {
		score, err := r.ScoreWorker(ctx, w, job)
		if err != nil {
			return nil, WorkerScore{}, err
		}
		if !score.Eligible {
			continue
		}
		if best == nil ||
			score.TotalScore > bestScore.TotalScore ||
			(score.TotalScore == bestScore.TotalScore && w.ID < best.ID) {
			best = w
			bestScore = score
		}
	}
	return best, bestScore, nil
}

// RouteJob assigns the given queued job to the best eligible worker.
// Missing jobs and non-queued jobs are errors; having no eligible worker is
// a normal result that leaves the job queued for a later retry. A failed
// assignment write is a hard error, never silently reported as success.
func (r *JobRouter) RouteJob(ctx context.Context, jobID string) (*RouteResult, error) {
	start := time.Now()
	defer func() {
		observability.RoutingDuration.Observe(time.Since(start).Seconds())
	}()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		logDecision(routeDecision{Decision: "NOT_FOUND", JobID: jobID}, "not_found")
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != store.JobQueued {
		logDecision(routeDecision{Decision: "INVALID_STATE", JobID: jobID, Reason: string(job.Status)}, "invalid_state")
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidJobState, jobID, job.Status)
	}

	worker, score, err := r.FindBestWorker(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("score workers for job %s: %w", jobID, err)
	}
	if worker == nil {
		logDecision(routeDecision{Decision: "NO_WORKER", JobID: jobID}, "no_worker")
		return &RouteResult{JobID: jobID, Assigned: false, Reason: noEligibleReason}, nil
	}

	now := time.Now()
	expect := store.JobQueued
	status := store.JobAssigned
	applied, err := r.store.UpdateJob(ctx, jobID, store.JobUpdate{
		ExpectStatus:   &expect,
		Status:         &status,
		AssignedWorker: &worker.ID,
		AssignedAt:     &now,
	})
	if err != nil {
		logDecision(routeDecision{Decision: "STORE_ERROR", JobID: jobID, Reason: err.Error()}, "store_error")
		return nil, fmt.Errorf("assign job %s: %w", jobID, err)
	}
	if !applied {
		// A concurrent caller won the race; first wins.
		logDecision(routeDecision{Decision: "INVALID_STATE", JobID: jobID, Reason: "lost assignment race"}, "invalid_state")
		return nil, fmt.Errorf("%w: %s changed state during routing", ErrInvalidJobState, jobID)
	}

	logDecision(routeDecision{
		Decision: "ASSIGN",
		JobID:    jobID,
		WorkerID: worker.ID,
		Score:    score.TotalScore,
	}, "assigned")
	observability.WorkerScoreTotal.Observe(score.TotalScore)

	return &RouteResult{
		JobID:      jobID,
		Assigned:   true,
		WorkerID:   worker.ID,
		WorkerName: worker.Name,
		Score:      &score,
	}, nil
}

// RoutePendingJobs routes up to limit queued jobs in priority order
// (priority DESC, FIFO within a tier). By default the round stops at the
// first "no eligible worker" result; Options.DrainAll keeps scanning.
func (r *JobRouter) RoutePendingJobs(ctx context.Context, limit int) ([]*RouteResult, error) {
	pending, err := r.store.GetPendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	observability.PendingJobs.Set(float64(len(pending)))
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	results := make([]*RouteResult, 0, len(pending))
	for _, job := range pending {
		result, err := r.RouteJob(ctx, job.ID)
		if err != nil {
			// A job mutated or deleted underneath us doesn't stop the
			// round; record and move on.
			results = append(results, &RouteResult{JobID: job.ID, Assigned: false, Reason: err.Error()})
			continue
		}
		results = append(results, result)

		if !result.Assigned && result.Reason == noEligibleReason && !r.opts.DrainAll {
			break
		}
	}
	return results, nil
}

// WorkerRecommendations returns every available worker ranked by score,
// eligible or not, with the per-component breakdown. Read-only; used for
// the operator-facing "why would this route here" view.
func (r *JobRouter) WorkerRecommendations(ctx context.Context, jobID string) ([]*Recommendation, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	available, err := r.AvailableWorkers(ctx)
	if err != nil {
		return nil, err
	}

	recs := make([]*Recommendation, 0, len(available))
	for _, w := range available {
		score, err := r.ScoreWorker(ctx, w, job)
		if err != nil {
			return nil, err
		}
		recs = append(recs, &Recommendation{
			WorkerID:   w.ID,
			WorkerName: w.Name,
			Eligible:   score.Eligible,
			Reason:     score.Reason,
			Score:      score,
		})
	}

	sort.SliceStable(recs, func(i, k int) bool {
		if recs[i].Score.TotalScore != recs[k].Score.TotalScore {
			return recs[i].Score.TotalScore > recs[k].Score.TotalScore
		}
		return recs[i].WorkerID < recs[k].WorkerID
	})
	return recs, nil
}

// routeDecision is a structured log entry for router actions.
type routeDecision struct {
	Component string  `json:"component"`
	Decision  string  `json:"decision"` // ASSIGN, NO_WORKER, INVALID_STATE, NOT_FOUND, STORE_ERROR
	JobID     string  `json:"job_id"`
	WorkerID  string  `json:"worker_id,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

func logDecision(d routeDecision, metricReason string) {
	d.Component = "router"
	bytes, _ := json.Marshal(d)
	log.Println(string(bytes))

	observability.RoutingDecisions.WithLabelValues(d.Decision, metricReason).Inc()
}
