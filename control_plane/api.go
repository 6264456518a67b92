package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/llathrop/ansible-fleet/control_plane/auth"
	"github.com/llathrop/ansible-fleet/control_plane/deployment"
	"github.com/llathrop/ansible-fleet/control_plane/events"
	"github.com/llathrop/ansible-fleet/control_plane/observability"
	"github.com/llathrop/ansible-fleet/control_plane/router"
	"github.com/llathrop/ansible-fleet/control_plane/schedule"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

const (
	defaultJobPriority = 50
	minJobPriority     = 1
	maxJobPriority     = 100
)

type API struct {
	store      store.Store
	router     *router.JobRouter
	dispatcher *Dispatcher
	schedules  *schedule.Manager
	detector   *deployment.Detector
	desired    deployment.Desired
	wsHub      *EventHub

	// Storm protection
	checkinLimiter *rate.Limiter
	submitLimiter  *rate.Limiter
}

func NewAPI(s store.Store, r *router.JobRouter, d *Dispatcher, sm *schedule.Manager, det *deployment.Detector, desired deployment.Desired, hub *EventHub) *API {
	return &API{
		store:      s,
		router:     r,
		dispatcher: d,
		schedules:  sm,
		detector:   det,
		desired:    desired,
		wsHub:      hub,
		// Allow 100 checkins/sec, burst 200
		checkinLimiter: rate.NewLimiter(rate.Limit(100), 200),
		// Allow 20 submissions/sec, burst 40
		submitLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, code int, format string, args ...interface{}) {
	a.writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()
	w.Header().Set("Retry-After", "1")
	a.writeError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
}

// --- Workers ---

type registerWorkerRequest struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Address           string   `json:"address"`
	Tags              []string `json:"tags"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	PriorityBoost     int      `json:"priority_boost"`
}

func (a *API) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Name == "" || req.Address == "" {
		a.writeError(w, http.StatusBadRequest, "name and address are required")
		return
	}
	if req.ID == store.LocalWorkerID {
		a.writeError(w, http.StatusBadRequest, "worker id %q is reserved", store.LocalWorkerID)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.MaxConcurrentJobs <= 0 {
		req.MaxConcurrentJobs = 2
	}

	now := time.Now().UTC()
	worker := &store.Worker{
		ID:                req.ID,
		Name:              req.Name,
		Address:           req.Address,
		Tags:              req.Tags,
		Status:            store.WorkerOnline,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		PriorityBoost:     req.PriorityBoost,
		LastCheckin:       now,
		RegisteredAt:      now,
	}
	if err := a.store.SaveWorker(r.Context(), worker); err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to save worker: %v", err)
		return
	}

	token, err := auth.GenerateToken(worker.ID, auth.RoleWorker)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to issue token: %v", err)
		return
	}
	observability.WorkerTransitions.WithLabelValues(string(store.WorkerOnline)).Inc()
	log.Printf("Worker %s (%s) registered with tags %v", worker.ID, worker.Name, worker.Tags)
	a.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"worker": worker,
		"token":  token,
	})
}

type checkinRequest struct {
	WorkerID    string            `json:"worker_id"`
	SystemStats store.SystemStats `json:"system_stats"`
	Busy        bool              `json:"busy"`
}

func (a *API) handleWorkerCheckin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.checkinLimiter.Allow() {
		a.writeRateLimitError(w, "checkin")
		return
	}

	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.WorkerID == "" {
		a.writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	status := store.WorkerOnline
	if req.Busy {
		status = store.WorkerBusy
	}
	found, err := a.store.UpdateWorkerCheckin(r.Context(), req.WorkerID, req.SystemStats, status, time.Now().UTC())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "checkin failed: %v", err)
		return
	}
	if !found {
		// Unknown worker must re-register.
		a.writeError(w, http.StatusNotFound, "worker %s not registered", req.WorkerID)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.store.GetAllWorkers(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to list workers: %v", err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

func (a *API) handleWorkerByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/workers/")
	if id == "" || strings.Contains(id, "/") {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		worker, err := a.store.GetWorker(r.Context(), id)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, "failed to get worker: %v", err)
			return
		}
		if worker == nil {
			a.writeError(w, http.StatusNotFound, "worker %s not found", id)
			return
		}
		a.writeJSON(w, http.StatusOK, worker)
	case http.MethodDelete:
		if id == store.LocalWorkerID {
			a.writeError(w, http.StatusBadRequest, "cannot delete the local worker")
			return
		}
		if err := a.store.DeleteWorker(r.Context(), id); err != nil {
			a.writeError(w, http.StatusInternalServerError, "failed to delete worker: %v", err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Jobs ---

type submitJobRequest struct {
	Playbook      string            `json:"playbook"`
	Target        string            `json:"target"`
	Priority      int               `json:"priority"`
	RequiredTags  []string          `json:"required_tags"`
	PreferredTags []string          `json:"preferred_tags"`
	JobType       store.JobType     `json:"job_type"`
	ExtraVars     map[string]string `json:"extra_vars"`
}

func (a *API) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if !a.submitLimiter.Allow() {
		a.writeRateLimitError(w, "submit")
		return
	}

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Playbook == "" || req.Target == "" {
		a.writeError(w, http.StatusBadRequest, "playbook and target are required")
		return
	}

	priority := req.Priority
	if priority == 0 {
		priority = defaultJobPriority
	}
	if priority < minJobPriority {
		priority = minJobPriority
	}
	if priority > maxJobPriority {
		priority = maxJobPriority
	}

	jobType := req.JobType
	if jobType == "" {
		jobType = store.JobTypeNormal
	}

	job := &store.Job{
		ID:            uuid.NewString(),
		Playbook:      req.Playbook,
		Target:        req.Target,
		Status:        store.JobQueued,
		Priority:      priority,
		RequiredTags:  req.RequiredTags,
		PreferredTags: req.PreferredTags,
		JobType:       jobType,
		ExtraVars:     req.ExtraVars,
		SubmittedAt:   time.Now().UTC(),
	}
	if err := a.store.SaveJob(r.Context(), job); err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to save job: %v", err)
		return
	}

	// Route immediately; the drain loop retries anything left queued.
	result, err := a.router.RouteJob(r.Context(), job.ID)
	if err != nil {
		log.Printf("Immediate route of job %s failed: %v", job.ID, err)
	} else if result.Assigned {
		a.dispatchRouted(r, result)
	}

	job, _ = a.store.GetJob(r.Context(), job.ID)
	a.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job":     job,
		"routing": result,
	})
}

func (a *API) dispatchRouted(r *http.Request, result *router.RouteResult) {
	ctx := r.Context()
	worker, err := a.store.GetWorker(ctx, result.WorkerID)
	if err != nil || worker == nil {
		return
	}
	job, err := a.store.GetJob(ctx, result.JobID)
	if err != nil || job == nil {
		return
	}
	if a.wsHub != nil {
		a.wsHub.Publish(ctx, events.TopicJobRouted, map[string]interface{}{
			"job_id":    job.ID,
			"worker_id": worker.ID,
			"score":     result.Score,
		})
	}
	go a.dispatcher.DispatchJob(context.Background(), worker, job)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.store.GetAllJobs(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to list jobs: %v", err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}
	if id == "" {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.getJob(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		a.cancelJob(w, r, id)
	case action == "route" && r.Method == http.MethodPost:
		a.routeJob(w, r, id)
	case action == "recommendations" && r.Method == http.MethodGet:
		a.jobRecommendations(w, r, id)
	default:
		a.writeError(w, http.StatusNotFound, "not found")
	}
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.store.GetJob(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to get job: %v", err)
		return
	}
	if job == nil {
		a.writeError(w, http.StatusNotFound, "job %s not found", id)
		return
	}
	a.writeJSON(w, http.StatusOK, job)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.store.GetJob(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to get job: %v", err)
		return
	}
	if job == nil {
		a.writeError(w, http.StatusNotFound, "job %s not found", id)
		return
	}
	if !store.CanTransition(job.Status, store.JobCancelled) {
		a.writeError(w, http.StatusConflict, "job %s is %s, cannot cancel", id, job.Status)
		return
	}

	expect := job.Status
	cancelled := store.JobCancelled
	now := time.Now().UTC()
	applied, err := a.store.UpdateJob(r.Context(), id, store.JobUpdate{
		ExpectStatus: &expect,
		Status:       &cancelled,
		CompletedAt:  &now,
	})
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "cancel failed: %v", err)
		return
	}
	if !applied {
		a.writeError(w, http.StatusConflict, "job %s changed state, retry", id)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (a *API) routeJob(w http.ResponseWriter, r *http.Request, id string) {
	result, err := a.router.RouteJob(r.Context(), id)
	switch {
	case errors.Is(err, router.ErrJobNotFound):
		a.writeError(w, http.StatusNotFound, "%v", err)
		return
	case errors.Is(err, router.ErrInvalidJobState):
		a.writeError(w, http.StatusConflict, "%v", err)
		return
	case err != nil:
		a.writeError(w, http.StatusInternalServerError, "routing failed: %v", err)
		return
	}
	if result.Assigned {
		a.dispatchRouted(r, result)
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) jobRecommendations(w http.ResponseWriter, r *http.Request, id string) {
	recs, err := a.router.WorkerRecommendations(r.Context(), id)
	if errors.Is(err, router.ErrJobNotFound) {
		a.writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "recommendations failed: %v", err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":          id,
		"recommendations": recs,
	})
}

type jobResultRequest struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"` // running, completed, failed
	ExitCode     int    `json:"exit_code"`
	LogFile      string `json:"log_file"`
	ErrorMessage string `json:"error_message"`
}

// handleJobResult receives lifecycle reports from workers: a start
// report moves assigned to running, a final report settles the job.
func (a *API) handleJobResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req jobResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	job, err := a.store.GetJob(r.Context(), req.JobID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "failed to get job: %v", err)
		return
	}
	if job == nil {
		a.writeError(w, http.StatusNotFound, "job %s not found", req.JobID)
		return
	}

	target := store.JobStatus(req.Status)
	if !store.CanTransition(job.Status, target) {
		a.writeError(w, http.StatusConflict, "job %s is %s, cannot move to %s", req.JobID, job.Status, target)
		return
	}

	now := time.Now().UTC()
	expect := job.Status
	update := store.JobUpdate{ExpectStatus: &expect, Status: &target}
	if target == store.JobRunning {
		update.StartedAt = &now
	} else {
		update.CompletedAt = &now
		update.ExitCode = &req.ExitCode
		if req.LogFile != "" {
			update.LogFile = &req.LogFile
		}
		if req.ErrorMessage != "" {
			update.ErrorMessage = &req.ErrorMessage
		}
	}

	applied, err := a.store.UpdateJob(r.Context(), req.JobID, update)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "result update failed: %v", err)
		return
	}
	if !applied {
		a.writeError(w, http.StatusConflict, "job %s changed state, retry", req.JobID)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDrain routes every pending job in priority order.
func (a *API) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	results, err := a.router.RoutePendingJobs(r.Context(), drainBatchLimit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "drain failed: %v", err)
		return
	}
	for _, res := range results {
		if res.Assigned {
			a.dispatchRouted(r, res)
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// --- Deployment ---

func (a *API) handleDeploymentDelta(w http.ResponseWriter, r *http.Request) {
	current := a.detector.Detect(r.Context())
	delta := deployment.Diff(a.desired, current)
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"desired": a.desired,
		"current": current,
		"delta":   delta,
	})
}
