package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/llathrop/ansible-fleet/control_plane/store"
)

// Dispatcher hands assigned jobs to their workers. Remote workers get an
// HTTP handoff; the local worker runs through the embedded executor.
//
// HTTP 202 Accepted means the worker took the job; completion is
// reported later via /jobs/result.
type Dispatcher struct {
	store    store.Store
	executor *LocalExecutor
	client   *http.Client
}

func NewDispatcher(s store.Store, executor *LocalExecutor) *Dispatcher {
	return &Dispatcher{
		store:    s,
		executor: executor,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// DispatchJob hands one assigned job to its worker. Handoff failure
// fails the job; requeueing a job whose worker is misbehaving is an
// operator decision.
func (d *Dispatcher) DispatchJob(ctx context.Context, worker *store.Worker, job *store.Job) {
	if ctx.Err() != nil {
		log.Printf("DispatchJob skipped: context cancelled (%v)", ctx.Err())
		return
	}

	if worker.IsLocal {
		go d.executor.ExecuteJob(context.Background(), job)
		return
	}

	payload := map[string]interface{}{
		"job_id":     job.ID,
		"playbook":   job.Playbook,
		"target":     job.Target,
		"extra_vars": job.ExtraVars,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		d.failJob(job.ID, fmt.Sprintf("failed to marshal payload: %v", err))
		return
	}

	url := fmt.Sprintf("http://%s/execute", worker.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		d.failJob(job.ID, fmt.Sprintf("failed to create request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.failJob(job.ID, fmt.Sprintf("failed to contact worker: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		d.failJob(job.ID, fmt.Sprintf("worker returned status %d", resp.StatusCode))
		return
	}

	now := time.Now().UTC()
	expect := store.JobAssigned
	running := store.JobRunning
	applied, err := d.store.UpdateJob(context.Background(), job.ID, store.JobUpdate{
		ExpectStatus: &expect,
		Status:       &running,
		StartedAt:    &now,
	})
	if err != nil || !applied {
		log.Printf("Dispatch of job %s accepted but status update lost: applied=%v err=%v", job.ID, applied, err)
	}
}

func (d *Dispatcher) failJob(jobID, message string) {
	failed := store.JobFailed
	now := time.Now().UTC()
	_, err := d.store.UpdateJob(context.Background(), jobID, store.JobUpdate{
		Status:       &failed,
		CompletedAt:  &now,
		ErrorMessage: &message,
	})
	if err != nil {
		log.Printf("Failed to mark job %s failed: %v", jobID, err)
	}
	log.Printf("Job %s failed: %s", jobID, message)
}

// CreateBatch queues one job per playbook/target pair and tracks them
// under a single batch record. Returns the batch ID.
func (d *Dispatcher) CreateBatch(ctx context.Context, playbooks, targets []string, name string) (string, error) {
	if len(playbooks) == 0 || len(playbooks) != len(targets) {
		return "", fmt.Errorf("batch requires matching playbook and target lists")
	}

	batch := &store.BatchJob{
		ID:      uuid.NewString(),
		Name:    name,
		Status:  store.BatchRunning,
		Created: time.Now().UTC(),
	}
	batch.Playbooks = append(batch.Playbooks, playbooks...)
	batch.Targets = append(batch.Targets, targets...)

	for i := range playbooks {
		job := &store.Job{
			ID:          uuid.NewString(),
			Playbook:    playbooks[i],
			Target:      targets[i],
			Status:      store.JobQueued,
			Priority:    50,
			JobType:     store.JobTypeNormal,
			ExtraVars:   map[string]string{"batch_id": batch.ID},
			SubmittedAt: time.Now().UTC(),
		}
		if err := d.store.SaveJob(ctx, job); err != nil {
			return "", fmt.Errorf("save batch member job: %w", err)
		}
		batch.JobIDs = append(batch.JobIDs, job.ID)
	}

	if err := d.store.SaveBatchJob(ctx, batch); err != nil {
		return "", fmt.Errorf("save batch: %w", err)
	}

	go d.watchBatch(batch.ID)
	return batch.ID, nil
}

// watchBatch polls the batch's member jobs and settles the batch status
// once every member reaches a terminal state.
func (d *Dispatcher) watchBatch(batchID string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(time.Hour)

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		settled := d.settleBatch(ctx, batchID)
		cancel()
		if settled {
			return
		}
		if time.Now().After(deadline) {
			log.Printf("Batch %s watcher giving up after 1h", batchID)
			return
		}
	}
}

func (d *Dispatcher) settleBatch(ctx context.Context, batchID string) bool {
	batch, err := d.store.GetBatchJob(ctx, batchID)
	if err != nil || batch == nil {
		return batch == nil && err == nil
	}

	completed, failed := 0, 0
	for _, jobID := range batch.JobIDs {
		job, err := d.store.GetJob(ctx, jobID)
		if err != nil {
			return false
		}
		if job == nil {
			failed++
			continue
		}
		switch job.Status {
		case store.JobCompleted:
			completed++
		case store.JobFailed, store.JobCancelled:
			failed++
		default:
			return false
		}
	}

	switch {
	case failed == 0:
		batch.Status = store.BatchCompleted
	case completed == 0:
		batch.Status = store.BatchFailed
	default:
		batch.Status = store.BatchPartial
	}
	if err := d.store.SaveBatchJob(ctx, batch); err != nil {
		log.Printf("Failed to settle batch %s: %v", batchID, err)
		return false
	}
	log.Printf("Batch %s settled: %s (%d completed, %d failed)", batchID, batch.Status, completed, failed)
	return true
}
