package main

import (
	"context"
	"log"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/observability"
	"github.com/llathrop/ansible-fleet/control_plane/router"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

const drainBatchLimit = 50

// DrainLoop periodically routes pending jobs and hands the assignments
// to the dispatcher. One loop per control plane; assignment is
// compare-and-set so a concurrent manual route cannot double-assign.
type DrainLoop struct {
	store      store.Store
	router     *router.JobRouter
	dispatcher *Dispatcher
	interval   time.Duration
}

func NewDrainLoop(s store.Store, r *router.JobRouter, d *Dispatcher, interval time.Duration) *DrainLoop {
	return &DrainLoop{store: s, router: r, dispatcher: d, interval: interval}
}

func (l *DrainLoop) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *DrainLoop) loop(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Printf("Starting drain loop (interval: %v)", l.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.drainOnce(ctx)
		}
	}
}

func (l *DrainLoop) drainOnce(ctx context.Context) {
	pending, err := l.store.GetPendingJobs(ctx)
	if err != nil {
		log.Printf("Drain: failed to list pending jobs: %v", err)
		return
	}
	observability.PendingJobs.Set(float64(len(pending)))
	if len(pending) == 0 {
		return
	}

	results, err := l.router.RoutePendingJobs(ctx, drainBatchLimit)
	if err != nil {
		log.Printf("Drain: routing pass failed: %v", err)
		return
	}

	for _, res := range results {
		if !res.Assigned {
			continue
		}
		worker, err := l.store.GetWorker(ctx, res.WorkerID)
		if err != nil || worker == nil {
			log.Printf("Drain: assigned worker %s not found for job %s", res.WorkerID, res.JobID)
			continue
		}
		job, err := l.store.GetJob(ctx, res.JobID)
		if err != nil || job == nil {
			continue
		}
		l.dispatcher.DispatchJob(ctx, worker, job)
	}
}
