package coordination

import (
	"context"
	"log"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/events"
	"github.com/llathrop/ansible-fleet/control_plane/observability"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

// WorkerMonitor periodically checks worker checkins and demotes workers
// that stop reporting. A worker past the stale threshold is marked stale
// and stops receiving jobs; past the offline threshold it is marked
// offline.
type WorkerMonitor struct {
	store            store.Store
	publisher        events.Publisher
	interval         time.Duration
	staleThreshold   time.Duration
	offlineThreshold time.Duration
}

func NewWorkerMonitor(s store.Store, pub events.Publisher, interval, staleThreshold, offlineThreshold time.Duration) *WorkerMonitor {
	return &WorkerMonitor{
		store:            s,
		publisher:        pub,
		interval:         interval,
		staleThreshold:   staleThreshold,
		offlineThreshold: offlineThreshold,
	}
}

func (m *WorkerMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *WorkerMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("Starting worker liveness monitor (interval: %v, stale: %v, offline: %v)", m.interval, m.staleThreshold, m.offlineThreshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(ctx)
		}
	}
}

func (m *WorkerMonitor) checkLiveness(ctx context.Context) {
	workers, err := m.store.GetAllWorkers(ctx)
	if err != nil {
		log.Printf("WorkerMonitor: failed to list workers: %v", err)
		return
	}

	activeCount := 0
	now := time.Now().UTC()
	for _, w := range workers {
		// The local worker never checks in; it lives and dies with the
		// control plane process.
		if w.IsLocal {
			activeCount++
			continue
		}

		age := now.Sub(w.LastCheckin)
		var next store.WorkerStatus
		switch {
		case age > m.offlineThreshold:
			next = store.WorkerOffline
		case age > m.staleThreshold:
			next = store.WorkerStale
		default:
			activeCount++
			continue
		}

		if w.Status == next {
			continue
		}
		log.Printf("WorkerMonitor: worker %s last checkin %v ago, marking %s", w.ID, age.Round(time.Second), next)
		w.Status = next
		if err := m.store.SaveWorker(ctx, w); err != nil {
			log.Printf("WorkerMonitor: failed to mark worker %s %s: %v", w.ID, next, err)
			continue
		}
		observability.WorkerTransitions.WithLabelValues(string(next)).Inc()
		if m.publisher != nil {
			m.publisher.Publish(ctx, events.TopicWorkerTransition, map[string]interface{}{
				"worker_id": w.ID,
				"status":    next,
			})
		}
	}

	observability.ConnectedWorkers.Set(float64(activeCount))
}
