package schedule

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llathrop/ansible-fleet/control_plane/events"
	"github.com/llathrop/ansible-fleet/control_plane/observability"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

// logFileName builds the per-run log name. Path separators and colons in
// the target are flattened so the name stays a single path element.
func logFileName(playbook, target string, started time.Time, runID string) string {
	base := filepath.Base(playbook)
	base = strings.TrimSuffix(strings.TrimSuffix(base, ".yml"), ".yaml")
	safeTarget := strings.NewReplacer("/", "-", ":", "-").Replace(target)
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s-%s-%s.log", base, safeTarget, started.Format("20060102-150405"), short)
}

// fire executes one due schedule. Runs inside the bounded pool.
func (m *Manager) fire(scheduleID string) {
	m.mu.Lock()
	s, ok := m.schedules[scheduleID]
	if !ok {
		m.mu.Unlock()
		return
	}
	copied := *s
	m.mu.Unlock()

	observability.ActiveScheduleRuns.Inc()
	defer observability.ActiveScheduleRuns.Dec()

	started := time.Now().UTC()
	var status string
	if copied.IsBatch {
		status = m.fireBatch(&copied, started)
	} else {
		status = m.fireSingle(&copied, started)
	}
	observability.ScheduleFires.WithLabelValues(status).Inc()
	observability.ScheduleFireDuration.Observe(time.Since(started).Seconds())
}

// fireSingle runs one playbook and records the outcome. The run's final
// status comes from the shared active-runs record when the execution
// layer reports one; a plain error return means failed.
func (m *Manager) fireSingle(s *store.Schedule, started time.Time) string {
	runID := uuid.NewString()
	logFile := logFileName(s.Playbook, s.Target, started, runID)
	ctx := context.Background()

	m.runningMu.Lock()
	m.running[s.ID] = runID
	m.runningMu.Unlock()
	defer func() {
		m.runningMu.Lock()
		delete(m.running, s.ID)
		m.runningMu.Unlock()
	}()

	m.markStarted(s.ID, runID, started)
	m.publish(ctx, events.TopicScheduleStarted, map[string]interface{}{
		"schedule_id": s.ID,
		"run_id":      runID,
		"playbook":    s.Playbook,
		"target":      s.Target,
		"log_file":    logFile,
	})

	inventoryPath := ""
	var invErr error
	if m.callbacks.IsManagedHost != nil && m.callbacks.GenerateManagedInventory != nil && m.callbacks.IsManagedHost(s.Target) {
		inventoryPath, invErr = m.callbacks.GenerateManagedInventory(s.Target)
	}

	m.ActiveRuns.Set(runID, &Run{
		ScheduleID: s.ID,
		Playbook:   s.Playbook,
		Target:     s.Target,
		LogFile:    logFile,
		WorkerName: "local",
		Status:     RunStatusRunning,
	})
	defer m.ActiveRuns.Delete(runID)

	status := RunStatusFailed
	switch {
	case invErr != nil:
		log.Printf("Schedule %s run %s: inventory generation failed: %v", s.ID, runID, invErr)
	case m.callbacks.RunPlaybook == nil:
		log.Printf("Schedule %s run %s: no playbook runner configured", s.ID, runID)
	default:
		err := m.runGuarded(runID, s.Playbook, s.Target, logFile, inventoryPath)
		if err != nil {
			log.Printf("Schedule %s run %s failed: %v", s.ID, runID, err)
		} else if run := m.ActiveRuns.Get(runID); run != nil && run.Status != RunStatusRunning {
			status = run.Status
		} else {
			status = RunStatusCompleted
		}
	}

	finished := time.Now().UTC()
	workerName := "local"
	if run := m.ActiveRuns.Get(runID); run != nil && run.WorkerName != "" {
		workerName = run.WorkerName
	}

	m.markFinished(s.ID, status, status == RunStatusCompleted)
	m.recordHistory(ctx, &store.HistoryEntry{
		ScheduleID:      s.ID,
		RunID:           runID,
		LogFile:         logFile,
		Started:         &started,
		Finished:        &finished,
		DurationSeconds: finished.Sub(started).Seconds(),
		Status:          status,
		WorkerName:      workerName,
	})
	m.publish(ctx, events.TopicScheduleCompleted, map[string]interface{}{
		"schedule_id": s.ID,
		"run_id":      runID,
		"status":      status,
		"log_file":    logFile,
	})
	return status
}

// runGuarded isolates a panicking playbook runner to the failed status of
// its own run.
func (m *Manager) runGuarded(runID, playbook, target, logFile, inventoryPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("playbook runner panicked: %v", r)
		}
	}()
	return m.callbacks.RunPlaybook(runID, playbook, target, logFile, inventoryPath)
}

// fireBatch submits the schedule's playbook/target pairs as one batch job
// and polls the store until the batch reaches a terminal status or the
// wait budget runs out. A partial batch still counts as a success.
func (m *Manager) fireBatch(s *store.Schedule, started time.Time) string {
	ctx := context.Background()

	// Claim the running slot before submission so overlapping ticks
	// coalesce for batch fires the same way they do for single fires.
	m.runningMu.Lock()
	m.running[s.ID] = uuid.NewString()
	m.runningMu.Unlock()
	defer func() {
		m.runningMu.Lock()
		delete(m.running, s.ID)
		m.runningMu.Unlock()
	}()

	if m.callbacks.CreateBatchJob == nil {
		m.markFinished(s.ID, RunStatusFailed, false)
		return RunStatusFailed
	}

	batchID, err := m.callbacks.CreateBatchJob(s.Playbooks, s.Targets, s.Name)
	if err != nil {
		log.Printf("Schedule %s batch submission failed: %v", s.ID, err)
		m.markFinished(s.ID, RunStatusFailed, false)
		return RunStatusFailed
	}

	// Re-key the slot to the real batch ID so stop requests resolve it.
	m.runningMu.Lock()
	m.running[s.ID] = batchID
	m.runningMu.Unlock()

	m.mu.Lock()
	if cached, ok := m.schedules[s.ID]; ok {
		cached.LastBatchID = batchID
	}
	m.mu.Unlock()
	m.markStarted(s.ID, batchID, started)
	m.publish(ctx, events.TopicScheduleStarted, map[string]interface{}{
		"schedule_id": s.ID,
		"batch_id":    batchID,
		"playbooks":   len(s.Playbooks),
	})

	status := m.awaitBatch(ctx, batchID)
	success := status == string(store.BatchCompleted) || status == string(store.BatchPartial)

	finished := time.Now().UTC()
	m.markFinished(s.ID, status, success)
	m.recordHistory(ctx, &store.HistoryEntry{
		ScheduleID:      s.ID,
		RunID:           batchID,
		Started:         &started,
		Finished:        &finished,
		DurationSeconds: finished.Sub(started).Seconds(),
		Status:          status,
		WorkerName:      "batch",
	})
	m.publish(ctx, events.TopicScheduleCompleted, map[string]interface{}{
		"schedule_id": s.ID,
		"batch_id":    batchID,
		"status":      status,
	})
	return status
}

func (m *Manager) awaitBatch(ctx context.Context, batchID string) string {
	deadline := time.Now().Add(m.cfg.BatchMaxWait)
	ticker := time.NewTicker(m.cfg.BatchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			// Manager shutdown, not a batch failure.
			return "stopped"
		case <-ticker.C:
			batch, err := m.store.GetBatchJob(ctx, batchID)
			if err != nil {
				log.Printf("Batch %s poll failed: %v", batchID, err)
			} else if batch != nil && batch.Status.Terminal() {
				return string(batch.Status)
			}
			if time.Now().After(deadline) {
				log.Printf("Batch %s did not finish within %s", batchID, m.cfg.BatchMaxWait)
				return "timeout"
			}
		}
	}
}

// markStarted stamps the cached schedule as running and persists it.
func (m *Manager) markStarted(id, runID string, started time.Time) {
	m.mu.Lock()
	if s, ok := m.schedules[id]; ok {
		at := started
		s.LastRun = &at
		s.LastStatus = RunStatusRunning
		s.CurrentRunID = runID
		if err := m.persistLocked(id); err != nil {
			log.Printf("%v", err)
		}
	}
	m.mu.Unlock()
}

// markFinished updates counters and, for once schedules, disables the
// schedule so it never fires again.
func (m *Manager) markFinished(id, status string, success bool) {
	m.mu.Lock()
	s, ok := m.schedules[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.LastStatus = status
	s.CurrentRunID = ""
	s.RunCount++
	if success {
		s.SuccessCount++
	} else {
		s.FailedCount++
	}
	if s.Recurrence.Type == store.RecurrenceOnce {
		s.Enabled = false
		if tr, ok := m.triggers[id]; ok {
			tr.paused = true
			tr.next = time.Time{}
		}
		s.NextRun = nil
	} else {
		m.updateNextRunLocked(id)
	}
	if err := m.persistLocked(id); err != nil {
		log.Printf("%v", err)
	}
	m.mu.Unlock()
}

// recordHistory appends a run record and trims old entries. History
// failures are logged, never propagated into the fire result.
func (m *Manager) recordHistory(ctx context.Context, entry *store.HistoryEntry) {
	if err := m.store.AddHistoryEntry(ctx, entry); err != nil {
		log.Printf("History write failed for schedule %s: %v", entry.ScheduleID, err)
		return
	}
	if m.cfg.HistoryMax > 0 {
		if _, err := m.store.CleanupHistory(ctx, m.cfg.HistoryMax); err != nil {
			log.Printf("History cleanup failed: %v", err)
		}
	}
}
