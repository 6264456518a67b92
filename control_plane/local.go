package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/schedule"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

// LocalExecutor runs ansible-playbook on the control plane host. It
// backs both the local fallback worker and schedule fires.
type LocalExecutor struct {
	store       store.Store
	runs        *schedule.ActiveRuns
	playbookDir string
	logDir      string
	inventory   string // default inventory path, overridden per run
}

func NewLocalExecutor(s store.Store, runs *schedule.ActiveRuns, playbookDir, logDir, inventory string) *LocalExecutor {
	return &LocalExecutor{
		store:       s,
		runs:        runs,
		playbookDir: playbookDir,
		logDir:      logDir,
		inventory:   inventory,
	}
}

// RunPlaybook executes one playbook synchronously, streaming output to
// logFile under the log directory. The run's status and terminate hook
// live in the shared active-runs map.
func (e *LocalExecutor) RunPlaybook(runID, playbook, target, logFile, inventoryPath string) error {
	playbookPath := playbook
	if !filepath.IsAbs(playbookPath) {
		playbookPath = filepath.Join(e.playbookDir, playbook)
	}

	args := []string{playbookPath, "--limit", target}
	inv := e.inventory
	if inventoryPath != "" {
		inv = inventoryPath
	}
	if inv != "" {
		args = append(args, "-i", inv)
	}

	if err := os.MkdirAll(e.logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	out, err := os.Create(filepath.Join(e.logDir, logFile))
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	defer out.Close()

	cmd := exec.Command("ansible-playbook", args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), "ANSIBLE_FORCE_COLOR=false")

	if err := cmd.Start(); err != nil {
		e.runs.SetStatus(runID, schedule.RunStatusFailed)
		return fmt.Errorf("start ansible-playbook: %w", err)
	}

	if run := e.runs.Get(runID); run != nil {
		run.Terminate = func() error { return cmd.Process.Kill() }
		e.runs.Set(runID, run)
	}

	err = cmd.Wait()
	switch {
	case err == nil:
		e.runs.SetStatus(runID, schedule.RunStatusCompleted)
		return nil
	case wasTerminated(runID, e.runs):
		return nil
	default:
		e.runs.SetStatus(runID, schedule.RunStatusFailed)
		return fmt.Errorf("ansible-playbook: %w", err)
	}
}

func wasTerminated(runID string, runs *schedule.ActiveRuns) bool {
	run := runs.Get(runID)
	return run != nil && run.Status == schedule.RunStatusCancelled
}

// ExecuteJob runs an assigned local job through its full lifecycle:
// assigned -> running -> completed or failed.
func (e *LocalExecutor) ExecuteJob(ctx context.Context, job *store.Job) {
	now := time.Now().UTC()
	expect := store.JobAssigned
	running := store.JobRunning
	applied, err := e.store.UpdateJob(ctx, job.ID, store.JobUpdate{
		ExpectStatus: &expect,
		Status:       &running,
		StartedAt:    &now,
	})
	if err != nil || !applied {
		log.Printf("Local job %s not started: applied=%v err=%v", job.ID, applied, err)
		return
	}

	runID := job.ID
	logFile := localJobLogName(job, now)
	e.runs.Set(runID, &schedule.Run{
		Playbook:   job.Playbook,
		Target:     job.Target,
		LogFile:    logFile,
		WorkerName: store.LocalWorkerID,
		Status:     schedule.RunStatusRunning,
	})
	defer e.runs.Delete(runID)

	runErr := e.RunPlaybook(runID, job.Playbook, job.Target, logFile, "")

	finished := time.Now().UTC()
	update := store.JobUpdate{CompletedAt: &finished, LogFile: &logFile}
	exitCode := 0
	if runErr != nil {
		failed := store.JobFailed
		msg := runErr.Error()
		exitCode = 1
		update.Status = &failed
		update.ErrorMessage = &msg
	} else {
		completed := store.JobCompleted
		update.Status = &completed
	}
	update.ExitCode = &exitCode

	if _, err := e.store.UpdateJob(context.Background(), job.ID, update); err != nil {
		log.Printf("Failed to record local job %s result: %v", job.ID, err)
	}
}

func localJobLogName(job *store.Job, started time.Time) string {
	base := filepath.Base(job.Playbook)
	base = strings.TrimSuffix(strings.TrimSuffix(base, ".yml"), ".yaml")
	safeTarget := strings.NewReplacer("/", "-", ":", "-").Replace(job.Target)
	short := job.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s-%s-%s.log", base, safeTarget, started.Format("20060102-150405"), short)
}

// RegisterLocalWorker ensures the fallback local worker exists. Its
// heavy priority penalty keeps it out of routing whenever any remote
// worker is eligible.
func RegisterLocalWorker(ctx context.Context, s store.Store, maxJobs int) error {
	existing, err := s.GetWorker(ctx, store.LocalWorkerID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if existing != nil {
		existing.Status = store.WorkerOnline
		existing.LastCheckin = now
		existing.MaxConcurrentJobs = maxJobs
		return s.SaveWorker(ctx, existing)
	}

	hostname, _ := os.Hostname()
	return s.SaveWorker(ctx, &store.Worker{
		ID:                store.LocalWorkerID,
		Name:              "local (" + hostname + ")",
		Status:            store.WorkerOnline,
		MaxConcurrentJobs: maxJobs,
		PriorityBoost:     store.LocalWorkerBoost,
		IsLocal:           true,
		LastCheckin:       now,
		RegisteredAt:      now,
	})
}
