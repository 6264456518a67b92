package schedule

import "sync"

// Run statuses reported by the execution layer.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run is the shared record for one in-flight playbook execution. The
// execution layer updates Status as the run progresses and may install a
// Terminate hook so an operator can stop the run mid-flight.
type Run struct {
	ScheduleID string
	Playbook   string
	Target     string
	LogFile    string
	WorkerName string
	Status     string
	Terminate  func() error
}

// ActiveRuns tracks in-flight runs keyed by run ID. It is shared between
// the schedule manager and whatever executes playbooks on its behalf.
type ActiveRuns struct {
	mu   sync.Mutex
	runs map[string]*Run
}

func NewActiveRuns() *ActiveRuns {
	return &ActiveRuns{runs: make(map[string]*Run)}
}

func (a *ActiveRuns) Set(runID string, run *Run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[runID] = run
}

// Get returns a snapshot of the run, or nil when the run ID is unknown.
// The Terminate hook is carried by reference so it stays callable.
func (a *ActiveRuns) Get(runID string) *Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.runs[runID]
	if !ok {
		return nil
	}
	copied := *run
	return &copied
}

func (a *ActiveRuns) SetStatus(runID, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if run, ok := a.runs[runID]; ok {
		run.Status = status
	}
}

func (a *ActiveRuns) Delete(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, runID)
}

func (a *ActiveRuns) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}
