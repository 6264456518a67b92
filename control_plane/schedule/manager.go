package schedule

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llathrop/ansible-fleet/control_plane/events"
	"github.com/llathrop/ansible-fleet/control_plane/observability"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

var (
	ErrScheduleNotFound = fmt.Errorf("schedule not found")
	ErrNoBatchCreator   = fmt.Errorf("batch schedules require a batch job creator")
)

// Config tunes the trigger engine.
type Config struct {
	PoolSize          int           // concurrent fires across all schedules
	Tick              time.Duration // engine scan interval
	MisfireGrace      time.Duration // fires more overdue than this are skipped
	BatchPollInterval time.Duration // batch completion poll interval
	BatchMaxWait      time.Duration // give up waiting for a batch after this
	HistoryMax        int           // retained history entries per store
	PersistTimeout    time.Duration // per store write from the fire path
}

func DefaultConfig() Config {
	return Config{
		PoolSize:          3,
		Tick:              time.Second,
		MisfireGrace:      5 * time.Minute,
		BatchPollInterval: 5 * time.Second,
		BatchMaxWait:      time.Hour,
		HistoryMax:        1000,
		PersistTimeout:    10 * time.Second,
	}
}

// Callbacks connect the manager to the execution layer. RunPlaybook is
// required; the rest are optional and disable their feature when nil.
type Callbacks struct {
	// RunPlaybook executes one playbook run synchronously, writing output
	// to logFile. The run's final status is read back from ActiveRuns; a
	// returned error marks the run failed outright.
	RunPlaybook func(runID, playbook, target, logFile, inventoryPath string) error

	// IsManagedHost reports whether the target is a fleet-managed host
	// needing a generated inventory.
	IsManagedHost func(target string) bool

	// GenerateManagedInventory writes a one-off inventory for the target
	// and returns its path.
	GenerateManagedInventory func(target string) (string, error)

	// CreateBatchJob submits a batch of playbook/target pairs and returns
	// the batch ID to poll for completion.
	CreateBatchJob func(playbooks, targets []string, name string) (string, error)
}

// ScheduleUpdate carries a partial edit. Nil fields are left unchanged.
type ScheduleUpdate struct {
	Name        *string
	Description *string
	Target      *string
	Recurrence  *store.Recurrence
}

// Manager owns recurring schedules: CRUD, the trigger engine, fire
// execution, and run history.
type Manager struct {
	store     store.Store
	publisher events.Publisher
	callbacks Callbacks
	cfg       Config

	// ActiveRuns is shared with the execution layer so run status and
	// terminate hooks flow back into fire results.
	ActiveRuns *ActiveRuns

	mu        sync.Mutex
	schedules map[string]*store.Schedule
	triggers  map[string]*trigger

	runningMu sync.Mutex
	running   map[string]string // schedule ID -> active run ID

	pool chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewManager(st store.Store, pub events.Publisher, cb Callbacks, cfg Config) *Manager {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if pub == nil {
		pub = events.NewLogPublisher()
	}
	return &Manager{
		store:      st,
		publisher:  pub,
		callbacks:  cb,
		cfg:        cfg,
		ActiveRuns: NewActiveRuns(),
		schedules:  make(map[string]*store.Schedule),
		triggers:   make(map[string]*trigger),
		running:    make(map[string]string),
		pool:       make(chan struct{}, cfg.PoolSize),
		stop:       make(chan struct{}),
	}
}

// Start loads persisted schedules, registers triggers for the enabled
// ones, and launches the engine loop.
func (m *Manager) Start(ctx context.Context) error {
	schedules, err := m.store.GetAllSchedules(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	m.mu.Lock()
	for id, s := range schedules {
		copied := *s
		m.schedules[id] = &copied
		if copied.Enabled {
			m.registerLocked(id)
		}
	}
	count := len(m.schedules)
	m.mu.Unlock()

	observability.RegisteredSchedules.Set(float64(count))
	log.Printf("Schedule manager started with %d schedules", count)

	m.wg.Add(1)
	go m.run()
	return nil
}

// Stop halts the engine and waits for in-flight fires to finish.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
	m.publisher.Close()
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			m.tickTriggers(now.UTC())
			m.mu.Unlock()
		}
	}
}

// CreateSchedule registers a single-playbook schedule and returns its ID.
func (m *Manager) CreateSchedule(ctx context.Context, name, description, playbook, target string, rec store.Recurrence) (string, error) {
	if err := ValidateRecurrence(rec); err != nil {
		return "", err
	}
	if playbook == "" || target == "" {
		return "", fmt.Errorf("schedule requires a playbook and a target")
	}

	s := &store.Schedule{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Playbook:    playbook,
		Target:      target,
		Recurrence:  rec,
		Enabled:     true,
		Created:     time.Now().UTC(),
	}
	return m.create(ctx, s)
}

// CreateBatchSchedule registers a schedule firing several playbook/target
// pairs as one batch.
func (m *Manager) CreateBatchSchedule(ctx context.Context, name, description string, playbooks, targets []string, rec store.Recurrence) (string, error) {
	if err := ValidateRecurrence(rec); err != nil {
		return "", err
	}
	if len(playbooks) == 0 || len(playbooks) != len(targets) {
		return "", fmt.Errorf("batch schedule requires matching playbook and target lists")
	}
	if m.callbacks.CreateBatchJob == nil {
		return "", ErrNoBatchCreator
	}

	s := &store.Schedule{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Playbooks:   append([]string(nil), playbooks...),
		Targets:     append([]string(nil), targets...),
		IsBatch:     true,
		Recurrence:  rec,
		Enabled:     true,
		Created:     time.Now().UTC(),
	}
	return m.create(ctx, s)
}

func (m *Manager) create(ctx context.Context, s *store.Schedule) (string, error) {
	if err := m.store.SaveSchedule(ctx, s.ID, s); err != nil {
		return "", fmt.Errorf("save schedule: %w", err)
	}

	m.mu.Lock()
	m.schedules[s.ID] = s
	m.registerLocked(s.ID)
	count := len(m.schedules)
	m.mu.Unlock()

	observability.RegisteredSchedules.Set(float64(count))
	m.publish(ctx, events.TopicScheduleCreated, map[string]interface{}{
		"schedule_id": s.ID,
		"name":        s.Name,
		"recurrence":  string(s.Recurrence.Type),
	})
	return s.ID, nil
}

// UpdateSchedule applies a partial edit. A recurrence change revalidates
// and reschedules the trigger.
func (m *Manager) UpdateSchedule(ctx context.Context, id string, upd ScheduleUpdate) error {
	if upd.Recurrence != nil {
		if err := ValidateRecurrence(*upd.Recurrence); err != nil {
			return err
		}
	}

	m.mu.Lock()
	s, ok := m.schedules[id]
	if !ok {
		m.mu.Unlock()
		return ErrScheduleNotFound
	}
	if upd.Name != nil {
		s.Name = *upd.Name
	}
	if upd.Description != nil {
		s.Description = *upd.Description
	}
	if upd.Target != nil && !s.IsBatch {
		s.Target = *upd.Target
	}
	if upd.Recurrence != nil {
		s.Recurrence = *upd.Recurrence
		if s.Enabled {
			m.registerLocked(id)
		}
	}
	err := m.persistLocked(id)
	m.mu.Unlock()
	return err
}

// PauseSchedule disables a schedule without losing its registration.
func (m *Manager) PauseSchedule(ctx context.Context, id string) error {
	return m.setEnabled(ctx, id, false)
}

// ResumeSchedule re-enables a paused schedule and recomputes its next fire.
func (m *Manager) ResumeSchedule(ctx context.Context, id string) error {
	return m.setEnabled(ctx, id, true)
}

func (m *Manager) setEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	s, ok := m.schedules[id]
	if !ok {
		m.mu.Unlock()
		return ErrScheduleNotFound
	}
	s.Enabled = enabled
	if enabled {
		m.registerLocked(id)
	} else if tr, ok := m.triggers[id]; ok {
		tr.paused = true
		s.NextRun = nil
	}
	err := m.persistLocked(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.publish(ctx, events.TopicScheduleStatus, map[string]interface{}{
		"schedule_id": id,
		"enabled":     enabled,
	})
	return nil
}

// DeleteSchedule removes a schedule and its trigger. Deleting an unknown
// schedule is not an error.
func (m *Manager) DeleteSchedule(ctx context.Context, id string) error {
	m.mu.Lock()
	_, existed := m.schedules[id]
	delete(m.schedules, id)
	delete(m.triggers, id)
	count := len(m.schedules)
	m.mu.Unlock()

	if err := m.store.DeleteSchedule(ctx, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if existed {
		observability.RegisteredSchedules.Set(float64(count))
		m.publish(ctx, events.TopicScheduleDeleted, map[string]interface{}{"schedule_id": id})
	}
	return nil
}

// GetSchedule returns one schedule with display fields computed.
func (m *Manager) GetSchedule(ctx context.Context, id string) (*Display, error) {
	m.mu.Lock()
	s, ok := m.schedules[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrScheduleNotFound
	}
	copied := *s
	m.mu.Unlock()
	return m.display(&copied), nil
}

// GetAllSchedules returns every schedule, soonest next fire first.
// Schedules with no upcoming fire sort last.
func (m *Manager) GetAllSchedules(ctx context.Context) []*Display {
	m.mu.Lock()
	out := make([]*Display, 0, len(m.schedules))
	for _, s := range m.schedules {
		copied := *s
		out = append(out, m.display(&copied))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].NextRun, out[j].NextRun
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		default:
			return a.Before(*b)
		}
	})
	return out
}

// RunNow fires a schedule immediately, outside its trigger. The fire is
// coalesced if a run is already active.
func (m *Manager) RunNow(id string) error {
	m.mu.Lock()
	_, ok := m.schedules[id]
	if !ok {
		m.mu.Unlock()
		return ErrScheduleNotFound
	}
	if m.isRunning(id) {
		m.coalesceFire(id)
		m.mu.Unlock()
		return nil
	}
	m.dispatch(id)
	m.mu.Unlock()
	return nil
}

// StopRunningJob terminates the schedule's active run, if the execution
// layer installed a terminate hook. Best effort.
func (m *Manager) StopRunningJob(id string) error {
	m.runningMu.Lock()
	runID, ok := m.running[id]
	m.runningMu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %s has no running job", id)
	}

	run := m.ActiveRuns.Get(runID)
	if run == nil || run.Terminate == nil {
		return fmt.Errorf("run %s cannot be terminated", runID)
	}
	m.ActiveRuns.SetStatus(runID, RunStatusCancelled)
	return run.Terminate()
}

// GetHistory returns recent runs for a schedule, newest first, with
// display fields attached.
func (m *Manager) GetHistory(ctx context.Context, scheduleID string, limit int) ([]*HistoryDisplay, error) {
	entries, err := m.store.GetHistory(ctx, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*HistoryDisplay, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyDisplay(e))
	}
	return out, nil
}

// registerLocked installs or refreshes the trigger for a schedule.
// Caller holds m.mu.
func (m *Manager) registerLocked(id string) {
	s := m.schedules[id]
	next := NextFire(s.Recurrence, time.Now().UTC())
	m.triggers[id] = &trigger{next: next, paused: !s.Enabled}
	m.updateNextRunLocked(id)
}

// updateNextRunLocked mirrors the trigger's next fire onto the cached
// schedule record. Caller holds m.mu.
func (m *Manager) updateNextRunLocked(id string) {
	s, ok := m.schedules[id]
	if !ok {
		return
	}
	tr := m.triggers[id]
	if tr == nil || tr.paused || tr.next.IsZero() {
		s.NextRun = nil
		return
	}
	next := tr.next
	s.NextRun = &next
}

// persistLocked writes the cached schedule through to the store. Caller
// holds m.mu.
func (m *Manager) persistLocked(id string) error {
	s, ok := m.schedules[id]
	if !ok {
		return ErrScheduleNotFound
	}
	copied := *s
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()
	if err := m.store.SaveSchedule(ctx, id, &copied); err != nil {
		return fmt.Errorf("save schedule %s: %w", id, err)
	}
	return nil
}

func (m *Manager) isRunning(id string) bool {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	_, ok := m.running[id]
	return ok
}

func (m *Manager) coalesceFire(id string) {
	observability.ScheduleFires.WithLabelValues("coalesced").Inc()
	log.Printf("Schedule %s fire coalesced: previous run still active", id)
}

func (m *Manager) missedFire(id string, overdue time.Duration) {
	observability.ScheduleFires.WithLabelValues("missed").Inc()
	log.Printf("Schedule %s missed its fire window by %s, skipping", id, overdue.Round(time.Second))
}

func (m *Manager) publish(ctx context.Context, topic string, payload interface{}) {
	if err := m.publisher.Publish(ctx, topic, payload); err != nil {
		log.Printf("Event publish failed for %s: %v", topic, err)
	}
}
