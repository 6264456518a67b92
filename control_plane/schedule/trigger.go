package schedule

import (
	"fmt"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/store"
)

// weekday converts Go's Sunday-based weekday to the schedule convention
// (0=Monday .. 6=Sunday).
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// ValidateRecurrence fails fast on malformed trigger configuration so bad
// schedules are rejected at creation time, never at fire time.
func ValidateRecurrence(rec store.Recurrence) error {
	switch rec.Type {
	case store.RecurrenceOnce:
		if rec.Datetime.IsZero() {
			return fmt.Errorf("once recurrence requires a datetime")
		}
	case store.RecurrenceHourly:
		if rec.Minute < 0 || rec.Minute > 59 {
			return fmt.Errorf("hourly recurrence minute %d out of range", rec.Minute)
		}
	case store.RecurrenceDaily:
		if _, _, err := parseClock(rec.Time); err != nil {
			return err
		}
	case store.RecurrenceWeekly:
		if _, _, err := parseClock(rec.Time); err != nil {
			return err
		}
		if len(rec.Days) == 0 {
			return fmt.Errorf("weekly recurrence requires at least one day")
		}
		for _, d := range rec.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("weekly recurrence day %d out of range (0=Monday..6=Sunday)", d)
			}
		}
	case store.RecurrenceMonthly:
		if _, _, err := parseClock(rec.Time); err != nil {
			return err
		}
		if rec.Day < 1 || rec.Day > 31 {
			return fmt.Errorf("monthly recurrence day %d out of range", rec.Day)
		}
	case store.RecurrenceCustom:
		if rec.IntervalMinutes < 1 {
			return fmt.Errorf("custom recurrence interval must be at least 1 minute")
		}
	default:
		return fmt.Errorf("unknown recurrence type: %q", rec.Type)
	}
	return nil
}

// parseClock parses "HH:MM".
func parseClock(s string) (hour, minute int, err error) {
	if _, err := time.Parse("15:04", s); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM): %w", s, err)
	}
	fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, nil
}

// NextFire derives the next fire time strictly after the given instant, in
// UTC. The zero time means the trigger will never fire again (an exhausted
// once trigger).
func NextFire(rec store.Recurrence, after time.Time) time.Time {
	after = after.UTC()

	switch rec.Type {
	case store.RecurrenceOnce:
		at := rec.Datetime.UTC()
		if at.After(after) {
			return at
		}
		return time.Time{}

	case store.RecurrenceHourly:
		next := time.Date(after.Year(), after.Month(), after.Day(), after.Hour(), rec.Minute, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.Add(time.Hour)
		}
		return next

	case store.RecurrenceDaily:
		hour, minute, _ := parseClock(rec.Time)
		next := time.Date(after.Year(), after.Month(), after.Day(), hour, minute, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next

	case store.RecurrenceWeekly:
		hour, minute, _ := parseClock(rec.Time)
		for offset := 0; offset < 8; offset++ {
			day := after.AddDate(0, 0, offset)
			candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)
			if !candidate.After(after) {
				continue
			}
			for _, d := range rec.Days {
				if weekday(candidate) == d {
					return candidate
				}
			}
		}
		return time.Time{}

	case store.RecurrenceMonthly:
		hour, minute, _ := parseClock(rec.Time)
		// Scan ahead month by month; months without the requested day
		// (e.g. day 31 in February) are skipped.
		year, month := after.Year(), after.Month()
		for i := 0; i < 48; i++ {
			candidate := time.Date(year, month, rec.Day, hour, minute, 0, 0, time.UTC)
			if candidate.Day() == rec.Day && candidate.After(after) {
				return candidate
			}
			month++
			if month > time.December {
				month = time.January
				year++
			}
		}
		return time.Time{}

	case store.RecurrenceCustom:
		return after.Add(time.Duration(rec.IntervalMinutes) * time.Minute)
	}
	return time.Time{}
}

// trigger is the engine-side registration for one schedule.
type trigger struct {
	next   time.Time // zero when exhausted
	paused bool
}

// tickTriggers scans registered triggers and dispatches due fires. Called
// from the engine loop under m.mu.
//
// A fire overlapping the same schedule's active run is coalesced: skipped
// entirely with next_run recomputed, never run in parallel with itself.
// Fires overdue past the misfire grace are likewise coalesced into a single
// execution.
func (m *Manager) tickTriggers(now time.Time) {
	for id, tr := range m.triggers {
		if tr.paused || tr.next.IsZero() || tr.next.After(now) {
			continue
		}

		sched, ok := m.schedules[id]
		if !ok {
			delete(m.triggers, id)
			continue
		}

		overdue := now.Sub(tr.next)

		// Recompute the slot before dispatching so a long run cannot
		// pile up missed fires behind itself.
		tr.next = NextFire(sched.Recurrence, now)
		m.updateNextRunLocked(id)

		if overdue > m.cfg.MisfireGrace {
			m.missedFire(id, overdue)
			continue
		}

		if m.isRunning(id) {
			m.coalesceFire(id)
			continue
		}

		m.dispatch(id)
	}
}

// dispatch hands a fire to the bounded worker pool without blocking the
// engine loop. When the pool is saturated the fire is coalesced rather
// than queued behind other schedules' long runs.
func (m *Manager) dispatch(scheduleID string) {
	select {
	case m.pool <- struct{}{}:
	default:
		m.coalesceFire(scheduleID)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.pool }()
		m.fire(scheduleID)
	}()
}
