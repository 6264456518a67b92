package schedule

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/llathrop/ansible-fleet/control_plane/store"
)

// Display is a schedule decorated with read-time presentation fields.
// None of these are persisted.
type Display struct {
	store.Schedule
	Status            string  `json:"status"`
	IsRunning         bool    `json:"is_running"`
	NextRunDisplay    string  `json:"next_run_display"`
	LastRunDisplay    string  `json:"last_run_display"`
	RecurrenceDisplay string  `json:"recurrence_display"`
	SuccessRate       float64 `json:"success_rate"`
}

// HistoryDisplay is a run record with human-readable duration and start.
type HistoryDisplay struct {
	store.HistoryEntry
	DurationDisplay string `json:"duration_display"`
	StartedDisplay  string `json:"started_display"`
}

var dayNames = [...]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func (m *Manager) display(s *store.Schedule) *Display {
	d := &Display{
		Schedule:          *s,
		RecurrenceDisplay: formatRecurrence(s.Recurrence),
		SuccessRate:       successRate(s.SuccessCount, s.RunCount),
	}

	d.IsRunning = m.isRunning(s.ID)
	switch {
	case d.IsRunning:
		d.Status = "running"
	case !s.Enabled:
		d.Status = "paused"
	default:
		d.Status = "scheduled"
	}

	now := time.Now().UTC()
	if s.NextRun != nil {
		d.NextRunDisplay = fmt.Sprintf("%s (in %s)", s.NextRun.Format("2006-01-02 15:04 MST"), humanDuration(s.NextRun.Sub(now)))
	} else if !s.Enabled {
		d.NextRunDisplay = "paused"
	} else {
		d.NextRunDisplay = "never"
	}
	if s.LastRun != nil {
		d.LastRunDisplay = fmt.Sprintf("%s ago", humanDuration(now.Sub(*s.LastRun)))
	} else {
		d.LastRunDisplay = "never"
	}
	return d
}

func historyDisplay(e *store.HistoryEntry) *HistoryDisplay {
	h := &HistoryDisplay{HistoryEntry: *e}
	h.DurationDisplay = humanDuration(time.Duration(e.DurationSeconds * float64(time.Second)))
	if e.Started != nil {
		h.StartedDisplay = e.Started.UTC().Format("2006-01-02 15:04:05 MST")
	}
	return h
}

func successRate(success, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(success)/float64(total)*1000) / 10
}

func formatRecurrence(rec store.Recurrence) string {
	switch rec.Type {
	case store.RecurrenceOnce:
		return fmt.Sprintf("Once at %s", rec.Datetime.UTC().Format("2006-01-02 15:04 MST"))
	case store.RecurrenceHourly:
		return fmt.Sprintf("Hourly at :%02d", rec.Minute)
	case store.RecurrenceDaily:
		return fmt.Sprintf("Daily at %s", rec.Time)
	case store.RecurrenceWeekly:
		names := make([]string, 0, len(rec.Days))
		for _, d := range rec.Days {
			if d >= 0 && d < len(dayNames) {
				names = append(names, dayNames[d])
			}
		}
		return fmt.Sprintf("Weekly on %s at %s", strings.Join(names, ", "), rec.Time)
	case store.RecurrenceMonthly:
		return fmt.Sprintf("Monthly on day %d at %s", rec.Day, rec.Time)
	case store.RecurrenceCustom:
		if rec.IntervalMinutes == 1 {
			return "Every minute"
		}
		return fmt.Sprintf("Every %d minutes", rec.IntervalMinutes)
	}
	return string(rec.Type)
}

// humanDuration renders a duration as the two most significant units,
// e.g. "2h 5m" or "45s".
func humanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) - m*60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh %dm", h, m)
	}
	days := int(d.Hours()) / 24
	h := int(d.Hours()) - days*24
	if h == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, h)
}
