package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/llathrop/ansible-fleet/control_plane/schedule"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

type createScheduleRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Playbook    string           `json:"playbook"`
	Target      string           `json:"target"`
	Playbooks   []string         `json:"playbooks"`
	Targets     []string         `json:"targets"`
	IsBatch     bool             `json:"is_batch"`
	Recurrence  store.Recurrence `json:"recurrence"`
}

func (a *API) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.writeJSON(w, http.StatusOK, map[string]interface{}{
			"schedules": a.schedules.GetAllSchedules(r.Context()),
		})
	case http.MethodPost:
		a.createSchedule(w, r)
	default:
		a.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Name == "" {
		a.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	var id string
	var err error
	if req.IsBatch {
		id, err = a.schedules.CreateBatchSchedule(r.Context(), req.Name, req.Description, req.Playbooks, req.Targets, req.Recurrence)
	} else {
		id, err = a.schedules.CreateSchedule(r.Context(), req.Name, req.Description, req.Playbook, req.Target, req.Recurrence)
	}
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	d, err := a.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	a.writeJSON(w, http.StatusCreated, d)
}

type updateScheduleRequest struct {
	Name        *string           `json:"name"`
	Description *string           `json:"description"`
	Target      *string           `json:"target"`
	Recurrence  *store.Recurrence `json:"recurrence"`
}

func (a *API) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/schedules/")
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

	var err error
	switch {
	case action == "" && r.Method == http.MethodGet:
		var d *schedule.Display
		d, err = a.schedules.GetSchedule(r.Context(), id)
		if err == nil {
			a.writeJSON(w, http.StatusOK, d)
			return
		}
	case action == "" && r.Method == http.MethodPut:
		var req updateScheduleRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			a.writeError(w, http.StatusBadRequest, "invalid request body: %v", derr)
			return
		}
		err = a.schedules.UpdateSchedule(r.Context(), id, schedule.ScheduleUpdate{
			Name:        req.Name,
			Description: req.Description,
			Target:      req.Target,
			Recurrence:  req.Recurrence,
		})
	case action == "" && r.Method == http.MethodDelete:
		err = a.schedules.DeleteSchedule(r.Context(), id)
	case action == "pause" && r.Method == http.MethodPost:
		err = a.schedules.PauseSchedule(r.Context(), id)
	case action == "resume" && r.Method == http.MethodPost:
		err = a.schedules.ResumeSchedule(r.Context(), id)
	case action == "run" && r.Method == http.MethodPost:
		err = a.schedules.RunNow(id)
	case action == "stop" && r.Method == http.MethodPost:
		err = a.schedules.StopRunningJob(id)
	case action == "history" && r.Method == http.MethodGet:
		a.scheduleHistory(w, r, id)
		return
	default:
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case errors.Is(err, schedule.ErrScheduleNotFound):
		a.writeError(w, http.StatusNotFound, "schedule %s not found", id)
	case err != nil:
		a.writeError(w, http.StatusBadRequest, "%v", err)
	default:
		a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (a *API) scheduleHistory(w http.ResponseWriter, r *http.Request, id string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := a.schedules.GetHistory(r.Context(), id, limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "history failed: %v", err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedule_id": id,
		"history":     entries,
		"count":       len(entries),
	})
}

// --- Event stream ---

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEventStream upgrades to WebSocket and registers with the hub.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	a.wsHub.Register(conn)
	defer a.wsHub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Drain reads until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
