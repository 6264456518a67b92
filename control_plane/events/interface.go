package events

import (
	"context"
	"time"
)

// Topics published by the control plane.
const (
	TopicScheduleCreated   = "schedule_created"
	TopicScheduleDeleted   = "schedule_deleted"
	TopicScheduleStatus    = "schedule_status"
	TopicScheduleStarted   = "schedule_started"
	TopicScheduleCompleted = "schedule_completed"
	TopicJobRouted         = "job_routed"
	TopicWorkerTransition  = "worker_transition"
)

type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher delivers fleet events to interested consumers. Publishing is
// best effort: a failed delivery must never fail the operation that
// produced the event.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
