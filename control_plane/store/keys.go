package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceJob      Resource = "jobs"
	ResourceWorker   Resource = "workers"
	ResourceSchedule Resource = "schedules"
	ResourceBatch    Resource = "batches"
)

// Key constructs a fully qualified Redis key for a resource.
// Format: fleet:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("fleet:%s:%s", resource, id)
}

// Prefix constructs a scan pattern prefix for a resource.
// Format: fleet:{resource}:
func Prefix(resource Resource) string {
	return fmt.Sprintf("fleet:%s:", resource)
}

// historyKey is the Redis list holding history entries, newest first.
const historyKey = "fleet:history"
