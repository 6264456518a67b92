package store

import "sort"

// sortJobsBySubmitted orders jobs oldest first.
func sortJobsBySubmitted(jobs []*Job) {
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].SubmittedAt.Before(jobs[k].SubmittedAt)
	})
}

// sortJobsByPriority orders jobs priority DESC, submitted_at ASC.
func sortJobsByPriority(jobs []*Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].Priority != jobs[k].Priority {
			return jobs[i].Priority > jobs[k].Priority
		}
		return jobs[i].SubmittedAt.Before(jobs[k].SubmittedAt)
	})
}

// sortWorkersByID keeps worker listings in a stable order so score
// tie-breaking stays deterministic across backends.
func sortWorkersByID(workers []*Worker) {
	sort.Slice(workers, func(i, k int) bool {
		return workers[i].ID < workers[k].ID
	})
}
