package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llathrop/ansible-fleet/control_plane/observability"
)

// casSetScript atomically replaces a value only if it has not changed since
// it was read. Returns 1 on success, 0 on conflict, -1 if the key vanished.
const casSetScript = `
local cur = redis.call("get", KEYS[1])
if not cur then
	return -1
end
if cur ~= ARGV[1] then
	return 0
end
redis.call("set", KEYS[1], ARGV[2])
return 1
`

// casRetries bounds optimistic write retries before giving up.
const casRetries = 5

// RedisStore implements the Store interface using Redis. Records are JSON
// values under namespaced keys; history is a list, newest first.
type RedisStore struct {
	client *redis.Client

	// Preloaded Lua SHA for the atomic job update
	casSetSHA string
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	// Preload the CAS script so the text is not resent on every call.
	sha, err := client.ScriptLoad(ctx, casSetScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload cas script: " + err.Error())
	}

	return &RedisStore{client: client, casSetSHA: sha}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	start := time.Now()
	defer func() {
		observability.StoreLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// --- Job Operations ---

func (s *RedisStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	found, err := s.getJSON(ctx, Key(ResourceJob, id), &j)
	if err != nil || !found {
		return nil, err
	}
	return &j, nil
}

func (s *RedisStore) SaveJob(ctx context.Context, job *Job) error {
	return s.setJSON(ctx, Key(ResourceJob, job.ID), job)
}

func (s *RedisStore) UpdateJob(ctx context.Context, id string, update JobUpdate) (bool, error) {
	key := Key(ResourceJob, id)

	for attempt := 0; attempt < casRetries; attempt++ {
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return false, err
		}
		if update.ExpectStatus != nil && j.Status != *update.ExpectStatus {
			return false, nil
		}
		applyJobUpdate(&j, update)

		next, err := json.Marshal(&j)
		if err != nil {
			return false, err
		}

		res, err := s.client.EvalSha(ctx, s.casSetSHA, []string{key}, raw, string(next)).Result()
		if err != nil {
			return false, err
		}
		code, ok := res.(int64)
		if !ok {
			return false, fmt.Errorf("cas script returned unexpected result %T for job %s", res, id)
		}
		switch code {
		case 1:
			return true, nil
		case -1:
			return false, nil
		}
		// Conflict: another writer got in between. Re-read and retry.
	}
	return false, errors.New("job update contention exceeded retry budget")
}

func applyJobUpdate(j *Job, update JobUpdate) {
	if update.Status != nil {
		j.Status = *update.Status
	}
	if update.AssignedWorker != nil {
		j.AssignedWorker = *update.AssignedWorker
	}
	if update.AssignedAt != nil {
		t := *update.AssignedAt
		j.AssignedAt = &t
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		j.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		j.CompletedAt = &t
	}
	if update.ExitCode != nil {
		c := *update.ExitCode
		j.ExitCode = &c
	}
	if update.LogFile != nil {
		j.LogFile = *update.LogFile
	}
	if update.ErrorMessage != nil {
		j.ErrorMessage = *update.ErrorMessage
	}
}

func (s *RedisStore) DeleteJob(ctx context.Context, id string) error {
	return s.client.Del(ctx, Key(ResourceJob, id)).Err()
}

func (s *RedisStore) GetAllJobs(ctx context.Context) ([]*Job, error) {
	keys, err := s.scanKeys(ctx, Prefix(ResourceJob))
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		var j Job
		found, err := s.getJSON(ctx, key, &j)
		if err != nil {
			return nil, err
		}
		if found {
			jobs = append(jobs, &j)
		}
	}
	sortJobsBySubmitted(jobs)
	return jobs, nil
}

func (s *RedisStore) GetPendingJobs(ctx context.Context) ([]*Job, error) {
	all, err := s.GetAllJobs(ctx)
	if err != nil {
		return nil, err
	}
	pending := make([]*Job, 0)
	for _, j := range all {
		if j.Status == JobQueued {
			pending = append(pending, j)
		}
	}
	sortJobsByPriority(pending)
	return pending, nil
}

func (s *RedisStore) GetWorkerJobs(ctx context.Context, workerID string, statuses ...JobStatus) ([]*Job, error) {
	all, err := s.GetAllJobs(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*Job, 0)
	for _, j := range all {
		if j.AssignedWorker != workerID {
			continue
		}
		if len(statuses) > 0 && !statusIn(j.Status, statuses) {
			continue
		}
		result = append(result, j)
	}
	return result, nil
}

// --- Worker Operations ---

func (s *RedisStore) GetAllWorkers(ctx context.Context) ([]*Worker, error) {
	keys, err := s.scanKeys(ctx, Prefix(ResourceWorker))
	if err != nil {
		return nil, err
	}
	workers := make([]*Worker, 0, len(keys))
	for _, key := range keys {
		var w Worker
		found, err := s.getJSON(ctx, key, &w)
		if err != nil {
			return nil, err
		}
		if found {
			workers = append(workers, &w)
		}
	}
	sortWorkersByID(workers)
	return workers, nil
}

func (s *RedisStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	found, err := s.getJSON(ctx, Key(ResourceWorker, id), &w)
	if err != nil || !found {
		return nil, err
	}
	return &w, nil
}

func (s *RedisStore) SaveWorker(ctx context.Context, worker *Worker) error {
	return s.setJSON(ctx, Key(ResourceWorker, worker.ID), worker)
}

func (s *RedisStore) DeleteWorker(ctx context.Context, id string) error {
	return s.client.Del(ctx, Key(ResourceWorker, id)).Err()
}

func (s *RedisStore) UpdateWorkerCheckin(ctx context.Context, id string, stats SystemStats, status WorkerStatus, at time.Time) (bool, error) {
	w, err := s.GetWorker(ctx, id)
	if err != nil {
		return false, err
	}
	if w == nil {
		return false, nil
	}
	w.SystemStats = stats
	w.Status = status
	w.LastCheckin = at
	return true, s.SaveWorker(ctx, w)
}

// --- Schedule Operations ---

func (s *RedisStore) GetAllSchedules(ctx context.Context) (map[string]*Schedule, error) {
	keys, err := s.scanKeys(ctx, Prefix(ResourceSchedule))
	if err != nil {
		return nil, err
	}
	schedules := make(map[string]*Schedule, len(keys))
	for _, key := range keys {
		var sched Schedule
		found, err := s.getJSON(ctx, key, &sched)
		if err != nil {
			return nil, err
		}
		if found {
			schedules[sched.ID] = &sched
		}
	}
	return schedules, nil
}

func (s *RedisStore) SaveSchedule(ctx context.Context, id string, schedule *Schedule) error {
	return s.setJSON(ctx, Key(ResourceSchedule, id), schedule)
}

func (s *RedisStore) SaveAllSchedules(ctx context.Context, schedules map[string]*Schedule) error {
	existing, err := s.scanKeys(ctx, Prefix(ResourceSchedule))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	for _, key := range existing {
		pipe.Del(ctx, key)
	}
	for id, sched := range schedules {
		data, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		pipe.Set(ctx, Key(ResourceSchedule, id), data, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteSchedule(ctx context.Context, id string) error {
	return s.client.Del(ctx, Key(ResourceSchedule, id)).Err()
}

// --- History Operations ---

func (s *RedisStore) AddHistoryEntry(ctx context.Context, entry *HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, historyKey, data).Err()
}

func (s *RedisStore) GetHistory(ctx context.Context, scheduleID string, limit int) ([]*HistoryEntry, error) {
	raws, err := s.client.LRange(ctx, historyKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*HistoryEntry, 0)
	for _, raw := range raws {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue // skip corrupt entries rather than failing the read
		}
		if scheduleID != "" && e.ScheduleID != scheduleID {
			continue
		}
		result = append(result, &e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *RedisStore) CleanupHistory(ctx context.Context, maxEntries int) (int, error) {
	length, err := s.client.LLen(ctx, historyKey).Result()
	if err != nil {
		return 0, err
	}
	if maxEntries < 0 || length <= int64(maxEntries) {
		return 0, nil
	}
	if err := s.client.LTrim(ctx, historyKey, 0, int64(maxEntries)-1).Err(); err != nil {
		return 0, err
	}
	return int(length) - maxEntries, nil
}

// --- Batch Job Operations ---

func (s *RedisStore) GetBatchJob(ctx context.Context, id string) (*BatchJob, error) {
	var b BatchJob
	found, err := s.getJSON(ctx, Key(ResourceBatch, id), &b)
	if err != nil || !found {
		return nil, err
	}
	return &b, nil
}

func (s *RedisStore) SaveBatchJob(ctx context.Context, batch *BatchJob) error {
	return s.setJSON(ctx, Key(ResourceBatch, batch.ID), batch)
}

func (s *RedisStore) GetBatchJobsByStatus(ctx context.Context, status BatchStatus) ([]*BatchJob, error) {
	keys, err := s.scanKeys(ctx, Prefix(ResourceBatch))
	if err != nil {
		return nil, err
	}
	result := make([]*BatchJob, 0)
	for _, key := range keys {
		var b BatchJob
		found, err := s.getJSON(ctx, key, &b)
		if err != nil {
			return nil, err
		}
		if found && b.Status == status {
			result = append(result, &b)
		}
	}
	return result, nil
}

// --- Utility ---

func (s *RedisStore) HealthCheck(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisStore) BackendType() string {
	return "redis"
}
