package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devildev/api/internal/model"
)

// JobStore persists job records and per-step memoized outputs.
type JobStore interface {
	// Create stores job only if its id was never used. Delete releases the id.
	Create(ctx context.Context, job *model.GenerationJob) (bool, error)
	Get(ctx context.Context, jobID string) (*model.GenerationJob, error)
	Save(ctx context.Context, job *model.GenerationJob) error
	Delete(ctx context.Context, jobID string) error

	StepOutputs(ctx context.Context, jobID string) (map[string]json.RawMessage, error)
	SaveStepOutput(ctx context.Context, jobID, step string, output json.RawMessage) error

	MarkForReconcile(ctx context.Context, jobID string) error
	ClearReconcile(ctx context.Context, jobID string) error
	PendingReconcile(ctx context.Context) ([]string, error)
}

const (
	jobKeyPrefix = "genjob:"
	reconcileKey = "genjob:reconcile"
)

func jobKey(id string) string   { return jobKeyPrefix + id }
func stepsKey(id string) string { return fmt.Sprintf("%s%s:steps", jobKeyPrefix, id) }
func seenKey(id string) string  { return fmt.Sprintf("%s%s:seen", jobKeyPrefix, id) }

// createScript stores a job unless its id has been used before. KEYS[2]
// marks the id as used and outlives the job record.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
return 1
`)

// RedisJobStore keeps jobs as JSON strings and step outputs in a hash,
// both expiring after the retention period. Used job ids are remembered for
// idRetention so an expired job is not created again under the same id.
type RedisJobStore struct {
	redis       *redis.Client
	retention   time.Duration
	idRetention time.Duration
}

func NewRedisJobStore(redisClient *redis.Client, retention, idRetention time.Duration) *RedisJobStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if idRetention <= 0 {
		idRetention = 30 * retention
	}
	if idRetention < retention {
		idRetention = retention
	}
	return &RedisJobStore{redis: redisClient, retention: retention, idRetention: idRetention}
}

func (s *RedisJobStore) Create(ctx context.Context, job *model.GenerationJob) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	keys := []string{jobKey(job.ID), seenKey(job.ID)}
	n, err := createScript.Run(ctx, s.redis, keys, data, s.retention.Milliseconds(), s.idRetention.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.GenerationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *RedisJobStore) Save(ctx context.Context, job *model.GenerationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, s.retention).Err()
}

func (s *RedisJobStore) Delete(ctx context.Context, jobID string) error {
	return s.redis.Del(ctx, jobKey(jobID), stepsKey(jobID), seenKey(jobID)).Err()
}

func (s *RedisJobStore) StepOutputs(ctx context.Context, jobID string) (map[string]json.RawMessage, error) {
	raw, err := s.redis.HGetAll(ctx, stepsKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(raw))
	for step, v := range raw {
		out[step] = json.RawMessage(v)
	}
	return out, nil
}

func (s *RedisJobStore) SaveStepOutput(ctx context.Context, jobID, step string, output json.RawMessage) error {
	key := stepsKey(jobID)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, step, []byte(output))
	pipe.Expire(ctx, key, s.retention)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisJobStore) MarkForReconcile(ctx context.Context, jobID string) error {
	return s.redis.SAdd(ctx, reconcileKey, jobID).Err()
}

func (s *RedisJobStore) ClearReconcile(ctx context.Context, jobID string) error {
	return s.redis.SRem(ctx, reconcileKey, jobID).Err()
}

func (s *RedisJobStore) PendingReconcile(ctx context.Context) ([]string, error) {
	return s.redis.SMembers(ctx, reconcileKey).Result()
}
