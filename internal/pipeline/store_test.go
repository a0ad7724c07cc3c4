package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devildev/api/internal/model"
)

func TestRedisJobStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisJobStore(rdb, time.Hour, 0)
	ctx := context.Background()

	job := &model.GenerationJob{ID: "j1", Kind: model.JobKindForward, Status: model.JobStatusPending}

	created, err := store.Create(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Create(ctx, &model.GenerationJob{ID: "j1", Status: model.JobStatusFailed})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, time.Hour, mr.TTL("genjob:j1"))

	require.NoError(t, store.SaveStepOutput(ctx, "j1", StepGenerate, json.RawMessage(`"reply"`)))
	outputs, err := store.StepOutputs(ctx, "j1")
	require.NoError(t, err)
	assert.JSONEq(t, `"reply"`, string(outputs[StepGenerate]))
	assert.Equal(t, time.Hour, mr.TTL("genjob:j1:steps"))

	require.NoError(t, store.Delete(ctx, "j1"))
	_, err = store.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrJobNotFound)
	outputs, err = store.StepOutputs(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, outputs)

	created, err = store.Create(ctx, job)
	require.NoError(t, err)
	assert.True(t, created, "deleting a job releases its id")
}

func TestRedisJobStore_ExpiredJobIDIsNotReused(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisJobStore(rdb, time.Hour, 48*time.Hour)
	ctx := context.Background()

	created, err := store.Create(ctx, &model.GenerationJob{ID: "j2", Status: model.JobStatusCompleted})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, time.Hour, mr.TTL("genjob:j2"))
	assert.Equal(t, 48*time.Hour, mr.TTL("genjob:j2:seen"))

	mr.FastForward(2 * time.Hour)
	_, err = store.Get(ctx, "j2")
	require.ErrorIs(t, err, ErrJobNotFound)

	created, err = store.Create(ctx, &model.GenerationJob{ID: "j2", Status: model.JobStatusPending})
	require.NoError(t, err)
	assert.False(t, created)
	_, err = store.Get(ctx, "j2")
	assert.ErrorIs(t, err, ErrJobNotFound)

	mr.FastForward(47 * time.Hour)
	created, err = store.Create(ctx, &model.GenerationJob{ID: "j2", Status: model.JobStatusPending})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestNewRedisJobStore_IDRetentionCoversRetention(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, NewRedisJobStore(nil, 0, 0).idRetention)
	assert.Equal(t, 2*time.Hour, NewRedisJobStore(nil, 2*time.Hour, time.Minute).idRetention)
}

func TestRedisJobStore_ReconcileSet(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisJobStore(rdb, 0, 0)
	ctx := context.Background()

	require.NoError(t, store.MarkForReconcile(ctx, "a"))
	require.NoError(t, store.MarkForReconcile(ctx, "a"))
	require.NoError(t, store.MarkForReconcile(ctx, "b"))

	ids, err := store.PendingReconcile(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, store.ClearReconcile(ctx, "a"))
	ids, err = store.PendingReconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}
