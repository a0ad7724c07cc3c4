package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devildev/api/internal/pipeline"
)

type fakeExecutor struct {
	executed   []string
	reconciles int
	err        error
}

func (f *fakeExecutor) Execute(_ context.Context, jobID string) error {
	f.executed = append(f.executed, jobID)
	return f.err
}

func (f *fakeExecutor) Reconcile(context.Context) (int, error) {
	f.reconciles++
	return 0, f.err
}

func TestGenerationWorker_ProcessTask(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewGenerationWorker(exec)

	task, err := pipeline.NewGenerateTask("job-1")
	require.NoError(t, err)
	require.NoError(t, w.ProcessTask(context.Background(), task))
	assert.Equal(t, []string{"job-1"}, exec.executed)

	exec.err = errors.New("step failed")
	assert.ErrorIs(t, w.ProcessTask(context.Background(), task), exec.err)
}

func TestGenerationWorker_MalformedPayloadIsNotRetried(t *testing.T) {
	w := NewGenerationWorker(&fakeExecutor{})

	err := w.ProcessTask(context.Background(), asynq.NewTask(pipeline.TaskTypeGenerate, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = w.ProcessTask(context.Background(), asynq.NewTask(pipeline.TaskTypeGenerate, []byte(`{}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReconcileWorker_ProcessTask(t *testing.T) {
	exec := &fakeExecutor{}
	w := NewReconcileWorker(exec)

	require.NoError(t, w.ProcessTask(context.Background(), pipeline.NewReconcileTask()))
	assert.Equal(t, 1, exec.reconciles)
}
