package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/devildev/api/internal/pipeline"
)

// JobExecutor runs and reconciles generation jobs
type JobExecutor interface {
	Execute(ctx context.Context, jobID string) error
	Reconcile(ctx context.Context) (int, error)
}

// GenerationWorker processes generation tasks
type GenerationWorker struct {
	executor JobExecutor
}

func NewGenerationWorker(executor JobExecutor) *GenerationWorker {
	return &GenerationWorker{executor: executor}
}

// ProcessTask executes one job. Errors other than asynq.SkipRetry let asynq
// redeliver the task; finished steps are not run again.
func (w *GenerationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload pipeline.GenerateTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task without job id: %w", asynq.SkipRetry)
	}

	if retried, ok := asynq.GetRetryCount(ctx); ok && retried > 0 {
		log.Printf("Resuming generation job %s (delivery %d)", payload.JobID, retried+1)
	} else {
		log.Printf("Starting generation job %s", payload.JobID)
	}
	return w.executor.Execute(ctx, payload.JobID)
}

// ReconcileWorker runs the periodic pass that finishes half-persisted jobs
type ReconcileWorker struct {
	executor JobExecutor
}

func NewReconcileWorker(executor JobExecutor) *ReconcileWorker {
	return &ReconcileWorker{executor: executor}
}

func (w *ReconcileWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	if _, err := w.executor.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}
