package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
)

// Reconcile finishes jobs that failed after their architecture was persisted
// but before the summary message was written. The job stays failed; it is
// flagged as reconciled once the message exists. It returns the number of
// jobs completed in this pass.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	ids, err := o.deps.Store.PendingReconcile(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		ok, err := o.reconcileJob(ctx, id)
		if err != nil {
			log.Printf("reconcile job %s: %v", id, err)
			continue
		}
		if ok {
			done++
		}
	}
	if len(ids) > 0 {
		log.Printf("reconcile: %d/%d job(s) completed", done, len(ids))
	}
	return done, nil
}

func (o *Orchestrator) reconcileJob(ctx context.Context, jobID string) (bool, error) {
	job, err := o.deps.Store.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return false, o.deps.Store.ClearReconcile(ctx, jobID)
	}
	if err != nil {
		return false, err
	}

	memo, err := o.deps.Store.StepOutputs(ctx, jobID)
	if err != nil {
		return false, err
	}
	run := newRun(job, memo)

	if !run.done(StepPersistArchitecture) || run.done(StepPersistSummaryMessage) {
		return false, o.deps.Store.ClearReconcile(ctx, jobID)
	}
	sm, err := Output[summaryMessage](run, StepDeriveSummaryMessage)
	if errors.Is(err, ErrMissingOutput) {
		return false, o.deps.Store.ClearReconcile(ctx, jobID)
	}
	if err != nil {
		return false, err
	}

	res, err := o.appendSummary(ctx, job.TargetResourceID, sm)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return false, err
	}
	if err := o.deps.Store.SaveStepOutput(ctx, jobID, StepPersistSummaryMessage, raw); err != nil {
		return false, err
	}

	job.Reconciled = true
	o.saveJob(ctx, job)
	if err := o.deps.Store.ClearReconcile(ctx, jobID); err != nil {
		return false, err
	}
	log.Printf("reconcile job %s: summary message appended=%t", jobID, res.Appended)
	return true, nil
}
