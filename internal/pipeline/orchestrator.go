// Package pipeline runs architecture generation jobs as ordered, memoized,
// individually retried steps on top of a Redis job store and an asynq queue.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/hibiken/asynq"

	"github.com/devildev/api/internal/admission"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/repotree"
)

const (
	TaskTypeGenerate  = "generation:execute"
	TaskTypeReconcile = "generation:reconcile"
	QueueGeneration   = "generation"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidJobID reports whether id can be used as a job id.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// Config tunes retries, timeouts and model input sizes.
type Config struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	StepTimeout    time.Duration
	Retention      time.Duration
	MaxInputTokens int
	Tools          ToolPolicy
	Limits         admission.Limits
	Tree           repotree.Options
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     30 * time.Second,
		StepTimeout:    3 * time.Minute,
		Retention:      24 * time.Hour,
		MaxInputTokens: 24000,
		Tools: ToolPolicy{
			MaxCalls: DefaultMaxToolCalls,
			Enabled:  KnownTools,
			Fallback: ToolReadFile,
		},
		Limits: admission.DefaultLimits(),
		Tree:   repotree.DefaultOptions(),
	}
}

// Deps are the collaborators of the orchestrator. Archive and Notify may be nil.
type Deps struct {
	Store     JobStore
	Queue     Enqueuer
	Engine    Engine
	Repos     SourceRepository
	Artifacts ArtifactStore
	Messages  MessageWriter
	Tiers     TierResolver
	Archive   Archiver
	Notify    Notifier
}

// Orchestrator owns job submission, execution and status.
type Orchestrator struct {
	deps      Deps
	cfg       Config
	pipelines map[model.JobKind]Pipeline
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New wires the orchestrator and its three pipelines.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxInputTokens <= 0 {
		cfg.MaxInputTokens = def.MaxInputTokens
	}
	if cfg.Tools.MaxCalls <= 0 {
		cfg.Tools.MaxCalls = DefaultMaxToolCalls
	}
	if cfg.Limits == nil {
		cfg.Limits = def.Limits
	}
	if cfg.Tree.MaxDepth <= 0 {
		cfg.Tree = def.Tree
	}

	o := &Orchestrator{
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepContext,
	}
	o.pipelines = map[model.JobKind]Pipeline{
		model.JobKindForward:            o.forwardPipeline(),
		model.JobKindReverse:            o.reversePipeline(),
		model.JobKindIncrementalReverse: o.incrementalPipeline(),
	}
	for _, p := range o.pipelines {
		if err := p.validate(); err != nil {
			panic(err)
		}
	}
	return o
}

// Steps returns the step names of a job kind in execution order.
func (o *Orchestrator) Steps(kind model.JobKind) []string {
	p, ok := o.pipelines[kind]
	if !ok {
		return nil
	}
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Name
	}
	return names
}

// SubmitRequest is the input of Submit.
type SubmitRequest struct {
	JobID            string
	TargetResourceID string
	OwnerID          string
	Kind             model.JobKind
	Payload          any
}

// JobHandle is the result of Submit. Created is false when the job id was
// already known and Job is the existing record.
type JobHandle struct {
	Job     *model.GenerationJob
	Created bool
}

// Submit creates and enqueues a job. It is idempotent on the job id: an
// existing job is returned untouched. A job still pending is enqueued again
// under its task id, so a submit interrupted before enqueueing is completed
// by the client's retry without creating a second task. The id of an expired
// job is never reused: Submit returns ErrJobExpired.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*JobHandle, error) {
	if !ValidJobID(req.JobID) {
		return nil, ErrInvalidJobID
	}
	if _, ok := o.pipelines[req.Kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := o.now().UTC()
	job := &model.GenerationJob{
		ID:               req.JobID,
		TargetResourceID: req.TargetResourceID,
		OwnerID:          req.OwnerID,
		Kind:             req.Kind,
		Status:           model.JobStatusPending,
		Attempts:         map[string]int{},
		Payload:          payload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := o.deps.Store.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if !created {
		existing, err := o.deps.Store.Get(ctx, req.JobID)
		if errors.Is(err, ErrJobNotFound) {
			return nil, ErrJobExpired
		}
		if err != nil {
			return nil, err
		}
		if existing.Status == model.JobStatusPending {
			if err := o.enqueue(existing.ID); err != nil {
				return nil, err
			}
		}
		return &JobHandle{Job: existing}, nil
	}

	if err := o.enqueue(job.ID); err != nil {
		o.discard(ctx, job.ID)
		return nil, err
	}

	log.Printf("job %s submitted: kind=%s target=%s", job.ID, job.Kind, job.TargetResourceID)
	return &JobHandle{Job: job, Created: true}, nil
}

// enqueue hands the job to the workers. The task id is the job id, so an
// already queued task is left alone.
func (o *Orchestrator) enqueue(jobID string) error {
	task, err := NewGenerateTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	_, err = o.deps.Queue.Enqueue(task,
		asynq.TaskID(jobID),
		asynq.Queue(QueueGeneration),
		asynq.MaxRetry(o.cfg.MaxAttempts),
		asynq.Retention(o.cfg.Retention),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (o *Orchestrator) discard(ctx context.Context, jobID string) {
	if err := o.deps.Store.Delete(context.WithoutCancel(ctx), jobID); err != nil {
		log.Printf("job %s: failed to discard unqueued job: %v", jobID, err)
	}
}

// Job returns the stored job record.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	return o.deps.Store.Get(ctx, jobID)
}

// Status reads the job without blocking. Unknown ids report Exists=false.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*model.GenerationStatusResponse, error) {
	job, err := o.deps.Store.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return &model.GenerationStatusResponse{JobID: jobID}, nil
	}
	if err != nil {
		return nil, err
	}

	updated := job.UpdatedAt
	resp := &model.GenerationStatusResponse{
		JobID:       job.ID,
		Exists:      true,
		Completed:   job.Status == model.JobStatusCompleted,
		Failed:      job.Status == model.JobStatusFailed,
		Status:      job.Status,
		CurrentStep: job.CurrentStep,
		Reconciled:  job.Reconciled,
		UpdatedAt:   &updated,
	}
	switch job.Status {
	case model.JobStatusCompleted:
		resp.Result = job.Result
	case model.JobStatusFailed:
		resp.Error = job.Error
	}
	return resp, nil
}

// Execute runs the remaining steps of a job. Steps with a memoized output
// are skipped. A returned error wrapping asynq.SkipRetry means the job
// reached a terminal state; any other error leaves the job resumable.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) error {
	job, err := o.deps.Store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}
	if job.Status.Terminal() {
		log.Printf("job %s already %s, skipping", job.ID, job.Status)
		return nil
	}

	p, ok := o.pipelines[job.Kind]
	if !ok {
		return o.fail(ctx, newRun(job, nil), p, &StepError{
			Kind: model.ErrorKindInternal, Step: "dispatch",
			Err: fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind),
		})
	}

	memo, err := o.deps.Store.StepOutputs(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load step outputs: %w", err)
	}
	if job.Attempts == nil {
		job.Attempts = map[string]int{}
	}
	if job.Status == model.JobStatusPending {
		job.Status = model.JobStatusRunning
	}
	run := newRun(job, memo)

	log.Printf("job %s running: kind=%s memoized=%d/%d", job.ID, job.Kind, len(memo), len(p.Steps))

	for i, step := range p.Steps {
		if run.done(step.Name) {
			continue
		}

		job.CurrentStep = step.Name
		o.saveJob(ctx, job)
		o.progress(job.ID, step.Name, i*100/len(p.Steps))

		out, err := o.runStep(ctx, run, step)
		if err != nil {
			var stepErr *StepError
			if errors.As(err, &stepErr) {
				return o.fail(ctx, run, p, stepErr)
			}
			return err
		}

		raw, err := json.Marshal(out)
		if err != nil {
			return o.fail(ctx, run, p, &StepError{Kind: model.ErrorKindInternal, Step: step.Name, Attempts: 1, Err: err})
		}
		if err := o.deps.Store.SaveStepOutput(ctx, job.ID, step.Name, raw); err != nil {
			return fmt.Errorf("failed to memoize step %s: %w", step.Name, err)
		}
		run.set(step.Name, raw)
	}

	return o.complete(ctx, run, p)
}

func (o *Orchestrator) runStep(ctx context.Context, run *Run, step Step) (any, error) {
	job := run.Job
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		job.Attempts[step.Name]++
		o.saveJob(ctx, job)

		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		out, err := step.Run(stepCtx, run)
		timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timedOut {
			err = Transient(fmt.Errorf("step timed out after %s: %w", o.cfg.StepTimeout, err))
		}

		lastErr = err
		kind := Classify(err)
		if kind != model.ErrorKindTransient {
			return nil, &StepError{Kind: kind, Step: step.Name, Attempts: attempt, Err: err}
		}

		log.Printf("job %s: step %s attempt %d/%d failed: %v", job.ID, step.Name, attempt, o.cfg.MaxAttempts, err)
		if attempt == o.cfg.MaxAttempts {
			break
		}
		if err := o.sleep(ctx, Backoff(attempt, o.cfg.BaseBackoff, o.cfg.MaxBackoff)); err != nil {
			return nil, err
		}
	}

	return nil, &StepError{Kind: model.ErrorKindTransient, Step: step.Name, Attempts: o.cfg.MaxAttempts, Err: lastErr}
}

func (o *Orchestrator) fail(ctx context.Context, run *Run, p Pipeline, stepErr *StepError) error {
	job := run.Job
	ctx = context.WithoutCancel(ctx)

	log.Printf("job %s failed at %s: %v", job.ID, stepErr.Step, stepErr.Err)

	job.Status = model.JobStatusFailed
	job.Error = stepErr.JobError()
	job.CurrentStep = stepErr.Step

	if p.VersionStep != "" && run.done(p.VersionStep) && o.isPersistStep(p, stepErr.Step) {
		if err := o.deps.Store.MarkForReconcile(ctx, job.ID); err != nil {
			log.Printf("job %s: failed to mark for reconcile: %v", job.ID, err)
		}
	}

	o.saveJob(ctx, job)
	if o.deps.Notify != nil {
		o.deps.Notify.Failed(job.ID, job.Error)
	}
	return fmt.Errorf("%w: %v", asynq.SkipRetry, stepErr)
}

func (o *Orchestrator) isPersistStep(p Pipeline, name string) bool {
	for _, s := range p.Steps {
		if s.Name == name {
			return s.Persist
		}
	}
	return false
}

func (o *Orchestrator) complete(ctx context.Context, run *Run, p Pipeline) error {
	job := run.Job
	pv, err := Output[persistedVersion](run, p.VersionStep)
	if err != nil {
		return o.fail(ctx, run, p, &StepError{Kind: model.ErrorKindInternal, Step: p.VersionStep, Attempts: 1, Err: err})
	}

	job.Status = model.JobStatusCompleted
	job.CurrentStep = ""
	job.Error = nil
	job.Result = &model.JobResult{VersionID: pv.VersionID}
	o.saveJob(ctx, job)

	if o.deps.Notify != nil {
		o.deps.Notify.Progress(job.ID, "", 100)
		o.deps.Notify.Completed(job.ID, job.Result)
	}
	log.Printf("job %s completed: version=%s", job.ID, pv.VersionID)
	return nil
}

func (o *Orchestrator) saveJob(ctx context.Context, job *model.GenerationJob) {
	job.UpdatedAt = o.now().UTC()
	if err := o.deps.Store.Save(ctx, job); err != nil {
		log.Printf("job %s: failed to save: %v", job.ID, err)
	}
}

func (o *Orchestrator) progress(jobID, step string, percent int) {
	if o.deps.Notify != nil {
		o.deps.Notify.Progress(jobID, step, percent)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GenerateTaskPayload is the body of a generation task.
type GenerateTaskPayload struct {
	JobID string `json:"jobId"`
}

// NewGenerateTask builds the asynq task that executes a job.
func NewGenerateTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(GenerateTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeGenerate, data), nil
}

// NewReconcileTask builds the periodic reconciliation task.
func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TaskTypeReconcile, nil)
}
