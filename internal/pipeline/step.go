package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devildev/api/internal/model"
)

// Step is one named unit of a pipeline. Run receives the outputs of the
// steps before it through the Run value; its result is memoized as JSON.
type Step struct {
	Name string
	// Persist marks side-effecting steps. They must come after every
	// non-persisting step of the pipeline.
	Persist bool
	Run     func(ctx context.Context, r *Run) (any, error)
}

// Pipeline is the ordered step list for one job kind.
type Pipeline struct {
	Kind  model.JobKind
	Steps []Step
	// VersionStep names the step whose output is a persistedVersion.
	VersionStep string
}

// validate checks that persisting steps form a suffix of the list.
func (p Pipeline) validate() error {
	seenPersist := false
	for _, s := range p.Steps {
		if s.Persist {
			seenPersist = true
			continue
		}
		if seenPersist {
			return fmt.Errorf("pipeline %s: step %s follows a persisting step", p.Kind, s.Name)
		}
	}
	return nil
}

// Run carries one execution of a job through its steps.
type Run struct {
	Job     *model.GenerationJob
	outputs map[string]json.RawMessage
}

func newRun(job *model.GenerationJob, memo map[string]json.RawMessage) *Run {
	outputs := make(map[string]json.RawMessage, len(memo))
	for k, v := range memo {
		outputs[k] = v
	}
	return &Run{Job: job, outputs: outputs}
}

// Output decodes the memoized output of an earlier step.
func Output[T any](r *Run, step string) (T, error) {
	var out T
	raw, ok := r.outputs[step]
	if !ok {
		return out, fmt.Errorf("%w: %s", ErrMissingOutput, step)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode output of %s: %w", step, err)
	}
	return out, nil
}

// Payload decodes the job payload.
func Payload[T any](r *Run) (T, error) {
	var out T
	if len(r.Job.Payload) == 0 {
		return out, Invalid("job payload is empty", ErrInvalidPayload)
	}
	if err := json.Unmarshal(r.Job.Payload, &out); err != nil {
		return out, Invalid("job payload is malformed", err)
	}
	return out, nil
}

func (r *Run) done(step string) bool {
	_, ok := r.outputs[step]
	return ok
}

func (r *Run) set(step string, raw json.RawMessage) {
	r.outputs[step] = raw
}

// Backoff returns base·2^(attempt-1) capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
