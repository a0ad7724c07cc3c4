package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/devildev/api/internal/contextwindow"
	"github.com/devildev/api/internal/model"
)

// Step names.
const (
	StepGenerate = "generate"
	StepParse    = "parse"
	StepPersist  = "persist"

	StepAnalyzeRepository      = "analyzeRepository"
	StepSynthesizeArchitecture = "synthesizeArchitecture"
	StepDeriveSummaryMessage   = "deriveSummaryMessage"
	StepPersistArchitecture    = "persistArchitecture"
	StepPersistSummaryMessage  = "persistSummaryMessage"

	StepFetchChangeSet     = "fetchChangeSet"
	StepAdmit              = "admit"
	StepLoadCurrentVersion = "loadCurrentVersion"
	StepRegenerateFromDiff = "regenerateFromDiff"
)

var errEmptyReply = errors.New("engine returned an empty reply")

func (o *Orchestrator) forwardPipeline() Pipeline {
	return Pipeline{
		Kind: model.JobKindForward,
		Steps: []Step{
			{Name: StepGenerate, Run: o.generate},
			{Name: StepParse, Run: parseStep(StepGenerate)},
			{Name: StepPersist, Persist: true, Run: o.persistStep(StepParse)},
		},
		VersionStep: StepPersist,
	}
}

func (o *Orchestrator) generate(ctx context.Context, r *Run) (any, error) {
	payload, err := Payload[model.ForwardPayload](r)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(payload.Requirement) == "" {
		return nil, Invalid("requirement is empty", nil)
	}

	budget := o.cfg.MaxInputTokens - contextwindow.EstimateTokens(forwardSystemPrompt)
	requirement := contextwindow.FitText(payload.Requirement, budget/2)
	history := contextwindow.Fit(payload.History, budget-contextwindow.EstimateTokens(requirement))

	reply, err := o.deps.Engine.Complete(ctx, forwardPrompt(requirement, history))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reply) == "" {
		return nil, Transient(errEmptyReply)
	}
	return reply, nil
}

// parseStep decodes the reply produced by the named step.
func parseStep(replyStep string) func(context.Context, *Run) (any, error) {
	return func(_ context.Context, r *Run) (any, error) {
		reply, err := Output[string](r, replyStep)
		if err != nil {
			return nil, err
		}
		return ParseArchitecture(reply)
	}
}
