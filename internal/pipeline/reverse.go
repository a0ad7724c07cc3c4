package pipeline

import (
	"context"
	"log"
	"strings"

	"github.com/devildev/api/internal/contextwindow"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/repotree"
)

type repositoryAnalysis struct {
	Commit    string         `json:"commit"`
	Tree      *repotree.Node `json:"tree"`
	FileCount int            `json:"fileCount"`
	Analysis  string         `json:"analysis"`
	FilesRead []string       `json:"filesRead,omitempty"`
}

func (o *Orchestrator) reversePipeline() Pipeline {
	return Pipeline{
		Kind: model.JobKindReverse,
		Steps: []Step{
			{Name: StepAnalyzeRepository, Run: o.analyzeRepository},
			{Name: StepSynthesizeArchitecture, Run: o.synthesizeArchitecture},
			{Name: StepDeriveSummaryMessage, Run: o.deriveSummaryMessage},
			{Name: StepPersistArchitecture, Persist: true, Run: o.persistStep(StepSynthesizeArchitecture)},
			{Name: StepPersistSummaryMessage, Persist: true, Run: o.persistSummaryMessage},
		},
		VersionStep: StepPersistArchitecture,
	}
}

func (o *Orchestrator) analyzeRepository(ctx context.Context, r *Run) (any, error) {
	payload, err := Payload[model.ReversePayload](r)
	if err != nil {
		return nil, err
	}
	repo := Repo{ID: r.Job.TargetResourceID, URL: payload.RepoURL}

	commit, err := o.deps.Repos.ResolveRef(ctx, repo, payload.Ref)
	if err != nil {
		return nil, err
	}
	entries, err := o.deps.Repos.ListTree(ctx, repo, commit)
	if err != nil {
		return nil, err
	}
	tree := repotree.Build(entries, o.cfg.Tree)
	if tree.Empty() {
		return nil, Invalid(ErrEmptyRepoTree.Error(), ErrEmptyRepoTree)
	}

	budget := o.cfg.MaxInputTokens - contextwindow.EstimateTokens(analyzeSystemPrompt)
	layout := contextwindow.FitText(repotree.Render(tree), budget/2)

	policy := o.cfg.Tools
	policy.MaxCalls -= r.Job.ToolCalls
	toolbox := NewToolbox(o.deps.Repos, repo, commit, policy)
	defer func() { r.Job.ToolCalls += toolbox.Calls() }()

	analysis, err := o.deps.Engine.CompleteWithTools(ctx, analyzePrompt(layout, tree.FileCount()), toolbox)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(analysis) == "" {
		return nil, Transient(errEmptyReply)
	}
	log.Printf("job %s: analyzed %d files at %s with %d tool call(s)", r.Job.ID, tree.FileCount(), commit, toolbox.Calls())

	return repositoryAnalysis{
		Commit:    commit,
		Tree:      tree,
		FileCount: tree.FileCount(),
		Analysis:  analysis,
		FilesRead: toolbox.Opened(),
	}, nil
}

func (o *Orchestrator) synthesizeArchitecture(ctx context.Context, r *Run) (any, error) {
	analysis, err := Output[repositoryAnalysis](r, StepAnalyzeRepository)
	if err != nil {
		return nil, err
	}

	budget := o.cfg.MaxInputTokens - contextwindow.EstimateTokens(synthesizeSystemPrompt)
	reply, err := o.deps.Engine.Complete(ctx, synthesizePrompt(contextwindow.FitText(analysis.Analysis, budget)))
	if err != nil {
		return nil, err
	}
	return ParseArchitecture(reply)
}

func (o *Orchestrator) deriveSummaryMessage(ctx context.Context, r *Run) (any, error) {
	arch, err := Output[model.Architecture](r, StepSynthesizeArchitecture)
	if err != nil {
		return nil, err
	}

	text, err := o.deps.Engine.Complete(ctx, summarizePrompt(&arch))
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = DefaultSummary(&arch)
	}
	return summaryMessage{Content: text}, nil
}

func (o *Orchestrator) persistSummaryMessage(ctx context.Context, r *Run) (any, error) {
	sm, err := Output[summaryMessage](r, StepDeriveSummaryMessage)
	if err != nil {
		return nil, err
	}
	return o.appendSummary(ctx, r.Job.TargetResourceID, sm)
}
