package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/devildev/api/internal/admission"
	"github.com/devildev/api/internal/contextwindow"
	"github.com/devildev/api/internal/model"
)

type baseVersion struct {
	VersionID    string             `json:"versionId"`
	Architecture model.Architecture `json:"architecture"`
}

// minDiffTokens keeps some diff in the prompt even for very large documents.
const minDiffTokens = 512

func (o *Orchestrator) incrementalPipeline() Pipeline {
	return Pipeline{
		Kind: model.JobKindIncrementalReverse,
		Steps: []Step{
			{Name: StepFetchChangeSet, Run: o.fetchChangeSet},
			{Name: StepAdmit, Run: o.admit},
			{Name: StepLoadCurrentVersion, Run: o.loadCurrentVersion},
			{Name: StepRegenerateFromDiff, Run: o.regenerateFromDiff},
			{Name: StepPersistArchitecture, Persist: true, Run: o.persistStep(StepRegenerateFromDiff)},
		},
		VersionStep: StepPersistArchitecture,
	}
}

func (o *Orchestrator) fetchChangeSet(ctx context.Context, r *Run) (any, error) {
	payload, err := Payload[model.IncrementalPayload](r)
	if err != nil {
		return nil, err
	}
	if payload.Base == "" || payload.Head == "" {
		return nil, Invalid("base and head commits are required", ErrInvalidPayload)
	}
	repo := Repo{ID: r.Job.TargetResourceID, URL: payload.RepoURL}
	return o.deps.Repos.CompareCommits(ctx, repo, payload.Base, payload.Head)
}

func (o *Orchestrator) admit(ctx context.Context, r *Run) (any, error) {
	cmp, err := Output[Comparison](r, StepFetchChangeSet)
	if err != nil {
		return nil, err
	}

	tier := model.TierFree
	if o.deps.Tiers != nil {
		tier, err = o.deps.Tiers.Tier(ctx, r.Job.OwnerID)
		if err != nil {
			return nil, Transient(err)
		}
	}

	decision := admission.Admit(cmp.ChangeSet, tier, o.cfg.Limits)
	if !decision.Allowed {
		log.Printf("job %s: admission denied for %s: %s", r.Job.ID, r.Job.OwnerID, decision.Reason)
		return nil, &AdmissionError{Decision: decision}
	}
	return decision, nil
}

func (o *Orchestrator) loadCurrentVersion(ctx context.Context, r *Run) (any, error) {
	v, err := o.deps.Artifacts.LatestVersion(ctx, r.Job.TargetResourceID)
	if err != nil {
		return nil, Transient(err)
	}
	if v == nil {
		return nil, Invalid("no architecture exists for this project yet, import the repository first", ErrNoBaseVersion)
	}
	return baseVersion{VersionID: v.ID, Architecture: *v.Architecture()}, nil
}

func (o *Orchestrator) regenerateFromDiff(ctx context.Context, r *Run) (any, error) {
	cmp, err := Output[Comparison](r, StepFetchChangeSet)
	if err != nil {
		return nil, err
	}
	base, err := Output[baseVersion](r, StepLoadCurrentVersion)
	if err != nil {
		return nil, err
	}

	current, err := json.Marshal(base.Architecture)
	if err != nil {
		return nil, err
	}
	budget := o.cfg.MaxInputTokens -
		contextwindow.EstimateTokens(regenerateSystemPrompt) -
		contextwindow.EstimateTokens(string(current))
	if budget < minDiffTokens {
		budget = minDiffTokens
	}
	diff := contextwindow.FitText(renderDiff(&cmp), budget)

	reply, err := o.deps.Engine.Complete(ctx, regeneratePrompt(&base.Architecture, diff))
	if err != nil {
		return nil, err
	}
	return ParseArchitecture(reply)
}

// renderDiff lists the changed files with their patches.
func renderDiff(cmp *Comparison) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Commits %s..%s, %d file(s), %d line(s) changed\n\n",
		short(cmp.Base), short(cmp.Head), cmp.ChangeSet.TotalFiles(), cmp.ChangeSet.TotalLines())
	for _, f := range cmp.Files {
		fmt.Fprintf(&b, "## %s %s\n", f.Status, f.Path)
		if f.Patch != "" {
			b.WriteString(f.Patch)
			if !strings.HasSuffix(f.Patch, "\n") {
				b.WriteByte('\n')
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
