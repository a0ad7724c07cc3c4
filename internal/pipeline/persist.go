package pipeline

import (
	"context"
	"log"

	"github.com/devildev/api/internal/model"
)

type persistedVersion struct {
	VersionID string `json:"versionId"`
}

// persistStep stores the architecture produced by archStep as a new version.
// A version already written by this job is returned instead of a second one.
func (o *Orchestrator) persistStep(archStep string) func(context.Context, *Run) (any, error) {
	return func(ctx context.Context, r *Run) (any, error) {
		arch, err := Output[model.Architecture](r, archStep)
		if err != nil {
			return nil, err
		}

		v, err := o.deps.Artifacts.FindVersionByJob(ctx, r.Job.ID)
		if err != nil {
			return nil, Transient(err)
		}
		if v == nil {
			v, err = o.deps.Artifacts.CreateVersion(ctx, r.Job.TargetResourceID, r.Job.ID, &arch)
			if err != nil {
				return nil, Transient(err)
			}
			log.Printf("job %s: created version %s for %s", r.Job.ID, v.ID, r.Job.TargetResourceID)
		}

		if o.deps.Archive != nil {
			if err := o.deps.Archive.ArchiveVersion(ctx, v); err != nil {
				log.Printf("job %s: failed to archive version %s: %v", r.Job.ID, v.ID, err)
			}
		}
		return persistedVersion{VersionID: v.ID}, nil
	}
}

type summaryMessage struct {
	Content string `json:"content"`
}

type messageResult struct {
	Appended bool `json:"appended"`
}

// appendSummary writes the welcome message unless the target already has one.
func (o *Orchestrator) appendSummary(ctx context.Context, targetID string, sm summaryMessage) (messageResult, error) {
	appended, err := o.deps.Messages.AppendMessageIfEmpty(ctx, targetID, model.ChatMessage{
		Role:    model.RoleAssistant,
		Content: sm.Content,
	})
	if err != nil {
		return messageResult{}, Transient(err)
	}
	return messageResult{Appended: appended}, nil
}
