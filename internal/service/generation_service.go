package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/pipeline"
	"github.com/devildev/api/internal/repository"
)

var (
	ErrNotFound   = errors.New("resource not found")
	ErrForbidden  = errors.New("resource belongs to another user")
	ErrJobIDTaken = errors.New("job id is already used by another request")
)

// GenerationService checks access to the target resource and hands jobs to
// the orchestrator.
type GenerationService struct {
	orchestrator *pipeline.Orchestrator
	projects     repository.ProjectRepository
	chats        repository.ChatRepository
}

func NewGenerationService(orchestrator *pipeline.Orchestrator, projects repository.ProjectRepository, chats repository.ChatRepository) *GenerationService {
	return &GenerationService{
		orchestrator: orchestrator,
		projects:     projects,
		chats:        chats,
	}
}

// SubmitForward starts a requirement-to-architecture job for a chat
func (s *GenerationService) SubmitForward(ctx context.Context, userID string, req *model.ForwardGenerateRequest) (*model.GenerateResponse, error) {
	chat, err := s.chats.Get(ctx, req.ChatID)
	if err != nil {
		return nil, lookupError(err)
	}
	if chat.OwnerID != userID {
		return nil, ErrForbidden
	}

	return s.submit(ctx, pipeline.SubmitRequest{
		JobID:            req.JobID,
		TargetResourceID: chat.ID,
		OwnerID:          userID,
		Kind:             model.JobKindForward,
		Payload: model.ForwardPayload{
			Requirement: req.Requirement,
			History:     req.History,
		},
	})
}

// SubmitReverse starts a repository-to-architecture job for a project
func (s *GenerationService) SubmitReverse(ctx context.Context, userID string, req *model.ReverseGenerateRequest) (*model.GenerateResponse, error) {
	project, err := s.ownedProject(ctx, userID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	ref := req.Ref
	if ref == "" {
		ref = project.DefaultBranch
	}
	return s.submit(ctx, pipeline.SubmitRequest{
		JobID:            req.JobID,
		TargetResourceID: project.ID,
		OwnerID:          userID,
		Kind:             model.JobKindReverse,
		Payload:          model.ReversePayload{RepoURL: project.RepoURL, Ref: ref},
	})
}

// SubmitIncremental starts a regeneration from a commit range
func (s *GenerationService) SubmitIncremental(ctx context.Context, userID string, req *model.IncrementalGenerateRequest) (*model.GenerateResponse, error) {
	project, err := s.ownedProject(ctx, userID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	return s.submit(ctx, pipeline.SubmitRequest{
		JobID:            req.JobID,
		TargetResourceID: project.ID,
		OwnerID:          userID,
		Kind:             model.JobKindIncrementalReverse,
		Payload: model.IncrementalPayload{
			RepoURL: project.RepoURL,
			Base:    req.Base,
			Head:    req.Head,
		},
	})
}

// SubmitFromWebhook starts one incremental job per project tracking the
// pushed repository. Job ids derive from the delivery id, so a redelivered
// webhook does not start new jobs.
func (s *GenerationService) SubmitFromWebhook(ctx context.Context, deliveryID string, payload *model.CommitWebhookPayload) ([]model.GenerateResponse, error) {
	projects, err := s.projects.FindByRepoURL(ctx, payload.Repository.CloneURL)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 && payload.Repository.HTMLURL != "" {
		projects, err = s.projects.FindByRepoURL(ctx, payload.Repository.HTMLURL)
		if err != nil {
			return nil, err
		}
	}

	out := make([]model.GenerateResponse, 0, len(projects))
	for _, p := range projects {
		resp, err := s.submit(ctx, pipeline.SubmitRequest{
			JobID:            WebhookJobID(deliveryID, p.ID),
			TargetResourceID: p.ID,
			OwnerID:          p.OwnerID,
			Kind:             model.JobKindIncrementalReverse,
			Payload: model.IncrementalPayload{
				RepoURL: p.RepoURL,
				Base:    payload.Before,
				Head:    payload.After,
			},
		})
		if err != nil {
			return out, fmt.Errorf("project %s: %w", p.ID, err)
		}
		out = append(out, *resp)
	}
	return out, nil
}

// WebhookJobID is the job id of the regeneration a delivery starts for a project
func WebhookJobID(deliveryID, projectID string) string {
	return "wh:" + deliveryID + ":" + projectID
}

// Status reports a job to its owner. Jobs of other users read as unknown.
func (s *GenerationService) Status(ctx context.Context, userID, jobID string) (*model.GenerationStatusResponse, error) {
	job, err := s.orchestrator.Job(ctx, jobID)
	if errors.Is(err, pipeline.ErrJobNotFound) {
		return &model.GenerationStatusResponse{JobID: jobID}, nil
	}
	if err != nil {
		return nil, err
	}
	if job.OwnerID != userID {
		return &model.GenerationStatusResponse{JobID: jobID}, nil
	}
	return s.orchestrator.Status(ctx, jobID)
}

// Owns reports whether userID may watch the job
func (s *GenerationService) Owns(ctx context.Context, userID, jobID string) bool {
	job, err := s.orchestrator.Job(ctx, jobID)
	return err == nil && job.OwnerID == userID
}

func (s *GenerationService) ownedProject(ctx context.Context, userID, projectID string) (*model.Project, error) {
	project, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, lookupError(err)
	}
	if project.OwnerID != userID {
		return nil, ErrForbidden
	}
	return project, nil
}

func (s *GenerationService) submit(ctx context.Context, req pipeline.SubmitRequest) (*model.GenerateResponse, error) {
	handle, err := s.orchestrator.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	job := handle.Job
	if !handle.Created && (job.OwnerID != req.OwnerID || job.TargetResourceID != req.TargetResourceID) {
		log.Printf("job %s: id reused by owner %s for target %s", job.ID, req.OwnerID, req.TargetResourceID)
		return nil, ErrJobIDTaken
	}
	return &model.GenerateResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Created:   handle.Created,
		CreatedAt: job.CreatedAt,
	}, nil
}

func lookupError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
