package service

import (
	"context"
	"errors"

	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/repository"
)

// WorkspaceService manages the chats and projects architectures belong to
type WorkspaceService struct {
	projects repository.ProjectRepository
	chats    repository.ChatRepository
	messages repository.MessageRepository
}

func NewWorkspaceService(projects repository.ProjectRepository, chats repository.ChatRepository, messages repository.MessageRepository) *WorkspaceService {
	return &WorkspaceService{
		projects: projects,
		chats:    chats,
		messages: messages,
	}
}

func (s *WorkspaceService) CreateProject(ctx context.Context, userID string, req *model.CreateProjectRequest) (*model.Project, error) {
	return s.projects.Create(ctx, userID, req)
}

func (s *WorkspaceService) Project(ctx context.Context, userID, projectID string) (*model.Project, error) {
	p, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, lookupError(err)
	}
	if p.OwnerID != userID {
		return nil, ErrForbidden
	}
	return p, nil
}

func (s *WorkspaceService) CreateChat(ctx context.Context, userID string, req *model.CreateChatRequest) (*model.Chat, error) {
	return s.chats.Create(ctx, userID, req.Title)
}

func (s *WorkspaceService) Chat(ctx context.Context, userID, chatID string) (*model.Chat, error) {
	c, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return nil, lookupError(err)
	}
	if c.OwnerID != userID {
		return nil, ErrForbidden
	}
	return c, nil
}

// Messages lists the conversation of a chat or project
func (s *WorkspaceService) Messages(ctx context.Context, userID, targetID string) ([]model.Message, error) {
	if err := s.CheckTarget(ctx, userID, targetID); err != nil {
		return nil, err
	}
	return s.messages.List(ctx, targetID)
}

// CheckTarget verifies that targetID is a chat or project owned by userID
func (s *WorkspaceService) CheckTarget(ctx context.Context, userID, targetID string) error {
	_, err := s.Chat(ctx, userID, targetID)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err = s.Project(ctx, userID, targetID)
	return err
}
