package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/devildev/api/internal/database"
	"github.com/devildev/api/internal/model"
)

type ProjectRepository interface {
	Create(ctx context.Context, ownerID string, req *model.CreateProjectRequest) (*model.Project, error)
	Get(ctx context.Context, id string) (*model.Project, error)
	FindByRepoURL(ctx context.Context, repoURL string) ([]model.Project, error)
}

type projectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{db: db}
}

func (r *projectRepository) Create(ctx context.Context, ownerID string, req *model.CreateProjectRequest) (*model.Project, error) {
	branch := req.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	rec := database.ProjectRecord{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Name:          req.Name,
		RepoURL:       strings.TrimSpace(req.RepoURL),
		RepoKey:       NormalizeRepoURL(req.RepoURL),
		DefaultBranch: branch,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	return toProject(&rec), nil
}

func (r *projectRepository) Get(ctx context.Context, id string) (*model.Project, error) {
	var rec database.ProjectRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toProject(&rec), nil
}

func (r *projectRepository) FindByRepoURL(ctx context.Context, repoURL string) ([]model.Project, error) {
	var recs []database.ProjectRecord
	err := r.db.WithContext(ctx).
		Where("repo_key = ?", NormalizeRepoURL(repoURL)).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Project, 0, len(recs))
	for i := range recs {
		out = append(out, *toProject(&recs[i]))
	}
	return out, nil
}

// NormalizeRepoURL makes clone and browser URLs of one repository compare equal
func NormalizeRepoURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, ".git")
	return strings.ToLower(u)
}

func toProject(rec *database.ProjectRecord) *model.Project {
	return &model.Project{
		ID:            rec.ID,
		OwnerID:       rec.OwnerID,
		Name:          rec.Name,
		RepoURL:       rec.RepoURL,
		DefaultBranch: rec.DefaultBranch,
		CreatedAt:     rec.CreatedAt,
	}
}
