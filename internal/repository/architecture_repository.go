package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/devildev/api/internal/database"
	"github.com/devildev/api/internal/model"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ArchitectureRepository stores immutable architecture versions and their
// mutable canvas positions.
type ArchitectureRepository interface {
	CreateVersion(ctx context.Context, targetID, jobID string, arch *model.Architecture) (*model.ArchitectureVersion, error)
	FindVersionByJob(ctx context.Context, jobID string) (*model.ArchitectureVersion, error)
	LatestVersion(ctx context.Context, targetID string) (*model.ArchitectureVersion, error)
	GetVersion(ctx context.Context, versionID string) (*model.ArchitectureVersion, error)
	ListVersions(ctx context.Context, targetID string, limit int) ([]model.VersionSummary, error)
	UpdatePositions(ctx context.Context, versionID string, positions model.ComponentPositions, seq int64) (bool, error)
}

type architectureRepository struct {
	db *gorm.DB
}

func NewArchitectureRepository(db *gorm.DB) ArchitectureRepository {
	return &architectureRepository{db: db}
}

// CreateVersion inserts a new version. A job writes at most one version:
// when jobID already has one, that version is returned instead.
func (r *architectureRepository) CreateVersion(ctx context.Context, targetID, jobID string, arch *model.Architecture) (*model.ArchitectureVersion, error) {
	components, err := json.Marshal(arch.Components)
	if err != nil {
		return nil, fmt.Errorf("marshal components: %w", err)
	}
	labels := arch.ConnectionLabels
	if labels == nil {
		labels = model.ConnectionLabels{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("marshal labels: %w", err)
	}

	rec := database.VersionRecord{
		ID:               ulid.Make().String(),
		TargetResourceID: targetID,
		CreatedAt:        time.Now().UTC(),
		ComponentsJSON:   string(components),
		LabelsJSON:       string(labelsJSON),
		Rationale:        arch.Rationale,
	}
	if jobID != "" {
		rec.JobID = &jobID
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 && jobID != "" {
		existing, err := r.FindVersionByJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return toVersion(&rec, nil)
}

func (r *architectureRepository) FindVersionByJob(ctx context.Context, jobID string) (*model.ArchitectureVersion, error) {
	var rec database.VersionRecord
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.withPositions(ctx, &rec)
}

// LatestVersion orders by creation time with the id as tie-breaker, so
// versions created in the same instant still have a stable order.
func (r *architectureRepository) LatestVersion(ctx context.Context, targetID string) (*model.ArchitectureVersion, error) {
	var rec database.VersionRecord
	err := r.db.WithContext(ctx).
		Where("target_resource_id = ?", targetID).
		Order("created_at desc, id desc").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.withPositions(ctx, &rec)
}

func (r *architectureRepository) GetVersion(ctx context.Context, versionID string) (*model.ArchitectureVersion, error) {
	var rec database.VersionRecord
	err := r.db.WithContext(ctx).Where("id = ?", versionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.withPositions(ctx, &rec)
}

func (r *architectureRepository) ListVersions(ctx context.Context, targetID string, limit int) ([]model.VersionSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var recs []database.VersionRecord
	err := r.db.WithContext(ctx).
		Select("id", "job_id", "created_at").
		Where("target_resource_id = ?", targetID).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	out := make([]model.VersionSummary, 0, len(recs))
	for _, rec := range recs {
		s := model.VersionSummary{ID: rec.ID, CreatedAt: rec.CreatedAt}
		if rec.JobID != nil {
			s.JobID = *rec.JobID
		}
		out = append(out, s)
	}
	return out, nil
}

// UpdatePositions replaces the positions of a version when seq is newer than
// the stored one. It reports whether the write was applied.
func (r *architectureRepository) UpdatePositions(ctx context.Context, versionID string, positions model.ComponentPositions, seq int64) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&database.VersionRecord{}).Where("id = ?", versionID).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotFound
	}

	if positions == nil {
		positions = model.ComponentPositions{}
	}
	data, err := json.Marshal(positions)
	if err != nil {
		return false, fmt.Errorf("marshal positions: %w", err)
	}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"positions_json", "seq", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "version_positions.seq < excluded.seq"},
		}},
	}).Create(&database.PositionRecord{
		VersionID:     versionID,
		PositionsJSON: string(data),
		Seq:           seq,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *architectureRepository) withPositions(ctx context.Context, rec *database.VersionRecord) (*model.ArchitectureVersion, error) {
	var pos database.PositionRecord
	err := r.db.WithContext(ctx).Where("version_id = ?", rec.ID).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return toVersion(rec, nil)
	}
	if err != nil {
		return nil, err
	}
	return toVersion(rec, &pos)
}

func toVersion(rec *database.VersionRecord, pos *database.PositionRecord) (*model.ArchitectureVersion, error) {
	v := &model.ArchitectureVersion{
		ID:                 rec.ID,
		TargetResourceID:   rec.TargetResourceID,
		CreatedAt:          rec.CreatedAt,
		Rationale:          rec.Rationale,
		ConnectionLabels:   model.ConnectionLabels{},
		ComponentPositions: model.ComponentPositions{},
	}
	if rec.JobID != nil {
		v.JobID = *rec.JobID
	}
	if err := json.Unmarshal([]byte(rec.ComponentsJSON), &v.Components); err != nil {
		return nil, fmt.Errorf("decode components of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rec.LabelsJSON), &v.ConnectionLabels); err != nil {
		return nil, fmt.Errorf("decode labels of %s: %w", rec.ID, err)
	}
	if pos != nil {
		if err := json.Unmarshal([]byte(pos.PositionsJSON), &v.ComponentPositions); err != nil {
			return nil, fmt.Errorf("decode positions of %s: %w", rec.ID, err)
		}
	}
	return v, nil
}
