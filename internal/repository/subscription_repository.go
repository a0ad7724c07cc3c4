package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/devildev/api/internal/database"
	"github.com/devildev/api/internal/model"
)

// SubscriptionRepository resolves subscription tiers. Users without a row
// are on the free tier.
type SubscriptionRepository interface {
	Tier(ctx context.Context, userID string) (model.Tier, error)
	SetTier(ctx context.Context, userID string, tier model.Tier) error
}

type subscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) Tier(ctx context.Context, userID string) (model.Tier, error) {
	var rec database.SubscriptionRecord
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.TierFree, nil
	}
	if err != nil {
		return "", err
	}
	return model.Tier(rec.Tier), nil
}

func (r *subscriptionRepository) SetTier(ctx context.Context, userID string, tier model.Tier) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier", "updated_at"}),
	}).Create(&database.SubscriptionRecord{
		UserID:    userID,
		Tier:      string(tier),
		UpdatedAt: time.Now().UTC(),
	}).Error
}
