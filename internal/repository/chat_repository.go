package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/devildev/api/internal/database"
	"github.com/devildev/api/internal/model"
)

type ChatRepository interface {
	Create(ctx context.Context, ownerID, title string) (*model.Chat, error)
	Get(ctx context.Context, id string) (*model.Chat, error)
}

type chatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Create(ctx context.Context, ownerID, title string) (*model.Chat, error) {
	rec := database.ChatRecord{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	return &model.Chat{ID: rec.ID, OwnerID: rec.OwnerID, Title: rec.Title, CreatedAt: rec.CreatedAt}, nil
}

func (r *chatRepository) Get(ctx context.Context, id string) (*model.Chat, error) {
	var rec database.ChatRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model.Chat{ID: rec.ID, OwnerID: rec.OwnerID, Title: rec.Title, CreatedAt: rec.CreatedAt}, nil
}
