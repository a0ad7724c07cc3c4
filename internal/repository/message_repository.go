package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/devildev/api/internal/database"
	"github.com/devildev/api/internal/model"
)

type MessageRepository interface {
	Append(ctx context.Context, targetID string, msg model.ChatMessage) (*model.Message, error)
	AppendMessageIfEmpty(ctx context.Context, targetID string, msg model.ChatMessage) (bool, error)
	List(ctx context.Context, targetID string) ([]model.Message, error)
}

type messageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Append(ctx context.Context, targetID string, msg model.ChatMessage) (*model.Message, error) {
	rec := database.MessageRecord{
		ID:               uuid.New().String(),
		TargetResourceID: targetID,
		Role:             msg.Role,
		Content:          msg.Content,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	return toMessage(&rec), nil
}

// AppendMessageIfEmpty inserts msg only when the target has no messages.
// The check and the insert are one statement, so concurrent callers cannot
// both succeed.
func (r *messageRepository) AppendMessageIfEmpty(ctx context.Context, targetID string, msg model.ChatMessage) (bool, error) {
	res := r.db.WithContext(ctx).Exec(
		`INSERT INTO messages (id, target_resource_id, role, content, created_at)
		 SELECT ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM messages WHERE target_resource_id = ?)`,
		uuid.New().String(), targetID, msg.Role, msg.Content, time.Now().UTC(), targetID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *messageRepository) List(ctx context.Context, targetID string) ([]model.Message, error) {
	var recs []database.MessageRecord
	err := r.db.WithContext(ctx).
		Where("target_resource_id = ?", targetID).
		Order("created_at asc, id asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(recs))
	for i := range recs {
		out = append(out, *toMessage(&recs[i]))
	}
	return out, nil
}

func toMessage(rec *database.MessageRecord) *model.Message {
	return &model.Message{
		ID:               rec.ID,
		TargetResourceID: rec.TargetResourceID,
		Role:             rec.Role,
		Content:          rec.Content,
		CreatedAt:        rec.CreatedAt,
	}
}
