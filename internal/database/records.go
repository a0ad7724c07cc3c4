package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrImmutableVersion is returned when anything tries to modify a stored version
var ErrImmutableVersion = errors.New("architecture versions are immutable")

type ProjectRecord struct {
	ID            string `gorm:"primaryKey;size:36"`
	OwnerID       string `gorm:"size:255;not null;index"`
	Name          string `gorm:"size:255;not null"`
	RepoURL       string `gorm:"size:1024;not null"`
	RepoKey       string `gorm:"size:1024;not null;index"`
	DefaultBranch string `gorm:"size:255"`
	CreatedAt     time.Time
}

func (ProjectRecord) TableName() string { return "projects" }

type ChatRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	OwnerID   string `gorm:"size:255;not null;index"`
	Title     string `gorm:"size:255"`
	CreatedAt time.Time
}

func (ChatRecord) TableName() string { return "chats" }

type MessageRecord struct {
	ID               string    `gorm:"primaryKey;size:36"`
	TargetResourceID string    `gorm:"size:64;not null;index:idx_message_target_created,priority:1"`
	Role             string    `gorm:"size:16;not null"`
	Content          string    `gorm:"type:text;not null"`
	CreatedAt        time.Time `gorm:"index:idx_message_target_created,priority:2"`
}

func (MessageRecord) TableName() string { return "messages" }

// VersionRecord is one architecture snapshot. Rows are insert-only;
// positions live in PositionRecord so layout edits never touch them.
type VersionRecord struct {
	ID               string    `gorm:"primaryKey;size:26"`
	TargetResourceID string    `gorm:"size:64;not null;index:idx_version_target_created,priority:1"`
	JobID            *string   `gorm:"size:128;uniqueIndex"`
	CreatedAt        time.Time `gorm:"not null;index:idx_version_target_created,priority:2"`
	ComponentsJSON   string    `gorm:"type:text;not null"`
	LabelsJSON       string    `gorm:"type:text;not null"`
	Rationale        string    `gorm:"type:text;not null"`
}

func (VersionRecord) TableName() string { return "architecture_versions" }

func (v *VersionRecord) BeforeUpdate(tx *gorm.DB) error {
	return ErrImmutableVersion
}

// PositionRecord holds the canvas layout of a version. Seq orders writes so
// a stale update cannot overwrite a newer one.
type PositionRecord struct {
	VersionID     string `gorm:"primaryKey;size:26"`
	PositionsJSON string `gorm:"type:text;not null"`
	Seq           int64  `gorm:"not null"`
	UpdatedAt     time.Time
}

func (PositionRecord) TableName() string { return "version_positions" }

type SubscriptionRecord struct {
	UserID    string `gorm:"primaryKey;size:255"`
	Tier      string `gorm:"size:16;not null;default:free"`
	UpdatedAt time.Time
}

func (SubscriptionRecord) TableName() string { return "subscriptions" }
