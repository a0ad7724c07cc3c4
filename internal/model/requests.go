package model

import "time"

// ForwardGenerateRequest starts a forward generation for a chat
type ForwardGenerateRequest struct {
	JobID       string        `json:"jobId" validate:"required,jobid"`
	ChatID      string        `json:"chatId" validate:"required"`
	Requirement string        `json:"requirement" validate:"required,max=20000"`
	History     []ChatMessage `json:"history" validate:"omitempty,max=500,dive"`
}

// ReverseGenerateRequest starts a reverse generation for a project repository
type ReverseGenerateRequest struct {
	JobID     string `json:"jobId" validate:"required,jobid"`
	ProjectID string `json:"projectId" validate:"required"`
	Ref       string `json:"ref" validate:"omitempty,max=255"`
}

// IncrementalGenerateRequest starts a regeneration from a commit range
type IncrementalGenerateRequest struct {
	JobID     string `json:"jobId" validate:"required,jobid"`
	ProjectID string `json:"projectId" validate:"required"`
	Base      string `json:"base" validate:"required,max=255"`
	Head      string `json:"head" validate:"required,max=255"`
}

// GenerateResponse is returned when a generation is submitted
type GenerateResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Created   bool      `json:"created"`
	CreatedAt time.Time `json:"createdAt"`
}

// GenerationStatusResponse is the polling contract for a job
type GenerationStatusResponse struct {
	JobID       string     `json:"jobId"`
	Exists      bool       `json:"exists"`
	Completed   bool       `json:"completed"`
	Failed      bool       `json:"failed"`
	Status      JobStatus  `json:"status,omitempty"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	Reconciled  bool       `json:"reconciled,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// UpdatePositionsRequest replaces the positions of a version
type UpdatePositionsRequest struct {
	Positions ComponentPositions `json:"positions" validate:"required"`
}

// UpdatePositionsResponse acknowledges a debounced position update
type UpdatePositionsResponse struct {
	VersionID string `json:"versionId"`
	Accepted  bool   `json:"accepted"`
}

// SnapshotResponse is a temporary download link for an archived version
type SnapshotResponse struct {
	VersionID string    `json:"versionId"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VersionSummary is a lightweight listing entry
type VersionSummary struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateProjectRequest registers a repository-backed project
type CreateProjectRequest struct {
	Name          string `json:"name" validate:"required,max=255"`
	RepoURL       string `json:"repoUrl" validate:"required,max=1024"`
	DefaultBranch string `json:"defaultBranch" validate:"omitempty,max=255"`
}

// CreateChatRequest registers a chat
type CreateChatRequest struct {
	Title string `json:"title" validate:"omitempty,max=255"`
}

// Project is a repository-backed target resource
type Project struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"ownerId"`
	Name          string    `json:"name"`
	RepoURL       string    `json:"repoUrl"`
	DefaultBranch string    `json:"defaultBranch"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Chat is a conversation target resource
type Chat struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a persisted chat message attached to a target resource
type Message struct {
	ID               string    `json:"id"`
	TargetResourceID string    `json:"targetResourceId"`
	Role             string    `json:"role"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"createdAt"`
}

// CommitWebhookPayload is the subset of a push event needed to regenerate
type CommitWebhookPayload struct {
	Before     string `json:"before" validate:"required"`
	After      string `json:"after" validate:"required"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}
