package model

import (
	"encoding/json"
	"time"
)

// GenerationJob represents one architecture generation request
type GenerationJob struct {
	ID               string          `json:"id"`
	TargetResourceID string          `json:"targetResourceId"`
	OwnerID          string          `json:"ownerId"`
	Kind             JobKind         `json:"kind"`
	Status           JobStatus       `json:"status"`
	Attempts         map[string]int  `json:"attempts,omitempty"`
	CurrentStep      string          `json:"currentStep,omitempty"`
	Error            *JobError       `json:"error,omitempty"`
	Result           *JobResult      `json:"result,omitempty"`
	Reconciled       bool            `json:"reconciled,omitempty"`
	ToolCalls        int             `json:"toolCalls,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// JobError is the classified failure recorded on a failed job
type JobError struct {
	Kind   ErrorKind `json:"kind"`
	Step   string    `json:"step"`
	Reason string    `json:"reason"`
}

// JobResult points at the version created by a completed job
type JobResult struct {
	VersionID string `json:"versionId"`
}

// ForwardPayload is the input of a forward (requirement → architecture) job
type ForwardPayload struct {
	Requirement string        `json:"requirement"`
	History     []ChatMessage `json:"history,omitempty"`
}

// ReversePayload is the input of a reverse (repository → architecture) job
type ReversePayload struct {
	RepoURL string `json:"repoUrl"`
	Ref     string `json:"ref,omitempty"`
}

// IncrementalPayload is the input of an incremental regeneration job
type IncrementalPayload struct {
	RepoURL string `json:"repoUrl"`
	Base    string `json:"base"`
	Head    string `json:"head"`
}

// ChatMessage is a role-tagged piece of conversation text
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}
