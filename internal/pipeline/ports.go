package pipeline

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/devildev/api/internal/admission"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/repotree"
)

// Task names a model call so engines can log and route it.
type Task string

const (
	TaskForward    Task = "forward"
	TaskAnalyze    Task = "analyze_repository"
	TaskSynthesize Task = "synthesize_architecture"
	TaskSummarize  Task = "summarize"
	TaskRegenerate Task = "regenerate_from_diff"
)

// Prompt is one model call: a system instruction and an ordered conversation.
type Prompt struct {
	Task     Task
	System   string
	Messages []model.ChatMessage
}

// Engine is the generation backend.
type Engine interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	CompleteWithTools(ctx context.Context, p Prompt, tools *Toolbox) (string, error)
}

// Repo identifies a source repository.
type Repo struct {
	ID  string
	URL string
}

// SearchFilters narrows a code search.
type SearchFilters struct {
	PathGlob   string
	MaxResults int
}

// CodeMatch is a single search hit.
type CodeMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// FileDiff is one file of a commit comparison.
type FileDiff struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Patch  string `json:"patch,omitempty"`
}

// Comparison is the result of comparing two commits.
type Comparison struct {
	Base      string              `json:"base"`
	Head      string              `json:"head"`
	ChangeSet admission.ChangeSet `json:"changeSet"`
	Files     []FileDiff          `json:"files"`
}

// SourceRepository reads repository contents. Implementations reject files
// larger than MaxFileSize.
type SourceRepository interface {
	// ResolveRef refreshes the repository and returns the commit hash ref
	// points to. An empty ref means the default branch.
	ResolveRef(ctx context.Context, repo Repo, ref string) (string, error)
	ListTree(ctx context.Context, repo Repo, ref string) ([]repotree.Entry, error)
	ReadFile(ctx context.Context, repo Repo, ref, path string) (string, error)
	SearchCode(ctx context.Context, repo Repo, ref, query string, filters SearchFilters) ([]CodeMatch, error)
	CompareCommits(ctx context.Context, repo Repo, base, head string) (*Comparison, error)
}

// MaxFileSize is the largest file ReadFile returns.
const MaxFileSize = 500 * 1024

// ArtifactStore persists architecture versions.
type ArtifactStore interface {
	CreateVersion(ctx context.Context, targetID, jobID string, arch *model.Architecture) (*model.ArchitectureVersion, error)
	// FindVersionByJob returns nil, nil when the job has not written a version.
	FindVersionByJob(ctx context.Context, jobID string) (*model.ArchitectureVersion, error)
	// LatestVersion returns nil, nil when the target has no versions.
	LatestVersion(ctx context.Context, targetID string) (*model.ArchitectureVersion, error)
}

// MessageWriter appends the first message of a target resource.
type MessageWriter interface {
	// AppendMessageIfEmpty is a no-op returning false when the target
	// already has at least one message.
	AppendMessageIfEmpty(ctx context.Context, targetID string, msg model.ChatMessage) (bool, error)
}

// TierResolver looks up the subscription tier of a user.
type TierResolver interface {
	Tier(ctx context.Context, userID string) (model.Tier, error)
}

// Archiver keeps an out-of-band copy of each created version.
type Archiver interface {
	ArchiveVersion(ctx context.Context, v *model.ArchitectureVersion) error
}

// Notifier receives job progress for live subscribers.
type Notifier interface {
	Progress(jobID, step string, percent int)
	Completed(jobID string, result *model.JobResult)
	Failed(jobID string, jobErr *model.JobError)
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}
