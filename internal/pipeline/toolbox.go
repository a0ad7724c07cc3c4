package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/devildev/api/internal/contextwindow"
)

// Tool names the model may call. The set is closed.
const (
	ToolReadFile   = "read_file"
	ToolSearchCode = "search_code"
)

// KnownTools lists every tool a Toolbox can expose.
var KnownTools = []string{ToolReadFile, ToolSearchCode}

const (
	DefaultMaxToolCalls = 15
	maxToolOutputTokens = 4000
	defaultSearchLimit  = 20
)

// ToolPolicy configures which tools are offered and how often they may run.
type ToolPolicy struct {
	MaxCalls int
	Enabled  []string
	Fallback string
}

// SelectTools filters enabled down to known tool names, in the order of
// KnownTools. When nothing valid remains the fallback is used, and when the
// fallback is unknown read_file is.
func SelectTools(enabled []string, fallback string) []string {
	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		want[strings.TrimSpace(strings.ToLower(name))] = true
	}

	var out []string
	for _, name := range KnownTools {
		if want[name] {
			out = append(out, name)
		}
	}
	if len(out) > 0 {
		return out
	}

	fallback = strings.TrimSpace(strings.ToLower(fallback))
	for _, name := range KnownTools {
		if name == fallback {
			return []string{name}
		}
	}
	return []string{ToolReadFile}
}

// ReadFileInput is the argument of the read_file tool.
type ReadFileInput struct {
	Path string `json:"path" jsonschema:"description=Path of the file relative to the repository root"`
}

// ReadFileOutput is the result of the read_file tool.
type ReadFileOutput struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SearchCodeInput is the argument of the search_code tool.
type SearchCodeInput struct {
	Query    string `json:"query" jsonschema:"description=Literal text to search for"`
	PathGlob string `json:"path_glob,omitempty" jsonschema:"description=Optional glob limiting the files searched (e.g. src/**/*.ts)"`
}

// SearchCodeOutput is the result of the search_code tool.
type SearchCodeOutput struct {
	Matches []CodeMatch `json:"matches,omitempty"`
	Error   string      `json:"error,omitempty"`
}

const budgetExhausted = "tool call budget exhausted, answer with the information gathered so far"

// Toolbox exposes repository-backed tools to one model call and enforces a
// hard budget on how many times they run. Tool failures are reported in
// the output so the model can continue.
type Toolbox struct {
	repos    SourceRepository
	repo     Repo
	ref      string
	names    []string
	maxCalls int

	mu     sync.Mutex
	calls  int
	opened []string
}

// NewToolbox binds the selected tools to one repository revision.
func NewToolbox(repos SourceRepository, repo Repo, ref string, policy ToolPolicy) *Toolbox {
	maxCalls := policy.MaxCalls
	if maxCalls < 0 {
		maxCalls = 0
	}
	return &Toolbox{
		repos:    repos,
		repo:     repo,
		ref:      ref,
		names:    SelectTools(policy.Enabled, policy.Fallback),
		maxCalls: maxCalls,
	}
}

// Names returns the tools offered to the model.
func (t *Toolbox) Names() []string {
	return append([]string(nil), t.names...)
}

// Has reports whether name is offered.
func (t *Toolbox) Has(name string) bool {
	for _, n := range t.names {
		if n == name {
			return true
		}
	}
	return false
}

// MaxCalls is the invocation budget.
func (t *Toolbox) MaxCalls() int { return t.maxCalls }

// Calls is the number of invocations used so far.
func (t *Toolbox) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Opened returns the distinct files read so far.
func (t *Toolbox) Opened() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.opened...)
}

func (t *Toolbox) take(name string) bool {
	if !t.Has(name) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls >= t.maxCalls {
		return false
	}
	t.calls++
	return true
}

func (t *Toolbox) recordOpened(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.opened {
		if p == path {
			return
		}
	}
	t.opened = append(t.opened, path)
}

// ReadFile runs the read_file tool.
func (t *Toolbox) ReadFile(ctx context.Context, in *ReadFileInput) (*ReadFileOutput, error) {
	if in == nil || strings.TrimSpace(in.Path) == "" {
		return &ReadFileOutput{Error: "path is required"}, nil
	}
	path := strings.TrimPrefix(strings.TrimSpace(in.Path), "/")
	if !t.take(ToolReadFile) {
		return &ReadFileOutput{Path: path, Error: budgetExhausted}, nil
	}

	content, err := t.repos.ReadFile(ctx, t.repo, t.ref, path)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.Printf("tool read_file %s: %v", path, err)
		return &ReadFileOutput{Path: path, Error: toolErrorText(err)}, nil
	}
	t.recordOpened(path)
	return &ReadFileOutput{Path: path, Content: contextwindow.FitText(content, maxToolOutputTokens)}, nil
}

// SearchCode runs the search_code tool.
func (t *Toolbox) SearchCode(ctx context.Context, in *SearchCodeInput) (*SearchCodeOutput, error) {
	if in == nil || strings.TrimSpace(in.Query) == "" {
		return &SearchCodeOutput{Error: "query is required"}, nil
	}
	if !t.take(ToolSearchCode) {
		return &SearchCodeOutput{Error: budgetExhausted}, nil
	}

	matches, err := t.repos.SearchCode(ctx, t.repo, t.ref, in.Query, SearchFilters{
		PathGlob:   in.PathGlob,
		MaxResults: defaultSearchLimit,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		log.Printf("tool search_code %q: %v", in.Query, err)
		return &SearchCodeOutput{Error: toolErrorText(err)}, nil
	}
	return &SearchCodeOutput{Matches: matches}, nil
}

// ErrFileTooLarge is returned by SourceRepository.ReadFile above MaxFileSize.
var ErrFileTooLarge = fmt.Errorf("file exceeds %d bytes", MaxFileSize)

// ErrFileNotFound is returned by SourceRepository.ReadFile for missing paths.
var ErrFileNotFound = errors.New("file not found")

func toolErrorText(err error) string {
	switch {
	case errors.Is(err, ErrFileTooLarge):
		return "file is too large to read"
	case errors.Is(err, ErrFileNotFound):
		return "file not found"
	default:
		return "tool call failed"
	}
}
