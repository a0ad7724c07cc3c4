package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/repotree"
)

const validArch = `{
  "components": [
    {"id": "web", "title": "Web", "technologies": {"primary": "TypeScript", "framework": "Next.js"},
     "connections": ["api"], "dataFlow": {"sends": ["requests"], "receives": ["pages"]}, "purpose": "UI"},
    {"id": "api", "title": "API", "technologies": {"primary": "Go"},
     "connections": ["db"], "dataFlow": {"sends": ["queries"], "receives": ["requests"]}, "purpose": "Business logic"},
    {"id": "db", "title": "Database", "technologies": {"primary": "PostgreSQL"},
     "connections": [], "dataFlow": {"sends": [], "receives": ["queries"]}, "purpose": "Storage"}
  ],
  "connectionLabels": {"api|web": "REST", "api|db": "SQL"},
  "rationale": "Three tiers keep the UI, logic and storage independent."
}`

type fakeEngine struct {
	mu        sync.Mutex
	prompts   []Prompt
	complete  func(ctx context.Context, p Prompt) (string, error)
	withTools func(ctx context.Context, p Prompt, tb *Toolbox) (string, error)
}

func (e *fakeEngine) Complete(ctx context.Context, p Prompt) (string, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, p)
	fn := e.complete
	e.mu.Unlock()
	return fn(ctx, p)
}

func (e *fakeEngine) CompleteWithTools(ctx context.Context, p Prompt, tb *Toolbox) (string, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, p)
	fn := e.withTools
	e.mu.Unlock()
	return fn(ctx, p, tb)
}

func (e *fakeEngine) count(task Task) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.prompts {
		if p.Task == task {
			n++
		}
	}
	return n
}

func (e *fakeEngine) last(task Task) (Prompt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.prompts) - 1; i >= 0; i-- {
		if e.prompts[i].Task == task {
			return e.prompts[i], true
		}
	}
	return Prompt{}, false
}

type fakeRepos struct {
	files map[string]string
	cmp   *Comparison

	mu   sync.Mutex
	refs []string
}

const fakeCommit = "3f4e2a9c1b7d8e6f5a4b3c2d1e0f9a8b7c6d5e4f"

func (f *fakeRepos) ResolveRef(_ context.Context, _ Repo, _ string) (string, error) {
	return fakeCommit, nil
}

func (f *fakeRepos) record(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
}

func (f *fakeRepos) readRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs...)
}

func (f *fakeRepos) ListTree(_ context.Context, _ Repo, ref string) ([]repotree.Entry, error) {
	f.record(ref)
	entries := make([]repotree.Entry, 0, len(f.files))
	for p := range f.files {
		entries = append(entries, repotree.Entry{Path: p, Type: repotree.EntryFile})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (f *fakeRepos) ReadFile(_ context.Context, _ Repo, ref string, path string) (string, error) {
	f.record(ref)
	content, ok := f.files[path]
	if !ok {
		return "", ErrFileNotFound
	}
	return content, nil
}

func (f *fakeRepos) SearchCode(_ context.Context, _ Repo, ref string, query string, _ SearchFilters) ([]CodeMatch, error) {
	f.record(ref)
	var out []CodeMatch
	for p, content := range f.files {
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(line, query) {
				out = append(out, CodeMatch{Path: p, Line: i + 1, Text: line})
			}
		}
	}
	return out, nil
}

func (f *fakeRepos) CompareCommits(_ context.Context, _ Repo, base, head string) (*Comparison, error) {
	if f.cmp == nil {
		return nil, fmt.Errorf("no comparison configured")
	}
	cmp := *f.cmp
	cmp.Base, cmp.Head = base, head
	return &cmp, nil
}

type memArtifacts struct {
	mu         sync.Mutex
	versions   []*model.ArchitectureVersion
	createHook func(ctx context.Context) error
}

func (m *memArtifacts) CreateVersion(ctx context.Context, targetID, jobID string, arch *model.Architecture) (*model.ArchitectureVersion, error) {
	m.mu.Lock()
	hook := m.createHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	v := &model.ArchitectureVersion{
		ID:                 fmt.Sprintf("v%d", len(m.versions)+1),
		TargetResourceID:   targetID,
		JobID:              jobID,
		CreatedAt:          time.Now().Add(time.Duration(len(m.versions)) * time.Millisecond),
		Components:         arch.Components,
		ConnectionLabels:   arch.ConnectionLabels,
		Rationale:          arch.Rationale,
		ComponentPositions: model.ComponentPositions{},
	}
	m.versions = append(m.versions, v)
	return v, nil
}

func (m *memArtifacts) FindVersionByJob(_ context.Context, jobID string) (*model.ArchitectureVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions {
		if v.JobID == jobID {
			return v, nil
		}
	}
	return nil, nil
}

func (m *memArtifacts) LatestVersion(_ context.Context, targetID string) (*model.ArchitectureVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.ArchitectureVersion
	for _, v := range m.versions {
		if v.TargetResourceID == targetID && (latest == nil || v.CreatedAt.After(latest.CreatedAt)) {
			latest = v
		}
	}
	return latest, nil
}

func (m *memArtifacts) count(targetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.versions {
		if v.TargetResourceID == targetID {
			n++
		}
	}
	return n
}

type memMessages struct {
	mu   sync.Mutex
	msgs map[string][]model.ChatMessage
	err  error
}

func (m *memMessages) AppendMessageIfEmpty(_ context.Context, targetID string, msg model.ChatMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if len(m.msgs[targetID]) > 0 {
		return false, nil
	}
	m.msgs[targetID] = append(m.msgs[targetID], msg)
	return true, nil
}

func (m *memMessages) count(targetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs[targetID])
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks map[string]*asynq.Task
	err   error
}

func (q *fakeQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	id := ""
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id = o.Value().(string)
		}
	}
	if _, ok := q.tasks[id]; ok {
		return nil, asynq.ErrTaskIDConflict
	}
	q.tasks[id] = task
	return &asynq.TaskInfo{ID: id, Queue: QueueGeneration, Type: task.Type()}, nil
}

// drain forgets every queued task, like asynq once retention has passed
func (q *fakeQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = map[string]*asynq.Task{}
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

type fixedTier model.Tier

func (t fixedTier) Tier(context.Context, string) (model.Tier, error) {
	return model.Tier(t), nil
}

type harness struct {
	orch      *Orchestrator
	redis     *miniredis.Miniredis
	store     *RedisJobStore
	engine    *fakeEngine
	repos     *fakeRepos
	artifacts *memArtifacts
	messages  *memMessages
	queue     *fakeQueue

	mu    sync.Mutex
	slept []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		redis: mr,
		store: NewRedisJobStore(rdb, time.Hour, 0),
		engine: &fakeEngine{
			complete: func(_ context.Context, p Prompt) (string, error) {
				if p.Task == TaskSummarize {
					return "Welcome to your architecture.", nil
				}
				return validArch, nil
			},
			withTools: func(ctx context.Context, _ Prompt, tb *Toolbox) (string, error) {
				out, err := tb.ReadFile(ctx, &ReadFileInput{Path: "package.json"})
				if err != nil {
					return "", err
				}
				return "Analysis of package.json:\n" + out.Content, nil
			},
		},
		repos: &fakeRepos{files: map[string]string{
			"package.json":     `{"dependencies": {"next": "14.0.0"}}`,
			"src/app/page.tsx": "export default function Page() {}",
		}},
		artifacts: &memArtifacts{},
		messages:  &memMessages{msgs: map[string][]model.ChatMessage{}},
		queue:     &fakeQueue{tasks: map[string]*asynq.Task{}},
	}

	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	cfg.StepTimeout = 2 * time.Second

	h.orch = New(Deps{
		Store:     h.store,
		Queue:     h.queue,
		Engine:    h.engine,
		Repos:     h.repos,
		Artifacts: h.artifacts,
		Messages:  h.messages,
		Tiers:     fixedTier(model.TierFree),
	}, cfg)
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		h.slept = append(h.slept, d)
		h.mu.Unlock()
		return nil
	}
	return h
}
