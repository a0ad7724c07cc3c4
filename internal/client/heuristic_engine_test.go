package client

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/pipeline"
	"github.com/devildev/api/internal/repotree"
)

type mapRepo map[string]string

func (m mapRepo) ResolveRef(ctx context.Context, repo pipeline.Repo, ref string) (string, error) {
	return ref, nil
}

func (m mapRepo) ListTree(ctx context.Context, repo pipeline.Repo, ref string) ([]repotree.Entry, error) {
	var out []repotree.Entry
	for p := range m {
		out = append(out, repotree.Entry{Path: p, Type: repotree.EntryFile})
	}
	return out, nil
}

func (m mapRepo) ReadFile(ctx context.Context, repo pipeline.Repo, ref, path string) (string, error) {
	content, ok := m[path]
	if !ok {
		return "", pipeline.ErrFileNotFound
	}
	return content, nil
}

func (m mapRepo) SearchCode(ctx context.Context, repo pipeline.Repo, ref, query string, filters pipeline.SearchFilters) ([]pipeline.CodeMatch, error) {
	return nil, nil
}

func (m mapRepo) CompareCommits(ctx context.Context, repo pipeline.Repo, base, head string) (*pipeline.Comparison, error) {
	return &pipeline.Comparison{}, nil
}

func titles(arch *model.Architecture) []string {
	var out []string
	for _, c := range arch.Components {
		out = append(out, c.Title)
	}
	return out
}

func layoutPrompt(files mapRepo) pipeline.Prompt {
	entries, _ := files.ListTree(context.Background(), pipeline.Repo{}, "")
	tree := repotree.Build(entries, repotree.DefaultOptions())
	return pipeline.Prompt{
		Task: pipeline.TaskAnalyze,
		Messages: []model.ChatMessage{{
			Role:    model.RoleUser,
			Content: "Repository layout (3 files, filtered):\n\n" + repotree.Render(tree),
		}},
	}
}

func TestHeuristicEngine_NextJSRepository(t *testing.T) {
	files := mapRepo{
		"package.json":      `{"dependencies": {"next": "14.0.0"}}`,
		"src/app/page.tsx":  "export default function Page() {}",
		"src/lib/client.ts": "export const x = 1",
	}
	engine := NewHeuristicEngine()
	tb := pipeline.NewToolbox(files, pipeline.Repo{ID: "p"}, "", pipeline.ToolPolicy{MaxCalls: 15, Enabled: pipeline.KnownTools})

	analysis, err := engine.CompleteWithTools(context.Background(), layoutPrompt(files), tb)
	require.NoError(t, err)
	assert.Contains(t, analysis, "Next.js")
	assert.Contains(t, analysis, "Files inspected: package.json")
	assert.Equal(t, 1, tb.Calls())

	reply, err := engine.Complete(context.Background(), pipeline.Prompt{
		Task:     pipeline.TaskSynthesize,
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "Repository analysis:\n\n" + analysis}},
	})
	require.NoError(t, err)

	arch, err := pipeline.ParseArchitecture(reply)
	require.NoError(t, err)
	assert.Equal(t, []string{"Frontend", "Backend", "Database"}, titles(arch))
	assert.Equal(t, "Next.js", arch.Components[0].Technologies.Framework)
	assert.Equal(t, "PostgreSQL", arch.Components[2].Technologies.Primary)
	assert.NotEmpty(t, arch.Rationale)
	assert.Equal(t, "HTTPS/JSON", arch.ConnectionLabels.Label("backend", "frontend"))
}

func TestHeuristicEngine_RespectsToolBudget(t *testing.T) {
	files := mapRepo{
		"package.json":            `{"dependencies": {"express": "4.0.0"}}`,
		"api/go.mod":              "module x\nrequire github.com/redis/go-redis/v9 v9.0.0",
		"web/package.json":        `{"dependencies": {"react": "18.0.0"}}`,
		"docker-compose.yml":      "services:\n  db:\n    image: postgres:16",
		"services/pyproject.toml": "[project]\nname='x'",
	}
	tb := pipeline.NewToolbox(files, pipeline.Repo{ID: "p"}, "", pipeline.ToolPolicy{MaxCalls: 2, Enabled: pipeline.KnownTools})

	_, err := NewHeuristicEngine().CompleteWithTools(context.Background(), layoutPrompt(files), tb)

	require.NoError(t, err)
	assert.Equal(t, 2, tb.Calls())
	for _, p := range tb.Opened() {
		assert.NotContains(t, p, "/", "root manifests are read first")
	}
}

func TestHeuristicEngine_Forward(t *testing.T) {
	engine := NewHeuristicEngine()

	reply, err := engine.Complete(context.Background(), pipeline.Prompt{
		Task: pipeline.TaskForward,
		Messages: []model.ChatMessage{
			{Role: model.RoleUser, Content: "Requirement:\nA ticketing site on Django with MySQL and a Redis cache"},
		},
	})
	require.NoError(t, err)

	arch, err := pipeline.ParseArchitecture(reply)
	require.NoError(t, err)
	assert.Equal(t, []string{"Backend", "Database", "Cache"}, titles(arch))
	assert.Equal(t, "Django", arch.Components[0].Technologies.Framework)
	assert.Equal(t, "MySQL", arch.Components[1].Technologies.Primary)
	assert.ElementsMatch(t, []string{"database", "cache"}, arch.Components[0].Connections)
}

func TestHeuristicEngine_ForwardWithoutKeywords(t *testing.T) {
	reply, err := NewHeuristicEngine().Complete(context.Background(), pipeline.Prompt{
		Task:     pipeline.TaskForward,
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "Requirement:\nA todo list"}},
	})
	require.NoError(t, err)

	arch, err := pipeline.ParseArchitecture(reply)
	require.NoError(t, err)
	assert.Equal(t, []string{"Frontend", "Backend", "Database"}, titles(arch))
}

func TestHeuristicEngine_SummaryDefersToPipeline(t *testing.T) {
	reply, err := NewHeuristicEngine().Complete(context.Background(), pipeline.Prompt{Task: pipeline.TaskSummarize})
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestHeuristicEngine_RegenerateKeepsIDs(t *testing.T) {
	current := &model.Architecture{
		Components: []model.Component{
			{ID: "web", Title: "Web", Connections: []string{"backend"}},
			{ID: "backend", Title: "API", Connections: []string{"database"}},
			{ID: "database", Title: "DB"},
		},
		ConnectionLabels: model.ConnectionLabels{"backend|web": "REST"},
		Rationale:        "Three tiers.",
	}
	doc, err := json.Marshal(current)
	require.NoError(t, err)

	text := "<" + pipeline.CurrentArchitectureTag + ">\n" + string(doc) + "\n</" + pipeline.CurrentArchitectureTag + ">\n\n" +
		"Changes:\n\ndiff --git a/src/cache.ts b/src/cache.ts\n+++ b/src/cache.ts\n+import Redis from \"ioredis\"\n"

	reply, err := NewHeuristicEngine().Complete(context.Background(), pipeline.Prompt{
		Task:     pipeline.TaskRegenerate,
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: text}},
	})
	require.NoError(t, err)

	arch, err := pipeline.ParseArchitecture(reply)
	require.NoError(t, err)

	ids := make([]string, 0, len(arch.Components))
	for _, c := range arch.Components {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, "web")
	assert.Contains(t, ids, "cache")
	assert.NotContains(t, ids, "frontend")
	assert.Equal(t, "REST", arch.ConnectionLabels.Label("web", "backend"))
	assert.Equal(t, "cached reads", arch.ConnectionLabels.Label("backend", "cache"))
	assert.True(t, strings.HasPrefix(arch.Rationale, "Three tiers."))
}

func TestLayoutPaths(t *testing.T) {
	text := "Repository layout (3 files, filtered):\n\nsrc/\n  app/\n    page.tsx\n  util.ts\npackage.json\n"

	assert.Equal(t, []string{"src/app/page.tsx", "src/util.ts", "package.json"}, layoutPaths(text))
}
