package client

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devildev/api/internal/config"
	"github.com/devildev/api/internal/pipeline"
)

// newLocalRepo initializes a repository where GitRepository expects the
// clone of project id.
func newLocalRepo(t *testing.T, id string) (*GitRepository, *git.Repository) {
	t.Helper()
	g := NewGitRepository(&config.ReposConfig{Workdir: t.TempDir()})
	r, err := git.PlainInit(g.Dir(pipeline.Repo{ID: id}), false)
	require.NoError(t, err)
	return g, r
}

func commitFiles(t *testing.T, r *git.Repository, files map[string]string, remove ...string) string {
	t.Helper()
	wt, err := r.Worktree()
	require.NoError(t, err)

	for p, content := range files {
		require.NoError(t, util.WriteFile(wt.Filesystem, p, []byte(content), 0o644))
		_, err := wt.Add(p)
		require.NoError(t, err)
	}
	for _, p := range remove {
		_, err := wt.Remove(p)
		require.NoError(t, err)
	}

	hash, err := wt.Commit("change", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestGitRepository_ListAndRead(t *testing.T) {
	g, r := newLocalRepo(t, "proj-1")
	commitFiles(t, r, map[string]string{
		"package.json":     `{"dependencies": {"next": "14.0.0"}}`,
		"src/app/page.tsx": "export default function Page() {\n  return null\n}\n",
	})
	repo := pipeline.Repo{ID: "proj-1"}
	ctx := context.Background()

	entries, err := g.ListTree(ctx, repo, "")
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{"package.json", "src/app/page.tsx"}, paths)

	content, err := g.ReadFile(ctx, repo, "", "/package.json")
	require.NoError(t, err)
	assert.Contains(t, content, `"next"`)

	_, err = g.ReadFile(ctx, repo, "", "missing.txt")
	assert.ErrorIs(t, err, pipeline.ErrFileNotFound)
}

func TestGitRepository_RejectsLargeFiles(t *testing.T) {
	g, r := newLocalRepo(t, "proj-2")
	commitFiles(t, r, map[string]string{
		"big.bin": strings.Repeat("a", pipeline.MaxFileSize+1),
	})

	_, err := g.ReadFile(context.Background(), pipeline.Repo{ID: "proj-2"}, "", "big.bin")

	assert.ErrorIs(t, err, pipeline.ErrFileTooLarge)
}

func TestGitRepository_SearchCode(t *testing.T) {
	g, r := newLocalRepo(t, "proj-3")
	commitFiles(t, r, map[string]string{
		"src/app/page.tsx": "import x from 'y'\nexport default function Page() {}\n",
		"src/lib/util.ts":  "export default 1\n",
		"README.md":        "export default is explained here\n",
	})
	repo := pipeline.Repo{ID: "proj-3"}

	matches, err := g.SearchCode(context.Background(), repo, "", "export default", pipeline.SearchFilters{PathGlob: "src/**/*.tsx"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, pipeline.CodeMatch{Path: "src/app/page.tsx", Line: 2, Text: "export default function Page() {}"}, matches[0])

	limited, err := g.SearchCode(context.Background(), repo, "", "export default", pipeline.SearchFilters{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGitRepository_CompareCommits(t *testing.T) {
	g, r := newLocalRepo(t, "proj-4")
	base := commitFiles(t, r, map[string]string{
		"a.txt": "1\n2\n3\n",
		"b.txt": "x\n",
	})
	head := commitFiles(t, r, map[string]string{
		"a.txt": "1\nTWO\n3\n",
		"c.txt": "new\nfile\n",
	}, "b.txt")

	cmp, err := g.CompareCommits(context.Background(), pipeline.Repo{ID: "proj-4"}, base, head)
	require.NoError(t, err)

	assert.Equal(t, base, cmp.Base)
	assert.Equal(t, head, cmp.Head)
	require.Len(t, cmp.ChangeSet.Added, 1)
	assert.Equal(t, "c.txt", cmp.ChangeSet.Added[0].Path)
	assert.Equal(t, 2, cmp.ChangeSet.Added[0].Changes)
	require.Len(t, cmp.ChangeSet.Removed, 1)
	assert.Equal(t, 1, cmp.ChangeSet.Removed[0].Changes)
	require.Len(t, cmp.ChangeSet.Modified, 1)
	assert.Equal(t, 2, cmp.ChangeSet.Modified[0].Changes)
	assert.Equal(t, 3, cmp.ChangeSet.TotalFiles())
	assert.Equal(t, 5, cmp.ChangeSet.TotalLines())

	for _, f := range cmp.Files {
		if f.Path == "a.txt" {
			assert.Contains(t, f.Patch, "+TWO")
		}
	}
}

func TestGitRepository_UnknownRevision(t *testing.T) {
	g, r := newLocalRepo(t, "proj-5")
	commitFiles(t, r, map[string]string{"a.txt": "1\n"})

	_, err := g.ListTree(context.Background(), pipeline.Repo{ID: "proj-5"}, "no-such-branch")

	var ve *pipeline.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestGitRepository_MissingCloneWithoutURL(t *testing.T) {
	g := NewGitRepository(&config.ReposConfig{Workdir: t.TempDir()})

	_, err := g.ListTree(context.Background(), pipeline.Repo{ID: "nothing"}, "")

	var ve *pipeline.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestGitRepository_DirIsConfined(t *testing.T) {
	g := NewGitRepository(&config.ReposConfig{Workdir: "/data/repos"})

	assert.Equal(t, filepath.Join("/data/repos", ".._.._etc"), g.Dir(pipeline.Repo{ID: "../../etc"}))
	assert.Equal(t, filepath.Join("/data/repos", "_"), g.Dir(pipeline.Repo{ID: ".."}))
}

func TestGitRepository_SeededCloneWithoutOrigin(t *testing.T) {
	g, r := newLocalRepo(t, "proj-6")
	commitFiles(t, r, map[string]string{"go.mod": "module example.com/shop\n"})

	entries, err := g.ListTree(context.Background(), pipeline.Repo{ID: "proj-6", URL: "https://example.invalid/acme/shop.git"}, "")

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "go.mod", entries[0].Path)
}

func TestGitRepository_ReadsStayOnResolvedCommit(t *testing.T) {
	g, r := newLocalRepo(t, "proj-7")
	first := commitFiles(t, r, map[string]string{"config.yaml": "db: postgres\n"})
	repo := pipeline.Repo{ID: "proj-7"}
	ctx := context.Background()

	sha, err := g.ResolveRef(ctx, repo, "")
	require.NoError(t, err)
	assert.Equal(t, first, sha)
	entries, err := g.ListTree(ctx, repo, sha)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// the branch moves on while the analysis is running
	commitFiles(t, r, map[string]string{"config.yaml": "db: mysql\n", "extra.txt": "x\n"})

	content, err := g.ReadFile(ctx, repo, sha, "config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "db: postgres\n", content)

	matches, err := g.SearchCode(ctx, repo, sha, "db:", pipeline.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "db: postgres", matches[0].Text)

	_, err = g.ReadFile(ctx, repo, sha, "extra.txt")
	assert.ErrorIs(t, err, pipeline.ErrFileNotFound)

	latest, err := g.ReadFile(ctx, repo, "", "config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "db: mysql\n", latest)
}

func TestGitRepository_ReadsDoNotFetch(t *testing.T) {
	g, r := newLocalRepo(t, "proj-8")
	sha := commitFiles(t, r, map[string]string{"main.go": "package main\n"})
	_, err := r.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{filepath.Join(t.TempDir(), "gone")},
	})
	require.NoError(t, err)
	repo := pipeline.Repo{ID: "proj-8", URL: "https://example.invalid/acme/gone.git"}
	ctx := context.Background()

	_, err = g.ResolveRef(ctx, repo, "")
	require.Error(t, err, "resolving a branch fetches the unreachable origin")

	entries, err := g.ListTree(ctx, repo, sha)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	content, err := g.ReadFile(ctx, repo, sha, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", content)
	matches, err := g.SearchCode(ctx, repo, sha, "package", pipeline.SearchFilters{})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
