package repotree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func files(paths ...string) []Entry {
	out := make([]Entry, 0, len(paths))
	for _, p := range paths {
		out = append(out, Entry{Path: p, Type: EntryFile})
	}
	return out
}

func encode(t *testing.T, n *Node) string {
	t.Helper()
	b, err := json.Marshal(n)
	require.NoError(t, err)
	return string(b)
}

func TestBuild_DepthBoundary(t *testing.T) {
	entries := files("a/b/c/d/e.txt")

	opts := DefaultOptions()
	opts.MaxDepth = 4
	kept := Build(entries, opts)
	assert.Equal(t, []string{"a/b/c/d/e.txt"}, Paths(kept))

	opts.MaxDepth = 3
	dropped := Build(entries, opts)
	assert.Equal(t, "{}", encode(t, dropped))
}

func TestBuild_PrunesDirectoryEmptiedBySecretFilter(t *testing.T) {
	tree := Build(files("x/secret.env"), DefaultOptions())

	assert.Equal(t, "{}", encode(t, tree))
	assert.True(t, tree.Empty())
}

func TestBuild_KeepsExampleVariants(t *testing.T) {
	tree := Build(files(
		".env",
		".env.local",
		".env.example",
		"config/app.env.sample",
		"certs/server.pem",
	), DefaultOptions())

	assert.Equal(t, []string{".env.example", "config/app.env.sample"}, Paths(tree))
}

func TestBuild_PrunesDirectoryEmptiedBySuffix(t *testing.T) {
	tree := Build(files(
		"logs/app.log",
		"src/main.go",
	), DefaultOptions())

	assert.Equal(t, []string{"src/main.go"}, Paths(tree))
	_, ok := tree.Dirs["logs"]
	assert.False(t, ok)
}

func TestBuild_ExcludedAncestors(t *testing.T) {
	tree := Build(files(
		"node_modules/react/index.js",
		"node_modules/.cache/dist/out.js",
		"packages/web/node_modules/lib/x.js",
		".git/HEAD",
	), DefaultOptions())

	assert.Equal(t, "{}", encode(t, tree))
}

func TestBuild_DuplicatePathsDoNotDuplicateNodes(t *testing.T) {
	tree := Build([]Entry{
		{Path: "src/app.ts", Type: EntryFile},
		{Path: "src/app.ts", Type: EntryFile},
		{Path: "./src/app.ts", Type: EntryFile},
		{Path: "src", Type: EntryDir},
		{Path: "src/", Type: EntryDir},
	}, DefaultOptions())

	require.Contains(t, tree.Dirs, "src")
	assert.Equal(t, []string{"app.ts"}, tree.Dirs["src"].Files)
	assert.Len(t, tree.Dirs, 1)
	assert.Equal(t, 1, tree.FileCount())
}

func TestBuild_DirectoryMarkersWithoutFilesArePruned(t *testing.T) {
	tree := Build([]Entry{
		{Path: "empty", Type: EntryDir},
		{Path: "empty/nested", Type: EntryDir},
		{Path: "README.md", Type: EntryFile},
	}, DefaultOptions())

	assert.Equal(t, `{"f":["README.md"]}`, encode(t, tree))
}

func TestBuild_NestedShape(t *testing.T) {
	tree := Build(files(
		"package.json",
		"src/index.ts",
		"src/api/routes.ts",
		"src/api/handlers.ts",
	), DefaultOptions())

	assert.Equal(t,
		`{"f":["package.json"],"d":{"src":{"f":["index.ts"],"d":{"api":{"f":["handlers.ts","routes.ts"]}}}}}`,
		encode(t, tree))
}

func TestRender(t *testing.T) {
	tree := Build(files("b.txt", "a/one.go"), DefaultOptions())

	assert.Equal(t, "a/\n  one.go\nb.txt\n", Render(tree))
}
