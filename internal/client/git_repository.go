package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/devildev/api/internal/admission"
	"github.com/devildev/api/internal/config"
	"github.com/devildev/api/internal/pipeline"
	"github.com/devildev/api/internal/repotree"
)

const (
	maxPatchBytes     = 64 * 1024
	maxMatchLineBytes = 240
)

// GitRepository implements pipeline.SourceRepository on local clones kept
// under a working directory, one per target resource.
type GitRepository struct {
	workdir string
	auth    transport.AuthMethod

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGitRepository creates a repository reader rooted at cfg.Workdir
func NewGitRepository(cfg *config.ReposConfig) *GitRepository {
	g := &GitRepository{
		workdir: cfg.Workdir,
		locks:   make(map[string]*sync.Mutex),
	}
	if cfg.Token != "" {
		g.auth = &githttp.BasicAuth{Username: "x-access-token", Password: cfg.Token}
	}
	return g
}

func (g *GitRepository) lock(id string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[id]
	if !ok {
		l = &sync.Mutex{}
		g.locks[id] = l
	}
	return l
}

// Dir returns the clone location of a repository
func (g *GitRepository) Dir(repo pipeline.Repo) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, repo.ID)
	if safe == "" || safe == "." || safe == ".." {
		safe = "_"
	}
	return filepath.Join(g.workdir, safe)
}

// with runs fn on the local clone of repo while holding its lock. The clone
// is created on first use. With fetch set, origin is fetched first;
// repositories without a URL or without an origin remote are read as they
// are on disk.
func (g *GitRepository) with(ctx context.Context, repo pipeline.Repo, fetch bool, fn func(r *git.Repository) error) error {
	l := g.lock(repo.ID)
	l.Lock()
	defer l.Unlock()

	r, err := g.open(ctx, repo, fetch)
	if err != nil {
		return err
	}
	return fn(r)
}

func (g *GitRepository) open(ctx context.Context, repo pipeline.Repo, fetch bool) (*git.Repository, error) {
	dir := g.Dir(repo)
	r, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if repo.URL == "" {
			return nil, pipeline.Invalid("project has no repository url", err)
		}
		log.Printf("cloning %s into %s", repo.URL, dir)
		r, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{
			URL:  repo.URL,
			Auth: g.auth,
			Tags: git.NoTags,
		})
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, gitError("clone", err)
		}
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	if !fetch || repo.URL == "" {
		return r, nil
	}
	err = r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       g.auth,
		Tags:       git.NoTags,
		Force:      true,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, git.ErrRemoteNotFound):
		// seeded mirror without an origin; served as it is
	default:
		return nil, gitError("fetch", err)
	}
	return r, nil
}

func gitError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return pipeline.Invalid("repository could not be accessed", fmt.Errorf("%s: %w", op, err))
	}
	return pipeline.Transient(fmt.Errorf("git %s: %w", op, err))
}

// commit resolves ref, preferring the freshly fetched remote branch.
// An empty ref means the default branch. A full commit hash is used as is.
func commit(r *git.Repository, ref string) (*object.Commit, error) {
	var candidates []string
	switch {
	case plumbing.IsHash(ref):
		candidates = append(candidates, ref)
	case ref == "":
		if head, err := r.Head(); err == nil && head.Name().IsBranch() {
			candidates = append(candidates, "refs/remotes/origin/"+head.Name().Short())
		}
		candidates = append(candidates, "HEAD")
	default:
		candidates = append(candidates, "refs/remotes/origin/"+ref, ref)
	}

	var lastErr error
	for _, c := range candidates {
		hash, err := r.ResolveRevision(plumbing.Revision(c))
		if err != nil {
			lastErr = err
			continue
		}
		return r.CommitObject(*hash)
	}
	label := ref
	if label == "" {
		label = "HEAD"
	}
	return nil, pipeline.Invalid(fmt.Sprintf("unknown revision %q", label), lastErr)
}

// ResolveRef fetches origin and returns the commit hash ref points to.
// Reads at the returned hash see one revision even if the branch moves.
func (g *GitRepository) ResolveRef(ctx context.Context, repo pipeline.Repo, ref string) (string, error) {
	var sha string
	err := g.with(ctx, repo, true, func(r *git.Repository) error {
		c, err := commit(r, ref)
		if err != nil {
			return err
		}
		sha = c.Hash.String()
		return nil
	})
	return sha, err
}

func tree(r *git.Repository, ref string) (*object.Tree, error) {
	c, err := commit(r, ref)
	if err != nil {
		return nil, err
	}
	return c.Tree()
}

// ListTree lists every file at ref. Branch names are fetched first; a
// commit hash is read from the local clone.
func (g *GitRepository) ListTree(ctx context.Context, repo pipeline.Repo, ref string) ([]repotree.Entry, error) {
	var entries []repotree.Entry
	err := g.with(ctx, repo, !plumbing.IsHash(ref), func(r *git.Repository) error {
		t, err := tree(r, ref)
		if err != nil {
			return err
		}
		return t.Files().ForEach(func(f *object.File) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			entries = append(entries, repotree.Entry{Path: f.Name, Type: repotree.EntryFile})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadFile returns the content of a file at ref without fetching
func (g *GitRepository) ReadFile(ctx context.Context, repo pipeline.Repo, ref, path string) (string, error) {
	var content string
	err := g.with(ctx, repo, false, func(r *git.Repository) error {
		t, err := tree(r, ref)
		if err != nil {
			return err
		}
		f, err := t.File(strings.TrimPrefix(path, "/"))
		if err != nil {
			if errors.Is(err, object.ErrFileNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
				return fmt.Errorf("%s: %w", path, pipeline.ErrFileNotFound)
			}
			return err
		}
		if f.Size > pipeline.MaxFileSize {
			return fmt.Errorf("%s (%d bytes): %w", path, f.Size, pipeline.ErrFileTooLarge)
		}
		content, err = f.Contents()
		return err
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// SearchCode finds lines containing query, in path order
func (g *GitRepository) SearchCode(ctx context.Context, repo pipeline.Repo, ref, query string, filters pipeline.SearchFilters) ([]pipeline.CodeMatch, error) {
	if query == "" {
		return nil, nil
	}
	if filters.PathGlob != "" && !doublestar.ValidatePattern(filters.PathGlob) {
		return nil, fmt.Errorf("invalid path glob %q", filters.PathGlob)
	}
	limit := filters.MaxResults
	if limit <= 0 {
		limit = 20
	}

	var matches []pipeline.CodeMatch
	err := g.with(ctx, repo, false, func(r *git.Repository) error {
		t, err := tree(r, ref)
		if err != nil {
			return err
		}
		return searchTree(ctx, t, query, filters.PathGlob, limit, &matches)
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func searchTree(ctx context.Context, t *object.Tree, query, glob string, limit int, matches *[]pipeline.CodeMatch) error {
	err := t.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if glob != "" {
			if ok, _ := doublestar.Match(glob, f.Name); !ok {
				return nil
			}
		}
		if f.Size > pipeline.MaxFileSize {
			return nil
		}
		if binary, err := f.IsBinary(); err != nil || binary {
			return nil
		}
		lines, err := f.Lines()
		if err != nil {
			return nil
		}
		for i, line := range lines {
			if !strings.Contains(line, query) {
				continue
			}
			text := strings.TrimSpace(line)
			if len(text) > maxMatchLineBytes {
				text = text[:maxMatchLineBytes]
			}
			*matches = append(*matches, pipeline.CodeMatch{Path: f.Name, Line: i + 1, Text: text})
			if len(*matches) >= limit {
				return storer.ErrStop
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return err
	}
	return nil
}

// CompareCommits diffs head against base
func (g *GitRepository) CompareCommits(ctx context.Context, repo pipeline.Repo, base, head string) (*pipeline.Comparison, error) {
	var cmp *pipeline.Comparison
	err := g.with(ctx, repo, true, func(r *git.Repository) error {
		var err error
		cmp, err = compare(ctx, r, base, head)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cmp, nil
}

func compare(ctx context.Context, r *git.Repository, base, head string) (*pipeline.Comparison, error) {
	baseCommit, err := commit(r, base)
	if err != nil {
		return nil, err
	}
	headCommit, err := commit(r, head)
	if err != nil {
		return nil, err
	}

	baseTree, err := baseCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get base tree: %w", err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get head tree: %w", err)
	}

	patch, err := baseTree.PatchContext(ctx, headTree)
	if err != nil {
		return nil, fmt.Errorf("failed to get patch: %w", err)
	}

	cmp := &pipeline.Comparison{
		Base: baseCommit.Hash.String(),
		Head: headCommit.Hash.String(),
	}
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()
		fd := pipeline.FileDiff{Patch: encodeFilePatch(fp)}
		change := admission.FileChange{Changes: countChanges(fp)}

		switch {
		case from == nil:
			fd.Path, fd.Status = to.Path(), "added"
			change.Path = fd.Path
			cmp.ChangeSet.Added = append(cmp.ChangeSet.Added, change)
		case to == nil:
			fd.Path, fd.Status = from.Path(), "removed"
			change.Path = fd.Path
			cmp.ChangeSet.Removed = append(cmp.ChangeSet.Removed, change)
		default:
			fd.Path, fd.Status = to.Path(), "modified"
			if from.Path() != to.Path() {
				fd.Status = "renamed"
			}
			change.Path = fd.Path
			cmp.ChangeSet.Modified = append(cmp.ChangeSet.Modified, change)
		}
		cmp.Files = append(cmp.Files, fd)
	}
	return cmp, nil
}

func countChanges(fp diff.FilePatch) int {
	n := 0
	for _, chunk := range fp.Chunks() {
		if chunk.Type() == diff.Equal {
			continue
		}
		content := chunk.Content()
		n += strings.Count(content, "\n")
		if content != "" && !strings.HasSuffix(content, "\n") {
			n++
		}
	}
	return n
}

type singlePatch struct {
	fp diff.FilePatch
}

func (p singlePatch) FilePatches() []diff.FilePatch { return []diff.FilePatch{p.fp} }
func (p singlePatch) Message() string               { return "" }

func encodeFilePatch(fp diff.FilePatch) string {
	if fp.IsBinary() {
		return ""
	}
	var buf bytes.Buffer
	if err := diff.NewUnifiedEncoder(&limitWriter{w: &buf, n: maxPatchBytes}, diff.DefaultContextLines).Encode(singlePatch{fp}); err != nil && !errors.Is(err, errPatchLimit) {
		log.Printf("failed to encode patch: %v", err)
	}
	return buf.String()
}

var errPatchLimit = errors.New("patch limit reached")

// limitWriter stops accepting bytes after n have been written.
type limitWriter struct {
	w io.Writer
	n int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, errPatchLimit
	}
	if len(p) > l.n {
		written, _ := l.w.Write(p[:l.n])
		l.n = 0
		return written, errPatchLimit
	}
	written, err := l.w.Write(p)
	l.n -= written
	return written, err
}
