// Package repotree folds a flat repository listing into a filtered,
// depth-bounded directory hierarchy suitable for prompting.
package repotree

import (
	"sort"
	"strings"
)

// EntryType distinguishes files from directories in a flat listing
type EntryType string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// Entry is one item of a flat repository listing
type Entry struct {
	Path string    `json:"path"`
	Type EntryType `json:"type"`
}

// Node is a directory: the file names it holds and its subdirectories.
// Both fields are omitted when empty, so an empty tree encodes as {}.
type Node struct {
	Files []string         `json:"f,omitempty"`
	Dirs  map[string]*Node `json:"d,omitempty"`
}

// Empty reports whether the node holds no files and no subdirectories.
func (n *Node) Empty() bool {
	return n == nil || (len(n.Files) == 0 && len(n.Dirs) == 0)
}

// FileCount returns the number of files in the subtree.
func (n *Node) FileCount() int {
	if n == nil {
		return 0
	}
	total := len(n.Files)
	for _, d := range n.Dirs {
		total += d.FileCount()
	}
	return total
}

// dirNode is the mutable form used while folding.
type dirNode struct {
	files map[string]struct{}
	dirs  map[string]*dirNode
}

func newDirNode() *dirNode {
	return &dirNode{
		files: make(map[string]struct{}),
		dirs:  make(map[string]*dirNode),
	}
}

func (d *dirNode) child(name string) *dirNode {
	c, ok := d.dirs[name]
	if !ok {
		c = newDirNode()
		d.dirs[name] = c
	}
	return c
}

// Depth returns the number of '/' separators in a normalized path.
func Depth(path string) int {
	return strings.Count(path, "/")
}

// Build filters entries with opts and folds the survivors into a tree.
// Directories left without files are pruned after the fold completes.
func Build(entries []Entry, opts Options) *Node {
	root := newDirNode()
	filter := newFilter(opts)

	for _, e := range entries {
		path := normalize(e.Path)
		if path == "" {
			continue
		}
		if Depth(path) > opts.MaxDepth {
			continue
		}
		segments := strings.Split(path, "/")
		if filter.excludedSegment(segments) {
			continue
		}
		if e.Type != EntryDir && filter.excludedFile(segments[len(segments)-1]) {
			continue
		}

		cur := root
		for _, seg := range segments[:len(segments)-1] {
			cur = cur.child(seg)
		}
		last := segments[len(segments)-1]
		if e.Type == EntryDir {
			cur.child(last)
		} else {
			cur.files[last] = struct{}{}
		}
	}

	pruned := prune(root)
	if pruned == nil {
		return &Node{}
	}
	return pruned
}

// prune converts the folded tree bottom-up, dropping directories that end
// up with no files anywhere beneath them.
func prune(d *dirNode) *Node {
	n := &Node{}
	if len(d.files) > 0 {
		n.Files = make([]string, 0, len(d.files))
		for f := range d.files {
			n.Files = append(n.Files, f)
		}
		sort.Strings(n.Files)
	}
	for name, sub := range d.dirs {
		child := prune(sub)
		if child == nil {
			continue
		}
		if n.Dirs == nil {
			n.Dirs = make(map[string]*Node)
		}
		n.Dirs[name] = child
	}
	if n.Empty() {
		return nil
	}
	return n
}

func normalize(path string) string {
	path = strings.TrimSpace(path)
	path = strings.ReplaceAll(path, "\\", "/")
	for strings.HasPrefix(path, "./") {
		path = path[2:]
	}
	path = strings.Trim(path, "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

// Render prints the tree as an indented listing, directories first.
func Render(n *Node) string {
	var b strings.Builder
	render(&b, n, 0)
	return b.String()
}

func render(b *strings.Builder, n *Node, depth int) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	names := make([]string, 0, len(n.Dirs))
	for name := range n.Dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(indent + name + "/\n")
		render(b, n.Dirs[name], depth+1)
	}
	for _, f := range n.Files {
		b.WriteString(indent + f + "\n")
	}
}

// Paths flattens the tree back into sorted file paths.
func Paths(n *Node) []string {
	var out []string
	collect(n, "", &out)
	sort.Strings(out)
	return out
}

func collect(n *Node, prefix string, out *[]string) {
	if n == nil {
		return
	}
	for _, f := range n.Files {
		*out = append(*out, prefix+f)
	}
	for name, d := range n.Dirs {
		collect(d, prefix+name+"/", out)
	}
}
