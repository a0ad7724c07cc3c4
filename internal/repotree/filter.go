package repotree

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Options controls which entries survive Build.
type Options struct {
	// MaxDepth is the maximum number of '/' separators a kept path may have.
	MaxDepth int
	// ExcludedNames drops any entry with a path segment in the set.
	ExcludedNames map[string]bool
	// ExcludedSuffixes drops files whose name ends with one of the suffixes.
	ExcludedSuffixes []string
	// ExcludedPatterns drops files whose name matches a doublestar pattern.
	ExcludedPatterns []string
	// AllowedVariants re-admits excluded files that end with one of these
	// suffixes (".env.example" stays while ".env" goes).
	AllowedVariants []string
}

// DefaultMaxDepth bounds listings for typical repositories.
const DefaultMaxDepth = 4

// DefaultExcludedNames are build outputs, dependency caches and VCS metadata.
var DefaultExcludedNames = map[string]bool{
	"node_modules": true, ".git": true, ".svn": true, ".hg": true,
	"__pycache__": true, "vendor": true, "dist": true, "build": true,
	"target": true, "out": true, ".next": true, ".nuxt": true,
	".turbo": true, ".vercel": true, "venv": true, ".venv": true,
	".idea": true, ".vscode": true, "coverage": true, ".cache": true,
	".tmp": true, ".terraform": true, ".gradle": true, ".DS_Store": true,
}

// DefaultExcludedSuffixes are noisy or generated files.
var DefaultExcludedSuffixes = []string{
	".log", ".tmp", ".pyc", ".class", ".map", ".min.js", ".min.css",
}

// DefaultSecretPatterns match files that may hold real credentials.
var DefaultSecretPatterns = []string{
	".env", ".env.*", "*.env", "*.pem", "*.key", "*.p12", "*.pfx",
	"id_rsa*", "id_ed25519*", ".npmrc", ".pypirc", "credentials.json",
	"*.keystore",
}

// DefaultAllowedVariants are template copies that never hold real secrets.
var DefaultAllowedVariants = []string{".example", ".sample", ".template", ".dist"}

// DefaultOptions returns the exclusion set used for repository imports.
func DefaultOptions() Options {
	names := make(map[string]bool, len(DefaultExcludedNames))
	for k, v := range DefaultExcludedNames {
		names[k] = v
	}
	return Options{
		MaxDepth:         DefaultMaxDepth,
		ExcludedNames:    names,
		ExcludedSuffixes: append([]string(nil), DefaultExcludedSuffixes...),
		ExcludedPatterns: append([]string(nil), DefaultSecretPatterns...),
		AllowedVariants:  append([]string(nil), DefaultAllowedVariants...),
	}
}

type filter struct {
	opts Options
}

func newFilter(opts Options) filter {
	return filter{opts: opts}
}

func (f filter) excludedSegment(segments []string) bool {
	for _, seg := range segments {
		if f.opts.ExcludedNames[seg] {
			return true
		}
	}
	return false
}

func (f filter) excludedFile(name string) bool {
	lower := strings.ToLower(name)
	for _, v := range f.opts.AllowedVariants {
		if strings.HasSuffix(lower, v) {
			return false
		}
	}
	for _, s := range f.opts.ExcludedSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(s)) {
			return true
		}
	}
	for _, p := range f.opts.ExcludedPatterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
