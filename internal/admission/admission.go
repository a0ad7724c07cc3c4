// Package admission gates incremental regeneration on the size of a change
// set before any model call is made.
package admission

import (
	"fmt"

	"github.com/devildev/api/internal/model"
)

// FileChange is one file touched by a commit range.
type FileChange struct {
	Path    string `json:"path"`
	Changes int    `json:"changes"`
}

// ChangeSet groups the files touched between two commits.
type ChangeSet struct {
	Added    []FileChange `json:"added"`
	Removed  []FileChange `json:"removed"`
	Modified []FileChange `json:"modified"`
}

// TotalFiles returns |added| + |removed| + |modified|.
func (c ChangeSet) TotalFiles() int {
	return len(c.Added) + len(c.Removed) + len(c.Modified)
}

// TotalLines sums the per-file line changes.
func (c ChangeSet) TotalLines() int {
	total := 0
	for _, group := range [][]FileChange{c.Added, c.Removed, c.Modified} {
		for _, f := range group {
			total += f.Changes
		}
	}
	return total
}

// Paths returns every touched path in added, removed, modified order.
func (c ChangeSet) Paths() []string {
	out := make([]string, 0, c.TotalFiles())
	for _, group := range [][]FileChange{c.Added, c.Removed, c.Modified} {
		for _, f := range group {
			out = append(out, f.Path)
		}
	}
	return out
}

// Ceiling names the limit a change set was measured against.
type Ceiling string

const (
	CeilingFiles Ceiling = "files"
	CeilingLines Ceiling = "lines"
)

// Limit is the (maxFiles, maxLines) pair for one tier.
type Limit struct {
	MaxFiles int `mapstructure:"files"`
	MaxLines int `mapstructure:"lines"`
}

// Limits maps tiers to their ceilings.
type Limits map[model.Tier]Limit

// DefaultLimits are used when configuration does not override them.
func DefaultLimits() Limits {
	return Limits{
		model.TierFree: {MaxFiles: 50, MaxLines: 2000},
		model.TierPro:  {MaxFiles: 300, MaxLines: 20000},
	}
}

// For returns the limit for tier, falling back to the free tier.
func (l Limits) For(tier model.Tier) (model.Tier, Limit) {
	if lim, ok := l[tier]; ok {
		return tier, lim
	}
	if lim, ok := l[model.TierFree]; ok {
		return model.TierFree, lim
	}
	return model.TierFree, DefaultLimits()[model.TierFree]
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed  bool    `json:"allowed"`
	Reason   string  `json:"reason,omitempty"`
	Ceiling  Ceiling `json:"ceiling,omitempty"`
	Observed int     `json:"observed,omitempty"`
	Limit    int     `json:"limit,omitempty"`
}

// Admit decides whether a change set fits within the tier's ceilings.
// The file ceiling is checked before the line ceiling.
func Admit(cs ChangeSet, tier model.Tier, limits Limits) Decision {
	tier, lim := limits.For(tier)

	if files := cs.TotalFiles(); files > lim.MaxFiles {
		return Decision{
			Reason:   fmt.Sprintf("files changed %d exceeds the %s tier limit of %d", files, tier, lim.MaxFiles),
			Ceiling:  CeilingFiles,
			Observed: files,
			Limit:    lim.MaxFiles,
		}
	}
	if lines := cs.TotalLines(); lines > lim.MaxLines {
		return Decision{
			Reason:   fmt.Sprintf("lines changed %d exceeds the %s tier limit of %d", lines, tier, lim.MaxLines),
			Ceiling:  CeilingLines,
			Observed: lines,
			Limit:    lim.MaxLines,
		}
	}
	return Decision{Allowed: true}
}
