package pipeline

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/devildev/api/internal/model"
)

// ParseArchitecture extracts the JSON document from a model reply, decodes
// it and checks the structural invariants. Every failure is a
// ValidationError so the step is not retried.
func ParseArchitecture(reply string) (*model.Architecture, error) {
	doc := extractJSON(reply)
	if doc == "" {
		return nil, Invalid("model reply contains no JSON document", nil)
	}

	var arch model.Architecture
	if err := json.Unmarshal([]byte(doc), &arch); err != nil {
		return nil, Invalid("model reply is not a valid architecture document", err)
	}

	normalize(&arch)
	if err := arch.Validate(); err != nil {
		return nil, Invalid(err.Error(), err)
	}
	return &arch, nil
}

// extractJSON returns the outermost object in s, ignoring code fences and
// surrounding prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = rest[:end]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// normalize trims ids, deduplicates connections and rewrites label keys into
// canonical pair order.
func normalize(a *model.Architecture) {
	a.Rationale = strings.TrimSpace(a.Rationale)
	for i := range a.Components {
		c := &a.Components[i]
		c.ID = strings.TrimSpace(c.ID)
		seen := make(map[string]bool, len(c.Connections))
		conns := make([]string, 0, len(c.Connections))
		for _, id := range c.Connections {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			conns = append(conns, id)
		}
		sort.Strings(conns)
		c.Connections = conns
		if c.DataFlow.Sends == nil {
			c.DataFlow.Sends = []string{}
		}
		if c.DataFlow.Receives == nil {
			c.DataFlow.Receives = []string{}
		}
	}

	if len(a.ConnectionLabels) == 0 {
		a.ConnectionLabels = model.ConnectionLabels{}
		return
	}
	labels := make(model.ConnectionLabels, len(a.ConnectionLabels))
	for key, label := range a.ConnectionLabels {
		x, y, ok := model.SplitPairKey(key)
		if !ok {
			labels[key] = label
			continue
		}
		labels.Set(strings.TrimSpace(x), strings.TrimSpace(y), label)
	}
	a.ConnectionLabels = labels
}
