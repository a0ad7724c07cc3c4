package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Architecture is the structural part of a generated artifact
type Architecture struct {
	Components       []Component      `json:"components"`
	ConnectionLabels ConnectionLabels `json:"connectionLabels,omitempty"`
	Rationale        string           `json:"rationale"`
}

// ArchitectureVersion is one immutable snapshot of an architecture for a target resource
type ArchitectureVersion struct {
	ID                 string             `json:"id"`
	TargetResourceID   string             `json:"targetResourceId"`
	JobID              string             `json:"jobId,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
	Components         []Component        `json:"components"`
	ConnectionLabels   ConnectionLabels   `json:"connectionLabels"`
	Rationale          string             `json:"rationale"`
	ComponentPositions ComponentPositions `json:"componentPositions"`
}

// Architecture returns the structural fields of the version
func (v *ArchitectureVersion) Architecture() *Architecture {
	return &Architecture{
		Components:       v.Components,
		ConnectionLabels: v.ConnectionLabels,
		Rationale:        v.Rationale,
	}
}

// Component is a single node in the architecture graph
type Component struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Technologies Technologies `json:"technologies"`
	Connections  []string     `json:"connections"`
	DataFlow     DataFlow     `json:"dataFlow"`
	Purpose      string       `json:"purpose"`
}

// Technologies lists the stack used by a component
type Technologies struct {
	Primary    string   `json:"primary"`
	Framework  string   `json:"framework,omitempty"`
	Additional []string `json:"additional,omitempty"`
}

// DataFlow describes what a component sends and receives
type DataFlow struct {
	Sends    []string `json:"sends"`
	Receives []string `json:"receives"`
}

// Position is a presentational coordinate
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ComponentPositions maps component ids to their canvas position
type ComponentPositions map[string]Position

// ConnectionLabels maps an unordered component pair (see PairKey) to a label
type ConnectionLabels map[string]string

// PairKey returns the canonical key for an unordered pair of component ids
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// SplitPairKey returns both ids of a canonical pair key
func SplitPairKey(key string) (string, string, bool) {
	a, b, ok := strings.Cut(key, "|")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return a, b, true
}

// Label returns the label for the pair regardless of argument order
func (l ConnectionLabels) Label(a, b string) string {
	return l[PairKey(a, b)]
}

// Set stores a label for the pair
func (l ConnectionLabels) Set(a, b, label string) {
	l[PairKey(a, b)] = label
}

var (
	ErrMissingComponents = errors.New("architecture has no components")
	ErrMissingRationale  = errors.New("architecture has no rationale")
)

// Validate checks the structural invariants of an architecture
func (a *Architecture) Validate() error {
	if len(a.Components) == 0 {
		return ErrMissingComponents
	}
	if strings.TrimSpace(a.Rationale) == "" {
		return ErrMissingRationale
	}

	ids := make(map[string]bool, len(a.Components))
	for _, c := range a.Components {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("component %q has no id", c.Title)
		}
		if ids[c.ID] {
			return fmt.Errorf("duplicate component id %q", c.ID)
		}
		ids[c.ID] = true
	}

	for _, c := range a.Components {
		for _, target := range c.Connections {
			if target == c.ID {
				return fmt.Errorf("component %q connects to itself", c.ID)
			}
			if !ids[target] {
				return fmt.Errorf("component %q connects to unknown component %q", c.ID, target)
			}
		}
	}

	for key := range a.ConnectionLabels {
		x, y, ok := SplitPairKey(key)
		if !ok {
			return fmt.Errorf("malformed connection label key %q", key)
		}
		if !ids[x] || !ids[y] {
			return fmt.Errorf("connection label %q references unknown component", key)
		}
	}

	return nil
}
