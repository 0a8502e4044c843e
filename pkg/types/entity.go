package types

import (
	"strings"
	"time"
)

// Entity is the canonical record for one real-world object of interest:
// an actor, a piece of malware, an indicator, a vulnerability and so on.
//
// Set-valued fields (Aliases, Sectors, Tools, Sources) only ever grow, and
// ConfidenceScore only ever rises. Use MergeFrom to fold observations in.
type Entity struct {
	// Core identification fields
	ID          string     `json:"id"`                    // Unique identifier (format: ent:uuid), never reused
	Name        string     `json:"name"`                  // Display name, case preserved
	Type        EntityType `json:"type"`                  // Entity type (see EntityType constants)
	Description string     `json:"description,omitempty"` // Free text, appended to on merge
	Aliases     []string   `json:"aliases"`               // Alternative names

	// Scoring and provenance
	ConfidenceScore float64   `json:"confidenceScore"` // 0.0-1.0, max of all contributing observations
	FirstSeen       time.Time `json:"firstSeen"`       // Fixed at creation
	LastSeen        time.Time `json:"lastSeen"`        // Advanced on every observation
	Sources         []string  `json:"sources"`         // Report/document ids that mention this entity

	// CTI attributes
	Sectors []string `json:"sectors"` // Targeted sectors
	Tools   []string `json:"tools"`   // Tooling associated with the entity

	// Set by collaborators outside the core; preserved across merges.
	IsEnriched  bool `json:"isEnriched"`
	IsValidated bool `json:"isValidated"`
}

// ExtractionCandidate is a single match produced during one extraction pass.
// It is never persisted; Index drives proximity correlation.
type ExtractionCandidate struct {
	Name       string
	Type       EntityType
	Confidence float64
	Index      int // character offset of the match in the source text
}

// Key returns the case-insensitive identity key used for name matching.
func (e *Entity) Key() string {
	return strings.ToLower(e.Name)
}

// HasName reports whether name equals the entity name or one of its aliases,
// ignoring case.
func (e *Entity) HasName(name string) bool {
	if strings.EqualFold(e.Name, name) {
		return true
	}
	for _, alias := range e.Aliases {
		if strings.EqualFold(alias, name) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Aliases = cloneStrings(e.Aliases)
	c.Sources = cloneStrings(e.Sources)
	c.Sectors = cloneStrings(e.Sectors)
	c.Tools = cloneStrings(e.Tools)
	return &c
}

// Normalize replaces nil set fields with empty slices and clamps the
// confidence score into [0,1].
func (e *Entity) Normalize() {
	if e.Aliases == nil {
		e.Aliases = []string{}
	}
	if e.Sources == nil {
		e.Sources = []string{}
	}
	if e.Sectors == nil {
		e.Sectors = []string{}
	}
	if e.Tools == nil {
		e.Tools = []string{}
	}
	e.ConfidenceScore = ClampConfidence(e.ConfidenceScore)
}

// MergeFrom folds an observation of the same real-world object into e.
//
// Aliases, sectors, tools and sources become set unions; LastSeen takes the
// incoming value; ConfidenceScore takes the maximum; the incoming description
// is appended under a timestamp header unless it is already contained in the
// existing text. If the incoming name differs from e.Name it is kept as an alias.
func (e *Entity) MergeFrom(in *Entity, at time.Time) {
	e.Aliases = UnionStrings(e.Aliases, in.Aliases)
	if in.Name != "" && !strings.EqualFold(in.Name, e.Name) {
		e.Aliases = UnionStrings(e.Aliases, []string{in.Name})
	}
	e.Sectors = UnionStrings(e.Sectors, in.Sectors)
	e.Tools = UnionStrings(e.Tools, in.Tools)
	e.Sources = UnionStrings(e.Sources, in.Sources)

	if !in.LastSeen.IsZero() {
		e.LastSeen = in.LastSeen
	}
	if in.ConfidenceScore > e.ConfidenceScore {
		e.ConfidenceScore = in.ConfidenceScore
	}

	desc := strings.TrimSpace(in.Description)
	if desc != "" && !strings.Contains(e.Description, desc) {
		if e.Description == "" {
			e.Description = desc
		} else {
			e.Description += "\n\n[Update " + at.UTC().Format(time.RFC3339) + "]\n" + desc
		}
	}

	e.IsEnriched = e.IsEnriched || in.IsEnriched
	e.IsValidated = e.IsValidated || in.IsValidated
}

// ClampConfidence limits a score to [0,1].
func ClampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// UnionStrings returns a with every element of b that a does not already
// contain appended. Uniqueness is by exact string; order is preserved.
func UnionStrings(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
