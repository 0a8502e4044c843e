package types

import (
	"fmt"
	"time"
)

// Report records one ingested document.
type Report struct {
	ID         string    `json:"id"`                // Unique identifier (format: rpt:uuid)
	SourceID   string    `json:"sourceId"`          // Caller-supplied document id
	Title      string    `json:"title,omitempty"`   // Document title
	Summary    string    `json:"summary,omitempty"` // Summary from the NLP collaborator, if any
	IngestedBy string    `json:"ingestedBy,omitempty"`
	IngestedAt time.Time `json:"ingestedAt"`
	EntityIDs  []string  `json:"entityIds"` // Canonical ids of entities the document touched
}

// Graph is one snapshot of the knowledge graph. It is the aggregate record
// exchanged with persistence and the value threaded through ingestion.
type Graph struct {
	Entities      []*Entity       `json:"entities"`
	Relationships []*Relationship `json:"relationships"`
	Reports       []*Report       `json:"reports"`
}

// NewGraph returns an empty graph with non-nil collections.
func NewGraph() *Graph {
	return &Graph{
		Entities:      []*Entity{},
		Relationships: []*Relationship{},
		Reports:       []*Report{},
	}
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		Entities:      make([]*Entity, len(g.Entities)),
		Relationships: make([]*Relationship, len(g.Relationships)),
		Reports:       make([]*Report, len(g.Reports)),
	}
	for i, e := range g.Entities {
		out.Entities[i] = e.Clone()
	}
	for i, r := range g.Relationships {
		rel := *r
		out.Relationships[i] = &rel
	}
	for i, r := range g.Reports {
		rpt := *r
		rpt.EntityIDs = cloneStrings(r.EntityIDs)
		out.Reports[i] = &rpt
	}
	return out
}

// Normalize fills nil collections and normalizes every entity. Graphs loaded
// from storage or decoded from JSON pass through here before use.
func (g *Graph) Normalize() {
	if g.Entities == nil {
		g.Entities = []*Entity{}
	}
	if g.Relationships == nil {
		g.Relationships = []*Relationship{}
	}
	if g.Reports == nil {
		g.Reports = []*Report{}
	}
	for _, e := range g.Entities {
		e.Normalize()
	}
	for _, r := range g.Reports {
		if r.EntityIDs == nil {
			r.EntityIDs = []string{}
		}
	}
}

// EntityIndex returns the entities keyed by id.
func (g *Graph) EntityIndex() map[string]*Entity {
	idx := make(map[string]*Entity, len(g.Entities))
	for _, e := range g.Entities {
		idx[e.ID] = e
	}
	return idx
}

// Neighbors returns the entities one hop away from id in either direction,
// each at most once, in relationship order.
func (g *Graph) Neighbors(id string) []*Entity {
	idx := g.EntityIndex()
	seen := make(map[string]struct{})
	var out []*Entity
	for _, r := range g.Relationships {
		other := r.Other(id)
		if other == "" || other == id {
			continue
		}
		if _, ok := seen[other]; ok {
			continue
		}
		if e, ok := idx[other]; ok {
			seen[other] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

// Validate checks the invariants every committed snapshot holds: entity ids
// are unique and non-empty, and relationships have no self-loops and no
// repeated keys. Endpoints are not resolved against the entity list.
func (g *Graph) Validate() error {
	idx := make(map[string]struct{}, len(g.Entities))
	for _, e := range g.Entities {
		if e == nil || e.ID == "" {
			return fmt.Errorf("entity with empty id")
		}
		if _, dup := idx[e.ID]; dup {
			return fmt.Errorf("duplicate entity id %s", e.ID)
		}
		idx[e.ID] = struct{}{}
	}
	keys := make(map[RelationshipKey]struct{}, len(g.Relationships))
	for _, r := range g.Relationships {
		if r.IsSelfLoop() {
			return fmt.Errorf("self-loop on %s", r.Source)
		}
		if _, dup := keys[r.Key()]; dup {
			return fmt.Errorf("duplicate relationship %s -%s-> %s", r.Source, r.Type, r.Target)
		}
		keys[r.Key()] = struct{}{}
	}
	return nil
}
