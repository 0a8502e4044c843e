package types

import "time"

// RelationshipKey identifies a stored relationship. No two stored
// relationships share the same key.
type RelationshipKey struct {
	Source string
	Target string
	Type   string
}

// Relationship is a directed, typed, weighted edge between two entity ids.
// Source never equals Target.
type Relationship struct {
	Source    string    `json:"source"`             // Source entity ID
	Target    string    `json:"target"`             // Target entity ID
	Type      string    `json:"type"`               // Relationship type (e.g. "CORRELATED_TO", "USES")
	Weight    float64   `json:"weight"`             // 0.5 for correlated, 1.0 for asserted
	CreatedAt time.Time `json:"createdAt,omitempty"` // When the edge was first stored
}

// Key returns the (source, target, type) identity of the relationship.
func (r *Relationship) Key() RelationshipKey {
	return RelationshipKey{Source: r.Source, Target: r.Target, Type: r.Type}
}

// IsSelfLoop reports whether both endpoints are the same entity.
func (r *Relationship) IsSelfLoop() bool {
	return r.Source == r.Target
}

// Touches reports whether id is either endpoint.
func (r *Relationship) Touches(id string) bool {
	return r.Source == id || r.Target == id
}

// Other returns the endpoint opposite id, or "" when id is not an endpoint.
func (r *Relationship) Other(id string) string {
	switch id {
	case r.Source:
		return r.Target
	case r.Target:
		return r.Source
	}
	return ""
}
