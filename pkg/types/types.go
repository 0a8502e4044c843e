// Package types defines the core data structures for the threat knowledge graph.
// These types represent threat entities, the typed relationships between them,
// the ingested reports that produced them, and the graph snapshot that groups
// all three collections.
package types

import "strings"

// EntityType classifies what real-world object an Entity describes.
type EntityType string

// Entity type constants. The set is closed: ingestion boundaries coerce
// anything else into one of these or drop it.
const (
	EntityTypeThreatActor  EntityType = "THREAT_ACTOR"
	EntityTypeMalware      EntityType = "MALWARE"
	EntityTypeIPAddress    EntityType = "IP_ADDRESS"
	EntityTypeDomain       EntityType = "DOMAIN"
	EntityTypeCVE          EntityType = "CVE"
	EntityTypeTTP          EntityType = "TTP"
	EntityTypeOrganization EntityType = "ORGANIZATION"
	EntityTypeLocation     EntityType = "LOCATION"
	EntityTypeReport       EntityType = "REPORT"
)

// ValidEntityTypes lists every entity type in declaration order.
var ValidEntityTypes = []EntityType{
	EntityTypeThreatActor,
	EntityTypeMalware,
	EntityTypeIPAddress,
	EntityTypeDomain,
	EntityTypeCVE,
	EntityTypeTTP,
	EntityTypeOrganization,
	EntityTypeLocation,
	EntityTypeReport,
}

// IsValidEntityType reports whether t is one of ValidEntityTypes.
// The comparison is exact; callers normalize case first.
func IsValidEntityType(t EntityType) bool {
	for _, valid := range ValidEntityTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// ParseEntityType upper-cases s and returns the matching EntityType.
func ParseEntityType(s string) (EntityType, bool) {
	t := EntityType(strings.ToUpper(strings.TrimSpace(s)))
	return t, IsValidEntityType(t)
}

// EntityTypeNames returns the valid type names as plain strings.
func EntityTypeNames() []string {
	names := make([]string, len(ValidEntityTypes))
	for i, t := range ValidEntityTypes {
		names[i] = string(t)
	}
	return names
}

// Relationship type constants
const (
	// RelationshipCorrelatedTo links entities found close together in the same text.
	RelationshipCorrelatedTo = "CORRELATED_TO"
)

// Relationship weights by provenance.
const (
	// WeightCorrelated is assigned to proximity-derived relationships.
	WeightCorrelated = 0.5

	// WeightAsserted is assigned to relationships stated by the NLP collaborator.
	WeightAsserted = 1.0
)
