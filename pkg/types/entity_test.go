package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityType(t *testing.T) {
	tests := []struct {
		input string
		want  EntityType
		ok    bool
	}{
		{"THREAT_ACTOR", EntityTypeThreatActor, true},
		{" malware ", EntityTypeMalware, true},
		{"ip_address", EntityTypeIPAddress, true},
		{"Cve", EntityTypeCVE, true},
		{"ALL", "ALL", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseEntityType(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
	assert.Len(t, EntityTypeNames(), len(ValidEntityTypes))
	assert.Equal(t, "THREAT_ACTOR", EntityTypeNames()[0])
}

func TestEntity_HasName(t *testing.T) {
	e := &Entity{Name: "Fancy Bear", Aliases: []string{"APT28", "Sofacy"}}
	assert.True(t, e.HasName("fancy bear"))
	assert.True(t, e.HasName("apt28"))
	assert.False(t, e.HasName("APT29"))
	assert.Equal(t, "fancy bear", e.Key())
}

func TestEntity_Normalize(t *testing.T) {
	e := &Entity{Name: "x", ConfidenceScore: 1.7}
	e.Normalize()
	assert.NotNil(t, e.Aliases)
	assert.NotNil(t, e.Sources)
	assert.NotNil(t, e.Sectors)
	assert.NotNil(t, e.Tools)
	assert.Equal(t, 1.0, e.ConfidenceScore)

	e.ConfidenceScore = -0.2
	e.Normalize()
	assert.Equal(t, 0.0, e.ConfidenceScore)
}

func TestEntity_CloneIsDeep(t *testing.T) {
	e := &Entity{Name: "x", Aliases: []string{"a"}, Tools: []string{"t"}}
	c := e.Clone()
	c.Aliases[0] = "changed"
	c.Tools = append(c.Tools, "u")
	assert.Equal(t, []string{"a"}, e.Aliases)
	assert.Equal(t, []string{"t"}, e.Tools)
}

func TestEntity_MergeFrom(t *testing.T) {
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(72 * time.Hour)
	at := time.Date(2026, 1, 4, 9, 30, 0, 0, time.FixedZone("EST", -5*3600))

	e := &Entity{
		Name:            "Sandworm",
		Description:     "GRU unit 74455.",
		Aliases:         []string{"Voodoo Bear"},
		ConfidenceScore: 0.9,
		FirstSeen:       first,
		LastSeen:        first,
		Sources:         []string{"doc-1"},
		Sectors:         []string{"Energy"},
		Tools:           []string{},
		IsValidated:     true,
	}
	in := &Entity{
		Name:            "Sandworm Team",
		Description:     "Behind Industroyer.",
		Aliases:         []string{"Voodoo Bear", "IRIDIUM"},
		ConfidenceScore: 0.6,
		FirstSeen:       later,
		LastSeen:        later,
		Sources:         []string{"doc-2", "doc-1"},
		Sectors:         []string{"Energy", "Government"},
		Tools:           []string{"Industroyer"},
	}

	e.MergeFrom(in, at)

	assert.Equal(t, "Sandworm", e.Name)
	assert.Equal(t, []string{"Voodoo Bear", "IRIDIUM", "Sandworm Team"}, e.Aliases)
	assert.Equal(t, []string{"doc-1", "doc-2"}, e.Sources)
	assert.Equal(t, []string{"Energy", "Government"}, e.Sectors)
	assert.Equal(t, []string{"Industroyer"}, e.Tools)
	assert.Equal(t, 0.9, e.ConfidenceScore, "confidence never decreases")
	assert.Equal(t, first, e.FirstSeen)
	assert.Equal(t, later, e.LastSeen)
	assert.True(t, e.IsValidated)
	assert.Equal(t, "GRU unit 74455.\n\n[Update 2026-01-04T14:30:00Z]\nBehind Industroyer.", e.Description)

	// Folding the same description again leaves the text alone.
	e.MergeFrom(in, at.Add(time.Hour))
	assert.Equal(t, "GRU unit 74455.\n\n[Update 2026-01-04T14:30:00Z]\nBehind Industroyer.", e.Description)
}

func TestEntity_MergeFromEmptyDescription(t *testing.T) {
	e := &Entity{Name: "Emotet"}
	e.MergeFrom(&Entity{Name: "emotet", Description: "  Banking trojan.  "}, time.Now())
	assert.Equal(t, "Banking trojan.", e.Description)
	assert.Empty(t, e.Aliases, "a case variant of the name is not an alias")
}

func TestUnionStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "A"}, UnionStrings([]string{"a", "b"}, []string{"b", "A", "a"}))
	assert.Equal(t, []string{}, UnionStrings(nil, nil))
}

func TestEntity_JSONFieldNames(t *testing.T) {
	e := &Entity{ID: "ent:1", Name: "APT1", Type: EntityTypeThreatActor, ConfidenceScore: 0.5, IsEnriched: true}
	e.Normalize()
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "name", "type", "aliases", "confidenceScore", "firstSeen", "lastSeen", "sources", "sectors", "tools", "isEnriched", "isValidated"} {
		assert.Contains(t, raw, key)
	}
}
