package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/threatgraph/pkg/types"
)

func rel(src, dst, typ string, weight float64) *types.Relationship {
	return &types.Relationship{Source: src, Target: dst, Type: typ, Weight: weight}
}

func TestReconcile(t *testing.T) {
	existing := []*types.Relationship{
		rel("ent:1", "ent:2", types.RelationshipCorrelatedTo, types.WeightCorrelated),
	}
	incoming := []*types.Relationship{
		rel("tmp:a", "tmp:b", types.RelationshipCorrelatedTo, types.WeightCorrelated), // remaps onto existing
		rel("tmp:a", "tmp:c", "USES", types.WeightAsserted),                           // new
		rel("tmp:a", "tmp:a2", "USES", types.WeightAsserted),                          // both map to ent:1
		rel("ent:2", "ent:1", types.RelationshipCorrelatedTo, types.WeightCorrelated), // reverse direction is distinct
		rel("tmp:a", "tmp:c", "USES", 0.1),                                            // repeat within batch
		nil,
	}
	idMap := map[string]string{
		"tmp:a":  "ent:1",
		"tmp:a2": "ent:1",
		"tmp:b":  "ent:2",
		"tmp:c":  "ent:3",
	}

	res := Reconcile(existing, incoming, idMap)

	require.Len(t, res.Relationships, 3)
	assert.Equal(t, types.RelationshipKey{Source: "ent:1", Target: "ent:2", Type: types.RelationshipCorrelatedTo}, res.Relationships[0].Key())
	assert.Equal(t, types.RelationshipKey{Source: "ent:1", Target: "ent:3", Type: "USES"}, res.Relationships[1].Key())
	assert.Equal(t, types.WeightAsserted, res.Relationships[1].Weight)
	assert.Equal(t, types.RelationshipKey{Source: "ent:2", Target: "ent:1", Type: types.RelationshipCorrelatedTo}, res.Relationships[2].Key())

	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 1, res.SelfLoops)
	assert.Equal(t, 2, res.Duplicates)
}

func TestReconcile_DoesNotMutateInputs(t *testing.T) {
	existing := []*types.Relationship{rel("ent:1", "ent:2", "USES", 1)}
	in := rel("tmp", "ent:2", "TARGETS", 1)

	res := Reconcile(existing, []*types.Relationship{in}, map[string]string{"tmp": "ent:1"})

	assert.Equal(t, "tmp", in.Source)
	res.Relationships[0].Weight = 0
	assert.Equal(t, 1.0, existing[0].Weight)
}

func TestReconcile_NoDuplicatesInvariant(t *testing.T) {
	var incoming []*types.Relationship
	for i := 0; i < 5; i++ {
		incoming = append(incoming, rel("a", "b", "X", float64(i)), rel("b", "a", "X", 1), rel("a", "a", "X", 1))
	}

	res := Reconcile(nil, incoming, nil)
	seen := map[types.RelationshipKey]bool{}
	for _, r := range res.Relationships {
		assert.False(t, r.IsSelfLoop())
		assert.False(t, seen[r.Key()])
		seen[r.Key()] = true
	}
	assert.Len(t, res.Relationships, 2)
	assert.Equal(t, 0.0, res.Relationships[0].Weight)
}
