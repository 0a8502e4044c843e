package engine

import "github.com/scrypster/threatgraph/pkg/types"

// ReconcileResult is the outcome of applying a batch of relationships.
type ReconcileResult struct {
	Relationships []*types.Relationship
	Added         int
	SelfLoops     int // dropped because both endpoints resolved to one entity
	Duplicates    int // dropped because the (source, target, type) triple existed
}

// Reconcile rewrites incoming relationship endpoints through idMap (identity
// for ids not in the map), drops self-loops and triples already present, and
// appends the rest to a copy of existing. The first-seen weight wins.
func Reconcile(existing, incoming []*types.Relationship, idMap map[string]string) *ReconcileResult {
	res := &ReconcileResult{
		Relationships: make([]*types.Relationship, 0, len(existing)+len(incoming)),
	}

	seen := make(map[types.RelationshipKey]struct{}, len(existing)+len(incoming))
	for _, r := range existing {
		rel := *r
		res.Relationships = append(res.Relationships, &rel)
		seen[rel.Key()] = struct{}{}
	}

	for _, r := range incoming {
		if r == nil {
			continue
		}
		rel := *r
		rel.Source = remap(idMap, rel.Source)
		rel.Target = remap(idMap, rel.Target)

		if rel.IsSelfLoop() {
			res.SelfLoops++
			continue
		}
		if _, ok := seen[rel.Key()]; ok {
			res.Duplicates++
			continue
		}
		seen[rel.Key()] = struct{}{}
		res.Relationships = append(res.Relationships, &rel)
		res.Added++
	}

	return res
}

func remap(idMap map[string]string, id string) string {
	if canonical, ok := idMap[id]; ok {
		return canonical
	}
	return id
}
