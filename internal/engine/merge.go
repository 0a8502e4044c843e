package engine

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/threatgraph/pkg/types"
)

// MergeResult is the outcome of folding one batch into an entity collection.
type MergeResult struct {
	// Entities is the canonical entity set: the existing entities, updated
	// in place where matched, followed by newly added ones.
	Entities []*types.Entity

	// IDMap maps every incoming entity id to the canonical id it now lives
	// under. It is only valid for relationships produced in the same batch.
	IDMap map[string]string

	// Created and Merged count incoming entities that were appended or folded.
	Created int
	Merged  int

	// Touched lists the canonical ids the batch created or updated, in first-touch order.
	Touched []string
}

// Merger folds incoming entities into an existing collection.
type Merger struct {
	threshold float64
	policy    MergePolicy
	now       func() time.Time
}

// NewMerger creates a Merger. A zero threshold or empty policy falls back
// to the defaults.
func NewMerger(threshold float64, policy MergePolicy) *Merger {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	if policy == "" {
		policy = MergePolicyFirst
	}
	return &Merger{threshold: threshold, policy: policy, now: time.Now}
}

// Merge folds incoming into existing and returns the canonical set and id map.
//
// Neither input slice nor the entities they point to are modified; the
// result holds copies. Each incoming entity is matched, first rule wins:
//  1. an entity whose name equals the incoming name, ignoring case;
//  2. for THREAT_ACTOR only, an existing actor whose name similarity
//     exceeds the threshold (see MergePolicy).
//
// Entities added earlier in the same batch are candidates for later ones.
func (m *Merger) Merge(existing, incoming []*types.Entity) *MergeResult {
	res := &MergeResult{
		Entities: make([]*types.Entity, 0, len(existing)+len(incoming)),
		IDMap:    make(map[string]string, len(incoming)),
	}

	ids := make(map[string]struct{}, len(existing)+len(incoming))
	for _, e := range existing {
		res.Entities = append(res.Entities, e.Clone())
		ids[e.ID] = struct{}{}
	}

	touched := make(map[string]struct{})
	touch := func(id string) {
		if _, ok := touched[id]; !ok {
			touched[id] = struct{}{}
			res.Touched = append(res.Touched, id)
		}
	}

	for _, in := range incoming {
		if in == nil {
			continue
		}
		in = in.Clone()
		in.Normalize()

		if match := m.findMatch(res.Entities, in); match != nil {
			match.MergeFrom(in, m.now())
			if in.ID != "" {
				res.IDMap[in.ID] = match.ID
			}
			res.Merged++
			touch(match.ID)
			continue
		}

		originalID := in.ID
		if _, taken := ids[in.ID]; taken || in.ID == "" {
			in.ID = "ent:" + uuid.New().String()
		}
		if originalID != "" {
			res.IDMap[originalID] = in.ID
		}
		ids[in.ID] = struct{}{}
		res.Entities = append(res.Entities, in)
		res.Created++
		touch(in.ID)
	}

	return res
}

func (m *Merger) findMatch(entities []*types.Entity, in *types.Entity) *types.Entity {
	for _, e := range entities {
		if strings.EqualFold(e.Name, in.Name) {
			return e
		}
	}

	if in.Type != types.EntityTypeThreatActor {
		return nil
	}

	var best *types.Entity
	bestScore := 0.0
	for _, e := range entities {
		if e.Type != types.EntityTypeThreatActor {
			continue
		}
		score := JaccardSimilarity(e.Name, in.Name)
		if score <= m.threshold {
			continue
		}
		if m.policy == MergePolicyFirst {
			return e
		}
		if best == nil || score > bestScore {
			best, bestScore = e, score
		}
	}
	return best
}

// Merge folds incoming into existing with the default threshold and
// first-match policy. See Merger.Merge.
func Merge(existing, incoming []*types.Entity) ([]*types.Entity, map[string]string) {
	res := NewMerger(DefaultFuzzyThreshold, MergePolicyFirst).Merge(existing, incoming)
	return res.Entities, res.IDMap
}
