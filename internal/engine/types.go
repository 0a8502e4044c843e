// Package engine folds extracted entities and relationships into the
// knowledge graph. It holds the merge and reconcile steps, which are pure
// functions over explicit inputs, and the GraphEngine that owns the live
// snapshot and commits one ingestion batch at a time.
package engine

import (
	"fmt"
	"time"
)

// MergePolicy selects how a fuzzy match is chosen among several candidates.
type MergePolicy string

const (
	// MergePolicyFirst folds into the first existing actor above the
	// threshold, in collection order.
	MergePolicyFirst MergePolicy = "first"

	// MergePolicyBest folds into the highest-scoring actor above the
	// threshold; ties go to the earlier entity.
	MergePolicyBest MergePolicy = "best"
)

// DefaultFuzzyThreshold is the similarity an actor name must exceed to fuzzy-match.
const DefaultFuzzyThreshold = 0.8

// Config holds configuration for the graph engine.
type Config struct {
	// FuzzyThreshold is the exclusive Jaccard similarity bound for actor
	// fuzzy matching (default: 0.8).
	FuzzyThreshold float64

	// Policy chooses among several fuzzy candidates (default: first).
	Policy MergePolicy

	// SaveTimeout bounds a single commit to the store (default: 30s).
	SaveTimeout time.Duration

	// QueryCacheSize is the number of parsed queries kept (default: 128).
	QueryCacheSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold: DefaultFuzzyThreshold,
		Policy:         MergePolicyFirst,
		SaveTimeout:    30 * time.Second,
		QueryCacheSize: 128,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.FuzzyThreshold <= 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("FuzzyThreshold must be in (0,1], got %v", c.FuzzyThreshold)
	}

	if c.Policy != MergePolicyFirst && c.Policy != MergePolicyBest {
		return fmt.Errorf("Policy must be %q or %q, got %q", MergePolicyFirst, MergePolicyBest, c.Policy)
	}

	if c.SaveTimeout < 0 {
		return fmt.Errorf("SaveTimeout must be >= 0, got %v", c.SaveTimeout)
	}

	if c.QueryCacheSize < 1 {
		return fmt.Errorf("QueryCacheSize must be >= 1, got %d", c.QueryCacheSize)
	}

	return nil
}
