// Package query implements the threat query language: a small,
// case-insensitive, read-only language over the entity and relationship
// collections of a graph snapshot.
//
//	FROM <Type|ALL> [WHERE <cond> (AND <cond>)*] [SHOW <field>,...]
//
// A WHERE term that does not parse as <field> <op> <value> matches every
// entity rather than failing the query.
package query

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/threatgraph/pkg/types"
)

// Interpreter parses and executes queries, caching parsed queries by text.
// It is safe for concurrent use.
type Interpreter struct {
	cache *lru.Cache[string, *Query]
}

// NewInterpreter creates an interpreter that keeps up to cacheSize parsed queries.
func NewInterpreter(cacheSize int) (*Interpreter, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[string, *Query](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Interpreter{cache: cache}, nil
}

// Execute parses input (or reuses a cached parse) and runs it against g.
// Errors are *Error values matching ErrSyntax or ErrUnknownType.
func (i *Interpreter) Execute(input string, g *types.Graph) (*Result, error) {
	key := strings.TrimSpace(input)
	q, ok := i.cache.Get(key)
	if !ok {
		var err error
		q, err = Parse(key)
		if err != nil {
			return nil, err
		}
		i.cache.Add(key, q)
	}
	return Execute(q, g), nil
}

// Run parses and executes input against g without caching.
func Run(input string, g *types.Graph) (*Result, error) {
	q, err := Parse(input)
	if err != nil {
		return nil, err
	}
	return Execute(q, g), nil
}
