package query

import (
	"regexp"
	"strings"

	"github.com/scrypster/threatgraph/pkg/types"
)

// Operator is a WHERE comparison operator.
type Operator string

// Operators
const (
	OpEqual    Operator = "=="
	OpNotEqual Operator = "!="
	OpGreater  Operator = ">"
	OpLess     Operator = "<"
	OpContains Operator = "CONTAINS"
)

// Condition is one WHERE clause term. A term that did not parse is kept
// with Valid false and always matches.
type Condition struct {
	Field string
	Op    Operator
	Value string
	Raw   string
	Valid bool
}

// Query is a parsed query.
type Query struct {
	All        bool             // FROM ALL
	Type       types.EntityType // FROM <Type> when All is false
	Conditions []Condition
	Show       []string // upper-cased SHOW identifiers in request order
}

var (
	fromPattern    = regexp.MustCompile(`(?is)^FROM\s+(\S+)(.*)$`)
	clausePattern  = regexp.MustCompile(`(?is)^(?:\s+WHERE\s+(.*?))?(?:\s+SHOW\s+(.*?))?\s*$`)
	andPattern     = regexp.MustCompile(`(?i)\s+AND\s+`)
	symbolPattern  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(==|!=|>|<)\s*(.+)$`)
	containPattern = regexp.MustCompile(`(?i)^([A-Za-z_][A-Za-z0-9_]*)\s+CONTAINS\s+(.+)$`)
)

// Parse parses a query string. Keywords, type names and field names are
// case-insensitive.
func Parse(input string) (*Query, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, syntaxError("empty query")
	}

	m := fromPattern.FindStringSubmatch(input)
	if m == nil {
		return nil, syntaxError("query must start with FROM")
	}

	q := &Query{}
	target := strings.ToUpper(m[1])
	if target == "ALL" {
		q.All = true
	} else {
		t, ok := types.ParseEntityType(target)
		if !ok {
			return nil, unknownTypeError(m[1])
		}
		q.Type = t
	}

	clauses := clausePattern.FindStringSubmatch(m[2])
	if clauses == nil {
		return nil, syntaxError("unexpected input %q", strings.TrimSpace(m[2]))
	}

	if where := strings.TrimSpace(clauses[1]); where != "" {
		for _, term := range andPattern.Split(where, -1) {
			q.Conditions = append(q.Conditions, parseCondition(term))
		}
	}

	if show := strings.TrimSpace(clauses[2]); show != "" {
		for _, field := range strings.Split(show, ",") {
			field = strings.ToUpper(strings.TrimSpace(field))
			if field != "" {
				q.Show = append(q.Show, field)
			}
		}
	}

	return q, nil
}

func parseCondition(term string) Condition {
	term = strings.TrimSpace(term)
	c := Condition{Raw: term}

	if m := containPattern.FindStringSubmatch(term); m != nil {
		c.Field, c.Op, c.Value = strings.ToLower(m[1]), OpContains, unquote(m[2])
		c.Valid = true
		return c
	}
	if m := symbolPattern.FindStringSubmatch(term); m != nil {
		c.Field, c.Op, c.Value = strings.ToLower(m[1]), Operator(m[2]), unquote(m[3])
		c.Valid = true
	}
	return c
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			return v[1 : len(v)-1]
		}
	}
	return v
}
