package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/threatgraph/pkg/types"
)

// Base columns present in every row.
const (
	ColumnID         = "ID"
	ColumnType       = "Type"
	ColumnName       = "Name"
	ColumnConfidence = "Confidence"
)

// emptyCell is shown for empty list projections.
const emptyCell = "-"

// Row maps column names to formatted cell values.
type Row map[string]string

// Result is an ordered row sequence. Rows follow the entity collection order.
type Result struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Execute evaluates q against g. It only reads g.
func Execute(q *Query, g *types.Graph) *Result {
	res := &Result{
		Columns: []string{ColumnID, ColumnType, ColumnName, ColumnConfidence},
		Rows:    []Row{},
	}
	for _, field := range q.Show {
		res.Columns = append(res.Columns, columnLabel(field))
	}
	if g == nil {
		return res
	}

	var idx map[string]*types.Entity
	var adj map[string][]string
	if needsJoin(q.Show) {
		idx = g.EntityIndex()
		adj = adjacency(g.Relationships)
	}

	for _, e := range g.Entities {
		if !q.All && e.Type != q.Type {
			continue
		}
		if !matchesAll(e, q.Conditions) {
			continue
		}

		row := Row{
			ColumnID:         e.ID,
			ColumnType:       string(e.Type),
			ColumnName:       e.Name,
			ColumnConfidence: FormatConfidence(e.ConfidenceScore),
		}
		for _, field := range q.Show {
			row[columnLabel(field)] = project(field, e, idx, adj)
		}
		res.Rows = append(res.Rows, row)
	}
	return res
}

// FormatConfidence renders a [0,1] score as a whole percentage.
func FormatConfidence(score float64) string {
	return fmt.Sprintf("%.0f%%", score*100)
}

func matchesAll(e *types.Entity, conds []Condition) bool {
	for _, c := range conds {
		if !c.Valid {
			continue
		}
		if !evaluate(e, c) {
			return false
		}
	}
	return true
}

func evaluate(e *types.Entity, c Condition) bool {
	if c.Field == "confidence" || c.Field == "confidencescore" {
		return compareConfidence(e.ConfidenceScore, c.Op, c.Value)
	}

	if list, ok := listField(e, c.Field); ok {
		if c.Op != OpContains {
			return false
		}
		needle := strings.ToLower(c.Value)
		for _, item := range list {
			if strings.Contains(strings.ToLower(item), needle) {
				return true
			}
		}
		return false
	}

	value, _ := scalarField(e, c.Field)
	return compareStrings(strings.ToLower(value), c.Op, strings.ToLower(c.Value))
}

// compareConfidence treats literals above 1 as percentages.
func compareConfidence(score float64, op Operator, literal string) bool {
	v, err := strconv.ParseFloat(strings.TrimSuffix(literal, "%"), 64)
	if err != nil {
		return false
	}
	if v > 1 {
		v /= 100
	}
	const epsilon = 1e-9
	switch op {
	case OpEqual:
		return math.Abs(score-v) < epsilon
	case OpNotEqual:
		return math.Abs(score-v) >= epsilon
	case OpGreater:
		return score > v
	case OpLess:
		return score < v
	}
	return false
}

func compareStrings(value string, op Operator, literal string) bool {
	switch op {
	case OpEqual:
		return value == literal
	case OpNotEqual:
		return value != literal
	case OpGreater:
		return value > literal
	case OpLess:
		return value < literal
	case OpContains:
		return strings.Contains(value, literal)
	}
	return false
}

// scalarField returns a string-valued entity attribute by lower-case name.
// Unknown names yield "" and false.
func scalarField(e *types.Entity, field string) (string, bool) {
	switch field {
	case "id":
		return e.ID, true
	case "name":
		return e.Name, true
	case "type":
		return string(e.Type), true
	case "description":
		return e.Description, true
	case "firstseen":
		return formatTime(e.FirstSeen), true
	case "lastseen":
		return formatTime(e.LastSeen), true
	case "isenriched":
		return strconv.FormatBool(e.IsEnriched), true
	case "isvalidated":
		return strconv.FormatBool(e.IsValidated), true
	}
	return "", false
}

func listField(e *types.Entity, field string) ([]string, bool) {
	switch field {
	case "aliases":
		return e.Aliases, true
	case "sectors":
		return e.Sectors, true
	case "tools":
		return e.Tools, true
	case "sources":
		return e.Sources, true
	}
	return nil, false
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// project computes one SHOW cell. Entity type names (optionally with a
// trailing S) join one hop to neighbors of that type; SECTORS and SOURCES
// read the entity's own attributes; TOOLS combines the entity's own tools
// with its MALWARE neighbors.
func project(field string, e *types.Entity, idx map[string]*types.Entity, adj map[string][]string) string {
	switch field {
	case "SECTORS":
		return joinOrDash(e.Sectors)
	case "SOURCES":
		return strconv.Itoa(len(e.Sources))
	case "TOOLS":
		names := types.UnionStrings(e.Tools, neighborNames(e.ID, types.EntityTypeMalware, idx, adj))
		return joinOrDash(names)
	}

	if t, ok := joinType(field); ok {
		return joinOrDash(neighborNames(e.ID, t, idx, adj))
	}

	lower := strings.ToLower(field)
	if list, ok := listField(e, lower); ok {
		return joinOrDash(list)
	}
	if v, ok := scalarField(e, lower); ok && v != "" {
		return v
	}
	if lower == "confidence" {
		return FormatConfidence(e.ConfidenceScore)
	}
	return emptyCell
}

// joinType resolves a SHOW identifier to an entity type, accepting a naive
// plural ("CVES", "THREAT_ACTORS").
func joinType(field string) (types.EntityType, bool) {
	if t, ok := types.ParseEntityType(field); ok {
		return t, true
	}
	if strings.HasSuffix(field, "S") {
		return types.ParseEntityType(strings.TrimSuffix(field, "S"))
	}
	return "", false
}

func needsJoin(fields []string) bool {
	for _, f := range fields {
		if f == "TOOLS" {
			return true
		}
		if _, ok := joinType(f); ok {
			return true
		}
	}
	return false
}

// adjacency maps each entity id to its neighbors in either direction,
// unique and in relationship order.
func adjacency(rels []*types.Relationship) map[string][]string {
	adj := make(map[string][]string)
	seen := make(map[[2]string]struct{})
	add := func(from, to string) {
		key := [2]string{from, to}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		adj[from] = append(adj[from], to)
	}
	for _, r := range rels {
		if r.IsSelfLoop() {
			continue
		}
		add(r.Source, r.Target)
		add(r.Target, r.Source)
	}
	return adj
}

func neighborNames(id string, t types.EntityType, idx map[string]*types.Entity, adj map[string][]string) []string {
	var names []string
	for _, nid := range adj[id] {
		if n, ok := idx[nid]; ok && n.Type == t {
			names = append(names, n.Name)
		}
	}
	return names
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return emptyCell
	}
	return strings.Join(items, ", ")
}

// columnLabel turns a SHOW identifier into a column name: SECTORS -> Sectors,
// THREAT_ACTORS -> Threat Actors.
func columnLabel(field string) string {
	words := strings.Split(strings.ToLower(field), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
