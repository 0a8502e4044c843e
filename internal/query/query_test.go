package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/threatgraph/pkg/types"
)

func fixtureGraph() *types.Graph {
	g := types.NewGraph()
	g.Entities = []*types.Entity{
		{ID: "a1", Name: "Fancy Bear", Type: types.EntityTypeThreatActor, ConfidenceScore: 0.9,
			Sectors: []string{"Government", "Defense"}, Tools: []string{"Responder"}, Sources: []string{"r1", "r2"}},
		{ID: "a2", Name: "Ghost Team", Type: types.EntityTypeThreatActor, ConfidenceScore: 0.4,
			Sectors: []string{}, Sources: []string{"r1"}},
		{ID: "m1", Name: "X-Agent", Type: types.EntityTypeMalware, ConfidenceScore: 0.95, Sources: []string{"r1"}},
		{ID: "c1", Name: "CVE-2024-1234", Type: types.EntityTypeCVE, ConfidenceScore: 0.95, Sources: []string{"r2"}},
		{ID: "d1", Name: "logon-update.com", Type: types.EntityTypeDomain, ConfidenceScore: 0.95},
	}
	g.Relationships = []*types.Relationship{
		{Source: "a1", Target: "m1", Type: "USES", Weight: 1},
		{Source: "c1", Target: "a1", Type: types.RelationshipCorrelatedTo, Weight: 0.5},
		{Source: "a1", Target: "d1", Type: types.RelationshipCorrelatedTo, Weight: 0.5},
		{Source: "a1", Target: "m1", Type: types.RelationshipCorrelatedTo, Weight: 0.5},
	}
	return g
}

func names(res *Result) []string {
	out := make([]string, len(res.Rows))
	for i, r := range res.Rows {
		out[i] = r[ColumnName]
	}
	return out
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  error
	}{
		{"empty", "", ErrSyntax},
		{"missing from", "SELECT * FROM ALL", ErrSyntax},
		{"from without type", "FROM", ErrSyntax},
		{"trailing garbage", "FROM ALL please", ErrSyntax},
		{"where without conditions", "FROM ALL WHERE", ErrSyntax},
		{"unknown type", "FROM WIDGET", ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestParse_SyntaxErrorShowsGrammar(t *testing.T) {
	_, err := Parse("GET ALL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), Grammar)
}

func TestParse_UnknownTypeListsValidTypes(t *testing.T) {
	_, err := Parse("FROM hackers")
	require.Error(t, err)
	for _, name := range types.EntityTypeNames() {
		assert.Contains(t, err.Error(), name)
	}
}

func TestParse_CaseInsensitive(t *testing.T) {
	q, err := Parse("from threat_actor where Confidence > 50 and name contains bear show malware, Sectors")
	require.NoError(t, err)

	assert.False(t, q.All)
	assert.Equal(t, types.EntityTypeThreatActor, q.Type)
	require.Len(t, q.Conditions, 2)
	assert.Equal(t, Condition{Field: "confidence", Op: OpGreater, Value: "50", Raw: "Confidence > 50", Valid: true}, q.Conditions[0])
	assert.Equal(t, OpContains, q.Conditions[1].Op)
	assert.Equal(t, "bear", q.Conditions[1].Value)
	assert.Equal(t, []string{"MALWARE", "SECTORS"}, q.Show)
}

func TestParse_QuotedValue(t *testing.T) {
	q, err := Parse(`FROM ALL WHERE name == "Fancy Bear"`)
	require.NoError(t, err)
	require.Len(t, q.Conditions, 1)
	assert.Equal(t, "Fancy Bear", q.Conditions[0].Value)
}

func TestExecute_ConfidencePercent(t *testing.T) {
	res, err := Run("FROM THREAT_ACTOR WHERE confidence > 50", fixtureGraph())
	require.NoError(t, err)
	assert.Equal(t, []string{"Fancy Bear"}, names(res))

	res, err = Run("FROM THREAT_ACTOR WHERE confidence > 0.5", fixtureGraph())
	require.NoError(t, err)
	assert.Equal(t, []string{"Fancy Bear"}, names(res))

	res, err = Run("FROM ALL WHERE confidence == 95", fixtureGraph())
	require.NoError(t, err)
	assert.Equal(t, []string{"X-Agent", "CVE-2024-1234", "logon-update.com"}, names(res))

	res, err = Run("FROM ALL WHERE confidence < 50%", fixtureGraph())
	require.NoError(t, err)
	assert.Equal(t, []string{"Ghost Team"}, names(res))
}

func TestExecute_BaseColumns(t *testing.T) {
	res, err := Run("FROM MALWARE", fixtureGraph())
	require.NoError(t, err)

	assert.Equal(t, []string{ColumnID, ColumnType, ColumnName, ColumnConfidence}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, Row{ColumnID: "m1", ColumnType: "MALWARE", ColumnName: "X-Agent", ColumnConfidence: "95%"}, res.Rows[0])
}

func TestExecute_ShowSectors(t *testing.T) {
	g := fixtureGraph()
	res, err := Run("FROM ALL SHOW SECTORS", g)
	require.NoError(t, err)

	require.Len(t, res.Rows, len(g.Entities))
	assert.Equal(t, "Sectors", res.Columns[4])
	assert.Equal(t, "Government, Defense", res.Rows[0]["Sectors"])
	for _, row := range res.Rows[1:] {
		assert.Equal(t, "-", row["Sectors"])
	}
	for i, row := range res.Rows {
		assert.Equal(t, g.Entities[i].ID, row[ColumnID], "row order must follow entity order")
	}
}

func TestExecute_ShowSourcesCount(t *testing.T) {
	res, err := Run("FROM THREAT_ACTOR SHOW sources", fixtureGraph())
	require.NoError(t, err)
	assert.Equal(t, "2", res.Rows[0]["Sources"])
	assert.Equal(t, "1", res.Rows[1]["Sources"])
}

func TestExecute_ShowJoin(t *testing.T) {
	res, err := Run("FROM THREAT_ACTOR WHERE name == 'fancy bear' SHOW MALWARE, CVES, DOMAIN, THREAT_ACTORS", fixtureGraph())
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)

	row := res.Rows[0]
	assert.Equal(t, "X-Agent", row["Malware"], "duplicate edges to the same neighbor are joined once")
	assert.Equal(t, "CVE-2024-1234", row["Cves"], "incoming edges are followed too")
	assert.Equal(t, "logon-update.com", row["Domain"])
	assert.Equal(t, "-", row["Threat Actors"])
}

func TestExecute_ShowTools(t *testing.T) {
	res, err := Run("FROM THREAT_ACTOR SHOW TOOLS", fixtureGraph())
	require.NoError(t, err)
	assert.Equal(t, "Responder, X-Agent", res.Rows[0]["Tools"])
	assert.Equal(t, "-", res.Rows[1]["Tools"])
}

func TestExecute_ArrayFields(t *testing.T) {
	g := fixtureGraph()

	res, err := Run("FROM ALL WHERE sectors CONTAINS gov", g)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fancy Bear"}, names(res))

	res, err = Run("FROM ALL WHERE sectors == Government", g)
	require.NoError(t, err)
	assert.Empty(t, res.Rows, "only CONTAINS applies to array fields")

	res, err = Run("FROM ALL WHERE tools != nothing", g)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestExecute_StringFields(t *testing.T) {
	g := fixtureGraph()

	res, err := Run("FROM ALL WHERE name CONTAINS TEAM", g)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ghost Team"}, names(res))

	res, err = Run("FROM ALL WHERE type != threat_actor AND name contains -", g)
	require.NoError(t, err)
	assert.Equal(t, []string{"X-Agent", "CVE-2024-1234", "logon-update.com"}, names(res))

	res, err = Run("FROM ALL WHERE name < b", g)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestExecute_MalformedConditionIsPermissive(t *testing.T) {
	g := fixtureGraph()
	res, err := Run("FROM THREAT_ACTOR WHERE this is not a condition", g)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)

	res, err = Run("FROM THREAT_ACTOR WHERE garbage AND confidence > 50", g)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fancy Bear"}, names(res))
}

func TestExecute_EmptyResult(t *testing.T) {
	res, err := Run("FROM LOCATION", fixtureGraph())
	require.NoError(t, err)
	assert.NotNil(t, res.Rows)
	assert.Empty(t, res.Rows)
}

func TestExecute_DoesNotMutateGraph(t *testing.T) {
	g := fixtureGraph()
	before := g.Clone()

	_, err := Run("FROM ALL WHERE sectors CONTAINS def SHOW MALWARE, TOOLS, SECTORS, SOURCES", g)
	require.NoError(t, err)
	assert.Equal(t, before, g)
}

func TestInterpreter_CachesParses(t *testing.T) {
	interp, err := NewInterpreter(4)
	require.NoError(t, err)
	g := fixtureGraph()

	first, err := interp.Execute("FROM MALWARE", g)
	require.NoError(t, err)
	assert.Equal(t, 1, interp.cache.Len())

	second, err := interp.Execute("  FROM MALWARE  ", g)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, interp.cache.Len())

	_, err = interp.Execute("FROM NOPE", g)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, 1, interp.cache.Len(), "failed parses are not cached")
}
