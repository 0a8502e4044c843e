package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/threatgraph/pkg/types"
)

// DefaultEntityConfidence is used when the model omits a confidence value.
const DefaultEntityConfidence = 0.8

// DefaultRelationshipType is used when the model omits a relationship type.
const DefaultRelationshipType = "RELATED_TO"

// AnalysisResponse is the raw, coerced model output before ids are assigned.
type AnalysisResponse struct {
	Summary       string                 `json:"summary"`
	Entities      []EntityResponse       `json:"entities"`
	Relationships []RelationshipResponse `json:"relationships"`
}

// EntityResponse is a single entity as returned by the model.
type EntityResponse struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Aliases     StringList  `json:"aliases"`
	Sectors     StringList  `json:"sectors"`
	Tools       StringList  `json:"tools"`
	Confidence  *Confidence `json:"confidence"`
}

// RelationshipResponse is a single relationship as returned by the model.
// Models use either source/target or from/to.
type RelationshipResponse struct {
	Source string `json:"source"`
	Target string `json:"target"`
	From   string `json:"from"`
	To     string `json:"to"`
	Type   string `json:"type"`
}

// SkippedTypeInfo records an entity dropped because its type is unknown.
type SkippedTypeInfo struct {
	TypeName string
	Name     string
}

// StringList accepts a JSON array of strings, a single (optionally
// comma-separated) string, or null.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*l = nil
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var raw []interface{}
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		*l = out
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected string or array, got %s", trimmed)
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*l = out
	return nil
}

// Confidence accepts a number or a numeric string ("85", "0.7", "90%").
// Values above 1 are read as percentages and the result is clamped to [0,1].
type Confidence float64

// UnmarshalJSON implements json.Unmarshaler.
func (c *Confidence) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = Confidence(DefaultEntityConfidence)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid confidence %s", trimmed)
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			*c = Confidence(DefaultEntityConfidence)
			return nil
		}
		f = parsed
	}
	if f > 1 {
		f /= 100
	}
	*c = Confidence(types.ClampConfidence(f))
	return nil
}

// typeSynonyms maps common model spellings onto graph entity types.
var typeSynonyms = map[string]types.EntityType{
	"ACTOR":          types.EntityTypeThreatActor,
	"APT":            types.EntityTypeThreatActor,
	"THREAT_GROUP":   types.EntityTypeThreatActor,
	"INTRUSION_SET":  types.EntityTypeThreatActor,
	"GROUP":          types.EntityTypeThreatActor,
	"ADVERSARY":      types.EntityTypeThreatActor,
	"RANSOMWARE":     types.EntityTypeMalware,
	"BACKDOOR":       types.EntityTypeMalware,
	"TROJAN":         types.EntityTypeMalware,
	"MALWARE_FAMILY": types.EntityTypeMalware,
	"IP":             types.EntityTypeIPAddress,
	"IPV4":           types.EntityTypeIPAddress,
	"IPV6":           types.EntityTypeIPAddress,
	"IP_ADDR":        types.EntityTypeIPAddress,
	"HOSTNAME":       types.EntityTypeDomain,
	"DOMAIN_NAME":    types.EntityTypeDomain,
	"FQDN":           types.EntityTypeDomain,
	"VULNERABILITY":  types.EntityTypeCVE,
	"EXPLOIT":        types.EntityTypeCVE,
	"TECHNIQUE":      types.EntityTypeTTP,
	"ATTACK_PATTERN": types.EntityTypeTTP,
	"TACTIC":         types.EntityTypeTTP,
	"ORG":            types.EntityTypeOrganization,
	"COMPANY":        types.EntityTypeOrganization,
	"VICTIM":         types.EntityTypeOrganization,
	"COUNTRY":        types.EntityTypeLocation,
	"REGION":         types.EntityTypeLocation,
	"CITY":           types.EntityTypeLocation,
	"PUBLICATION":    types.EntityTypeReport,
	"ADVISORY":       types.EntityTypeReport,
}

// NormalizeEntityType maps a model-supplied type name onto a graph type.
// Case is ignored and spaces or hyphens become underscores.
func NormalizeEntityType(s string) (types.EntityType, bool) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if t, ok := types.ParseEntityType(key); ok {
		return t, true
	}
	t, ok := typeSynonyms[key]
	return t, ok
}

// normalizeRelationshipType upper-snake-cases a relationship type.
func normalizeRelationshipType(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	if s == "" {
		return DefaultRelationshipType
	}
	return s
}

// extractJSON extracts the first complete JSON object from text that may
// carry markdown fences or prose around it.
func extractJSON(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text
}

// ParseAnalysisResponse decodes raw model output. Entities with unknown
// types or empty names are dropped; unknown types are reported. An error
// is returned only when no JSON object can be decoded.
func ParseAnalysisResponse(raw string) (*AnalysisResponse, []SkippedTypeInfo, error) {
	var resp AnalysisResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to parse analysis response: %w", err)
	}

	var skipped []SkippedTypeInfo
	kept := resp.Entities[:0]
	for _, e := range resp.Entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		t, ok := NormalizeEntityType(e.Type)
		if !ok {
			skipped = append(skipped, SkippedTypeInfo{TypeName: e.Type, Name: e.Name})
			continue
		}
		e.Type = string(t)
		kept = append(kept, e)
	}
	resp.Entities = kept
	resp.Summary = strings.TrimSpace(resp.Summary)
	return &resp, skipped, nil
}

// ToAnalysis turns the parsed response into graph records. Names and
// aliases are folded case-insensitively so each real-world object gets one
// id; relationships are then resolved through that name map. Unresolved
// endpoints, self-loops and repeated edges are dropped.
func (r *AnalysisResponse) ToAnalysis(sourceID string, now time.Time, newID func() string) *Analysis {
	out := &Analysis{
		Summary:       r.Summary,
		Entities:      []*types.Entity{},
		Relationships: []*types.Relationship{},
	}

	byName := make(map[string]*types.Entity)
	for _, er := range r.Entities {
		names := append([]string{er.Name}, er.Aliases...)

		var target *types.Entity
		for _, n := range names {
			if e, ok := byName[strings.ToLower(n)]; ok {
				target = e
				break
			}
		}

		confidence := DefaultEntityConfidence
		if er.Confidence != nil {
			confidence = float64(*er.Confidence)
		}

		if target == nil {
			target = &types.Entity{
				ID:              newID(),
				Name:            er.Name,
				Type:            types.EntityType(er.Type),
				Description:     strings.TrimSpace(er.Description),
				Aliases:         []string{},
				ConfidenceScore: confidence,
				FirstSeen:       now,
				LastSeen:        now,
				Sources:         []string{},
				Sectors:         []string{},
				Tools:           []string{},
			}
			if sourceID != "" {
				target.Sources = []string{sourceID}
			}
			out.Entities = append(out.Entities, target)
		} else {
			if confidence > target.ConfidenceScore {
				target.ConfidenceScore = confidence
			}
			if target.Description == "" {
				target.Description = strings.TrimSpace(er.Description)
			}
		}

		for _, n := range names {
			if !target.HasName(n) {
				target.Aliases = append(target.Aliases, n)
			}
			byName[strings.ToLower(n)] = target
		}
		target.Sectors = types.UnionStrings(target.Sectors, er.Sectors)
		target.Tools = types.UnionStrings(target.Tools, er.Tools)
	}

	seen := make(map[types.RelationshipKey]struct{})
	for _, rr := range r.Relationships {
		src := firstNonEmpty(rr.Source, rr.From)
		dst := firstNonEmpty(rr.Target, rr.To)
		from, ok := byName[strings.ToLower(strings.TrimSpace(src))]
		if !ok {
			continue
		}
		to, ok := byName[strings.ToLower(strings.TrimSpace(dst))]
		if !ok || from.ID == to.ID {
			continue
		}
		rel := &types.Relationship{
			Source:    from.ID,
			Target:    to.ID,
			Type:      normalizeRelationshipType(rr.Type),
			Weight:    types.WeightAsserted,
			CreatedAt: now,
		}
		if _, dup := seen[rel.Key()]; dup {
			continue
		}
		seen[rel.Key()] = struct{}{}
		out.Relationships = append(out.Relationships, rel)
	}

	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
