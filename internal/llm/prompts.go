// Package llm provides the AI/NLP collaborator: HTTP clients for Ollama,
// OpenAI-compatible servers and Anthropic, a strict JSON-only prompt for
// threat-intelligence analysis, and a tolerant parser that coerces model
// output into graph entities and relationships.
package llm

import (
	"fmt"
	"strings"

	"github.com/scrypster/threatgraph/pkg/types"
)

// DefaultMaxInputChars bounds how much report text is placed in a prompt.
const DefaultMaxInputChars = 24000

const systemPrompt = "You are a cyber threat intelligence analyst. You reply with a single JSON object and nothing else."

// entityTypeDescriptions maps each graph entity type to a brief description for prompts.
var entityTypeDescriptions = map[types.EntityType]string{
	types.EntityTypeThreatActor:  "Named adversary, APT group or intrusion set",
	types.EntityTypeMalware:      "Malware family, implant, backdoor or ransomware",
	types.EntityTypeIPAddress:    "IPv4 or IPv6 address used by the adversary",
	types.EntityTypeDomain:       "Domain name or hostname used by the adversary",
	types.EntityTypeCVE:          "Vulnerability identifier such as CVE-2024-3400",
	types.EntityTypeTTP:          "Technique or tactic, ideally with its ATT&CK id",
	types.EntityTypeOrganization: "Victim, vendor or government organization",
	types.EntityTypeLocation:     "Country, region or city",
	types.EntityTypeReport:       "Referenced publication or advisory",
}

// AnalysisPrompt builds the strict JSON-only prompt asking the model for a
// summary plus the entities and relationships found in text.
func AnalysisPrompt(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	text = truncateRunes(text, maxChars)

	var typeList strings.Builder
	for _, t := range types.ValidEntityTypes {
		fmt.Fprintf(&typeList, "- %s: %s\n", t, entityTypeDescriptions[t])
	}

	return fmt.Sprintf(`TASK: Analyze the threat intelligence report below.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

ENTITY TYPES (ONLY these):
%s
REQUIRED JSON STRUCTURE:
{
  "summary": "Two or three sentences describing the activity.",
  "entities": [
    {"name":"Fancy Bear","type":"THREAT_ACTOR","aliases":["APT28"],"description":"Russian GRU unit","sectors":["Government"],"tools":["X-Agent"],"confidence":0.9}
  ],
  "relationships": [
    {"source":"Fancy Bear","target":"X-Agent","type":"USES"}
  ]
}

RULES:
1. Every entity has name, type and confidence (0.0 to 1.0).
2. aliases, sectors and tools are arrays of strings; use [] when unknown.
3. Relationship source and target MUST be entity names from the entities array.
4. Relationship type is an UPPER_SNAKE_CASE verb such as USES, TARGETS, EXPLOITS, ATTRIBUTED_TO, COMMUNICATES_WITH.
5. Do not invent indicators that are not in the text.

REPORT:
%s

JSON:`, typeList.String(), text)
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
