// Package extractor turns raw intelligence text into candidate threat
// entities and proximity-based relationships using indicator patterns,
// seed dictionaries and a phrase heuristic. It performs no network I/O.
package extractor

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/scrypster/threatgraph/pkg/types"
)

// Fixed confidence per extraction pass.
const (
	ConfidencePattern    = 0.95
	ConfidenceDictionary = 0.9
	ConfidenceHeuristic  = 0.75
)

// DefaultProximityWindow is the maximum distance, in characters, between two
// candidates for them to be correlated.
const DefaultProximityWindow = 350

// Config holds Extractor configuration.
type Config struct {
	// Dictionary supplies the seed name lists (default: DefaultDictionary()).
	Dictionary *Dictionary

	// ProximityWindow is the correlation window in characters (default: 350).
	ProximityWindow int

	// Now returns the extraction timestamp (default: time.Now).
	Now func() time.Time

	// NewID returns a fresh entity id (default: "ent:" + uuid).
	NewID func() string
}

// Result is the output of one extraction pass.
type Result struct {
	Entities      []*types.Entity       `json:"entities"`
	Relationships []*types.Relationship `json:"relationships"`
}

// Extractor finds entities in text. It is safe for concurrent use.
type Extractor struct {
	dict   *Dictionary
	window int
	now    func() time.Time
	newID  func() string
}

// New creates an Extractor, applying defaults for unset Config fields.
func New(cfg Config) *Extractor {
	if cfg.Dictionary == nil {
		cfg.Dictionary = DefaultDictionary()
	}
	if cfg.ProximityWindow <= 0 {
		cfg.ProximityWindow = DefaultProximityWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = NewEntityID
	}
	return &Extractor{
		dict:   cfg.Dictionary,
		window: cfg.ProximityWindow,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
}

// NewEntityID returns a fresh entity identifier.
func NewEntityID() string {
	return "ent:" + uuid.New().String()
}

// Extract runs every pass over text and returns deduplicated entities and
// CORRELATED_TO relationships. Text with no indicators yields an empty,
// non-nil result.
func (x *Extractor) Extract(text, sourceID string) *Result {
	candidates := x.Candidates(text)
	now := x.now()

	res := &Result{
		Entities:      []*types.Entity{},
		Relationships: []*types.Relationship{},
	}

	// First candidate for a key fixes the entity; later ones only map to it.
	byKey := make(map[string]*types.Entity, len(candidates))
	for _, c := range candidates {
		key := strings.ToLower(c.Name)
		if _, ok := byKey[key]; ok {
			continue
		}
		e := &types.Entity{
			ID:              x.newID(),
			Name:            c.Name,
			Type:            c.Type,
			Description:     fmt.Sprintf("Automatically extracted %s indicator from source %s.", c.Type, sourceID),
			Aliases:         []string{},
			ConfidenceScore: c.Confidence,
			FirstSeen:       now,
			LastSeen:        now,
			Sources:         []string{sourceID},
			Sectors:         []string{},
			Tools:           []string{},
		}
		byKey[key] = e
		res.Entities = append(res.Entities, e)
	}

	res.Relationships = x.correlate(candidates, byKey, now)
	return res
}

// Candidates returns every raw match in pass order: IPv4 addresses, CVEs,
// domains, dictionary actors, dictionary malware, then actor phrases.
func (x *Extractor) Candidates(text string) []types.ExtractionCandidate {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []types.ExtractionCandidate

	for _, loc := range ipv4Pattern.FindAllStringIndex(text, -1) {
		out = append(out, types.ExtractionCandidate{
			Name: text[loc[0]:loc[1]], Type: types.EntityTypeIPAddress,
			Confidence: ConfidencePattern, Index: loc[0],
		})
	}
	for _, loc := range cvePattern.FindAllStringIndex(text, -1) {
		out = append(out, types.ExtractionCandidate{
			Name: strings.ToUpper(text[loc[0]:loc[1]]), Type: types.EntityTypeCVE,
			Confidence: ConfidencePattern, Index: loc[0],
		})
	}
	for _, loc := range domainPattern.FindAllStringIndex(text, -1) {
		name := text[loc[0]:loc[1]]
		if !isPlausibleDomain(name) {
			continue
		}
		out = append(out, types.ExtractionCandidate{
			Name: strings.ToLower(name), Type: types.EntityTypeDomain,
			Confidence: ConfidencePattern, Index: loc[0],
		})
	}

	out = append(out, lookup(text, x.dict.ThreatActors, types.EntityTypeThreatActor)...)
	out = append(out, lookup(text, x.dict.Malware, types.EntityTypeMalware)...)

	for _, loc := range actorPhrasePattern.FindAllStringIndex(text, -1) {
		name, offset := trimLeadingArticle(collapseSpaces(text[loc[0]:loc[1]]))
		if !strings.Contains(name, " ") {
			continue
		}
		out = append(out, types.ExtractionCandidate{
			Name: name, Type: types.EntityTypeThreatActor,
			Confidence: ConfidenceHeuristic, Index: loc[0] + offset,
		})
	}

	return out
}

// lookup records the first case-insensitive occurrence of each dictionary
// name in text.
func lookup(text string, names []string, t types.EntityType) []types.ExtractionCandidate {
	var out []types.ExtractionCandidate
	for _, name := range names {
		idx := indexFold(text, name)
		if idx < 0 {
			continue
		}
		out = append(out, types.ExtractionCandidate{
			Name: name, Type: t, Confidence: ConfidenceDictionary, Index: idx,
		})
	}
	return out
}

// indexFold is a case-insensitive strings.Index. The offset is a byte offset
// into s itself; lowering s first would shift offsets wherever case mapping
// changes a rune's encoded length or replaces invalid UTF-8.
func indexFold(s, substr string) int {
	if substr == "" {
		return 0
	}
	first, _ := utf8.DecodeRuneInString(substr)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if equalFoldRune(r, first) && hasPrefixFold(s[i:], substr) {
			return i
		}
		i += size
	}
	return -1
}

func hasPrefixFold(s, prefix string) bool {
	for prefix != "" {
		if s == "" {
			return false
		}
		r, n := utf8.DecodeRuneInString(s)
		p, m := utf8.DecodeRuneInString(prefix)
		if !equalFoldRune(r, p) {
			return false
		}
		s, prefix = s[n:], prefix[m:]
	}
	return true
}

// equalFoldRune reports whether a and b are equal under simple Unicode case
// folding. Invalid bytes decode as utf8.RuneError and only match each other.
func equalFoldRune(a, b rune) bool {
	if a == b {
		return true
	}
	for f := unicode.SimpleFold(a); f != a; f = unicode.SimpleFold(f) {
		if f == b {
			return true
		}
	}
	return false
}

// correlate links every pair of candidates of different types whose offsets
// are closer than the window. Pairs are scanned over candidates, not
// entities, so repeated mentions each get a chance to correlate.
func (x *Extractor) correlate(cands []types.ExtractionCandidate, byKey map[string]*types.Entity, now time.Time) []*types.Relationship {
	rels := []*types.Relationship{}
	seen := make(map[[2]string]struct{})

	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			a, b := cands[i], cands[j]
			if a.Type == b.Type || abs(a.Index-b.Index) >= x.window {
				continue
			}
			src := byKey[strings.ToLower(a.Name)]
			dst := byKey[strings.ToLower(b.Name)]
			if src == nil || dst == nil || src.ID == dst.ID {
				continue
			}
			pair := [2]string{src.ID, dst.ID}
			sort.Strings(pair[:])
			if _, ok := seen[pair]; ok {
				continue
			}
			seen[pair] = struct{}{}
			rels = append(rels, &types.Relationship{
				Source:    src.ID,
				Target:    dst.ID,
				Type:      types.RelationshipCorrelatedTo,
				Weight:    types.WeightCorrelated,
				CreatedAt: now,
			})
		}
	}
	return rels
}

// trimLeadingArticle drops a sentence-initial article the phrase pattern
// picks up ("The Lazarus Group") and returns how many bytes were removed.
func trimLeadingArticle(phrase string) (string, int) {
	for _, article := range []string{"The ", "A ", "An ", "This ", "That "} {
		if strings.HasPrefix(phrase, article) {
			return phrase[len(article):], len(article)
		}
	}
	return phrase, 0
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
