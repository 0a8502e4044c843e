package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/threatgraph/pkg/types"
)

// ErrNoGenerator is returned by an Analyzer built without a TextGenerator.
var ErrNoGenerator = errors.New("llm: no text generator configured")

// Analysis is the collaborator's view of one document. Entities and
// relationships follow the graph data model and are accepted by the merge
// engine exactly like extractor output.
type Analysis struct {
	Summary       string                `json:"summary"`
	Entities      []*types.Entity       `json:"entities"`
	Relationships []*types.Relationship `json:"relationships"`
	Skipped       []SkippedTypeInfo     `json:"-"`
}

// AnalyzerConfig configures an Analyzer. Zero values pick defaults.
type AnalyzerConfig struct {
	MaxInputChars int
	Logger        *slog.Logger
	Now           func() time.Time
	NewID         func() string
}

// Analyzer asks a TextGenerator for a CTI analysis of a document.
type Analyzer struct {
	gen      TextGenerator
	maxChars int
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewAnalyzer creates an analyzer around gen.
func NewAnalyzer(gen TextGenerator, cfg AnalyzerConfig) *Analyzer {
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return "ent:" + uuid.NewString() }
	}
	return &Analyzer{
		gen:      gen,
		maxChars: cfg.MaxInputChars,
		logger:   cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
}

// Model returns the underlying model name.
func (a *Analyzer) Model() string {
	if a.gen == nil {
		return ""
	}
	return a.gen.GetModel()
}

// Analyze returns the summary, entities and relationships the model finds
// in text. Blank text yields an empty analysis without calling the model.
func (a *Analyzer) Analyze(ctx context.Context, text, sourceID string) (*Analysis, error) {
	if a.gen == nil {
		return nil, ErrNoGenerator
	}
	if strings.TrimSpace(text) == "" {
		return &Analysis{Entities: []*types.Entity{}, Relationships: []*types.Relationship{}}, nil
	}

	start := time.Now()
	raw, err := a.gen.Complete(ctx, AnalysisPrompt(text, a.maxChars))
	if err != nil {
		return nil, fmt.Errorf("llm: analysis with %s failed: %w", a.gen.GetModel(), err)
	}

	resp, skipped, err := ParseAnalysisResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	for _, s := range skipped {
		a.logger.Debug("llm: skipped entity with unknown type", "name", s.Name, "type", s.TypeName, "source", sourceID)
	}

	analysis := resp.ToAnalysis(sourceID, a.now(), a.newID)
	analysis.Skipped = skipped

	a.logger.Info("llm: analysis complete",
		"source", sourceID,
		"model", a.gen.GetModel(),
		"entities", len(analysis.Entities),
		"relationships", len(analysis.Relationships),
		"skipped", len(skipped),
		"duration", time.Since(start))
	return analysis, nil
}
