package handlers

import (
	"net/http"

	"github.com/scrypster/threatgraph/pkg/types"
)

// GetStats handles GET /api/stats - collection sizes and entity counts by type.
func (h *APIHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := StatsResponse{
		ByType:    make(map[string]int),
		AIEnabled: h.aiModel != "",
		AIModel:   h.aiModel,
	}
	h.graph.View(func(g *types.Graph) {
		stats.Entities = len(g.Entities)
		stats.Relationships = len(g.Relationships)
		stats.Reports = len(g.Reports)
		for _, e := range g.Entities {
			stats.ByType[string(e.Type)]++
		}
	})
	respondJSON(w, http.StatusOK, stats)
}
