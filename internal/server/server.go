// Package server wires the ThreatGraph HTTP API, websocket hub and metrics
// endpoint onto one listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrypster/threatgraph/internal/config"
	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/internal/importer"
	"github.com/scrypster/threatgraph/pkg/types"
	"github.com/scrypster/threatgraph/web/handlers"
)

// Deps are the collaborators the server exposes.
type Deps struct {
	// Graph serves ingestion and reads. Required.
	Graph handlers.GraphService

	// Importer enables POST /api/import when set.
	Importer *importer.BatchImporter

	// AIModel names the configured NLP model, or "" when disabled.
	AIModel string

	// Gatherer backs /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Start initializes and starts the HTTP server. It returns the address being
// listened on (useful with port 0) and the WebSocketHub, which callers
// register as the engine's event publisher. The server shuts down when ctx
// is cancelled.
func Start(ctx context.Context, cfg *config.Config, deps Deps) (string, *handlers.WebSocketHub, error) {
	if deps.Graph == nil {
		return "", nil, errors.New("server: graph service is required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsHub := handlers.NewWebSocketHub(cfg.Server.AllowedOrigins, logger)
	wsHub.SetGreeting(func() interface{} {
		evt := engine.GraphEvent{Type: engine.EventGraphState, Timestamp: time.Now().UTC()}
		deps.Graph.View(func(g *types.Graph) {
			evt.EntityCount = len(g.Entities)
			evt.RelationshipCount = len(g.Relationships)
		})
		return evt
	})
	go wsHub.Run()

	rateLimiter := handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)

	api := handlers.NewAPIHandlers(deps.Graph, deps.AIModel, logger)

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/ingest", api.Ingest)
	apiMux.HandleFunc("POST /api/extract", api.Extract)
	apiMux.HandleFunc("POST /api/query", api.Query)
	apiMux.HandleFunc("GET /api/query", api.Query)
	apiMux.HandleFunc("GET /api/graph", api.Graph)
	apiMux.HandleFunc("GET /api/entities", api.ListEntities)
	apiMux.HandleFunc("GET /api/entities/{id}", api.GetEntity)
	apiMux.HandleFunc("GET /api/relationships", api.ListRelationships)
	apiMux.HandleFunc("GET /api/reports", api.ListReports)
	apiMux.HandleFunc("GET /api/stats", api.GetStats)
	if deps.Importer != nil {
		importHandlers, err := handlers.NewImportHandlers(ctx, deps.Importer, cfg.Server.ImportRoot)
		if err != nil {
			wsHub.Stop()
			return "", nil, fmt.Errorf("server: %w", err)
		}
		apiMux.HandleFunc("POST /api/import", importHandlers.PostImport)
		apiMux.HandleFunc("GET /api/import/{job_id}", importHandlers.GetImportStatus)
	}

	mux := http.NewServeMux()

	// Health stays reachable without a token for load balancers.
	mux.HandleFunc("GET /api/health", api.Health)
	mux.Handle("/api/", handlers.RateLimitMiddleware(handlers.RequireAuth(apiMux, cfg), rateLimiter))

	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	// WebSocket endpoint (no auth required - origin validation handles security)
	mux.Handle("/ws", wsHub)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           handlers.SecurityHeaders(mux),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		wsHub.Stop()
		return "", nil, fmt.Errorf("server: listen on %s: %w", server.Addr, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		wsHub.Stop()
	}()

	logger.Info("server listening", "addr", actualAddr)
	return actualAddr, wsHub, nil
}
