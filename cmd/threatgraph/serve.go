package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/threatgraph/internal/attribution"
	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/internal/importer"
	"github.com/scrypster/threatgraph/internal/notify"
	"github.com/scrypster/threatgraph/internal/server"
	"github.com/scrypster/threatgraph/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket feed and inbox watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		handlers.Version = Version
		batch := importer.NewBatchImporter(ingestFunc(a.engine, a.cfg.Inbox.UseAI && a.analyzer != nil), a.logger)

		addr, hub, err := server.Start(ctx, a.cfg, server.Deps{
			Graph:    a.engine,
			Importer: batch,
			AIModel:  a.aiModel(),
			Gatherer: a.registry,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		a.engine.SetPublisher(hub)

		// Commits made by other threatgraph processes against the same store.
		events := notify.NewEventWatcher(a.cfg.Storage.DataPath, func(notify.Event) {
			if err := a.engine.Reload(ctx); err != nil {
				a.logger.Error("reload after external commit failed", "error", err)
			}
		}, a.logger)
		if err := events.Start(); err != nil {
			a.logger.Warn("graph event watcher disabled", "error", err)
		} else {
			defer events.Stop()
		}

		if a.cfg.Inbox.Enabled {
			inbox, err := notify.NewInboxWatcher(notify.InboxConfig{
				Dir:    a.cfg.Inbox.Path,
				Ingest: ingestFunc(a.engine, a.cfg.Inbox.UseAI && a.analyzer != nil),
				Logger: a.logger,
			})
			if err != nil {
				return err
			}
			if err := inbox.Start(ctx); err != nil {
				return err
			}
			defer inbox.Stop()
		}

		if a.cfg.Backup.Interval > 0 {
			svc, err := newBackupService(a)
			if err != nil {
				return err
			}
			go func() {
				if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
					a.logger.Error("backup service stopped", "error", err)
				}
			}()
		}

		a.logger.Info("threatgraph running",
			"url", "http://"+addr,
			"storage", a.cfg.Storage.Engine,
			"llm", a.cfg.LLM.Provider)

		<-ctx.Done()
		a.logger.Info("shutting down")
		time.Sleep(200 * time.Millisecond) // let in-flight responses drain
		return nil
	},
}

// ingestFunc adapts the engine to the importer's per-document callback.
func ingestFunc(g *engine.GraphEngine, useAI bool) importer.IngestFunc {
	return func(ctx context.Context, doc *importer.Document) (string, error) {
		res, err := g.Ingest(ctx, engine.IngestRequest{
			Text:     doc.Body,
			SourceID: doc.SourceID,
			Title:    doc.Title,
			UseAI:    useAI,
			Analyst:  attribution.Resolve(doc.Analyst),
		})
		if err != nil {
			return "", err
		}
		return res.ReportID, nil
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
