package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/threatgraph/internal/attribution"
	"github.com/scrypster/threatgraph/internal/engine"
	"github.com/scrypster/threatgraph/internal/importer"
	"github.com/scrypster/threatgraph/internal/notify"
)

var (
	ingestSource  string
	ingestTitle   string
	ingestAI      bool
	ingestDir     bool
	ingestAnalyst string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE|DIR|-",
	Short: "Extract, merge and commit one report (or a directory of reports)",
	Long: `Runs one full ingestion cycle per report against the configured store:
pattern extraction (plus the LLM analyzer with --ai), merge into the existing
graph, relationship reconciliation and commit. A running "threatgraph serve"
sharing the data directory reloads after the commit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, ingestAI)
		if err != nil {
			return err
		}
		defer a.close()

		if ingestAI && a.analyzer == nil {
			return fmt.Errorf("--ai requires llm.provider to be configured")
		}
		events := notify.NewEventWriter(a.cfg.Storage.DataPath)

		if ingestDir {
			batch := importer.NewBatchImporter(ingestFunc(a.engine, ingestAI), a.logger)
			result, err := batch.Run(ctx, args[0])
			if err != nil {
				return err
			}
			if len(result.ReportIDs) > 0 {
				notifyCommitted(a, events, "")
			}
			if jsonOutput {
				return outputJSON(cmd.OutOrStdout(), result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d files ingested, %d failed, %d skipped\n",
				result.FilesProcessed, result.FilesFound, result.FilesFailed, result.FilesSkipped)
			for _, e := range result.Errors {
				fmt.Fprintln(cmd.ErrOrStderr(), "  ", e)
			}
			return nil
		}

		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		doc, err := importer.ParseReport(data, args[0])
		if err != nil {
			return err
		}
		req := engine.IngestRequest{
			Text:     doc.Body,
			SourceID: firstNonEmpty(ingestSource, doc.SourceID),
			Title:    firstNonEmpty(ingestTitle, doc.Title),
			UseAI:    ingestAI,
			Analyst:  attribution.Resolve(firstNonEmpty(ingestAnalyst, doc.Analyst)),
		}

		result, err := a.engine.Ingest(ctx, req)
		if err != nil {
			return err
		}
		if result.ReportID != "" {
			notifyCommitted(a, events, result.ReportID)
		}

		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), result)
		}
		if result.ReportID == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing extracted; graph unchanged")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "report %s (source %s): %d entities created, %d merged, %d relationships added, %d dropped\n",
			result.ReportID, result.SourceID, result.EntitiesCreated, result.EntitiesMerged,
			result.RelationshipsAdded, result.RelationshipsDropped)
		if result.AIError != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: LLM analysis failed:", result.AIError)
		}
		return nil
	},
}

func notifyCommitted(a *app, w *notify.EventWriter, reportID string) {
	if err := w.Notify(notify.EventGraphCommitted, reportID); err != nil {
		a.logger.Warn("failed to notify running server", "error", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestSource, "source", "s", "", "source id recorded on every entity (default: frontmatter or file name)")
	ingestCmd.Flags().StringVarP(&ingestTitle, "title", "t", "", "report title")
	ingestCmd.Flags().BoolVar(&ingestAI, "ai", false, "also run the configured LLM analyzer")
	ingestCmd.Flags().BoolVarP(&ingestDir, "dir", "d", false, "treat the argument as a directory of reports")
	ingestCmd.Flags().StringVar(&ingestAnalyst, "analyst", "", "analyst recorded on the report (default: $THREATGRAPH_ANALYST or git user.name)")
	rootCmd.AddCommand(ingestCmd)
}
