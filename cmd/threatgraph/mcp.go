package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scrypster/threatgraph/internal/api/mcp"
	"github.com/scrypster/threatgraph/internal/notify"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools (ingest, extract, query) over stdio for AI assistants",
	Long: `Speaks line-delimited JSON-RPC 2.0 on stdin/stdout. Logs go to stderr or
the configured log file, never stdout. Commits are announced to, and
picked up from, other threatgraph processes sharing the data directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		events := notify.NewEventWriter(a.cfg.Storage.DataPath)
		srv := mcp.NewServer(a.engine,
			mcp.WithVersion(Version),
			mcp.WithLogger(a.logger),
			mcp.WithCommitHook(func(reportID string) { notifyCommitted(a, events, reportID) }),
		)

		watcher := notify.NewEventWatcher(a.cfg.Storage.DataPath, func(notify.Event) {
			if err := a.engine.Reload(ctx); err != nil {
				a.logger.Error("reload after external commit failed", "error", err)
			}
		}, a.logger)
		if err := watcher.Start(); err != nil {
			a.logger.Warn("graph event watcher disabled", "error", err)
		} else {
			defer watcher.Stop()
		}

		return mcp.NewStdioTransport(srv, cmd.InOrStdin(), cmd.OutOrStdout()).Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
