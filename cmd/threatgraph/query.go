package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scrypster/threatgraph/internal/query"
)

var queryCmd = &cobra.Command{
	Use:   "query TQL",
	Short: "Run a TQL query against the persisted graph",
	Long: `Runs a read-only query. Grammar:

  ` + query.Grammar + `

Examples:
  threatgraph query "FROM THREAT_ACTOR WHERE confidence > 80 SHOW TOOLS, SECTORS"
  threatgraph query "FROM ALL WHERE name CONTAINS bear"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.engine.Query(strings.Join(args, " "))
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), result)
		}
		return printTable(cmd.OutOrStdout(), result)
	},
}

// printTable renders rows in column order.
func printTable(w io.Writer, res *query.Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(res.Columns, "\t")))
	for _, row := range res.Rows {
		cells := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			cells[i] = row[c]
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", len(res.Rows))
	return err
}

func init() {
	rootCmd.AddCommand(queryCmd)
}
