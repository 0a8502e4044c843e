package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scrypster/threatgraph/internal/config"
	"github.com/scrypster/threatgraph/internal/importer"
	"github.com/scrypster/threatgraph/internal/query"
)

var extractSource string

var extractCmd = &cobra.Command{
	Use:   "extract FILE|-",
	Short: "Dry-run pattern extraction on one report without touching the graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		x, err := newExtractor(cfg)
		if err != nil {
			return err
		}

		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		doc, err := importer.ParseReport(data, args[0])
		if err != nil {
			return err
		}
		sourceID := firstNonEmpty(extractSource, doc.SourceID, "stdin")
		result := x.Extract(doc.Body, sourceID)

		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), result)
		}

		names := make(map[string]string, len(result.Entities))
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TYPE\tNAME\tCONFIDENCE")
		for _, e := range result.Entities {
			names[e.ID] = e.Name
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Type, e.Name, query.FormatConfidence(e.ConfidenceScore))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if len(result.Relationships) > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
			tw = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tTYPE\tTARGET\tWEIGHT")
			for _, r := range result.Relationships {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\n", names[r.Source], r.Type, names[r.Target], r.Weight)
			}
			return tw.Flush()
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractSource, "source", "s", "", "source id recorded on extracted entities")
	rootCmd.AddCommand(extractCmd)
}
