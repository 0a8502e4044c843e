// Command threatgraph builds a threat-intelligence knowledge graph from
// report text and answers TQL queries against it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.1.0"

	configPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "threatgraph",
	Short:         "Threat intelligence knowledge graph",
	Long:          "threatgraph extracts threat actors, malware, indicators and vulnerabilities from report text,\nmerges them into a persistent knowledge graph, and answers TQL queries.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./threatgraph.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
