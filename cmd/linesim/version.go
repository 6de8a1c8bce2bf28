package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/linesim/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "2026-10-01"
)

func init() {
	observability.ServiceVersion = version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("linesim %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
