package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/api"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "meridian version %s\n", api.Version)
	},
}
