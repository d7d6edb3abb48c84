package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
)

var (
	catalogPath string
	inputTokens int64
)

var routeCmd = &cobra.Command{
	Use:   "route <task_type>",
	Short: "Show the tier, fallback chain and estimated cost of a task type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := config.LoadCatalog(catalogPath)
		if err != nil {
			return err
		}
		rt, err := router.NewRouter(catalog)
		if err != nil {
			return err
		}
		route, err := rt.Route(args[0])
		if err != nil {
			return err
		}
		cost, _, err := rt.EstimateCost(args[0], inputTokens)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(map[string]any{
			"route":          route,
			"input_tokens":   inputTokens,
			"estimated_cost": cost,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	routeCmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog file (default: embedded catalog)")
	routeCmd.Flags().Int64Var(&inputTokens, "input-tokens", 0, "input size used for the cost estimate")
}
