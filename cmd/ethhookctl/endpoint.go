package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ethhook/ethhook/internal/configstore"
)

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Inspect subscriber endpoints",
}

var endpointHealthCmd = &cobra.Command{
	Use:   "health <endpoint-id>",
	Short: "Print the current health status of one endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("configstore-path")
		if err != nil {
			return err
		}
		path = os.ExpandEnv(path)

		store, err := configstore.Open(path)
		if err != nil {
			return fmt.Errorf("opening config store: %w", err)
		}
		defer store.Close()

		queries := configstore.NewQueries(store)
		ep, err := queries.GetEndpoint(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("looking up endpoint %s: %w", args[0], err)
		}

		out := map[string]interface{}{
			"id":                       ep.ID,
			"is_active":                ep.IsActive,
			"health_status":            ep.HealthStatus,
			"consecutive_failures":     ep.ConsecutiveFailures,
			"last_successful_delivery": ep.LastSuccessfulDelivery,
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}
