package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Inspect chain ingestion status",
}

var chainStatusCmd = &cobra.Command{
	Use:   "status <chain-id>",
	Short: "Print the current Ingestor state for one chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		healthAddr, err := cmd.Flags().GetString("health-addr")
		if err != nil {
			return err
		}

		url := strings.TrimRight(healthAddr, "/") + "/chains/" + args[0] + "/status"
		client := &http.Client{Timeout: 5 * time.Second}

		resp, err := client.Get(url) //nolint:noctx
		if err != nil {
			return fmt.Errorf("requesting %s: %w", url, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("ethhookd returned %s: %s", resp.Status, string(body))
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	},
}
