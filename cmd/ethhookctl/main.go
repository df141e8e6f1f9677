// Command ethhookctl is a read-only operator CLI: it inspects endpoint
// health, chain ingestion status and dedup-store occupancy without ever
// writing to the Config Store, which remains the admin API's job.
// Grounded on cmd/toolkit/main.go's cobra rootCmd/init() wiring.
package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cliName = "ethhookctl"

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "ethhookctl inspects a running ethhookd deployment",
	Long:  `ethhookctl is a read-only CLI for operators to inspect endpoint health, chain status and dedup-store occupancy`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("ethhookctl failed")
	}
}

func init() {
	rootCmd.PersistentFlags().String("configstore-path", "${HOME}/.ethhookd/configstore.db", "path to the ethhookd config store database")
	rootCmd.PersistentFlags().String("health-addr", "http://127.0.0.1:8081", "base URL of the ethhookd ops http server")
	rootCmd.PersistentFlags().String("redis-url", "redis://127.0.0.1:6379/0", "URL of the redis instance backing dedup and the event stream")

	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(endpointHealthCmd)

	rootCmd.AddCommand(chainCmd)
	chainCmd.AddCommand(chainStatusCmd)

	rootCmd.AddCommand(replayCmd)
	replayCmd.AddCommand(replayDedupStatsCmd)
}
