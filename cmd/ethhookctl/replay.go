package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Inspect replay-protection state",
}

// dedupScanPattern matches every key the dedup store writes, see
// pkg/dedup.redisKey.
const dedupScanPattern = "ethhook:dedup:*"

var replayDedupStatsCmd = &cobra.Command{
	Use:   "dedup-stats",
	Short: "Count currently-tracked deduplication keys and report the oldest TTL",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		redisURL, err := cmd.Flags().GetString("redis-url")
		if err != nil {
			return err
		}
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		ctx := cmd.Context()

		var (
			cursor uint64
			count  int
			minTTL = -1
			sawAny bool
		)
		for {
			keys, next, err := client.Scan(ctx, cursor, dedupScanPattern, 1000).Result()
			if err != nil {
				return fmt.Errorf("scanning dedup keys: %w", err)
			}
			for _, k := range keys {
				count++
				ttl, err := client.TTL(ctx, k).Result()
				if err != nil {
					continue
				}
				ttlSeconds := int(ttl.Seconds())
				if !sawAny || ttlSeconds < minTTL {
					minTTL = ttlSeconds
					sawAny = true
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "tracked_keys=%d\n", count)
		if sawAny {
			fmt.Fprintf(cmd.OutOrStdout(), "min_ttl_seconds=%d\n", minTTL)
		}
		return nil
	},
}
