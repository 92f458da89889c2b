package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or reset the knowledge store",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the number of cached records and feedback entries",
	RunE:  runCacheStats,
}

var cacheClearFlags struct {
	yes bool
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Destroy every cached explanation and feedback entry",
	RunE:  runCacheClear,
}

func init() {
	cacheClearCmd.Flags().BoolVar(&cacheClearFlags.yes, "yes", false, "Confirm the destructive reset")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	store, logger, err := loadStore()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer store.Close()

	stats := store.Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Records:  %d\n", stats.Records)
	fmt.Fprintf(out, "Feedback: %d\n", stats.Feedback)
	return nil
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	if !cacheClearFlags.yes {
		return fmt.Errorf("refusing to clear the knowledge store without --yes")
	}

	store, logger, err := loadStore()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer store.Close()

	stats := store.Stats()
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d records and %d feedback entries\n", stats.Records, stats.Feedback)
	return nil
}
