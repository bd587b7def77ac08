package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Collect posts for search terms under a strict request rate",
	Long: `harvest pages through recent-search results for one or more terms,
de-duplicates the records and stops once the target number of unique
records is reached. Results are written as NDJSON, Parquet and SQLite.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}
