// Command ravel-inspect dumps the on-disk contents of a node's WAL,
// sealed segments and snapshot store for debugging (spec.md §9.3).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ravel-inspect",
	Short: "Inspect on-disk ravel WAL, segment and snapshot files",
	Long: `ravel-inspect reads the files a running node leaves on disk — the
shared write-ahead log, sealed per-group segments and promoted
snapshots/checkpoints — and prints their contents in human-readable
form. It never opens anything for writing.`,
}

func init() {
	rootCmd.AddCommand(walCmd)
	rootCmd.AddCommand(segmentCmd)
	rootCmd.AddCommand(snapshotCmd)
}
