package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "capturectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "capturectl",
		Short: "Capture profiling data from an instrumented target",
		Long: `capturectl connects to a profiled application over TCP, starts and
stops captures, and records the response stream to a dump file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		captureCmd(),
		stopCmd(),
		cancelCmd(),
		samplingCmd(),
		inspectCmd(),
		configCmd(),
		versionCmd(),
	)
	return rootCmd
}
