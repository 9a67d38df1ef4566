// Strategy evolver
// Runs the generate, backtest and validate loop over candidate trading strategies.

package main

import (
	"fmt"
	"os"

	"github.com/docker/docker/pkg/reexec"
	"github.com/spf13/cobra"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "evolver",
		Short: "Evolutionary search over trading strategies",
		Long: `evolver generates candidate strategies, backtests each one in an isolated sandbox,
classifies and statistically validates the results, and keeps the best validated
candidate as champion. History is appended to a JSONL file so runs can be resumed.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (YAML)")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newCheckConfigCmd(&configPath))
	return root
}

func main() {
	// The process sandbox re-executes this binary to set up its namespaces.
	if reexec.Init() {
		return
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
