// daedalus runs NL-to-SQL pipelines over a dataset.
//
// Usage:
//
//	daedalus run --config run.yaml [--mode thread --workers 8] [--start 0 --end 100]
//	daedalus stages
//	daedalus worker --config worker.yaml   (started by the process backend)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "daedalus",
	Short: "Multi-stage NL-to-SQL pipeline runner",
	Long:  "Daedalus runs a configurable chain of NL-to-SQL stages over every question\nof a dataset, sequentially or on a thread, process or async backend.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.configPath, "config", "c", "", "Path to the YAML run configuration")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(stagesCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
