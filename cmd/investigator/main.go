// investigator answers "why did this metric move?" questions against the
// product analytics warehouse.
//
// Usage:
//
//	investigator serve                        run the HTTP/WebSocket API
//	investigator investigate "<question>"     run one investigation and print it
//	investigator seed [--users N]             generate the synthetic dataset
//	investigator eval [--case id]             score investigations on the seeded scenario
//
// Configuration comes from config.yaml, METRIC_INVESTIGATOR_* environment
// variables and an optional .env file, in that order of precedence (lowest
// first).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "investigator",
		Short: "Root-cause analysis for product metric anomalies",
		Long: "investigator runs a bounded decision loop over the analytics warehouse:\n" +
			"an oracle picks the next query, the executor runs it, and the evidence\n" +
			"is synthesized into a report with affected segments and a root cause.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.envFile == "" {
				return nil
			}
			// A missing .env file is normal outside local development.
			if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load %s: %w", opts.envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration (empty disables)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newInvestigateCmd(opts))
	root.AddCommand(newSeedCmd(opts))
	root.AddCommand(newEvalCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
