package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/metric-investigator/internal/eval"
	"github.com/kubilitics/metric-investigator/internal/warehouse"
)

// evalUsers keeps the default evaluation dataset small enough to seed in
// seconds while the planted drop stays significant.
const evalUsers = 5000

type evalOptions struct {
	scenario string
	cases    []string
	users    int
	seed     uint64
	skipSeed bool
	parallel int
	output   string
	strict   bool
	timeout  time.Duration
}

func newEvalCmd(root *rootOptions) *cobra.Command {
	opts := &evalOptions{}
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score investigations against the seeded scenario",
		Long: `Seeds the warehouse with the reference scenario, investigates each
question of the scenario with the configured oracle and scores the
reports against the planted root cause: root cause recall, deployment
match and affected segments. A case passes when the root cause names the
platform and region and the release is matched.`,
		Example: `  investigator eval
  investigator eval --case clear_signal -o json
  investigator eval --skip-seed --parallel 3 -o text --strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			return runEval(ctx, cmd.OutOrStdout(), root.configPath, opts)
		},
	}
	cmd.Flags().StringVar(&opts.scenario, "scenario", eval.DefaultScenario, "scenario to run")
	cmd.Flags().StringArrayVar(&opts.cases, "case", nil, "run only this case id (repeatable)")
	cmd.Flags().IntVar(&opts.users, "users", evalUsers, "synthetic users to seed")
	cmd.Flags().Uint64Var(&opts.seed, "seed", warehouse.DefaultSeedConfig().Seed, "random seed")
	cmd.Flags().BoolVar(&opts.skipSeed, "skip-seed", false, "use the warehouse as it is")
	cmd.Flags().IntVar(&opts.parallel, "parallel", 1, "cases investigated at once")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "yaml", "output format: yaml, json or text")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit non-zero when the overall result fails")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Minute, "overall deadline (0 disables)")
	return cmd
}

func runEval(ctx context.Context, out io.Writer, configPath string, opts *evalOptions) error {
	switch opts.output {
	case "yaml", "json", "text":
	default:
		return fmt.Errorf("unsupported output format %q", opts.output)
	}

	scenario, err := eval.LoadScenario(opts.scenario)
	if err != nil {
		return err
	}
	if scenario, err = scenario.Filter(opts.cases); err != nil {
		return err
	}

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if !opts.skipSeed {
		if a.cfg.Warehouse.ReadOnly {
			return fmt.Errorf("warehouse %s is configured read-only; use --skip-seed", a.cfg.Warehouse.Path)
		}
		seedCfg := warehouse.DefaultSeedConfig()
		seedCfg.Users = opts.users
		seedCfg.Seed = opts.seed
		if _, err := warehouse.Seed(ctx, a.warehouse, seedCfg, a.logger); err != nil {
			return fmt.Errorf("seed warehouse: %w", err)
		}
	}

	runner := eval.NewRunner(a.engine, a.oracle,
		eval.WithParallel(opts.parallel),
		eval.WithLogger(a.logger),
	)
	report, err := runner.Run(ctx, scenario)
	if err != nil {
		return err
	}
	a.logger.Info("evaluation finished",
		zap.String("scenario", report.Scenario),
		zap.Int("passed", report.Summary.Passed),
		zap.Int("total", report.Summary.Total),
	)

	if err := writeReport(out, report, opts.output); err != nil {
		return err
	}
	if opts.strict && !report.Summary.Overall {
		return fmt.Errorf("evaluation failed: %d/%d cases passed", report.Summary.Passed, report.Summary.Total)
	}
	return nil
}

func writeReport(out io.Writer, report *eval.Report, format string) error {
	switch format {
	case "text":
		_, err := io.WriteString(out, eval.FormatReport(report))
		return err
	case "json":
		raw, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = fmt.Fprintln(out, string(raw))
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}
