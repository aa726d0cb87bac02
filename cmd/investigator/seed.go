package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kubilitics/metric-investigator/internal/warehouse"
)

type seedOptions struct {
	users int
	seed  uint64
	path  string
}

func newSeedCmd(root *rootOptions) *cobra.Command {
	defaults := warehouse.DefaultSeedConfig()
	opts := &seedOptions{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate the synthetic analytics dataset",
		Long: `Writes users, events and deployments for the reference scenario into the
warehouse: a sharp activity drop for android users in India after the
2.3.0 release. Re-running with the same seed rewrites the same rows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd.Context(), cmd.OutOrStdout(), root.configPath, opts)
		},
	}
	cmd.Flags().IntVar(&opts.users, "users", defaults.Users, "number of synthetic users")
	cmd.Flags().Uint64Var(&opts.seed, "seed", defaults.Seed, "random seed")
	cmd.Flags().StringVar(&opts.path, "path", "", "warehouse path (overrides warehouse.path)")
	return cmd
}

func runSeed(ctx context.Context, out io.Writer, configPath string, opts *seedOptions) error {
	_, cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	logger, _, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if opts.path != "" {
		cfg.Warehouse.Path = opts.path
	}
	if cfg.Warehouse.ReadOnly {
		return fmt.Errorf("warehouse %s is configured read-only", cfg.Warehouse.Path)
	}

	store, err := openWarehouse(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	seedCfg := warehouse.DefaultSeedConfig()
	seedCfg.Users = opts.users
	seedCfg.Seed = opts.seed
	summary, err := warehouse.Seed(ctx, store, seedCfg, logger)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "seeded %s: %d users, %d events, %d deployments\n",
		cfg.Warehouse.Path, summary.Users, summary.Events, summary.Deployments)
	return err
}
