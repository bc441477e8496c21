package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/config"
	"github.com/JakeFAU/sharedpages/internal/registry"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one liveness sweep over the fetch registry",
		Long: `Fails in_progress entries whose fetcher stopped reporting and redispatches
pending entries whose dispatch was lost. With the memory dispatch backend the
queue dies with this process, so pending entries are left for the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			sweeper := appInstance.Sweeper()
			if cfg.Dispatch.Backend == config.BackendMemory {
				sweeper = registry.NewSweeper(appInstance.Registry(), registry.SweeperConfig{
					LivenessTimeout: cfg.Registry.LivenessTimeout,
					Interval:        cfg.Registry.SweepInterval,
					BatchSize:       cfg.Registry.SweepBatchSize,
				}, nil, appInstance.Logger())
			}
			res, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			appInstance.Logger().Info("sweep finished",
				zap.Int("failed", res.Failed),
				zap.Int("redispatched", res.Redispatched),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "failed=%d redispatched=%d\n", res.Failed, res.Redispatched)
			return nil
		},
	}
}
