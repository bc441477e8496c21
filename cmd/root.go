// Package cmd defines the sharedpages CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/app"
	"github.com/JakeFAU/sharedpages/internal/config"
	"github.com/JakeFAU/sharedpages/internal/logging"
)

// version is stamped at build time via -ldflags "-X".
var version = "dev"

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = app.New

type rootOptions struct {
	cfgFile string
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "sharedpages",
		Short: "Shared archive page deduplication service.",
		Long: `sharedpages classifies archived capture records against a shared page
store, schedules a single fetch for every capture no project has stored yet,
and links stored pages to every project that asked for them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application once config is loaded and hands it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, err := resolveApp(cmd.Context()); err == nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the environment is read")

	cmd.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd())
	return cmd
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if opts.envFile != "" {
		cfg, err = config.LoadWithEnvFile(opts.cfgFile, opts.envFile)
	} else {
		cfg, err = config.Load(opts.cfgFile)
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	if ctx == nil {
		return nil, errors.New("application services not initialized")
	}
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
