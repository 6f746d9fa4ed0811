package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-garden/v1/config"
)

// settings is shared by every subcommand. PersistentPreRunE replaces cfg
// with the file, environment and flag values merged.
type settings struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	s := &settings{cfg: config.Default()}
	cmd := &cobra.Command{
		Use:   "garden",
		Short: "Flowers wither, gardeners water them",
		Long: `garden keeps a fixed set of flowers in a shared memory table. One decay
worker per flower makes it wither at random intervals; a small pool of
gardeners sweeps the table and waters every withering flower back to health.
Each flower is guarded by its own lock, named, embedded in the table or held
in Redis.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.load(cmd)
		},
	}
	cmd.PersistentFlags().StringVarP(&s.configPath, "config", "c", "", "path to a YAML config file")
	config.BindFlags(cmd.PersistentFlags(), s.cfg)

	cmd.AddCommand(
		newRunCommand(s),
		newDecayCommand(s),
		newPeekCommand(s),
		newWatchCommand(s),
	)
	return cmd
}

func (s *settings) load(cmd *cobra.Command) error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	if err := config.Overlay(cmd.Flags(), cfg); err != nil {
		return err
	}
	s.cfg = cfg
	s.logger = config.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(s.logger)
	return nil
}
