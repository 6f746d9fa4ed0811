package main

import (
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-garden/v1/garden"
	"github.com/mirkobrombin/go-garden/v1/lifecycle"
)

func newRunCommand(s *settings) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create the garden and run until interrupted",
		Long: `run creates the shared segment and one lock per flower, starts the decay
workers and the gardeners, and prints every transition. SIGINT or SIGTERM
tears everything down; the exit status is 128 plus the signal number.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.cfg.Validate(); err != nil {
				return err
			}
			if force {
				if err := lifecycle.RemoveStale(s.cfg, nil); err != nil {
					s.logger.Warn("garden: removing stale objects", "error", err)
				}
			}
			sig, err := garden.New(s.cfg, garden.WithLogger(s.logger)).Run(cmd.Context())
			if err != nil {
				return err
			}
			if sig != nil {
				return &exitError{code: lifecycle.ExitCode(sig)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove objects left behind by a previous run first")
	return cmd
}
