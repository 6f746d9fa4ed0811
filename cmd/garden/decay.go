package main

import (
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-garden/v1/garden"
	"github.com/mirkobrombin/go-garden/v1/lifecycle"
)

// newDecayCommand is the entry point of the decay processes started by run.
func newDecayCommand(s *settings) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:    "decay",
		Short:  "Age one flower of a running garden",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), lifecycle.ShutdownSignals...)
			defer stop()
			return garden.New(s.cfg, garden.WithLogger(s.logger.With("flower", index))).RunDecay(ctx, index)
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "flower to age")
	_ = cmd.MarkFlagRequired("index")
	return cmd
}
