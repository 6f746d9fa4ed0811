package main

import (
	"errors"
	"fmt"
	"os/signal"

	nats "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-garden/v1/event"
	"github.com/mirkobrombin/go-garden/v1/lifecycle"
)

func newWatchCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print events mirrored to NATS by a running garden",
		Long: `watch subscribes to the NATS subject a garden started with --nats mirrors
its events to, and prints them with the pid of the process that emitted them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if s.cfg.Events.NATSURL == "" {
				return errors.New("watch needs --nats")
			}
			nc, err := nats.Connect(s.cfg.Events.NATSURL, nats.Name("garden-watch"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer nc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), lifecycle.ShutdownSignals...)
			defer stop()
			events, err := event.SubscribeNATS(ctx, nc, s.cfg.Events.Subject)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for e := range events {
				fmt.Fprintf(out, "%s [pid %d]\n", e, e.PID)
			}
			return nil
		},
	}
}
