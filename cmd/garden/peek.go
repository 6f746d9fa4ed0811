package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-garden/v1/garden"
)

func newPeekCommand(s *settings) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Print the state of every flower of a running garden",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := garden.Snapshot(s.cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				names := make([]string, len(states))
				for i, st := range states {
					names[i] = st.String()
				}
				return json.NewEncoder(out).Encode(names)
			}
			for i, st := range states {
				fmt.Fprintf(out, "flower %d: %s\n", i, st)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON array")
	return cmd
}
