package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type stopCmd struct {
	root *rootCmd
}

func (s *stopCmd) run(cmd *cobra.Command, name string) error {
	commander, release, err := s.root.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	view, err := commander.Stop(cmd.Context(), name)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Tunnel %s %s\n", view.Name, view.State)
	return nil
}

func newStopCmd(root *rootCmd) *cobra.Command {
	c := &stopCmd{root: root}
	return &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, args[0])
		},
	}
}
