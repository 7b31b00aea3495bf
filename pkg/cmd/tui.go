package cmd

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/api"
	"github.com/xlttj/cftunnel/pkg/ui"
)

type tuiCmd struct {
	root *rootCmd
}

// run opens the terminal UI. Attached to a daemon, tunnels keep running after
// quitting; otherwise quitting stops every tunnel the UI started.
func (t *tuiCmd) run(cmd *cobra.Command) error {
	ctx := cmd.Context()
	s := t.root.settings
	timeouts, err := s.Timeouts()
	if err != nil {
		return err
	}

	opts := ui.Options{Refresh: timeouts.ReapInterval}
	var env *localEnv

	client := api.NewClient(s.ListenAddr)
	if err := client.Ping(ctx); err == nil {
		opts.Commander = client
		opts.Notice = fmt.Sprintf("Connected to daemon at %s", s.ListenAddr)
	} else {
		env, err = t.root.openLocal()
		if err != nil {
			return err
		}
		opts.Commander = env.manager
		opts.Warning = env.clientWarning(ctx, s.MinClientVersion)
	}

	p := tea.NewProgram(ui.NewModel(opts), tea.WithAltScreen())
	_, runErr := p.Run()

	if env != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Stopping tunnels...")
		if err := env.Close(context.Background()); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func newTuiCmd(root *rootCmd) *cobra.Command {
	c := &tuiCmd{root: root}
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}
}
