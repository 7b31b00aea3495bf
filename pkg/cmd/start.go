package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/api"
	"github.com/xlttj/cftunnel/pkg/logging"
	"github.com/xlttj/cftunnel/pkg/manager"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

type startCmd struct {
	root *rootCmd
}

func printStarted(w io.Writer, view manager.TunnelView) {
	fmt.Fprintf(w, "Tunnel %s running on localhost:%d -> %s (pid %d, started %s)\n",
		view.Name, view.LocalPort, view.Hostname, view.PID, humanize.Time(view.StartedAt))
}

func (s *startCmd) run(cmd *cobra.Command, name string) error {
	client := api.NewClient(s.root.settings.ListenAddr)
	if err := client.Ping(cmd.Context()); err != nil {
		logging.LogDebug("No daemon at %s: %v", s.root.settings.ListenAddr, err)
		return s.runForeground(cmd, name)
	}

	view, err := client.Start(cmd.Context(), name)
	if err != nil {
		return err
	}
	printStarted(cmd.OutOrStdout(), view)
	return nil
}

// runForeground starts the tunnel in this process and keeps it open until
// interrupted or until the client dies.
func (s *startCmd) runForeground(cmd *cobra.Command, name string) error {
	env, err := s.root.openLocal()
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Close(context.Background()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if warning := env.clientWarning(ctx, s.root.settings.MinClientVersion); warning != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", warning)
	}

	view, err := env.manager.Start(ctx, name)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printStarted(out, view)
	fmt.Fprintln(out, "Press Ctrl+C to stop.")

	timeouts, _ := s.root.settings.Timeouts()
	ticker := time.NewTicker(timeouts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "Stopping tunnel %s\n", name)
			return nil
		case <-ticker.C:
			view, err := env.manager.View(name)
			if err != nil {
				return err
			}
			if view.State == supervisor.StateFailed {
				return fmt.Errorf("tunnel %s failed: %s", name, view.Reason)
			}
		}
	}
}

func newStartCmd(root *rootCmd) *cobra.Command {
	c := &startCmd{root: root}
	return &cobra.Command{
		Use:   "start NAME",
		Short: "Start a tunnel",
		Long: `Start a tunnel and wait until its client is ready.

With a daemon running, the tunnel is started there and the command returns.
Otherwise the tunnel runs in this process until Ctrl+C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, args[0])
		},
	}
}
