package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/api"
	"github.com/xlttj/cftunnel/pkg/logging"
)

type serveCmd struct {
	root *rootCmd
}

func (s *serveCmd) run(cmd *cobra.Command) error {
	addr := s.root.settings.ListenAddr
	ln, err := api.Listen(addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s, is another daemon running? %w", addr, err)
	}

	env, err := s.root.openLocal()
	if err != nil {
		ln.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if warning := env.clientWarning(ctx, s.root.settings.MinClientVersion); warning != "" {
		logging.LogWarn("%s", warning)
	}
	logging.LogInfo("cftunnel %s serving tunnels from %s", s.root.version, s.root.settings.StorePath)

	serveErr := api.NewServer(env.manager, s.root.version).Serve(ctx, ln)

	logging.LogInfo("Shutting down")
	if err := env.Close(context.Background()); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func newServeCmd(root *rootCmd) *cobra.Command {
	c := &serveCmd{root: root}
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon that owns the tunnels",
		Long: `Run the daemon. It serves the tunnel API on the loopback address set by
--addr or listen_addr, and stops every tunnel on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}
}
