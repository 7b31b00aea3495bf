package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/config"
)

type addCmd struct {
	root     *rootCmd
	protocol string
	cfg      config.TunnelConfig
}

func (a *addCmd) validate(args []string) error {
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("%w: local port %q is not a number", config.ErrInvalid, args[2])
	}
	a.cfg = config.TunnelConfig{
		Name:      args[0],
		Protocol:  a.protocol,
		Hostname:  args[1],
		LocalPort: port,
	}
	return config.Validate(config.Normalize(a.cfg))
}

func (a *addCmd) run(cmd *cobra.Command) error {
	commander, release, err := a.root.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	view, err := commander.Add(cmd.Context(), a.cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added tunnel %s: %s on localhost:%d (%s)\n", view.Name, view.Hostname, view.LocalPort, view.Protocol)
	return nil
}

func newAddCmd(root *rootCmd) *cobra.Command {
	c := &addCmd{root: root}
	cmd := &cobra.Command{
		Use:     "add NAME HOSTNAME LOCAL_PORT",
		Short:   "Add a tunnel",
		Example: addExample,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(args); err != nil {
				return err
			}
			return c.run(cmd)
		},
	}
	cmd.Flags().StringVarP(&c.protocol, "protocol", "p", config.DefaultProtocol, "Protocol label (rdp, ssh, smb, tcp, http, https)")
	return cmd
}
