package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/config"
)

type updateCmd struct {
	root *rootCmd

	newName   string
	hostname  string
	localPort int
	protocol  string

	patch config.Patch
}

// validate builds the patch from the flags that were set.
func (u *updateCmd) validate(cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("new-name") {
		u.patch.Name = &u.newName
	}
	if flags.Changed("hostname") {
		u.patch.Hostname = &u.hostname
	}
	if flags.Changed("local-port") {
		u.patch.LocalPort = &u.localPort
	}
	if flags.Changed("protocol") {
		u.patch.Protocol = &u.protocol
	}
	if u.patch.IsEmpty() {
		return fmt.Errorf("%w: nothing to update, set at least one of --new-name, --hostname, --local-port, --protocol", config.ErrInvalid)
	}
	return nil
}

func (u *updateCmd) run(cmd *cobra.Command, name string) error {
	commander, release, err := u.root.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	view, err := commander.Update(cmd.Context(), name, u.patch)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated tunnel %s: %s on localhost:%d (%s), %s\n",
		view.Name, view.Hostname, view.LocalPort, view.Protocol, view.State)
	return nil
}

func newUpdateCmd(root *rootCmd) *cobra.Command {
	c := &updateCmd{root: root}
	cmd := &cobra.Command{
		Use:     "update NAME",
		Short:   "Change a tunnel; a running tunnel is restarted",
		Example: updateExample,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(cmd); err != nil {
				return err
			}
			return c.run(cmd, args[0])
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&c.newName, "new-name", "", "", "Rename the tunnel")
	flags.StringVarP(&c.hostname, "hostname", "", "", "Tunnel hostname")
	flags.IntVarP(&c.localPort, "local-port", "", 0, "Local port")
	flags.StringVarP(&c.protocol, "protocol", "p", "", "Protocol label")
	return cmd
}
