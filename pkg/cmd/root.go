package cmd

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/logging"
	"github.com/xlttj/cftunnel/pkg/settings"
)

type rootCmd struct {
	settingsFile string
	store        string
	addr         string
	version      string

	settings *settings.Settings
}

// load reads the settings, applies the global flags and sets up logging.
// The daemon logs to the console; every other command logs to the log file
// so the terminal stays clean.
func (c *rootCmd) load(cmd *cobra.Command) error {
	s, err := settings.Load(c.settingsFile)
	if err != nil {
		return err
	}
	if c.store != "" {
		if c.store != "yaml" && c.store != "sqlite" {
			return fmt.Errorf("unknown store %q, expected yaml or sqlite", c.store)
		}
		s.SetStore(c.store)
	}
	if c.addr != "" {
		s.ListenAddr = c.addr
	}
	c.settings = s

	if cmd.Name() == "serve" {
		logging.InitConsole(cmd.ErrOrStderr(), s.LogLevel)
		return nil
	}
	if err := logging.Init(s.LogFile, s.LogLevel); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v. Logging is disabled.\n", err)
	}
	return nil
}

func interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
}

// NewCmdCftunnel builds the command tree. Without a subcommand it opens the
// terminal UI, or prints the tunnel list when not attached to a terminal.
func NewCmdCftunnel(version string) *cobra.Command {
	c := &rootCmd{version: version}
	cmd := &cobra.Command{
		Use:           "cftunnel",
		Short:         "keep Cloudflare Access tunnels open on local ports",
		Long:          cftunnelDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive() {
				return (&tuiCmd{root: c}).run(cmd)
			}
			return (&listCmd{root: c}).run(cmd)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.settingsFile, "settings", "", "", "Settings file (default ~/.cftunnel/settings.yaml)")
	persistentFlags.StringVarP(&c.store, "store", "", "", "Tunnel store backend: yaml or sqlite")
	persistentFlags.StringVarP(&c.addr, "addr", "", "", "Daemon address (default "+settings.DefaultListenAddr+")")

	cmd.AddCommand(
		newListCmd(c),
		newAddCmd(c),
		newUpdateCmd(c),
		newDeleteCmd(c),
		newStartCmd(c),
		newStopCmd(c),
		newServeCmd(c),
		newTuiCmd(c),
		newInstallClientCmd(c),
		newVersionCmd(c),
	)
	return cmd
}
