package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/cloudflared"
)

type installClientCmd struct {
	root *rootCmd
	dir  string
}

func (i *installClientCmd) run(cmd *cobra.Command) error {
	s := i.root.settings
	dir := i.dir
	if dir == "" {
		dir = s.DataDir
	}

	errOut := cmd.ErrOrStderr()
	installer := cloudflared.NewInstaller(s.DownloadURL, dir)
	last := ""
	installer.Progress = func(downloaded, total int64) {
		line := humanize.Bytes(uint64(downloaded))
		if total > 0 {
			line += " / " + humanize.Bytes(uint64(total))
		}
		if line != last {
			last = line
			fmt.Fprintf(errOut, "\rDownloading cloudflared: %s", line)
		}
	}

	path, err := installer.Install(cmd.Context())
	if last != "" {
		fmt.Fprintln(errOut)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Installed cloudflared to %s\n", path)
	if v, err := cloudflared.Version(cmd.Context(), path); err == nil {
		fmt.Fprintf(out, "cloudflared version %s\n", v)
	}
	return nil
}

func newInstallClientCmd(root *rootCmd) *cobra.Command {
	c := &installClientCmd{root: root}
	cmd := &cobra.Command{
		Use:   "install-client",
		Short: "Download the latest cloudflared release",
		Long: `Download the latest cloudflared release for this platform into the data
directory (~/.cftunnel, or CFTUNNEL_HOME). The binary found there is used
when client_path is not set and cloudflared is not next to cftunnel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}
	cmd.Flags().StringVarP(&c.dir, "dir", "", "", "Install directory (default: the data directory)")
	return cmd
}
