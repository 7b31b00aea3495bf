package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/cloudflared"
)

func newVersionCmd(root *rootCmd) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cftunnel and cloudflared versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cftunnel %s\n", root.version)

			binary, err := cloudflared.Resolve(root.settings.ClientPath, root.settings.DataDir)
			if err != nil {
				fmt.Fprintf(out, "cloudflared: %v\n", err)
				return nil
			}
			v, err := cloudflared.Version(cmd.Context(), binary)
			if err != nil {
				fmt.Fprintf(out, "cloudflared at %s: %v\n", binary, err)
				return nil
			}
			fmt.Fprintf(out, "cloudflared %s (%s)\n", v, binary)
			if err := cloudflared.CheckVersion(v, root.settings.MinClientVersion); err != nil {
				fmt.Fprintf(out, "Warning: %v\n", err)
			}
			return nil
		},
	}
}
