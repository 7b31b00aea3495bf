package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type deleteCmd struct {
	root *rootCmd
	yes  bool
}

// confirm asks a y/N question on in. Anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	reader := bufio.NewReader(in)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func (d *deleteCmd) run(cmd *cobra.Command, name string) error {
	if !d.yes && interactive() {
		if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Delete tunnel '%s'?", name)) {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	commander, release, err := d.root.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	if err := commander.Delete(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted tunnel %s\n", name)
	return nil
}

func newDeleteCmd(root *rootCmd) *cobra.Command {
	c := &deleteCmd{root: root}
	cmd := &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Stop and remove a tunnel",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, args[0])
		},
	}
	cmd.Flags().BoolVarP(&c.yes, "yes", "y", false, "Delete without prompting")
	return cmd
}
