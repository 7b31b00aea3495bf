package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/xlttj/cftunnel/pkg/manager"
	"github.com/xlttj/cftunnel/pkg/supervisor"
	"github.com/xlttj/cftunnel/pkg/ui"
)

type listCmd struct {
	root *rootCmd
}

func (l *listCmd) run(cmd *cobra.Command) error {
	commander, release, err := l.root.connect(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	views, err := commander.List(cmd.Context())
	if err != nil {
		return err
	}
	printTunnels(cmd.OutOrStdout(), views, time.Now())
	return nil
}

func newListCmd(root *rootCmd) *cobra.Command {
	c := &listCmd{root: root}
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show every tunnel with its status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd)
		},
	}
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	runningStyle = cellStyle.Foreground(lipgloss.Color(ui.ColorRunning))
	failedStyle  = cellStyle.Foreground(lipgloss.Color(ui.ColorError))
)

// printTunnels writes the tunnel table followed by the reason of every
// failed tunnel.
func printTunnels(w io.Writer, views []manager.TunnelView, now time.Time) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No tunnels configured. Add one with 'cftunnel add NAME HOSTNAME PORT'.")
		return
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Name,
			v.Protocol,
			v.Hostname,
			strconv.Itoa(v.LocalPort),
			string(v.State),
			ui.FormatUptime(v.Uptime(now)),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(ui.ColorBorder))).
		Headers(ui.ColName, ui.ColProtocol, ui.ColHostname, ui.ColPortLocal, ui.ColStatus, ui.ColUptime).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 4 && row >= 0 && row < len(views) {
				switch views[row].State {
				case supervisor.StateRunning:
					return runningStyle
				case supervisor.StateFailed:
					return failedStyle
				}
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())

	for _, v := range views {
		switch {
		case v.State == supervisor.StateFailed && v.Reason != "":
			fmt.Fprintf(w, "%s: %s\n", v.Name, v.Reason)
		case v.OwnerPID != 0:
			fmt.Fprintf(w, "%s: run by cftunnel process %d\n", v.Name, v.OwnerPID)
		}
	}
}
