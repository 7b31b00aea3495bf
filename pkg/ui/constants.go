package ui

// Table Column Titles
const (
	ColName      = "NAME"
	ColProtocol  = "PROTOCOL"
	ColHostname  = "HOSTNAME"
	ColPortLocal = "LOCAL"
	ColStatus    = "STATUS"
	ColUptime    = "UPTIME"
)

// Key hints
const (
	HelpTunnels       = "Space: Start/Stop | A: Add | E: Edit | D: Delete | /: Filter | Ctrl+R: Refresh | Q: Quit"
	HelpTunnelsNarrow = "Space:Toggle | A:Add | E:Edit | D:Delete | /:Filter | Q:Quit"
	HelpForm          = "Tab/↓: Next field | Shift+Tab/↑: Previous | Enter: Save | Esc: Cancel"
	HelpConfirm       = "Y: Delete | N/Esc: Cancel"
)

// Keyboard shortcuts
const (
	ShortcutRefresh = "ctrl+r"
	ShortcutQuit    = "ctrl+c"
)

// Layout
const (
	MinTableHeight    = 4  // Minimum height for the tunnels table
	TunnelsViewOffset = 8  // Non-table lines in the tunnels view (title, filter box, messages)
	NarrowWidth       = 80 // Below this the help line moves under the table
)

// Lipgloss Colors
const (
	ColorBorder     = "240"
	ColorSelectedFg = "229"
	ColorSelectedBg = "57"
	ColorTitle      = "14"  // Cyan for titles
	ColorHelp       = "245" // Grey for help text
	ColorError      = "9"   // Red for errors
	ColorRunning    = "10"  // Green for running tunnels and status messages
	ColorInactive   = "8"
	ColorLabel      = "11" // Yellow for form labels
)
