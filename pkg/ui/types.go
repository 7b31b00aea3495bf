package ui

import (
	"time"

	"github.com/xlttj/cftunnel/pkg/manager"
)

// UIState represents the different views of the UI
type UIState int

const (
	StateTunnels       UIState = iota // Tunnels table view
	StateForm                         // Add or edit form
	StateConfirmDelete                // Delete confirmation
)

// Form fields, in tab order
const (
	fieldName = iota
	fieldHostname
	fieldPort
	fieldProtocol
	fieldCount
)

// Operations reported back through opDoneMsg
const (
	opStart  = "start"
	opStop   = "stop"
	opAdd    = "add"
	opUpdate = "update"
	opDelete = "delete"
)

// tickMsg drives the periodic snapshot refresh.
type tickMsg time.Time

// snapshotMsg carries a fresh tunnel list.
type snapshotMsg struct {
	views []manager.TunnelView
	err   error
}

// opDoneMsg reports a finished command. name is the tunnel the command was
// issued for; view is the tunnel afterwards, when known.
type opDoneMsg struct {
	op   string
	name string
	view manager.TunnelView
	err  error
}
