package manager

import (
	"errors"
	"strings"

	"github.com/xlttj/cftunnel/pkg/cloudflared"
	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/runstate"
	"github.com/xlttj/cftunnel/pkg/supervisor"
)

// ErrBusyCannotDelete is returned when a tunnel could not be stopped in time
// to delete it. The configuration is left in place.
var ErrBusyCannotDelete = errors.New("tunnel did not stop, cannot delete")

// Error kinds, used as the "kind" field of API errors.
const (
	KindValidation    = "validation"
	KindNotFound      = "not_found"
	KindConflict      = "conflict"
	KindProcess       = "process"
	KindBusy          = "busy"
	KindClientMissing = "client_missing"
	KindInternal      = "internal"
)

// Kind classifies err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusyCannotDelete):
		return KindBusy
	case errors.Is(err, config.ErrInvalid):
		return KindValidation
	case errors.Is(err, config.ErrNotFound):
		return KindNotFound
	case errors.Is(err, config.ErrDuplicateName),
		errors.Is(err, supervisor.ErrPortInUse),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrActive):
		return KindConflict
	case errors.Is(err, cloudflared.ErrClientNotFound):
		return KindClientMissing
	case errors.Is(err, supervisor.ErrProcessFailure),
		errors.Is(err, supervisor.ErrStartAborted),
		errors.Is(err, supervisor.ErrStopTimeout),
		errors.Is(err, runstate.ErrOwnerAlive):
		return KindProcess
	default:
		return KindInternal
	}
}

// kindSentinels lists the errors each kind can stand for, most specific first.
// The last entry is the fallback.
var kindSentinels = map[string][]error{
	KindValidation:    {config.ErrInvalid},
	KindNotFound:      {config.ErrNotFound},
	KindBusy:          {ErrBusyCannotDelete},
	KindClientMissing: {cloudflared.ErrClientNotFound},
	KindProcess:       {supervisor.ErrStartAborted, supervisor.ErrStopTimeout, runstate.ErrOwnerAlive, supervisor.ErrProcessFailure},
	KindConflict:      {supervisor.ErrPortInUse, supervisor.ErrAlreadyRunning, supervisor.ErrActive, config.ErrDuplicateName},
}

// SentinelForKind maps an error kind and message, as carried by the API, back
// to the sentinel error. It returns nil for internal and unknown kinds.
func SentinelForKind(kind, message string) error {
	candidates, ok := kindSentinels[kind]
	if !ok {
		return nil
	}
	for _, candidate := range candidates {
		if strings.Contains(message, candidate.Error()) {
			return candidate
		}
	}
	return candidates[len(candidates)-1]
}
