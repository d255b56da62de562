package incident

import (
	"errors"
	"fmt"

	"github.com/pilot-net/topomon/pkg/types"
)

// ErrNotFound is returned when an incident id is unknown.
var ErrNotFound = errors.New("incident not found")

// TransitionRejected is returned when the incident's current status does not
// permit the requested change. The incident is left unchanged.
type TransitionRejected struct {
	IncidentID string
	From       types.IncidentStatus
	To         types.IncidentStatus
	Reason     string
}

func (e *TransitionRejected) Error() string {
	msg := fmt.Sprintf("incident %s: transition %s -> %s rejected", e.IncidentID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// IsTransitionRejected reports whether err is or wraps a *TransitionRejected.
func IsTransitionRejected(err error) bool {
	var tr *TransitionRejected
	return errors.As(err, &tr)
}
