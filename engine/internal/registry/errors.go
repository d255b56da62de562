package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pilot-net/topomon/pkg/types"
)

// ErrNotFound is returned by operations addressing an unknown device id.
var ErrNotFound = errors.New("device not found")

// IdentityConflictError reports an advertisement whose secondary identity key
// matched more than one existing device. The registry keeps a distinct device
// (flagged for review) instead of guessing.
type IdentityConflictError struct {
	Key        types.ChassisKey
	DeviceID   string   // the newly created, review-flagged device
	Candidates []string // existing devices that matched
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict for %s: %d candidates (%s), created %s for review",
		e.Key, len(e.Candidates), strings.Join(e.Candidates, ", "), e.DeviceID)
}

// IsIdentityConflict reports whether err is (or wraps) an *IdentityConflictError.
func IsIdentityConflict(err error) bool {
	var ice *IdentityConflictError
	return errors.As(err, &ice)
}
