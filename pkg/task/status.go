// Package task defines the normalized view of a remote vendor task: its
// status lifecycle, its type, and the handle callers hold while it runs.
package task

import (
	"strings"

	"github.com/ajitpratap0/vendorflow/pkg/errors"
)

// Status is the normalized lifecycle state of a remote task
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// rank orders the lifecycle; all terminal states share the last rank
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus converts a provider status string. Providers report user
// cancellation as CANCELED, which is treated as a failure.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusPending, StatusInProgress, StatusSucceeded, StatusFailed, StatusExpired:
		return s, nil
	case "CANCELED", "CANCELLED":
		return StatusFailed, nil
	default:
		return "", errors.Newf(errors.ErrorTypeData, "unknown task status %q", raw)
	}
}
