package aggregate

import (
	"context"
	"errors"
	"fmt"

	"home-energy/internal/topology"
)

// ErrInvalidWindow is returned by ParseWindow for unknown window names.
var ErrInvalidWindow = errors.New("invalid time window")

// NotFoundError reports a request about a hub, room or unit that does not
// exist. It aborts the request.
type NotFoundError struct {
	Kind string // "hub" or "room"
	Code string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Code)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// UpstreamError reports that the device state provider or topology resolver
// failed or timed out. The engine does not retry; callers may.
type UpstreamError struct {
	Op      string
	HubCode string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream unavailable: %s %s: %v", e.Op, e.HubCode, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryable reports whether err is an upstream failure worth retrying.
func IsRetryable(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// classify maps a resolver error for hubCode onto the engine's taxonomy.
func classify(op, hubCode string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsNotFound(err), IsRetryable(err):
		return err
	case errors.Is(err, topology.ErrHubNotFound):
		return &NotFoundError{Kind: "hub", Code: hubCode, Err: err}
	case errors.Is(err, topology.ErrRoomNotFound):
		return &NotFoundError{Kind: "room", Code: hubCode, Err: err}
	default:
		return &UpstreamError{Op: op, HubCode: hubCode, Err: err}
	}
}

// errKind labels err for metrics.
func errKind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case IsRetryable(err):
		return "upstream"
	default:
		return "other"
	}
}

// WarningKind classifies a recovered data-quality problem.
type WarningKind string

const (
	WarnDanglingDevice      WarningKind = "dangling_device"
	WarnDuplicateMembership WarningKind = "duplicate_membership"
	WarnDuplicateDevice     WarningKind = "duplicate_device"
	WarnUnmodeled           WarningKind = "unmodeled"
	WarnInvalidAttribute    WarningKind = "invalid_attribute"
	WarnOutOfRange          WarningKind = "out_of_range"
	WarnMissingUnit         WarningKind = "missing_unit"
	WarnUnitUnavailable     WarningKind = "unit_unavailable"
	WarnDuplicateUnit       WarningKind = "duplicate_unit"
)

// Warning is a PartialDataWarning: a problem recovered locally as a zero or
// default contribution.
type Warning struct {
	Kind   WarningKind `json:"kind"`
	Hub    string      `json:"hub"`
	Room   string      `json:"room,omitempty"`
	Device string      `json:"device,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

func (w Warning) String() string {
	s := fmt.Sprintf("%s hub=%s", w.Kind, w.Hub)
	if w.Room != "" {
		s += " room=" + w.Room
	}
	if w.Device != "" {
		s += " device=" + w.Device
	}
	if w.Detail != "" {
		s += ": " + w.Detail
	}
	return s
}
