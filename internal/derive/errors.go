package derive

import (
	"context"
	"errors"
	"fmt"

	"pepolar/internal/bids"
	"pepolar/internal/fieldmap"
	"pepolar/internal/pipeline"
)

// Failure kinds. Every error returned by Run is an *Error whose Kind is one
// of these, so errors.Is(err, ErrAmbiguousGroup) and friends work.
var (
	ErrNoFieldmaps           = fieldmap.ErrNoFieldmaps
	ErrAmbiguousGroup        = fieldmap.ErrAmbiguousGroup
	ErrUnresolvableDirection = errors.New("unresolvable missing direction")
	ErrSidecar               = fieldmap.ErrSidecar
	ErrNoFunctionalDir       = fieldmap.ErrNoFunctionalDir
	ErrNoAxisMatch           = fieldmap.ErrNoAxisMatch
	ErrNoDirectionMatch      = fieldmap.ErrNoDirectionMatch
	ErrInconsistentReadout   = fieldmap.ErrInconsistentReadout
	ErrBackend               = pipeline.ErrBackend
	ErrInvalidFilename       = bids.ErrInvalidFilename
	// ErrIO covers filesystem failures outside the categories above.
	ErrIO = errors.New("filesystem error")
	// ErrCancelled marks a derivation stopped by its context.
	ErrCancelled = errors.New("derivation cancelled")
	// ErrInternal marks a broken invariant of the orchestrator itself.
	ErrInternal = errors.New("internal error")
)

var kinds = []struct {
	kind error
	code string
}{
	{ErrNoFieldmaps, "no_fieldmaps"},
	{ErrAmbiguousGroup, "ambiguous_group"},
	{ErrUnresolvableDirection, "unresolvable_direction"},
	{ErrSidecar, "invalid_sidecar"},
	{ErrNoFunctionalDir, "no_functional_dir"},
	{ErrNoAxisMatch, "no_axis_match"},
	{ErrNoDirectionMatch, "no_direction_match"},
	{ErrInconsistentReadout, "inconsistent_readout_time"},
	{ErrBackend, "backend_failure"},
	{ErrInvalidFilename, "invalid_filename"},
	{ErrIO, "filesystem"},
	{ErrCancelled, "cancelled"},
	{ErrInternal, "internal"},
}

// Error is the single error type of a failed derivation. It names the
// session and, when known, the fieldmap group that failed.
type Error struct {
	Kind    error
	Session string
	Group   string
	Msg     string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	where := e.Session
	if e.Group != "" {
		where += " group " + e.Group
	}
	if where == "" {
		return "derivation error: " + e.Msg
	}
	return fmt.Sprintf("derivation error [%s]: %s", where, e.Msg)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Code returns the stable identifier of the error's kind.
func (e *Error) Code() string { return KindCode(e.Kind) }

// KindCode maps a failure kind to a stable snake_case identifier. Unknown
// kinds map to "internal".
func KindCode(kind error) string {
	for _, k := range kinds {
		if k.kind == kind {
			return k.code
		}
	}
	return "internal"
}

// classify finds the first known kind in err's chain. Cancellation wins
// over the step that observed it.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	for _, k := range kinds {
		if errors.Is(err, k.kind) {
			return k.kind
		}
	}
	return ErrIO
}

func wrap(session, group string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: classify(err), Session: session, Group: group, Msg: err.Error(), Cause: err}
}

func newError(kind error, session, group, format string, args ...any) error {
	return &Error{Kind: kind, Session: session, Group: group, Msg: fmt.Sprintf(format, args...)}
}
