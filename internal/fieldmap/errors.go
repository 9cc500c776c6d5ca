// Package fieldmap finds PEPOLAR fieldmap groups in a session and the
// functional runs that can stand in for a group's missing direction.
package fieldmap

import "errors"

// Sentinel failure kinds. Errors returned by this package wrap exactly one
// of them and carry a message naming the offending file or directory.
var (
	ErrNoFieldmaps         = errors.New("no fieldmaps found")
	ErrAmbiguousGroup      = errors.New("ambiguous fieldmap group")
	ErrSidecar             = errors.New("missing or invalid sidecar")
	ErrNoFunctionalDir     = errors.New("no functional directory")
	ErrNoAxisMatch         = errors.New("no axis-matching functional candidates")
	ErrNoDirectionMatch    = errors.New("no direction-matching functional candidates")
	ErrInconsistentReadout = errors.New("inconsistent total readout time")
)
