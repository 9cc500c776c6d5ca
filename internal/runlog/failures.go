package runlog

import (
	"errors"

	"pepolar/internal/derive"
)

// FailureFromError classifies err. Derivation errors are classified by
// kind; anything else is a system failure.
func FailureFromError(err error) Failure {
	if err == nil {
		return Failure{FailureClass: FailureClassSystem, ErrorCode: "internal", ErrorMessage: "unknown failure", Retryable: true}
	}

	var de *derive.Error
	if !errors.As(err, &de) || de == nil {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    "internal",
			ErrorMessage: err.Error(),
			Retryable:    true,
		}
	}

	f := Failure{
		FailureClass: classOf(de.Kind),
		Session:      optional(de.Session),
		Group:        optional(de.Group),
		ErrorCode:    de.Code(),
		ErrorMessage: de.Error(),
	}
	// Input problems fail the same way until the dataset changes.
	f.Retryable = f.FailureClass == FailureClassBackend || f.FailureClass == FailureClassSystem
	return f
}

func classOf(kind error) FailureClass {
	switch kind {
	case derive.ErrNoFieldmaps, derive.ErrAmbiguousGroup, derive.ErrUnresolvableDirection,
		derive.ErrSidecar, derive.ErrInvalidFilename:
		return FailureClassValidation
	case derive.ErrNoFunctionalDir, derive.ErrNoAxisMatch, derive.ErrNoDirectionMatch,
		derive.ErrInconsistentReadout:
		return FailureClassSelection
	case derive.ErrBackend:
		return FailureClassBackend
	default:
		return FailureClassSystem
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
