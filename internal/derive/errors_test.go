package derive

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pepolar/internal/fieldmap"
	"pepolar/internal/pipeline"
)

func TestWrap_ClassifiesCause(t *testing.T) {
	cause := fmt.Errorf("%w: sub-01_dir-PA_epi.json: missing", fieldmap.ErrSidecar)
	err := wrap("sub-01", "sub-01_epi", cause)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrSidecar, de.Kind)
	assert.Equal(t, "invalid_sidecar", de.Code())
	assert.ErrorIs(t, err, ErrSidecar)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "derivation error [sub-01 group sub-01_epi]: "+cause.Error(), err.Error())

	// Already-wrapped errors pass through untouched.
	assert.Same(t, de, wrap("other", "", err).(*Error))
}

func TestWrap_BackendAndUnknown(t *testing.T) {
	step := &pipeline.StepError{Op: "align", Run: "2", File: "m.nii.gz", Err: errors.New("crash")}
	err := wrap("sub-01", "g", step)
	assert.ErrorIs(t, err, ErrBackend)
	assert.Equal(t, "backend_failure", err.(*Error).Code())

	err = wrap("sub-01", "", errors.New("disk full"))
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, "derivation error [sub-01]: disk full", err.Error())

	assert.Nil(t, wrap("s", "g", nil))
	assert.Equal(t, "internal", KindCode(errors.New("x")))
}

func TestWrap_CancellationWinsOverBackend(t *testing.T) {
	step := &pipeline.StepError{Op: "motion_correct", Run: "1", File: "b.nii.gz", Err: context.Canceled}
	err := wrap("sub-01", "g", step)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "cancelled", err.(*Error).Code())

	err = wrap("", "", fmt.Errorf("%w: refused", ErrInternal))
	assert.Equal(t, "internal", err.(*Error).Code())
}
