// Package backend is the boundary to the image-processing tools the
// derivation depends on.
//
// The derivation never inspects voxel data: every operation takes and
// produces file paths. Calls block until the tool exits; there is no
// timeout, a long registration job blocks the caller.
package backend

import "context"

// MotionResult is the output of motion correction.
type MotionResult struct {
	// Series is the motion-corrected 4-D image.
	Series string
	// Log holds one row of six rigid-body parameters per volume.
	Log string
}

// AlignResult is the output of a linear alignment.
type AlignResult struct {
	Image string
	// Log is the affine matrix file written by the aligner.
	Log string
}

// Backend exposes the primitives of the robust-mean pipeline.
//
// Output arguments are paths or path prefixes chosen by the caller; the
// implementation returns the paths it actually wrote.
type Backend interface {
	Name() string

	// MotionCorrect realigns every volume of series. outPrefix has no extension.
	MotionCorrect(ctx context.Context, series, outPrefix string) (MotionResult, error)

	// TemporalMean averages a 4-D series over time into out.
	TemporalMean(ctx context.Context, series, out string) (string, error)

	// Align registers image to reference. outPrefix has no extension.
	Align(ctx context.Context, image, reference, outPrefix string) (AlignResult, error)

	// Add writes the voxelwise sum a+b to out.
	Add(ctx context.Context, a, b, out string) (string, error)

	// Divide writes image/divisor to out.
	Divide(ctx context.Context, image string, divisor float64, out string) (string, error)
}
