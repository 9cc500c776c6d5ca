package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Operation names used in Fake call records and failure keys.
const (
	OpMotionCorrect = "motion_correct"
	OpTemporalMean  = "temporal_mean"
	OpAlign         = "align"
	OpAdd           = "add"
	OpDivide        = "divide"
)

// Call is one recorded Fake invocation.
type Call struct {
	Op     string
	Inputs []string
	Output string
}

// Fake is an in-process Backend for tests. An "image" is a text file holding
// a single number: motion correction, averaging and alignment copy it, Add
// and Divide do the arithmetic. This keeps the pipeline's bookkeeping
// observable without real NIfTI data.
type Fake struct {
	Calls []Call

	// FailOn makes the operation fail for a given input; see FailKey.
	FailOn map[string]error

	// Motion holds precomputed motion parameters per series base name.
	// Series without an entry get three motionless volumes.
	Motion map[string][][6]float64
}

// FailKey builds the FailOn key for op applied to input.
func FailKey(op, input string) string { return op + ":" + filepath.Base(input) }

func (f *Fake) Name() string { return "fake" }

func (f *Fake) record(op, out string, inputs ...string) error {
	f.Calls = append(f.Calls, Call{Op: op, Inputs: inputs, Output: out})
	if err, ok := f.FailOn[FailKey(op, inputs[0])]; ok {
		return err
	}
	return nil
}

// Ops returns the recorded operation names in call order.
func (f *Fake) Ops() []string {
	out := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		out[i] = c.Op
	}
	return out
}

func (f *Fake) MotionCorrect(_ context.Context, series, outPrefix string) (MotionResult, error) {
	res := MotionResult{Series: outPrefix + ".nii.gz", Log: outPrefix + ".par"}
	if err := f.record(OpMotionCorrect, res.Series, series); err != nil {
		return MotionResult{}, err
	}
	if err := copyValue(series, res.Series); err != nil {
		return MotionResult{}, err
	}
	rows, ok := f.Motion[filepath.Base(series)]
	if !ok {
		rows = make([][6]float64, 3)
	}
	var b strings.Builder
	for _, r := range rows {
		for i, v := range r {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(strconv.FormatFloat(v, 'f', 6, 64))
		}
		b.WriteByte('\n')
	}
	if err := os.WriteFile(res.Log, []byte(b.String()), 0o644); err != nil {
		return MotionResult{}, err
	}
	return res, nil
}

func (f *Fake) TemporalMean(_ context.Context, series, out string) (string, error) {
	if err := f.record(OpTemporalMean, out, series); err != nil {
		return "", err
	}
	return out, copyValue(series, out)
}

func (f *Fake) Align(_ context.Context, image, reference, outPrefix string) (AlignResult, error) {
	res := AlignResult{Image: outPrefix + ".nii.gz", Log: outPrefix + ".mat"}
	if err := f.record(OpAlign, res.Image, image, reference); err != nil {
		return AlignResult{}, err
	}
	if err := copyValue(image, res.Image); err != nil {
		return AlignResult{}, err
	}
	identity := "1 0 0 0\n0 1 0 0\n0 0 1 0\n0 0 0 1\n"
	if err := os.WriteFile(res.Log, []byte(identity), 0o644); err != nil {
		return AlignResult{}, err
	}
	return res, nil
}

func (f *Fake) Add(_ context.Context, a, b, out string) (string, error) {
	if err := f.record(OpAdd, out, a, b); err != nil {
		return "", err
	}
	va, err := ReadValue(a)
	if err != nil {
		return "", err
	}
	vb, err := ReadValue(b)
	if err != nil {
		return "", err
	}
	return out, writeValue(out, va+vb)
}

func (f *Fake) Divide(_ context.Context, image string, divisor float64, out string) (string, error) {
	if err := f.record(OpDivide, out, image); err != nil {
		return "", err
	}
	if divisor == 0 {
		return "", fmt.Errorf("division by zero")
	}
	v, err := ReadValue(image)
	if err != nil {
		return "", err
	}
	return out, writeValue(out, v/divisor)
}

// ReadValue reads the number a Fake image holds. An empty file reads as 0.
func ReadValue(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("fake image %s: %w", path, err)
	}
	return v, nil
}

func writeValue(path string, v float64) error {
	return os.WriteFile(path, []byte(strconv.FormatFloat(v, 'g', -1, 64)+"\n"), 0o644)
}

func copyValue(src, dst string) error {
	v, err := ReadValue(src)
	if err != nil {
		return err
	}
	return writeValue(dst, v)
}
