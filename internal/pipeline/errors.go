package pipeline

import (
	"errors"
	"fmt"
)

// ErrBackend marks failures raised by the image backend.
var ErrBackend = errors.New("image backend failure")

// StepError reports the backend step that failed and the run it was
// processing.
type StepError struct {
	Op   string
	Run  string
	File string
	Err  error
}

func (e *StepError) Error() string {
	if e.Run == "" {
		return fmt.Sprintf("%s of %s failed: %v", e.Op, e.File, e.Err)
	}
	return fmt.Sprintf("%s of run %s (%s) failed: %v", e.Op, e.Run, e.File, e.Err)
}

func (e *StepError) Unwrap() []error { return []error{ErrBackend, e.Err} }

func stepErr(op, run, file string, err error) error {
	return &StepError{Op: op, Run: run, File: file, Err: err}
}
