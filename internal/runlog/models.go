// Package runlog keeps a ledger of derivation runs under the work directory:
//
//	<work_dir>/runs/<run-id>/run.json
//	<work_dir>/runs/<run-id>/failure.json   (failed runs only)
//
// The ledger is observational. Nothing in a derivation reads it back.
package runlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// GroupOutcome is the final state of one fieldmap group.
type GroupOutcome struct {
	Session string `json:"session"`
	Group   string `json:"group"`
	State   string `json:"state"`
	Derived string `json:"derived,omitempty"`
	// Runs counts the functional runs averaged into the derived image.
	Runs int `json:"runs,omitempty"`
}

// Run is the metadata of one derivation attempt.
type Run struct {
	RunID     string         `json:"run_id"`
	Dataset   string         `json:"dataset"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time"`
	Backend   string         `json:"backend"`
	Sessions  []string       `json:"sessions"`
	Status    RunStatus      `json:"status"`
	Groups    []GroupOutcome `json:"groups"`
	TraceHash string         `json:"trace_hash,omitempty"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Dataset) == "" {
		errs = append(errs, errors.New("dataset is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case StatusRunning:
		if r.EndTime != nil {
			errs = append(errs, errors.New("end_time must be null while running"))
		}
	case StatusSucceeded, StatusFailed:
		if r.EndTime == nil {
			errs = append(errs, fmt.Errorf("end_time is required when status is %s", r.Status))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Sessions == nil {
		errs = append(errs, errors.New("sessions must be an array (not null)"))
	}
	for i, g := range r.Groups {
		if g.Session == "" || g.Group == "" || g.State == "" {
			errs = append(errs, fmt.Errorf("groups[%d] is incomplete", i))
		}
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	// FailureClassValidation covers fieldmap discovery and metadata problems.
	FailureClassValidation FailureClass = "validation"
	// FailureClassSelection covers missing or inconsistent functional runs.
	FailureClassSelection FailureClass = "selection"
	FailureClassBackend   FailureClass = "backend"
	FailureClassSystem    FailureClass = "system"
)

// Failure is the recorded reason a run stopped.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	Session      *string      `json:"session,omitempty"`
	Group        *string      `json:"group,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	// Retryable is true when re-running on unchanged input may succeed.
	Retryable bool `json:"retryable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassValidation, FailureClassSelection, FailureClassBackend, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.Session != nil && strings.TrimSpace(*f.Session) == "" {
		errs = append(errs, errors.New("session must not be empty when provided"))
	}
	if f.Group != nil && strings.TrimSpace(*f.Group) == "" {
		errs = append(errs, errors.New("group must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	return errors.Join(errs...)
}
