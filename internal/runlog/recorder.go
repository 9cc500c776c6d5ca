package runlog

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"pepolar/internal/derive"
)

// Recorder writes the ledger entries of one derivation.
type Recorder struct {
	Store *Store

	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store}
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// NewRunID returns a random identifier for a run.
func (r *Recorder) NewRunID() string { return uuid.NewString() }

// Start persists run in the running state, filling RunID and StartTime when
// unset, and returns the stored record.
func (r *Recorder) Start(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = r.NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.now()
	}
	if run.Sessions == nil {
		run.Sessions = []string{}
	}
	run.Status = StatusRunning
	run.EndTime = nil
	return run, r.Store.SaveRun(run)
}

// Finish records the group outcomes and marks the run succeeded, or failed
// when runErr is non-nil. A failed run also gets a failure.json.
func (r *Recorder) Finish(run Run, results []derive.Result, traceHash string, runErr error) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	end := r.now()
	run.EndTime = &end
	run.TraceHash = traceHash
	run.Groups = outcomes(results)
	run.Status = StatusSucceeded
	if runErr != nil {
		run.Status = StatusFailed
	}
	if err := r.Store.SaveRun(run); err != nil {
		return run, err
	}
	if runErr != nil {
		if err := r.Store.SaveFailure(run.RunID, FailureFromError(runErr)); err != nil {
			return run, err
		}
	}
	return run, nil
}

func outcomes(results []derive.Result) []GroupOutcome {
	out := make([]GroupOutcome, 0, len(results))
	for _, res := range results {
		out = append(out, GroupOutcome{
			Session: res.Session.String(),
			Group:   res.GroupKey,
			State:   string(res.State),
			Derived: res.Derived,
			Runs:    len(res.Runs),
		})
	}
	return out
}
