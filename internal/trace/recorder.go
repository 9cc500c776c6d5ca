package trace

import (
	"path/filepath"
	"sync"

	"pepolar/internal/fsutil"
)

// Sink receives group decisions. Record must not fail the derivation; the
// caller may assume it is a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records event on s, swallowing panics from a faulty sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of the recorded events in recording order.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonical DerivationTrace from the recorded events.
func (r *Recorder) Trace(dataset string) DerivationTrace {
	tr := DerivationTrace{Dataset: dataset, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

// WriteFile writes the canonical encoding of the recorded events to path
// and returns its hash.
func (r *Recorder) WriteFile(dataset, path string) (string, error) {
	b, err := r.Trace(dataset).CanonicalJSON()
	if err != nil {
		return "", err
	}
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(path, append(b, '\n'), 0o644); err != nil {
		return "", err
	}
	return ComputeHash(b), nil
}
