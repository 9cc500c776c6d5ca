// Package trace records the decision taken for every fieldmap group of a
// derivation as a canonical, byte-stable document.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// DerivationTrace is the canonical record of one derivation over a dataset.
//
// Invariants:
//   - Dataset identifies the dataset root the trace was taken on.
//   - Events hold logical decisions only: no timestamps, durations or
//     error strings.
//
// Events are ordered by Canonicalize, never by recording order, so two runs
// over the same dataset state produce identical bytes.
type DerivationTrace struct {
	Dataset string
	Events  []Event
}

// EventKind discriminates Event. The string values are part of the
// canonical bytes; do not rename.
type EventKind string

const (
	EventGroupNoop     EventKind = "GroupNoop"
	EventGroupPlanned  EventKind = "GroupPlanned"
	EventGroupWritten  EventKind = "GroupWritten"
	EventGroupFailed   EventKind = "GroupFailed"
	EventRunExcluded   EventKind = "RunExcluded"
	EventSidecarMerged EventKind = "SidecarMerged"
)

// Event is a single decision about a fieldmap group.
type Event struct {
	Kind EventKind

	// Group is "<subject/session>/<group key>".
	Group string

	// Reason is a stable reason code, for example a failure kind or the
	// label of the derived direction.
	Reason string

	// Run names the functional run an event is about, if any.
	Run string

	// Artifacts are dataset-relative paths written or planned.
	Artifacts []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *DerivationTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.Dataset == "" {
		return errors.New("dataset is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Group == "" {
			return fmt.Errorf("events[%d].group is required for kind %q", i, e.Kind)
		}
		if e.Kind == EventRunExcluded && e.Run == "" {
			return fmt.Errorf("events[%d].run is required for kind %q", i, e.Kind)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts artifacts within events and events by
// (group, kind, run, reason, artifacts). Empty artifact lists become nil.
func (t *DerivationTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Artifacts = sortedCopy(t.Events[i].Artifacts)
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Run != b.Run {
			return a.Run < b.Run
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return lessStrings(a.Artifacts, b.Artifacts)
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventRunExcluded:
		return 10
	case EventGroupNoop:
		return 20
	case EventGroupPlanned:
		return 30
	case EventGroupWritten:
		return 40
	case EventSidecarMerged:
		return 50
	case EventGroupFailed:
		return 60
	default:
		return 1000
	}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func lessStrings(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical encoding of a canonicalized copy of t.
func (t DerivationTrace) CanonicalJSON() ([]byte, error) {
	c := DerivationTrace{Dataset: t.Dataset, Events: make([]Event, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex digest of the canonical encoding.
func (t DerivationTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeHash(b), nil
}

// MarshalJSON fixes field order.
func (t DerivationTrace) MarshalJSON() ([]byte, error) {
	if t.Dataset == "" {
		return nil, errors.New("dataset is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"dataset":`)
	writeString(&buf, t.Dataset)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))
	buf.WriteString(`,"group":`)
	writeString(&buf, e.Group)
	if e.Run != "" {
		buf.WriteString(`,"run":`)
		writeString(&buf, e.Run)
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeString(&buf, e.Reason)
	}
	if arts := sortedCopy(e.Artifacts); len(arts) > 0 {
		buf.WriteString(`,"artifacts":[`)
		for i, a := range arts {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, a)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
