package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := DerivationTrace{
		Dataset: "/data/ds",
		Events: []Event{
			{Kind: EventGroupWritten, Group: "sub-02/sub-02_epi", Reason: "AP"},
			{Kind: EventGroupNoop, Group: "sub-01/sub-01_epi"},
			{Kind: EventGroupFailed, Group: "sub-03/sub-03_epi", Reason: "ambiguous_group"},
		},
	}
	trace2 := DerivationTrace{
		Dataset: "/data/ds",
		Events: []Event{
			{Kind: EventGroupFailed, Group: "sub-03/sub-03_epi", Reason: "ambiguous_group"},
			{Kind: EventGroupNoop, Group: "sub-01/sub-01_epi"},
			{Kind: EventGroupWritten, Group: "sub-02/sub-02_epi", Reason: "AP"},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", b1, b2)
	}
}

func TestCanonicalOrdering_GroupThenKind(t *testing.T) {
	tr := DerivationTrace{
		Dataset: "ds",
		Events: []Event{
			{Kind: EventGroupWritten, Group: "b", Artifacts: []string{"z.json", "a.nii.gz"}},
			{Kind: EventRunExcluded, Group: "b", Run: "3"},
			{Kind: EventGroupNoop, Group: "a"},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"dataset":"ds","events":[` +
		`{"kind":"GroupNoop","group":"a"},` +
		`{"kind":"RunExcluded","group":"b","run":"3"},` +
		`{"kind":"GroupWritten","group":"b","artifacts":["a.nii.gz","z.json"]}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, b)
	}
}

func TestHash_IgnoresRecordingOrder(t *testing.T) {
	r1 := NewRecorder()
	r1.Record(Event{Kind: EventGroupNoop, Group: "a"})
	r1.Record(Event{Kind: EventGroupPlanned, Group: "b", Reason: "PA"})

	r2 := NewRecorder()
	r2.Record(Event{Kind: EventGroupPlanned, Group: "b", Reason: "PA"})
	r2.Record(Event{Kind: EventGroupNoop, Group: "a"})

	h1, err := r1.Trace("ds").Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := r2.Trace("ds").Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("expected equal sha256 hex hashes, got %q and %q", h1, h2)
	}
}

func TestValidate_RejectsIncompleteEvents(t *testing.T) {
	cases := map[string]DerivationTrace{
		"no dataset":     {Events: []Event{{Kind: EventGroupNoop, Group: "a"}}},
		"no kind":        {Dataset: "ds", Events: []Event{{Group: "a"}}},
		"no group":       {Dataset: "ds", Events: []Event{{Kind: EventGroupNoop}}},
		"no run":         {Dataset: "ds", Events: []Event{{Kind: EventRunExcluded, Group: "a"}}},
		"empty artifact": {Dataset: "ds", Events: []Event{{Kind: EventGroupWritten, Group: "a", Artifacts: []string{""}}}},
	}
	for name, tr := range cases {
		if _, err := tr.CanonicalJSON(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

type panicky struct{}

func (panicky) Record(Event) { panic("boom") }

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	SafeRecord(panicky{}, Event{Kind: EventGroupNoop, Group: "a"})
	SafeRecord(nil, Event{Kind: EventGroupNoop, Group: "a"})
}

func TestRecorder_WriteFile(t *testing.T) {
	r := NewRecorder()
	r.Record(Event{Kind: EventGroupNoop, Group: "a"})
	path := filepath.Join(t.TempDir(), "nested", "trace.json")

	h, err := r.WriteFile("ds", path)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := ComputeHash(bytes.TrimSuffix(b, []byte("\n"))); got != h {
		t.Fatalf("hash mismatch: file %s, returned %s", got, h)
	}
}
