// Package bidstest builds throwaway BIDS datasets for tests.
package bidstest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"pepolar/internal/bids"
)

// Dataset is a dataset rooted in a test temp dir.
type Dataset struct {
	t    testing.TB
	Root string
}

// New creates an empty dataset.
func New(t testing.TB) *Dataset {
	t.Helper()
	return &Dataset{t: t, Root: t.TempDir()}
}

// Session returns the session value and creates its directory.
func (d *Dataset) Session(sub, ses string) bids.SubjectSession {
	d.t.Helper()
	s := bids.SubjectSession{Root: d.Root, Subject: sub, Session: ses}
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		d.t.Fatalf("mkdir %s: %v", s.Dir(), err)
	}
	return s
}

// Image writes an image holding content and, when sidecar is non-nil, its
// JSON sidecar. dir is "fmap" or "func".
func (d *Dataset) Image(s bids.SubjectSession, dir, name, content string, sidecar map[string]any) string {
	d.t.Helper()
	p := filepath.Join(s.Dir(), dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		d.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		d.t.Fatalf("write %s: %v", p, err)
	}
	if sidecar != nil {
		b, err := json.MarshalIndent(sidecar, "", "  ")
		if err != nil {
			d.t.Fatalf("marshal sidecar: %v", err)
		}
		if err := os.WriteFile(bids.SidecarPath(p), b, 0o644); err != nil {
			d.t.Fatalf("write sidecar: %v", err)
		}
	}
	return p
}

// Fieldmap writes an fmap/ image with a PhaseEncodingDirection and, when
// trt is non-nil, a TotalReadoutTime.
func (d *Dataset) Fieldmap(s bids.SubjectSession, name, ped string, trt *float64) string {
	d.t.Helper()
	return d.Image(s, "fmap", name, "1", Meta(ped, trt))
}

// Bold writes a func/ image holding value.
func (d *Dataset) Bold(s bids.SubjectSession, name, ped string, trt *float64, value string) string {
	d.t.Helper()
	return d.Image(s, "func", name, value, Meta(ped, trt))
}

// Meta builds a minimal sidecar. An empty ped omits the key.
func Meta(ped string, trt *float64) map[string]any {
	m := map[string]any{"RepetitionTime": 2.0}
	if ped != "" {
		m[bids.KeyPhaseEncodingDirection] = ped
	}
	if trt != nil {
		m[bids.KeyTotalReadoutTime] = *trt
	}
	return m
}

// ReadJSON decodes the JSON file at path.
func (d *Dataset) ReadJSON(path string) map[string]any {
	d.t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		d.t.Fatalf("read %s: %v", path, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		d.t.Fatalf("decode %s: %v", path, err)
	}
	return m
}

// F returns a pointer to v.
func F(v float64) *float64 { return &v }
