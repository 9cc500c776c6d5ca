package fieldmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"pepolar/internal/bids"
)

// SuffixBold is the suffix of functional images.
const SuffixBold = "bold"

// IntendedForStyle selects how IntendedFor entries are written.
type IntendedForStyle string

const (
	// IntendedForRelative writes dataset-root-relative POSIX paths.
	IntendedForRelative IntendedForStyle = "relative"
	// IntendedForURI writes "bids::" URIs.
	IntendedForURI IntendedForStyle = "uri"
)

// Candidate is a functional image encoded along the fieldmap's axis.
type Candidate struct {
	Path             string
	Name             bids.Filename
	PED              bids.PED
	Task             string
	TotalReadoutTime *float64
	IntendedFor      string
}

// SelectedRun is a candidate chosen to build the derived fieldmap.
type SelectedRun struct {
	Label       string
	Path        string
	IntendedFor string
}

// Selection is the outcome of candidate selection for one group.
type Selection struct {
	// Runs encoded exactly in the missing direction, in file-name order.
	Runs []SelectedRun

	// IntendedFor lists every axis-matching candidate regardless of sign.
	IntendedFor []string

	// TotalReadoutTime is the reconciled value, nil when nobody carries one.
	TotalReadoutTime *float64
}

// Selector finds functional runs for a missing fieldmap direction.
type Selector struct {
	Accessor *bids.Accessor

	// Tasks, when non-empty, keeps only runs whose task label contains one
	// of the entries, case-insensitively.
	Tasks []string

	Style  IntendedForStyle
	Logger *zap.Logger
}

// NewSelector creates a Selector. A nil logger discards output.
func NewSelector(acc *bids.Accessor, tasks []string, style IntendedForStyle, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if style == "" {
		style = IntendedForRelative
	}
	return &Selector{Accessor: acc, Tasks: tasks, Style: style, Logger: logger}
}

// Candidates lists the task-filtered functional images of the session that
// are encoded along the canonical axis. Every functional image must carry a
// valid phase encoding direction, including those on other axes. A run stored
// both as .nii and .nii.gz is an error.
func (s *Selector) Candidates(session bids.SubjectSession, canonical Canonical) ([]Candidate, error) {
	funcDir := session.FuncDir()
	images, err := bids.NewImageResolver(funcDir).Resolve(SuffixBold)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoFunctionalDir, funcDir)
		}
		return nil, fmt.Errorf("listing %s: %w", funcDir, err)
	}

	var out []Candidate
	stems := make(map[string]string, len(images))
	for _, img := range images {
		name, err := bids.ParseFilename(filepath.Base(img))
		if err != nil {
			return nil, err
		}
		task, _ := name.Get(bids.EntityTask)
		if !s.taskSelected(task) {
			continue
		}
		// ".nii" and ".nii.gz" of the same run would be averaged twice.
		if prev, dup := stems[name.Stem()]; dup {
			return nil, fmt.Errorf("%w: %s and %s are the same run",
				bids.ErrInvalidFilename, filepath.Base(prev), filepath.Base(img))
		}
		stems[name.Stem()] = img

		sc, err := s.Accessor.Read(img)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSidecar, err)
		}
		ped, err := sc.PhaseEncodingDirection()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSidecar, bids.SidecarPath(img), err)
		}
		if ped.Axis() != canonical.PED.Axis() {
			s.Logger.Debug("functional run on another axis ignored",
				zap.String("path", img), zap.String("ped", ped.String()))
			continue
		}
		trt, err := sc.TotalReadoutTime()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSidecar, bids.SidecarPath(img), err)
		}
		ref, err := s.intendedFor(session, img)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{
			Path:             img,
			Name:             name,
			PED:              ped,
			Task:             task,
			TotalReadoutTime: trt,
			IntendedFor:      ref,
		})
	}
	return out, nil
}

// Select partitions the candidates: all of them populate IntendedFor, those
// encoded exactly in missing build the derived image.
func (s *Selector) Select(session bids.SubjectSession, canonical Canonical, missing bids.PED) (Selection, error) {
	cands, err := s.Candidates(session, canonical)
	if err != nil {
		return Selection{}, err
	}
	if len(cands) == 0 {
		return Selection{}, fmt.Errorf("%w: no functional run in %s is encoded along axis %s",
			ErrNoAxisMatch, session.FuncDir(), canonical.PED.Axis())
	}

	sel := Selection{IntendedFor: make([]string, 0, len(cands))}
	var matching []Candidate
	for _, c := range cands {
		sel.IntendedFor = append(sel.IntendedFor, c.IntendedFor)
		if c.PED == missing {
			matching = append(matching, c)
		}
	}
	if len(matching) == 0 {
		return Selection{}, fmt.Errorf("%w: no functional run in %s is encoded %s",
			ErrNoDirectionMatch, session.FuncDir(), missing)
	}

	seen := make(map[string]bool, len(matching))
	for i, c := range matching {
		label, ok := c.Name.Get(bids.EntityRun)
		if !ok {
			label = fmt.Sprintf("%02d", i+1)
		}
		// run-1 of two different tasks must not share work files.
		if seen[label] && c.Task != "" {
			label = c.Task + label
		}
		if seen[label] {
			label = fmt.Sprintf("%s_%02d", label, i+1)
		}
		seen[label] = true
		sel.Runs = append(sel.Runs, SelectedRun{Label: label, Path: c.Path, IntendedFor: c.IntendedFor})
	}

	trt, err := ReconcileReadoutTime(canonical.TotalReadoutTime, matching)
	if err != nil {
		return Selection{}, err
	}
	sel.TotalReadoutTime = trt
	return sel, nil
}

// ReconcileReadoutTime merges the canonical readout time with the values of
// the runs building the derived image. Candidates must agree with each other
// and with the canonical value; a missing canonical value adopts theirs.
func ReconcileReadoutTime(canonical *float64, runs []Candidate) (*float64, error) {
	var values []float64
	var sources []string
	for _, c := range runs {
		if c.TotalReadoutTime == nil {
			continue
		}
		if !containsFloat(values, *c.TotalReadoutTime) {
			values = append(values, *c.TotalReadoutTime)
			sources = append(sources, filepath.Base(c.Path))
		}
	}
	if len(values) > 1 {
		return nil, fmt.Errorf("%w: functional runs disagree (%s)", ErrInconsistentReadout, describe(values, sources))
	}
	switch {
	case canonical == nil && len(values) == 0:
		return nil, nil
	case canonical == nil:
		v := values[0]
		return &v, nil
	case len(values) == 1 && values[0] != *canonical:
		return nil, fmt.Errorf("%w: fieldmap has %s but %s has %s", ErrInconsistentReadout,
			formatFloat(*canonical), sources[0], formatFloat(values[0]))
	default:
		v := *canonical
		return &v, nil
	}
}

func (s *Selector) taskSelected(task string) bool {
	if len(s.Tasks) == 0 {
		return true
	}
	if task == "" {
		return false
	}
	lower := strings.ToLower(task)
	for _, want := range s.Tasks {
		if strings.Contains(lower, strings.ToLower(want)) {
			return true
		}
	}
	return false
}

func (s *Selector) intendedFor(session bids.SubjectSession, img string) (string, error) {
	rel, err := session.RelPath(img)
	if err != nil {
		return "", err
	}
	if s.Style == IntendedForURI {
		return bids.URIPrefix + rel, nil
	}
	return rel, nil
}

func containsFloat(vs []float64, v float64) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

func describe(values []float64, sources []string) string {
	parts := make([]string, len(values))
	for i := range values {
		parts[i] = sources[i] + "=" + formatFloat(values[i])
	}
	return strings.Join(parts, ", ")
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
