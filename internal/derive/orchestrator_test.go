package derive

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pepolar/internal/backend"
	"pepolar/internal/bids"
	"pepolar/internal/bidstest"
	"pepolar/internal/fieldmap"
	"pepolar/internal/quality"
	"pepolar/internal/trace"
)

// snapshot maps every file under root to its content.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	require.NoError(t, err)
	return out
}

func run(t *testing.T, o *Orchestrator, sessions ...bids.SubjectSession) ([]Result, error) {
	t.Helper()
	return o.Run(context.Background(), sessions)
}

// pepolarSession lays out the canonical scenario: one PA fieldmap encoded j
// and two functional runs encoded j-.
func pepolarSession(t *testing.T, ds *bidstest.Dataset) bids.SubjectSession {
	t.Helper()
	s := ds.Session("01", "1")
	ds.Fieldmap(s, "sub-01_ses-1_dir-PA_epi.nii.gz", "j", nil)
	ds.Bold(s, "sub-01_ses-1_task-rest_run-1_bold.nii.gz", "j-", nil, "2")
	ds.Bold(s, "sub-01_ses-1_task-rest_run-2_bold.nii.gz", "j-", nil, "4")
	return s
}

func TestRun_CompleteGroupsAreNoopAndIdempotent(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_dir-AP_epi.nii.gz", "j-", nil)
	ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", nil)
	ds.Fieldmap(s, "sub-01_acq-b_dir-LR_epi.nii.gz", "i-", nil)
	ds.Fieldmap(s, "sub-01_acq-b_dir-RL_epi.nii.gz", "i", nil)
	before := snapshot(t, ds.Root)

	fake := &backend.Fake{}
	o := New(fake, Options{}, nil)
	for i := 0; i < 2; i++ {
		results, err := run(t, o, s)
		require.NoError(t, err)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, StateNoop, r.State)
			assert.Empty(t, r.Derived)
		}
	}
	assert.Empty(t, fake.Calls)
	if diff := cmp.Diff(before, snapshot(t, ds.Root)); diff != "" {
		t.Fatalf("dataset changed (-before +after):\n%s", diff)
	}
}

func TestRun_DerivesMissingDirection(t *testing.T) {
	ds := bidstest.New(t)
	s := pepolarSession(t, ds)
	canonicalSidecar := filepath.Join(s.FmapDir(), "sub-01_ses-1_dir-PA_epi.json")

	results, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, StateWritten, r.State)
	assert.Equal(t, "AP", r.MissingLabel)
	assert.Equal(t, filepath.Join(s.FmapDir(), "sub-01_ses-1_dir-AP_epi.nii.gz"), r.Derived)

	v, err := backend.ReadValue(r.Derived)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)

	intended := []any{
		"sub-01/ses-1/func/sub-01_ses-1_task-rest_run-1_bold.nii.gz",
		"sub-01/ses-1/func/sub-01_ses-1_task-rest_run-2_bold.nii.gz",
	}
	assert.Equal(t, map[string]any{
		bids.KeyPhaseEncodingDirection: "j-",
		bids.KeyIntendedFor:            intended,
	}, ds.ReadJSON(r.DerivedSidecar))

	canon := ds.ReadJSON(canonicalSidecar)
	assert.Equal(t, intended, canon[bids.KeyIntendedFor])
	assert.Equal(t, "j", canon[bids.KeyPhaseEncodingDirection])
	assert.Equal(t, 2.0, canon["RepetitionTime"])
	assert.NotContains(t, canon, bids.KeyTotalReadoutTime)

	// Exactly one image and one sidecar were added to fmap/.
	entries, err := os.ReadDir(s.FmapDir())
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	// Intermediates live under the default work directory.
	work := filepath.Join(ds.Root, "derivatives", "pepolar", "sub-01", "ses-1", "sub-01_ses-1_epi")
	assert.Equal(t, work, r.WorkDir)
	assert.FileExists(t, filepath.Join(work, "selection.tsv"))
	assert.FileExists(t, filepath.Join(work, "means", "run-1_mean.nii.gz"))
}

func TestRun_DerivedNameDiffersOnlyInDirection(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_acq-fast_dir-PA_run-2_epi.nii", "j", nil)
	ds.Bold(s, "sub-01_task-rest_bold.nii.gz", "j-", nil, "5")

	results, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
	require.NoError(t, err)
	require.Len(t, results, 1)

	canonical := filepath.Base(results[0].Canonical)
	derived := filepath.Base(results[0].Derived)
	assert.Equal(t, "sub-01_acq-fast_dir-AP_run-2_epi.nii", derived)
	assert.Equal(t, canonical, strings.Replace(derived, "dir-AP", "dir-PA", 1))
	assert.FileExists(t, results[0].Derived)
}

func TestRun_DerivedPEDIsOppositeOfCanonical(t *testing.T) {
	cases := []struct {
		canonicalName, canonicalPED, candidatePED, wantPED, wantLabel string
	}{
		{"sub-01_dir-PA_epi.nii.gz", "j", "j-", "j-", "AP"},
		{"sub-01_dir-AP_epi.nii.gz", "j-", "j", "j", "PA"},
		{"sub-01_dir-LR_epi.nii.gz", "i", "i-", "i-", "RL"},
		{"sub-01_dir-RL_epi.nii.gz", "i-", "i", "i", "LR"},
	}
	for _, tc := range cases {
		t.Run(tc.canonicalName, func(t *testing.T) {
			ds := bidstest.New(t)
			s := ds.Session("01", "")
			ds.Fieldmap(s, tc.canonicalName, tc.canonicalPED, nil)
			ds.Bold(s, "sub-01_task-rest_bold.nii.gz", tc.candidatePED, nil, "1")

			results, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, tc.wantLabel, results[0].MissingLabel)
			sc := ds.ReadJSON(results[0].DerivedSidecar)
			assert.Equal(t, tc.wantPED, sc[bids.KeyPhaseEncodingDirection])
		})
	}
}

func TestRun_IntendedForCoversEveryAxisMatchingRun(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", nil)
	ds.Bold(s, "sub-01_task-a_bold.nii.gz", "j", nil, "1")
	ds.Bold(s, "sub-01_task-b_bold.nii.gz", "j-", nil, "1")
	ds.Bold(s, "sub-01_task-c_bold.nii.gz", "i", nil, "1")
	ds.Bold(s, "sub-01_task-d_bold.nii.gz", "j-", nil, "1")

	results, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
	require.NoError(t, err)
	r := results[0]
	assert.Equal(t, []string{
		"sub-01/func/sub-01_task-a_bold.nii.gz",
		"sub-01/func/sub-01_task-b_bold.nii.gz",
		"sub-01/func/sub-01_task-d_bold.nii.gz",
	}, r.IntendedFor)
	assert.Len(t, r.Runs, 2)
}

func TestRun_URIStyleIntendedFor(t *testing.T) {
	ds := bidstest.New(t)
	s := pepolarSession(t, ds)

	results, err := run(t, New(&backend.Fake{}, Options{IntendedFor: fieldmap.IntendedForURI}, nil), s)
	require.NoError(t, err)
	for _, p := range results[0].IntendedFor {
		assert.True(t, strings.HasPrefix(p, "bids::sub-01/ses-1/func/"), p)
	}
}

func TestRun_ThreeDirectionsAreAmbiguous(t *testing.T) {
	pairs, err := bids.NewDirectionPairs([][2]string{{"AP", "PA"}, {"LR", "RL"}, {"SI", "IS"}})
	require.NoError(t, err)

	for _, opts := range []Options{{}, {Pairs: pairs}} {
		ds := bidstest.New(t)
		s := ds.Session("01", "")
		ds.Fieldmap(s, "sub-01_dir-AP_epi.nii.gz", "j-", nil)
		ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", nil)
		ds.Fieldmap(s, "sub-01_dir-SI_epi.nii.gz", "k", nil)

		_, err := run(t, New(&backend.Fake{}, opts, nil), s)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAmbiguousGroup)
	}
}

func TestRun_NonOppositePairIsAmbiguous(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_dir-AP_epi.nii.gz", "j-", nil)
	ds.Fieldmap(s, "sub-01_dir-LR_epi.nii.gz", "i-", nil)

	_, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
	assert.ErrorIs(t, err, ErrAmbiguousGroup)
}

func TestRun_MissingCanonicalPEDFailsBeforeAnyWrite(t *testing.T) {
	ds := bidstest.New(t)
	good := pepolarSession(t, ds)
	bad := ds.Session("02", "")
	ds.Fieldmap(bad, "sub-02_dir-PA_epi.nii.gz", "", nil)
	ds.Bold(bad, "sub-02_task-rest_bold.nii.gz", "j-", nil, "1")
	before := snapshot(t, ds.Root)

	fake := &backend.Fake{}
	results, err := run(t, New(fake, Options{}, nil), good, bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSidecar)
	assert.Empty(t, results)
	assert.Empty(t, fake.Calls)

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "sub-02", de.Session)
	assert.Equal(t, "sub-02_epi", de.Group)

	if diff := cmp.Diff(before, snapshot(t, ds.Root)); diff != "" {
		t.Fatalf("dataset changed (-before +after):\n%s", diff)
	}
}

func TestRun_InconsistentReadoutTime(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", bidstest.F(0.1))
	ds.Bold(s, "sub-01_task-rest_run-1_bold.nii.gz", "j-", bidstest.F(0.1), "1")
	ds.Bold(s, "sub-01_task-rest_run-2_bold.nii.gz", "j-", bidstest.F(0.2), "1")
	before := snapshot(t, ds.Root)

	_, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
	assert.ErrorIs(t, err, ErrInconsistentReadout)
	assert.NoFileExists(t, filepath.Join(s.FmapDir(), "sub-01_dir-AP_epi.nii.gz"))
	assert.Empty(t, cmp.Diff(before, snapshot(t, ds.Root)))
}

func TestRun_ReadoutTimeAdoptedFromCandidates(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", nil)
	ds.Bold(s, "sub-01_task-rest_bold.nii.gz", "j-", bidstest.F(0.05), "1")

	results, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
	require.NoError(t, err)
	require.NotNil(t, results[0].TotalReadoutTime)
	assert.Equal(t, 0.05, *results[0].TotalReadoutTime)

	assert.Equal(t, 0.05, ds.ReadJSON(results[0].DerivedSidecar)[bids.KeyTotalReadoutTime])
	canon := ds.ReadJSON(filepath.Join(s.FmapDir(), "sub-01_dir-PA_epi.json"))
	assert.Equal(t, 0.05, canon[bids.KeyTotalReadoutTime])
}

func TestRun_DryRunPlansWithoutWriting(t *testing.T) {
	ds := bidstest.New(t)
	s := pepolarSession(t, ds)
	before := snapshot(t, ds.Root)

	rec := trace.NewRecorder()
	o := New(nil, Options{DryRun: true}, nil)
	o.Trace = rec

	results, err := run(t, o, s)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatePlanned, results[0].State)
	assert.Equal(t, filepath.Join(s.FmapDir(), "sub-01_ses-1_dir-AP_epi.nii.gz"), results[0].Derived)
	assert.NoFileExists(t, results[0].Derived)
	assert.NoDirExists(t, filepath.Join(ds.Root, "derivatives"))
	assert.Empty(t, cmp.Diff(before, snapshot(t, ds.Root)))

	events := rec.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, trace.EventGroupPlanned, events[0].Kind)
	assert.Equal(t, []string{
		"sub-01/ses-1/fmap/sub-01_ses-1_dir-AP_epi.nii.gz",
		"sub-01/ses-1/fmap/sub-01_ses-1_dir-AP_epi.json",
	}, events[0].Artifacts)
}

func TestRun_DryRunStillValidates(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", nil)

	_, err := run(t, New(nil, Options{DryRun: true}, nil), s)
	assert.ErrorIs(t, err, ErrNoFunctionalDir)
}

func TestRun_UnresolvableDirection(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_dir-SI_epi.nii.gz", "k", nil)
	ds.Bold(s, "sub-01_task-rest_bold.nii.gz", "k-", nil, "1")

	_, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvableDirection)
	assert.Contains(t, err.Error(), `"SI"`)
}

func TestRun_SelectionErrors(t *testing.T) {
	t.Run("no fieldmaps", func(t *testing.T) {
		ds := bidstest.New(t)
		s := ds.Session("01", "")
		_, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
		assert.ErrorIs(t, err, ErrNoFieldmaps)
	})
	t.Run("no axis match", func(t *testing.T) {
		ds := bidstest.New(t)
		s := ds.Session("01", "")
		ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", nil)
		ds.Bold(s, "sub-01_task-rest_bold.nii.gz", "i", nil, "1")
		_, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
		assert.ErrorIs(t, err, ErrNoAxisMatch)
	})
	t.Run("no direction match", func(t *testing.T) {
		ds := bidstest.New(t)
		s := ds.Session("01", "")
		ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", nil)
		ds.Bold(s, "sub-01_task-rest_bold.nii.gz", "j", nil, "1")
		_, err := run(t, New(&backend.Fake{}, Options{}, nil), s)
		assert.ErrorIs(t, err, ErrNoDirectionMatch)
	})
	t.Run("task filter leaves nothing", func(t *testing.T) {
		ds := bidstest.New(t)
		s := pepolarSession(t, ds)
		_, err := run(t, New(&backend.Fake{}, Options{Tasks: []string{"motor"}}, nil), s)
		assert.ErrorIs(t, err, ErrNoAxisMatch)
	})
}

func TestRun_BackendFailureNamesGroupAndRun(t *testing.T) {
	ds := bidstest.New(t)
	s := pepolarSession(t, ds)
	boom := errors.New("mcflirt: segmentation fault")
	fake := &backend.Fake{FailOn: map[string]error{
		backend.FailKey(backend.OpMotionCorrect, "sub-01_ses-1_task-rest_run-2_bold.nii.gz"): boom,
	}}
	rec := trace.NewRecorder()
	o := New(fake, Options{}, nil)
	o.Trace = rec

	_, err := run(t, o, s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackend)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "run 2")

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "sub-01/ses-1", de.Session)
	assert.Equal(t, "sub-01_ses-1_epi", de.Group)

	assert.NoFileExists(t, filepath.Join(s.FmapDir(), "sub-01_ses-1_dir-AP_epi.nii.gz"))
	// Intermediates of the first run stay for inspection.
	assert.FileExists(t, filepath.Join(ds.Root, "derivatives", "pepolar", "sub-01", "ses-1",
		"sub-01_ses-1_epi", "mc", "run-1_mc.nii.gz"))

	events := rec.Snapshot()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, trace.EventGroupFailed, last.Kind)
	assert.Equal(t, "backend_failure", last.Reason)
}

func TestRun_MotionGateExcludesRuns(t *testing.T) {
	ds := bidstest.New(t)
	s := ds.Session("01", "")
	ds.Fieldmap(s, "sub-01_dir-PA_epi.nii.gz", "j", nil)
	motion := map[string][][6]float64{}
	for i, step := range []float64{0.10, 0.12, 5.0, 0.11} {
		name := "sub-01_task-rest_run-" + string(rune('1'+i)) + "_bold.nii.gz"
		ds.Bold(s, name, "j-", nil, "1")
		rows := make([][6]float64, 4)
		for v := range rows {
			rows[v][3] = step * float64(v)
		}
		motion[name] = rows
	}
	rec := trace.NewRecorder()
	o := New(&backend.Fake{Motion: motion}, Options{Gate: &quality.MotionGate{MADThreshold: 3.5}}, nil)
	o.Trace = rec

	results, err := run(t, o, s)
	require.NoError(t, err)
	r := results[0]
	assert.Len(t, r.Runs, 3)
	require.Len(t, r.Excluded, 1)
	assert.Equal(t, "sub-01_task-rest_run-3_bold.nii.gz", filepath.Base(r.Excluded[0]))
	// Excluded runs are still corrected by this fieldmap.
	assert.Len(t, r.IntendedFor, 4)

	tr := rec.Trace(ds.Root)
	var kinds []trace.EventKind
	for _, e := range tr.Events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []trace.EventKind{trace.EventRunExcluded, trace.EventGroupWritten, trace.EventSidecarMerged}, kinds)
}

func TestRun_MultipleSessionsInOrder(t *testing.T) {
	ds := bidstest.New(t)
	s1 := pepolarSession(t, ds)
	s2 := ds.Session("02", "")
	ds.Fieldmap(s2, "sub-02_dir-AP_epi.nii.gz", "j-", nil)
	ds.Fieldmap(s2, "sub-02_dir-PA_epi.nii.gz", "j", nil)

	sessions, err := bids.DiscoverSessions(ds.Root, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []bids.SubjectSession{s1, s2}, sessions)

	results, err := New(&backend.Fake{}, Options{WorkDir: filepath.Join(t.TempDir(), "work")}, nil).
		Run(context.Background(), sessions)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StateWritten, results[0].State)
	assert.Equal(t, StateNoop, results[1].State)
	assert.NoDirExists(t, filepath.Join(ds.Root, "derivatives"))
}

func TestRun_CancelledContext(t *testing.T) {
	ds := bidstest.New(t)
	s := pepolarSession(t, ds)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(&backend.Fake{}, Options{}, nil).Run(ctx, []bids.SubjectSession{s})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrCancelled)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "cancelled", de.Code())
}

func TestRun_MissingBackendIsInternalError(t *testing.T) {
	ds := bidstest.New(t)
	s := pepolarSession(t, ds)
	rec := trace.NewRecorder()
	o := New(nil, Options{}, nil)
	o.Trace = rec

	_, err := run(t, o, s)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrInternal, de.Kind)
	assert.Equal(t, "sub-01/ses-1", de.Session)
	assert.Equal(t, "sub-01_ses-1_epi", de.Group)

	events := rec.Snapshot()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, trace.EventGroupFailed, last.Kind)
	assert.Equal(t, "internal", last.Reason)
}

func TestMove_RefusedTransitionIsInternalError(t *testing.T) {
	o := New(nil, Options{}, nil)
	inv := o.newInvocation()
	p := &plan{id: "sub-01/g", session: bids.SubjectSession{Subject: "01"}, group: fieldmap.Group{Key: "g"}}

	err := o.move(inv, p, StateDiscovered, StateValidated)
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrInternal, de.Kind)
	assert.Equal(t, "internal", de.Code())

	inv.states[p.id] = StateDiscovered
	require.NoError(t, o.move(inv, p, StateDiscovered, StateValidated))
	assert.Equal(t, StateValidated, inv.states[p.id])
}
