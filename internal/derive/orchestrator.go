package derive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"pepolar/internal/backend"
	"pepolar/internal/bids"
	"pepolar/internal/fieldmap"
	"pepolar/internal/pipeline"
	"pepolar/internal/quality"
	"pepolar/internal/trace"
)

// Options configure a derivation.
type Options struct {
	// Pairs maps each direction label to its opposite. The zero value means
	// bids.DefaultDirectionPairs.
	Pairs bids.DirectionPairs

	// DryRun plans every group but runs no backend step and writes nothing.
	DryRun bool

	IntendedFor fieldmap.IntendedForStyle

	// Tasks restricts functional candidates by task label substring.
	Tasks []string

	// WorkDir receives per-group intermediates. Empty means
	// <dataset>/derivatives/pepolar.
	WorkDir string

	// Gate optionally drops high-motion runs before averaging.
	Gate *quality.MotionGate
}

// Result describes what happened to one fieldmap group.
type Result struct {
	Session  bids.SubjectSession
	GroupKey string
	State    GroupState

	// Canonical is the existing image of an incomplete group.
	Canonical    string
	MissingLabel string

	// Derived is the image written, or planned in a dry run.
	Derived        string
	DerivedSidecar string

	IntendedFor      []string
	TotalReadoutTime *float64

	// Runs are the functional images the derived image is built from.
	Runs     []string
	Excluded []string
	WorkDir  string
}

// Orchestrator runs derivations over a set of sessions.
type Orchestrator struct {
	Options Options
	Backend backend.Backend
	Logger  *zap.Logger
	Trace   trace.Sink
}

// New creates an Orchestrator. backend may be nil for dry runs.
func New(b backend.Backend, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{Options: opts, Backend: b, Logger: logger, Trace: trace.NopSink{}}
}

type plan struct {
	id         string
	session    bids.SubjectSession
	group      fieldmap.Group
	noop       bool
	canonical  fieldmap.Canonical
	missing    string
	missingPED bids.PED
	selection  fieldmap.Selection
	derived    string
}

// invocation is the state of a single Run call. Nothing in it outlives the
// call, so repeated runs in one process see fresh sidecars.
type invocation struct {
	pairs    bids.DirectionPairs
	accessor *bids.Accessor
	discover *fieldmap.Discoverer
	selector *fieldmap.Selector
	states   States
}

// Run derives the missing fieldmap direction of every incomplete group in
// sessions. Sessions, groups and runs are processed in order, one at a time.
//
// Every group of every session is planned before anything is written. The
// first error aborts the derivation; the results of groups completed before
// a backend failure are returned along with it.
func (o *Orchestrator) Run(ctx context.Context, sessions []bids.SubjectSession) ([]Result, error) {
	inv := o.newInvocation()

	var plans []*plan
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return nil, wrap("", "", err)
		}
		ps, err := o.planSession(inv, s)
		if err != nil {
			return nil, err
		}
		plans = append(plans, ps...)
	}
	o.Logger.Debug("derivation planned",
		zap.Int("groups", len(plans)),
		zap.Int("sidecars_read", inv.accessor.Len()))

	results := make([]Result, 0, len(plans))
	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return results, wrap("", "", err)
		}
		r, err := o.execute(ctx, inv, p)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func (o *Orchestrator) newInvocation() *invocation {
	pairs := o.Options.Pairs
	if len(pairs.Labels()) == 0 {
		pairs = bids.DefaultDirectionPairs()
	}
	acc := bids.NewAccessor()
	return &invocation{
		pairs:    pairs,
		accessor: acc,
		discover: fieldmap.NewDiscoverer(o.Logger),
		selector: fieldmap.NewSelector(acc, o.Options.Tasks, o.Options.IntendedFor, o.Logger),
		states:   make(States),
	}
}

func (o *Orchestrator) planSession(inv *invocation, s bids.SubjectSession) ([]*plan, error) {
	sid := s.String()
	log := o.Logger.With(zap.String("subject", s.Subject), zap.String("session", s.Session))

	groups, err := inv.discover.Scan(s.FmapDir())
	if err != nil {
		return nil, o.fail(inv, "", sid, "", err)
	}

	plans := make([]*plan, len(groups))
	for i, g := range groups {
		plans[i] = &plan{id: sid + "/" + g.Key, session: s, group: g}
		inv.states[plans[i].id] = StateDiscovered
	}

	for _, p := range plans {
		if err := p.group.Validate(inv.pairs); err != nil {
			return nil, o.fail(inv, p.id, sid, p.group.Key, err)
		}
		if err := o.move(inv, p, StateDiscovered, StateValidated); err != nil {
			return nil, err
		}
	}

	for _, p := range plans {
		glog := log.With(zap.String("group", p.group.Key))
		if len(p.group.Directions) == 2 {
			if err := o.move(inv, p, StateValidated, StateNoop); err != nil {
				return nil, err
			}
			p.noop = true
			glog.Info("fieldmap group already complete", zap.Strings("directions", p.group.Labels()))
			continue
		}

		canonical, err := fieldmap.LoadCanonical(inv.accessor, p.group)
		if err != nil {
			return nil, o.fail(inv, p.id, sid, p.group.Key, err)
		}
		missing, ok := inv.pairs.Opposite(canonical.Label)
		if !ok {
			err := newError(ErrUnresolvableDirection, sid, p.group.Key,
				"%s: no configured opposite for direction %q", ErrUnresolvableDirection, canonical.Label)
			return nil, o.fail(inv, p.id, sid, p.group.Key, err)
		}
		if err := o.move(inv, p, StateValidated, StateDeriving); err != nil {
			return nil, err
		}

		p.canonical = canonical
		p.missing = missing
		p.missingPED = canonical.PED.Opposite()
		p.selection, err = inv.selector.Select(s, canonical, p.missingPED)
		if err != nil {
			return nil, o.fail(inv, p.id, sid, p.group.Key, err)
		}
		p.derived = filepath.Join(s.FmapDir(), canonical.DerivedName(missing))
		glog.Info("fieldmap direction to derive",
			zap.String("canonical", canonical.Label),
			zap.String("missing", missing),
			zap.Int("runs", len(p.selection.Runs)),
			zap.Int("intended_for", len(p.selection.IntendedFor)))
	}
	return plans, nil
}

func (o *Orchestrator) execute(ctx context.Context, inv *invocation, p *plan) (Result, error) {
	s, key := p.session, p.group.Key
	res := Result{Session: s, GroupKey: key}

	if p.noop {
		res.State = StateNoop
		trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventGroupNoop, Group: p.id})
		return res, nil
	}

	res.Canonical = p.canonical.Path
	res.MissingLabel = p.missing
	res.Derived = p.derived
	res.DerivedSidecar = bids.SidecarPath(p.derived)
	res.IntendedFor = p.selection.IntendedFor
	res.TotalReadoutTime = p.selection.TotalReadoutTime
	for _, r := range p.selection.Runs {
		res.Runs = append(res.Runs, r.Path)
	}

	if o.Options.DryRun {
		if err := o.move(inv, p, StateDeriving, StatePlanned); err != nil {
			return Result{}, err
		}
		res.State = StatePlanned
		trace.SafeRecord(o.Trace, trace.Event{
			Kind:      trace.EventGroupPlanned,
			Group:     p.id,
			Reason:    p.missing,
			Artifacts: relPaths(s, res.Derived, res.DerivedSidecar),
		})
		o.Logger.Info("dry run: derived fieldmap planned",
			zap.String("group", key), zap.String("path", res.Derived))
		return res, nil
	}

	if o.Backend == nil {
		return Result{}, o.fail(inv, p.id, s.String(), key, fmt.Errorf("%w: no image backend configured", ErrInternal))
	}
	res.WorkDir = o.groupWorkDir(s, key)

	runs := make([]pipeline.Run, len(p.selection.Runs))
	for i, r := range p.selection.Runs {
		runs[i] = pipeline.Run{Label: r.Label, Source: r.Path}
	}
	pl := pipeline.New(o.Backend, o.Logger.With(zap.String("group", key)))
	pl.Gate = o.Options.Gate
	mean, err := pl.RobustMean(ctx, res.WorkDir, runs, filepath.Base(p.derived))
	if err != nil {
		return Result{}, o.fail(inv, p.id, s.String(), key, err)
	}
	res.Runs = res.Runs[:0]
	for _, r := range mean.Used() {
		res.Runs = append(res.Runs, r.Source)
	}
	for _, r := range mean.Runs {
		if r.Excluded {
			res.Excluded = append(res.Excluded, r.Source)
			trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventRunExcluded, Group: p.id, Run: r.Label})
		}
	}

	if err := o.write(inv, p, mean); err != nil {
		return Result{}, o.fail(inv, p.id, s.String(), key, err)
	}
	if err := o.move(inv, p, StateDeriving, StateWritten); err != nil {
		return Result{}, err
	}
	res.State = StateWritten
	trace.SafeRecord(o.Trace, trace.Event{
		Kind:      trace.EventGroupWritten,
		Group:     p.id,
		Reason:    p.missing,
		Artifacts: relPaths(s, res.Derived, res.DerivedSidecar),
	})
	trace.SafeRecord(o.Trace, trace.Event{
		Kind:      trace.EventSidecarMerged,
		Group:     p.id,
		Artifacts: relPaths(s, bids.SidecarPath(p.canonical.Path)),
	})
	o.Logger.Info("derived fieldmap written",
		zap.String("group", key),
		zap.String("path", res.Derived),
		zap.Int("runs", len(res.Runs)))
	return res, nil
}

// write installs the derived image and its sidecar, then updates the
// canonical sidecar with the same IntendedFor and readout time.
func (o *Orchestrator) write(inv *invocation, p *plan, mean *pipeline.Result) error {
	if err := pipeline.CopyOutput(mean, p.derived); err != nil {
		return err
	}

	derived := bids.Sidecar{
		bids.KeyPhaseEncodingDirection: p.missingPED.String(),
		bids.KeyIntendedFor:            p.selection.IntendedFor,
	}
	updates := bids.Sidecar{bids.KeyIntendedFor: p.selection.IntendedFor}
	if trt := p.selection.TotalReadoutTime; trt != nil {
		derived[bids.KeyTotalReadoutTime] = *trt
		updates[bids.KeyTotalReadoutTime] = *trt
	}
	if err := inv.accessor.Write(bids.SidecarPath(p.derived), derived); err != nil {
		return err
	}
	return inv.accessor.Merge(p.canonical.Path, updates)
}

func (o *Orchestrator) groupWorkDir(s bids.SubjectSession, key string) string {
	base := o.Options.WorkDir
	if base == "" {
		base = filepath.Join(s.Root, "derivatives", "pepolar")
	}
	return filepath.Join(base, filepath.FromSlash(s.String()), key)
}

// move applies a state transition; a refused move is an internal error.
func (o *Orchestrator) move(inv *invocation, p *plan, from, to GroupState) error {
	if err := Transition(inv.states, p.id, from, to); err != nil {
		return o.fail(inv, p.id, p.session.String(), p.group.Key, fmt.Errorf("%w: %v", ErrInternal, err))
	}
	return nil
}

// fail marks the group FAILED, records the decision and returns err as an
// *Error. id is empty for session-level failures.
func (o *Orchestrator) fail(inv *invocation, id, session, group string, err error) error {
	derr := wrap(session, group, err)
	if id != "" {
		if cur, ok := inv.states[id]; ok && !IsTerminal(cur) {
			_ = Transition(inv.states, id, cur, StateFailed)
		}
	}
	traceGroup := id
	if traceGroup == "" {
		traceGroup = session
	}
	var de *Error
	code := "internal"
	if errors.As(derr, &de) {
		code = de.Code()
	}
	trace.SafeRecord(o.Trace, trace.Event{Kind: trace.EventGroupFailed, Group: traceGroup, Reason: code})
	o.Logger.Error("derivation failed",
		zap.String("session", session),
		zap.String("group", group),
		zap.String("kind", code),
		zap.Error(err))
	return derr
}

func relPaths(s bids.SubjectSession, paths ...string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if rel, err := s.RelPath(p); err == nil {
			out = append(out, rel)
		}
	}
	return out
}

