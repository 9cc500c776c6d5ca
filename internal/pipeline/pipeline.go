package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"pepolar/internal/backend"
	"pepolar/internal/fsutil"
	"pepolar/internal/quality"
)

// Run is one functional series entering the average.
type Run struct {
	Label  string
	Source string
}

// Result describes a completed robust mean.
type Result struct {
	// Output is the averaged image inside the work directory.
	Output  string
	Backend string
	Runs    []RunArtifacts
	// Quality holds the motion gate's decisions, if the gate ran.
	Quality []quality.Decision
}

// Used returns the runs that entered the average.
func (r *Result) Used() []RunArtifacts {
	var out []RunArtifacts
	for _, a := range r.Runs {
		if !a.Excluded {
			out = append(out, a)
		}
	}
	return out
}

// Pipeline runs the robust-mean steps on a Backend.
type Pipeline struct {
	Backend backend.Backend

	// Gate, when set, drops high-motion runs after motion correction.
	Gate *quality.MotionGate

	Logger *zap.Logger
}

// New creates a Pipeline without a motion gate.
func New(b backend.Backend, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{Backend: b, Logger: logger}
}

// RobustMean averages runs into workDir/outName. runs must be non-empty;
// the first surviving run is the alignment reference.
func (p *Pipeline) RobustMean(ctx context.Context, workDir string, runs []Run, outName string) (*Result, error) {
	if len(runs) == 0 {
		return nil, errors.New("no runs to average")
	}
	l := layout{root: workDir}
	if err := l.ensure(); err != nil {
		return nil, err
	}

	res := &Result{Backend: p.Backend.Name(), Runs: make([]RunArtifacts, len(runs))}
	for i, r := range runs {
		res.Runs[i] = RunArtifacts{Label: r.Label, Source: r.Source}
	}

	if p.Gate == nil {
		for i := range res.Runs {
			if err := p.correct(ctx, l, &res.Runs[i]); err != nil {
				return nil, err
			}
			if err := p.mean(ctx, l, &res.Runs[i]); err != nil {
				return nil, err
			}
		}
	} else {
		// Motion estimates of every run are needed before any is dropped.
		for i := range res.Runs {
			if err := p.correct(ctx, l, &res.Runs[i]); err != nil {
				return nil, err
			}
		}
		if err := p.applyGate(res); err != nil {
			return nil, err
		}
		for i := range res.Runs {
			if res.Runs[i].Excluded {
				continue
			}
			if err := p.mean(ctx, l, &res.Runs[i]); err != nil {
				return nil, err
			}
		}
	}
	if err := writeSelection(workDir, res.Runs, res.Quality); err != nil {
		return nil, err
	}

	used := indexesOf(res.Runs)
	ref := &res.Runs[used[0]]
	ref.Reference = true
	ref.Aligned = ref.Mean
	p.Logger.Debug("reference run chosen", zap.String("run", ref.Label), zap.String("mean", ref.Mean))

	for _, i := range used[1:] {
		r := &res.Runs[i]
		al, err := p.Backend.Align(ctx, r.Mean, ref.Mean, l.alignedPrefix(r.Label))
		if err != nil {
			return nil, stepErr(backend.OpAlign, r.Label, r.Mean, err)
		}
		r.Aligned, r.AlignLog = al.Image, al.Log
	}

	acc := ref.Aligned
	for n, i := range used[1:] {
		r := res.Runs[i]
		sum, err := p.Backend.Add(ctx, acc, r.Aligned, l.sum(n+1))
		if err != nil {
			return nil, stepErr(backend.OpAdd, r.Label, r.Aligned, err)
		}
		acc = sum
	}

	out := filepath.Join(workDir, outName)
	avg, err := p.Backend.Divide(ctx, acc, float64(len(used)), out)
	if err != nil {
		return nil, stepErr(backend.OpDivide, "", acc, err)
	}
	res.Output = avg

	if err := writeQA(workDir, res); err != nil {
		return nil, err
	}
	p.Logger.Info("robust mean computed",
		zap.String("output", avg),
		zap.Int("runs", len(used)),
		zap.Int("excluded", len(res.Runs)-len(used)))
	return res, nil
}

func (p *Pipeline) correct(ctx context.Context, l layout, r *RunArtifacts) error {
	mc, err := p.Backend.MotionCorrect(ctx, r.Source, l.motionPrefix(r.Label))
	if err != nil {
		return stepErr(backend.OpMotionCorrect, r.Label, r.Source, err)
	}
	r.Corrected, r.MotionLog = mc.Series, mc.Log
	return nil
}

func (p *Pipeline) mean(ctx context.Context, l layout, r *RunArtifacts) error {
	m, err := p.Backend.TemporalMean(ctx, r.Corrected, l.mean(r.Label))
	if err != nil {
		return stepErr(backend.OpTemporalMean, r.Label, r.Corrected, err)
	}
	r.Mean = m
	return nil
}

func (p *Pipeline) applyGate(res *Result) error {
	motion := make([]quality.RunMotion, len(res.Runs))
	for i, r := range res.Runs {
		motion[i] = quality.RunMotion{Label: r.Label, Log: r.MotionLog}
	}
	decisions, err := p.Gate.Evaluate(motion)
	if err != nil {
		return fmt.Errorf("motion gate: %w", err)
	}
	res.Quality = decisions
	for i, d := range decisions {
		if !d.Kept {
			res.Runs[i].Excluded = true
			p.Logger.Info("run excluded by motion gate",
				zap.String("run", d.Label),
				zap.Float64("mean_fd", d.MeanDisplacement),
				zap.String("reason", d.Reason))
		}
	}
	return nil
}

func indexesOf(runs []RunArtifacts) []int {
	var out []int
	for i, r := range runs {
		if !r.Excluded {
			out = append(out, i)
		}
	}
	return out
}

// CopyOutput copies the averaged image to dst.
func CopyOutput(res *Result, dst string) error {
	return fsutil.CopyFile(res.Output, dst)
}
