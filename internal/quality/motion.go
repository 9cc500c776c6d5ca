// Package quality ranks functional runs by head motion so that, when enabled,
// only the steadiest runs feed the robust mean.
//
// The gate is opt-in; the derivation uses every direction-matching run
// unless a MotionGate is configured.
package quality

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// headRadiusMM converts rotations (radians) to displacement on a sphere of
// this radius, as in the usual framewise displacement definition.
const headRadiusMM = 50.0

// madScale makes the MAD a consistent estimator of the standard deviation
// for normal data.
const madScale = 0.6745

// ReadMotionLog parses a motion-correction parameter file: one line per
// volume, three rotations in radians followed by three translations in mm.
func ReadMotionLog(path string) ([][6]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][6]float64
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("%s:%d: want 6 columns, got %d", path, line, len(fields))
		}
		var row [6]float64
		for i, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

// MeanFramewiseDisplacement averages the volume-to-volume displacement. A
// series with fewer than two volumes has no motion.
func MeanFramewiseDisplacement(rows [][6]float64) float64 {
	if len(rows) < 2 {
		return 0
	}
	fd := make([]float64, 0, len(rows)-1)
	for t := 1; t < len(rows); t++ {
		var d float64
		for i := 0; i < 6; i++ {
			delta := math.Abs(rows[t][i] - rows[t-1][i])
			if i < 3 {
				delta *= headRadiusMM
			}
			d += delta
		}
		fd = append(fd, d)
	}
	return stat.Mean(fd, nil)
}

// RunMotion names a run and its motion log.
type RunMotion struct {
	Label string
	Log   string
}

// Decision is the gate's verdict on one run.
type Decision struct {
	Label            string
	MeanDisplacement float64
	RobustZ          float64
	Kept             bool
	Reason           string
}

// MotionGate rejects runs whose mean framewise displacement is a robust
// outlier (median/MAD z-score above MADThreshold) and then keeps at most
// MaxRuns of the steadiest remaining runs. MaxRuns <= 0 means no cap.
//
// When more than half of the runs share the median displacement the MAD is
// zero; any run above that median then scores +Inf and is rejected. With
// exactly two runs the scores are always -0.6745 and +0.6745, so the
// threshold rejects neither and only MaxRuns can drop one.
type MotionGate struct {
	MADThreshold float64
	MaxRuns      int
}

// Evaluate returns one decision per run, in input order. At least one run is
// always kept.
func (g MotionGate) Evaluate(runs []RunMotion) ([]Decision, error) {
	if len(runs) == 0 {
		return nil, nil
	}
	out := make([]Decision, len(runs))
	fds := make([]float64, len(runs))
	for i, r := range runs {
		rows, err := ReadMotionLog(r.Log)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", r.Label, err)
		}
		fds[i] = MeanFramewiseDisplacement(rows)
		out[i] = Decision{Label: r.Label, MeanDisplacement: fds[i], Kept: true}
	}

	med, mad := medianMAD(fds)
	for i := range out {
		out[i].RobustZ = robustZ(fds[i], med, mad)
		if g.MADThreshold > 0 && out[i].RobustZ > g.MADThreshold {
			out[i].Kept = false
			out[i].Reason = fmt.Sprintf("motion outlier (z=%.2f > %.2f)", out[i].RobustZ, g.MADThreshold)
		}
	}

	if g.MaxRuns > 0 {
		kept := make([]int, 0, len(out))
		for i := range out {
			if out[i].Kept {
				kept = append(kept, i)
			}
		}
		sort.SliceStable(kept, func(a, b int) bool { return fds[kept[a]] < fds[kept[b]] })
		for rank, i := range kept {
			if rank >= g.MaxRuns {
				out[i].Kept = false
				out[i].Reason = fmt.Sprintf("beyond the %d steadiest runs", g.MaxRuns)
			}
		}
	}

	if !anyKept(out) {
		best := 0
		for i := range fds {
			if fds[i] < fds[best] {
				best = i
			}
		}
		out[best].Kept = true
		out[best].Reason = ""
	}
	return out, nil
}

func anyKept(ds []Decision) bool {
	for _, d := range ds {
		if d.Kept {
			return true
		}
	}
	return false
}

func robustZ(x, median, mad float64) float64 {
	d := x - median
	switch {
	case mad > 0:
		return madScale * d / mad
	case d > 0:
		return math.Inf(1)
	case d < 0:
		return math.Inf(-1)
	default:
		return 0
	}
}

func medianMAD(xs []float64) (median, mad float64) {
	median = median50(xs)
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - median)
	}
	return median, median50(dev)
}

// median50 is the sample median; even-sized sets average the two middle
// values.
func median50(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return stat.Quantile(0.5, stat.Empirical, sorted, nil)
	}
	return stat.Mean(sorted[n/2-1:n/2+1], nil)
}
