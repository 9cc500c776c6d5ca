package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"pepolar/internal/fsutil"
	"pepolar/internal/quality"
)

// Work directory layout.
const (
	dirMotion  = "mc"
	dirMeans   = "means"
	dirAligned = "aligned"
	dirAccum   = "accum"

	SelectionFile = "selection.tsv"
	QAFile        = "qa.log"
)

const imageExt = ".nii.gz"

// RunArtifacts lists the intermediates produced for one run.
type RunArtifacts struct {
	Label     string
	Source    string
	Corrected string
	MotionLog string
	Mean      string
	// Aligned equals Mean for the reference run.
	Aligned   string
	AlignLog  string
	Reference bool
	Excluded  bool
}

type layout struct{ root string }

func (l layout) motionPrefix(label string) string {
	return filepath.Join(l.root, dirMotion, "run-"+label+"_mc")
}

func (l layout) mean(label string) string {
	return filepath.Join(l.root, dirMeans, "run-"+label+"_mean"+imageExt)
}

func (l layout) alignedPrefix(label string) string {
	return filepath.Join(l.root, dirAligned, "run-"+label+"_aligned")
}

func (l layout) sum(i int) string {
	return filepath.Join(l.root, dirAccum, fmt.Sprintf("sum_%02d%s", i, imageExt))
}

func (l layout) ensure() error {
	for _, d := range []string{dirMotion, dirMeans, dirAligned, dirAccum} {
		if err := fsutil.EnsureDir(filepath.Join(l.root, d)); err != nil {
			return err
		}
	}
	return nil
}

// writeSelection records which run came from which file and whether it
// entered the average.
func writeSelection(root string, runs []RunArtifacts, decisions []quality.Decision) error {
	reasons := make(map[string]string, len(decisions))
	for _, d := range decisions {
		reasons[d.Label] = d.Reason
	}
	var b strings.Builder
	b.WriteString("run\tsource\tincluded\treason\n")
	for _, r := range runs {
		included := "yes"
		if r.Excluded {
			included = "no"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", r.Label, r.Source, included, reasons[r.Label])
	}
	return fsutil.WriteFileAtomic(filepath.Join(root, SelectionFile), []byte(b.String()), 0o644)
}

// writeQA leaves a per-group quality record. Visual QA products are not
// generated; the file lists what a reviewer would need to produce them.
func writeQA(root string, res *Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "backend\t%s\n", res.Backend)
	fmt.Fprintf(&b, "output\t%s\n", res.Output)
	for _, r := range res.Runs {
		if r.Excluded {
			continue
		}
		role := "aligned"
		if r.Reference {
			role = "reference"
		}
		fmt.Fprintf(&b, "run-%s\t%s\tmotion=%s\tmean=%s\n", r.Label, role, r.MotionLog, r.Aligned)
	}
	for _, d := range res.Quality {
		fmt.Fprintf(&b, "fd run-%s\t%.4f\tz=%.2f\tkept=%t\n", d.Label, d.MeanDisplacement, d.RobustZ, d.Kept)
	}
	return fsutil.WriteFileAtomic(filepath.Join(root, QAFile), []byte(b.String()), 0o644)
}
