package backend

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FSLTools names the FSL executables. Bare names are resolved on the
// PATH of the calling process.
type FSLTools struct {
	MCFLIRT  string
	FLIRT    string
	FSLMaths string
}

// DefaultFSLTools uses the stock executable names.
func DefaultFSLTools() FSLTools {
	return FSLTools{MCFLIRT: "mcflirt", FLIRT: "flirt", FSLMaths: "fslmaths"}
}

// FSL drives mcflirt, flirt and fslmaths. Outputs are gzipped NIfTI, except
// that an explicit fslmaths output ending in ".nii" is written uncompressed.
// FSLOUTPUTTYPE is forced in the tool environment.
type FSL struct {
	Tools    FSLTools
	DOF      int
	Executor *CommandExecutor
}

const fslOutputExt = ".nii.gz"

// NewFSL builds an FSL backend. env is the complete tool environment.
func NewFSL(tools FSLTools, env map[string]string) *FSL {
	merged := make(map[string]string, len(env)+1)
	for k, v := range env {
		merged[k] = v
	}
	merged["FSLOUTPUTTYPE"] = "NIFTI_GZ"
	return &FSL{Tools: tools, DOF: 6, Executor: NewCommandExecutor("", merged)}
}

func (f *FSL) Name() string { return "fsl" }

func (f *FSL) MotionCorrect(ctx context.Context, series, outPrefix string) (MotionResult, error) {
	if _, err := f.Executor.Run(ctx, f.Tools.MCFLIRT, "-in", series, "-out", outPrefix, "-plots"); err != nil {
		return MotionResult{}, err
	}
	res := MotionResult{Series: outPrefix + fslOutputExt, Log: outPrefix + ".par"}
	if err := expectFiles(f.Tools.MCFLIRT, res.Series, res.Log); err != nil {
		return MotionResult{}, err
	}
	return res, nil
}

func (f *FSL) TemporalMean(ctx context.Context, series, out string) (string, error) {
	if _, err := f.executorFor(out).Run(ctx, f.Tools.FSLMaths, series, "-Tmean", out); err != nil {
		return "", err
	}
	return out, expectFiles(f.Tools.FSLMaths, out)
}

func (f *FSL) Align(ctx context.Context, image, reference, outPrefix string) (AlignResult, error) {
	res := AlignResult{Image: outPrefix + fslOutputExt, Log: outPrefix + ".mat"}
	args := []string{
		"-in", image,
		"-ref", reference,
		"-out", res.Image,
		"-omat", res.Log,
		"-dof", strconv.Itoa(f.DOF),
	}
	if _, err := f.Executor.Run(ctx, f.Tools.FLIRT, args...); err != nil {
		return AlignResult{}, err
	}
	if err := expectFiles(f.Tools.FLIRT, res.Image, res.Log); err != nil {
		return AlignResult{}, err
	}
	return res, nil
}

func (f *FSL) Add(ctx context.Context, a, b, out string) (string, error) {
	if _, err := f.executorFor(out).Run(ctx, f.Tools.FSLMaths, a, "-add", b, out); err != nil {
		return "", err
	}
	return out, expectFiles(f.Tools.FSLMaths, out)
}

func (f *FSL) Divide(ctx context.Context, image string, divisor float64, out string) (string, error) {
	if divisor == 0 {
		return "", fmt.Errorf("%s: division by zero", f.Tools.FSLMaths)
	}
	d := strconv.FormatFloat(divisor, 'g', -1, 64)
	if _, err := f.executorFor(out).Run(ctx, f.Tools.FSLMaths, image, "-div", d, out); err != nil {
		return "", err
	}
	return out, expectFiles(f.Tools.FSLMaths, out)
}

// executorFor returns an executor whose FSLOUTPUTTYPE matches the extension
// of out.
func (f *FSL) executorFor(out string) *CommandExecutor {
	if strings.HasSuffix(out, ".nii.gz") || !strings.HasSuffix(out, ".nii") {
		return f.Executor
	}
	env := make(map[string]string, len(f.Executor.Env))
	for k, v := range f.Executor.Env {
		env[k] = v
	}
	env["FSLOUTPUTTYPE"] = "NIFTI"
	return NewCommandExecutor(f.Executor.WorkingDir, env)
}

// expectFiles guards against tools that exit 0 without writing output.
func expectFiles(tool string, paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%s reported success but %s is missing: %w", tool, p, err)
		}
	}
	return nil
}
