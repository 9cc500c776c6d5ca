package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"pepolar/internal/fieldmap"
)

const (
	ExitSuccess           = 0
	ExitDerivationFailure = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Invocation is the canonical description of one command line.
//
// Paths are absolute and clean. Label filters carry no "sub-"/"ses-"/"task-"
// prefix and are sorted and deduplicated. Empty fields defer to the
// configuration file.
type Invocation struct {
	BIDSDir      string
	Participants []string
	Sessions     []string
	Tasks        []string
	DryRun       bool
	IntendedFor  string
	ConfigPath   string
	WorkDir      string
	TracePath    string
	Verbose      bool

	// Help holds text printed instead of running a derivation (help,
	// completion scripts).
	Help string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses args (without argv[0]) into a canonical Invocation.
// It reads no environment variables and touches no files; relative paths are
// resolved against the process working directory.
func ParseInvocation(args []string) (Invocation, error) {
	var (
		inv    Invocation
		parsed bool
		out    bytes.Buffer
	)
	if args == nil {
		// cobra falls back to os.Args on nil.
		args = []string{}
	}
	root := newRootCommand(&inv, &parsed)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	if err := root.Execute(); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if !parsed {
		return Invocation{Help: out.String()}, nil
	}
	return canonicalize(inv)
}

func canonicalize(inv Invocation) (Invocation, error) {
	var err error
	if inv.BIDSDir, err = absPath("bids_dir", inv.BIDSDir, true); err != nil {
		return Invocation{}, err
	}
	if inv.ConfigPath, err = absPath("--config", inv.ConfigPath, false); err != nil {
		return Invocation{}, err
	}
	if inv.WorkDir, err = absPath("--work-dir", inv.WorkDir, false); err != nil {
		return Invocation{}, err
	}
	if inv.TracePath, err = absPath("--trace", inv.TracePath, false); err != nil {
		return Invocation{}, err
	}

	inv.Participants = labels(inv.Participants, "sub-")
	inv.Sessions = labels(inv.Sessions, "ses-")
	inv.Tasks = labels(inv.Tasks, "task-")

	switch fieldmap.IntendedForStyle(inv.IntendedFor) {
	case "", fieldmap.IntendedForRelative, fieldmap.IntendedForURI:
	default:
		return Invocation{}, invalidInvocationf("invalid --intended-for %q (expected relative|uri)", inv.IntendedFor)
	}
	return inv, nil
}

func absPath(name, p string, required bool) (string, error) {
	if strings.TrimSpace(p) == "" {
		if required {
			return "", invalidInvocationf("%s is required", name)
		}
		return "", nil
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", invalidInvocationf("%s: %v", name, err)
	}
	return abs, nil
}

func labels(in []string, prefix string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, l := range in {
		l = strings.TrimPrefix(strings.TrimSpace(l), prefix)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// ExitCode extracts the semantic exit code carried by err. Errors that are
// not invocation errors map to ExitInternalError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
