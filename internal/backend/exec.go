package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// ExecutionResult holds the captured output of one tool invocation.
type ExecutionResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError is returned when a tool ran but exited non-zero.
type ExitError struct {
	Tool     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// CommandExecutor runs external tools with an allow-listed environment.
//
// Only variables in Env are visible to the tool; the host environment
// (HOME, PATH, FSLDIR, ...) is not inherited. Tools are therefore usually
// configured with absolute paths, or PATH is listed in Env.
type CommandExecutor struct {
	// WorkingDir is where tools run. Empty means the process working directory.
	WorkingDir string

	// Env is the complete environment of every invocation.
	Env map[string]string
}

// NewCommandExecutor creates a CommandExecutor.
func NewCommandExecutor(workingDir string, env map[string]string) *CommandExecutor {
	return &CommandExecutor{WorkingDir: workingDir, Env: env}
}

// Run executes tool with args and waits for it to exit. A non-zero exit is
// reported as *ExitError together with the captured output.
func (e *CommandExecutor) Run(ctx context.Context, tool string, args ...string) (*ExecutionResult, error) {
	if tool == "" {
		return nil, errors.New("tool is empty")
	}

	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Dir = e.WorkingDir
	cmd.Env = buildIsolatedEnv(e.Env)
	// Own process group so cancellation takes down helper processes too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", tool, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("%s cancelled: %w", tool, ctx.Err())
	case err = <-done:
	}

	res := &ExecutionResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", tool, err)
		}
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{Tool: tool, Args: args, ExitCode: res.ExitCode, Stderr: stderr.String()}
	}
	return res, nil
}

// buildIsolatedEnv starts from an empty environment, never os.Environ().
// Entries are sorted so invocations are reproducible.
func buildIsolatedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return []string{}
	}
	result := make([]string, 0, len(env))
	for key, value := range env {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result
}
