// Package runner executes external operations as child processes with
// timeouts and structured results, and provides the bounded retry policy
// wrapped around each invocation.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/taskforge/taskforge/pkg/telemetry"
)

// CommandSpec describes one external operation invocation. The target is an
// opaque executable honoring standard exit-code conventions.
type CommandSpec struct {
	// Program is the executable name or path.
	Program string `json:"program"`

	// Args is the argument list.
	Args []string `json:"args,omitempty"`

	// Dir is the working directory; empty means inherit.
	Dir string `json:"dir,omitempty"`

	// Env holds environment overrides applied on top of the parent env.
	Env map[string]string `json:"env,omitempty"`

	// Timeout bounds the invocation; zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Output is the structured result of one invocation. A nonzero exit code is
// reported here, never as an error; the caller's classifier interprets it.
type Output struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// ErrTimedOut is returned when the invocation exceeded its timeout and the
// process was forcibly terminated.
var ErrTimedOut = errors.New("operation timed out")

// SpawnError reports that the child process could not be started at all.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsSpawnError reports whether err is a process spawn failure.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

const (
	// DefaultTimeout bounds invocations whose spec does not say.
	DefaultTimeout = 10 * time.Minute

	// DefaultGracePeriod is how long a process gets between SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// DefaultCaptureLimit caps how much of each stream is retained.
	DefaultCaptureLimit = 64 * 1024
)

// Runner executes command specs as child processes. Stateless beyond its
// configuration; safe for concurrent use.
type Runner struct {
	// GracePeriod is the SIGTERM-to-SIGKILL window on timeout or cancellation.
	GracePeriod time.Duration

	// CaptureLimit truncates captured stdout/stderr to this many bytes.
	CaptureLimit int

	log *telemetry.Logger
}

// New creates a runner with default grace period and capture limit.
func New(log *telemetry.Logger) *Runner {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Runner{
		GracePeriod:  DefaultGracePeriod,
		CaptureLimit: DefaultCaptureLimit,
		log:          log.NewComponentLogger("runner"),
	}
}

// Run executes the spec and waits for it to finish, the timeout to expire, or
// ctx to be cancelled. The child runs in its own process group so the whole
// subprocess tree can be terminated. On timeout or cancellation the group
// receives SIGTERM, then SIGKILL after the grace period.
func (r *Runner) Run(ctx context.Context, spec CommandSpec) (*Output, error) {
	if spec.Program == "" {
		return nil, &SpawnError{Program: spec.Program, Err: errors.New("program is required")}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cmd := exec.Command(spec.Program, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Own process group, so termination reaches children too.
	}
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}

	// Drain both pipes concurrently so the child cannot deadlock on a full
	// pipe buffer before we call Wait.
	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var timedOut bool
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		waitErr = r.terminate(cmd, waitCh)
	case <-ctx.Done():
		_ = r.terminate(cmd, waitCh)
		out := r.output(&stdoutBuf, &stderrBuf, -1, time.Since(start))
		return out, ctx.Err()
	}

	out := r.output(&stdoutBuf, &stderrBuf, 0, time.Since(start))

	if timedOut {
		out.ExitCode = -1
		r.log.WithField("program", spec.Program).
			WithField("timeout", timeout.String()).
			Warn("operation timed out, process terminated")
		return out, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("wait failed: %w", waitErr)
	}

	return out, nil
}

// terminate signals the process group with SIGTERM, waits out the grace
// period for the process to exit, then sends SIGKILL. Returns the wait error
// once the process is gone.
func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	if cmd.Process == nil {
		return <-waitCh
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	grace := r.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return <-waitCh
	}
}

func (r *Runner) output(stdout, stderr *bytes.Buffer, exitCode int, duration time.Duration) *Output {
	return &Output{
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String(), r.CaptureLimit),
		Stderr:   truncate(stderr.String(), r.CaptureLimit),
		Duration: duration,
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}
