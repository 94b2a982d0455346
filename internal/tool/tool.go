package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Command describes one invocation of an external collaborator.
// Stdin and Stdout are optional streams; when Stdout is nil the
// standard output is kept as part of the diagnostic payload.
type Command struct {
	Name   string
	Args   []string
	Stdin  io.Reader
	Stdout io.Writer
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the typed outcome of a Command.
type Result struct {
	Command  string
	ExitCode int
	Output   string
	Duration time.Duration
	err      error
}

func (r Result) OK() bool {
	return r.err == nil
}

// Err returns nil on success and an *InvocationError otherwise.
func (r Result) Err() error {
	if r.err == nil {
		return nil
	}
	return &InvocationError{Command: r.Command, ExitCode: r.ExitCode, Output: r.Output, Err: r.err}
}

// Succeeded builds a successful result, mostly for fakes.
func Succeeded(cmd Command, output string) Result {
	return Result{Command: cmd.String(), Output: output}
}

// Failed builds a failed result, mostly for fakes.
func Failed(cmd Command, exitCode int, output string) Result {
	return Result{
		Command:  cmd.String(),
		ExitCode: exitCode,
		Output:   output,
		err:      fmt.Errorf("exit status %d", exitCode),
	}
}

// InvocationError reports that an external collaborator returned failure.
type InvocationError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	if out := lastLine(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsInvocation reports whether err came from a failed external tool.
func IsInvocation(err error) bool {
	var ie *InvocationError
	return errors.As(err, &ie)
}

// Runner is the capability the core uses to reach every external tool.
type Runner interface {
	Run(ctx context.Context, cmd Command) Result
}

// Exec runs commands as child processes.
type Exec struct {
	// Timeout bounds every invocation when non-zero.
	Timeout time.Duration
	Logger  *slog.Logger
}

const maxDiagnostic = 64 * 1024

func (e *Exec) Run(ctx context.Context, cmd Command) Result {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	line := cmd.String()
	logger.Debug("Executing", "command", line)

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	diag := &limitedBuffer{limit: maxDiagnostic}
	c.Stdin = cmd.Stdin
	c.Stderr = diag
	if cmd.Stdout != nil {
		c.Stdout = cmd.Stdout
	} else {
		c.Stdout = diag
	}

	start := time.Now()
	err := c.Run()
	res := Result{
		Command:  line,
		Output:   strings.TrimSpace(diag.String()),
		Duration: time.Since(start),
	}
	if err != nil {
		res.err = err
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		logger.Debug("Command failed", "command", line, "exitCode", res.ExitCode, "output", lastLine(res.Output))
		return res
	}
	logger.Debug("Command finished", "command", line, "duration", res.Duration)
	return res
}

// limitedBuffer keeps the tail of a stream so that a chatty tool cannot
// exhaust memory while its last lines remain available for diagnostics.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
