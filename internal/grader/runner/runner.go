// Package runner executes shell commands with output capture, a wall-time limit
// and optional instruction-set emulation.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	appErr "fuzgrader/pkg/errors"
	"fuzgrader/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout applies when a request does not set one.
	DefaultTimeout = 5000 * time.Millisecond

	DefaultEmulator = "qemu-arm"
	DefaultSysRoot  = "/usr/arm-linux-gnueabihf/"

	shellPath     = "/bin/sh"
	waitDelay     = 500 * time.Millisecond
	capturePrefix = "grader-capture-"
)

// Emulation describes the instruction-set translation layer prepended to
// commands when a request asks for emulation.
type Emulation struct {
	Binary  string `yaml:"binary"`
	SysRoot string `yaml:"sysRoot"`
}

// Prefix returns the command prefix, e.g. "qemu-arm -L /usr/arm-linux-gnueabihf/ ".
func (e Emulation) Prefix() string {
	bin := e.Binary
	if bin == "" {
		bin = DefaultEmulator
	}
	root := e.SysRoot
	if root == "" {
		root = DefaultSysRoot
	}
	return fmt.Sprintf("%s -L %s ", bin, root)
}

// Request describes one command invocation.
type Request struct {
	Command string
	// WorkDir is passed to the child process; the runner never changes the
	// working directory of the current process.
	WorkDir string
	// Stdin is fed to the process when non-nil.
	Stdin []byte

	Capture      bool
	PrintCommand bool
	PrintOutput  bool

	Timeout time.Duration
	// Binary disables text-mode newline translation of captured streams.
	Binary  bool
	Emulate bool
}

// Result captures the observable outcome of one invocation.
type Result struct {
	Command  string
	ExitCode int
	Elapsed  time.Duration
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Binary   bool
}

// StdoutText returns stdout as text.
func (r *Result) StdoutText() string {
	if r == nil {
		return ""
	}
	return string(r.Stdout)
}

// StderrText returns stderr as text.
func (r *Result) StderrText() string {
	if r == nil {
		return ""
	}
	return string(r.Stderr)
}

// ElapsedMs returns the elapsed wall time in milliseconds.
func (r *Result) ElapsedMs() float64 {
	if r == nil {
		return 0
	}
	return float64(r.Elapsed) / float64(time.Millisecond)
}

// Runner executes requests through the system shell.
type Runner struct {
	emulation Emulation
	echo      io.Writer
	tempDir   string
}

// Option customizes a Runner.
type Option func(*Runner)

// WithEmulation overrides the emulation layer.
func WithEmulation(e Emulation) Option {
	return func(r *Runner) {
		r.emulation = e
	}
}

// WithEcho sets the writer used by PrintCommand and PrintOutput.
func WithEcho(w io.Writer) Option {
	return func(r *Runner) {
		if w != nil {
			r.echo = w
		}
	}
}

// WithTempDir sets the directory used for capture files.
func WithTempDir(dir string) Option {
	return func(r *Runner) {
		r.tempDir = dir
	}
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{echo: os.Stdout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EffectiveCommand returns the command string that will be handed to the shell.
func (r *Runner) EffectiveCommand(req Request) string {
	if req.Emulate {
		return r.emulation.Prefix() + req.Command
	}
	return req.Command
}

// Run executes the request. A nil error means the process exited on its own
// and its exit code was observed. Timeouts return a ProcessTimeout error and
// abnormal terminations a ProcessFailed error; in both cases the returned
// Result holds whatever was observed.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Command == "" {
		return nil, appErr.ValidationError("command", "required")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	command := r.EffectiveCommand(req)
	res := &Result{Command: command, ExitCode: -1, Binary: req.Binary}

	capture := req.Capture || req.PrintOutput
	var stdoutFile, stderrFile, stdinFile *os.File
	defer func() {
		releaseCapture(stdinFile)
		releaseCapture(stdoutFile)
		releaseCapture(stderrFile)
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, shellPath, "-c", command)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	var err error
	if req.Stdin != nil {
		if stdinFile, err = r.spool(req.Stdin); err != nil {
			return res, err
		}
		cmd.Stdin = stdinFile
	}
	if capture {
		if stdoutFile, err = r.createCapture(); err != nil {
			return res, err
		}
		if stderrFile, err = r.createCapture(); err != nil {
			return res, err
		}
		cmd.Stdout = stdoutFile
		cmd.Stderr = stderrFile
	}

	if req.PrintCommand {
		fmt.Fprintf(r.echo, "$ %s\n", command)
	}

	start := time.Now()
	runErr := cmd.Run()
	res.Elapsed = time.Since(start)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	if capture {
		if res.Stdout, err = readCapture(stdoutFile, req.Binary); err != nil {
			return res, err
		}
		if res.Stderr, err = readCapture(stderrFile, req.Binary); err != nil {
			return res, err
		}
		if req.PrintOutput {
			r.printOutput(res)
		}
	}

	if timedOut {
		res.TimedOut = true
		logger.Info(ctx, "process timed out", zap.String("command", command), zap.Duration("limit", timeout))
		return res, appErr.Newf(appErr.ProcessTimeout, "process timed out (limit=%d ms)", timeout.Milliseconds()).
			WithDetail("command", command)
	}
	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			res.ExitCode = code
			return res, nil
		}
		return res, appErr.Wrapf(runErr, appErr.ProcessFailed, "process terminated abnormally: %s", exitErr.String()).
			WithDetail("command", command)
	}
	return res, appErr.Wrapf(runErr, appErr.ProcessFailed, "start process failed").WithDetail("command", command)
}

func (r *Runner) printOutput(res *Result) {
	if res.Binary {
		fmt.Fprintln(r.echo, "[binary output]")
		return
	}
	fmt.Fprintln(r.echo, "=== STDOUT ===")
	r.echo.Write(res.Stdout)
	fmt.Fprintln(r.echo, "=== STDERR ===")
	r.echo.Write(res.Stderr)
}

func (r *Runner) createCapture() (*os.File, error) {
	f, err := os.CreateTemp(r.tempDir, capturePrefix)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CaptureFailed, "create capture file failed")
	}
	return f, nil
}

func (r *Runner) spool(data []byte) (*os.File, error) {
	f, err := r.createCapture()
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		releaseCapture(f)
		return nil, appErr.Wrapf(err, appErr.CaptureFailed, "write stdin failed")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		releaseCapture(f)
		return nil, appErr.Wrapf(err, appErr.CaptureFailed, "rewind stdin failed")
	}
	return f, nil
}

func readCapture(f *os.File, binary bool) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, appErr.Wrapf(err, appErr.CaptureFailed, "rewind capture failed")
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CaptureFailed, "read capture failed")
	}
	if binary {
		return data, nil
	}
	return NormalizeNewlines(data), nil
}

func releaseCapture(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// NormalizeNewlines translates CRLF and lone CR line endings to LF.
func NormalizeNewlines(data []byte) []byte {
	if bytes.IndexByte(data, '\r') < 0 {
		return data
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
}
