package testcase

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"fuzgrader/internal/grader/rubric"
	"fuzgrader/internal/grader/runner"
	"fuzgrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// IOTestCase feeds Input to Command and compares the captured streams with
// the expected ones.
//
// Binary mode compares bytes exactly. Text mode translates CRLF and lone CR
// to LF on both sides and compares the rest exactly, trailing newlines
// included.
type IOTestCase struct {
	Base

	// Input is fed on stdin when non-nil.
	Input          []byte
	ExpectedStdout []byte
	// ExpectedStderr is only compared when non-nil.
	ExpectedStderr []byte
	Binary         bool
}

// NewIOTestCase creates an IO comparison test.
func NewIOTestCase(name, command string, points *float64) *IOTestCase {
	return &IOTestCase{Base: Base{Name: name, Command: command, PointValue: points}}
}

// Execute runs the command once and compares its output.
func (t *IOTestCase) Execute(ctx context.Context, env Env) Outcome {
	if !t.begin() {
		return t.outcome
	}
	ctx = withTest(ctx, &t.Base)
	logger.Info(ctx, "running io test", zap.String("command", t.Command), zap.Bool("binary", t.Binary))

	res, ok := t.run(ctx, env, runner.Request{Stdin: t.Input, Binary: t.Binary})
	if !ok {
		return t.outcome
	}
	t.judge(t.stdoutMatches(res) && t.stderrMatches(res))
	return t.outcome
}

func (t *IOTestCase) stdoutMatches(res *runner.Result) bool {
	return t.equal(t.ExpectedStdout, res.Stdout)
}

func (t *IOTestCase) stderrMatches(res *runner.Result) bool {
	if t.ExpectedStderr == nil {
		return true
	}
	return t.equal(t.ExpectedStderr, res.Stderr)
}

func (t *IOTestCase) equal(expected, actual []byte) bool {
	if t.Binary {
		return bytes.Equal(expected, actual)
	}
	return bytes.Equal(runner.NormalizeNewlines(expected), runner.NormalizeNewlines(actual))
}

// ActualStdout returns the captured stdout as text.
func (t *IOTestCase) ActualStdout() string {
	if t.result == nil {
		return ""
	}
	return BytesToText(t.result.Stdout)
}

// ActualStderr returns the captured stderr as text.
func (t *IOTestCase) ActualStderr() string {
	if t.result == nil {
		return ""
	}
	return BytesToText(t.result.Stderr)
}

// InputText returns the test input as text.
func (t *IOTestCase) InputText() string {
	return BytesToText(t.Input)
}

// ExpectedStdoutText returns the expected stdout as text.
func (t *IOTestCase) ExpectedStdoutText() string {
	return BytesToText(t.ExpectedStdout)
}

// ExpectedStderrText returns the expected stderr as text.
func (t *IOTestCase) ExpectedStderrText() string {
	return BytesToText(t.ExpectedStderr)
}

// AddToRubric appends the test's rubric item.
func (t *IOTestCase) AddToRubric(r *rubric.Rubric, verbose bool) {
	r.Add(t.rubricItem(t.Summary(verbose)))
}

// Summary explains the verdict. Failed tests always include the expected and
// actual streams.
func (t *IOTestCase) Summary(verbose bool) string {
	switch {
	case !t.outcome.HasRun:
		return NotRunMessage
	case t.outcome.Error:
		return errorMessage(&t.Base)
	case t.outcome.TimedOut:
		return timeoutMessage(&t.Base)
	}

	passed := t.outcome.Passed.Passed()
	lines := []string{statusLine(passed, t.result.ElapsedMs())}
	if verbose || !passed {
		lines = append(lines,
			"==Test command==", t.Command,
			"==Test input==", t.InputText(),
			fmt.Sprintf("Return value: %d", t.result.ExitCode),
			"==EXPECTED STDOUT==", t.ExpectedStdoutText(),
			"==EXPECTED STDERR==", t.ExpectedStderrText(),
		)
	}
	if !passed {
		lines = append(lines,
			"==YOUR STDOUT==", t.ActualStdout(),
			"==YOUR STDERR==", t.ActualStderr(),
		)
	}
	return strings.Join(lines, "\n")
}
