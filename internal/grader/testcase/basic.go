package testcase

import (
	"context"
	"fmt"
	"strings"

	"fuzgrader/internal/grader/rubric"
	"fuzgrader/internal/grader/runner"
	"fuzgrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// BasicTestCase passes when Command exits with ExpectedExitCode.
type BasicTestCase struct {
	Base

	ExpectedExitCode int
}

// NewBasicTestCase creates an exit-code test.
func NewBasicTestCase(name, command string, expectedExitCode int, points *float64) *BasicTestCase {
	return &BasicTestCase{
		Base:             Base{Name: name, Command: command, PointValue: points},
		ExpectedExitCode: expectedExitCode,
	}
}

// Execute runs the command once and compares its exit code.
func (t *BasicTestCase) Execute(ctx context.Context, env Env) Outcome {
	if !t.begin() {
		return t.outcome
	}
	ctx = withTest(ctx, &t.Base)
	logger.Info(ctx, "running exit code test", zap.String("command", t.Command), zap.Int("expected", t.ExpectedExitCode))

	res, ok := t.run(ctx, env, runner.Request{})
	if !ok {
		return t.outcome
	}
	t.judge(res.ExitCode == t.ExpectedExitCode)
	return t.outcome
}

// ExitCode returns the observed exit code, or -1 before execution.
func (t *BasicTestCase) ExitCode() int {
	if t.result == nil {
		return -1
	}
	return t.result.ExitCode
}

// AddToRubric appends the test's rubric item.
func (t *BasicTestCase) AddToRubric(r *rubric.Rubric, verbose bool) {
	r.Add(t.rubricItem(t.Summary(verbose)))
}

// Summary explains the verdict.
func (t *BasicTestCase) Summary(verbose bool) string {
	switch {
	case !t.outcome.HasRun:
		return NotRunMessage
	case t.outcome.Error:
		return errorMessage(&t.Base)
	case t.outcome.TimedOut:
		return timeoutMessage(&t.Base)
	}

	passed := t.outcome.Passed.Passed()
	lines := []string{
		statusLine(passed, t.result.ElapsedMs()),
		"==Test command==", t.Command,
		fmt.Sprintf("Return value: %d (expected %d)", t.result.ExitCode, t.ExpectedExitCode),
	}
	if verbose {
		lines = append(lines,
			"==STDOUT==", BytesToText(t.result.Stdout),
			"==STDERR==", BytesToText(t.result.Stderr),
		)
	}
	return strings.Join(lines, "\n")
}
