// Package testcase defines the graded test variants and their outcomes.
//
// The variant set is closed: IOTestCase, BasicTestCase and CustomTestCase are
// the only implementations of TestCase.
package testcase

import (
	"context"
	"math"
	"time"

	"fuzgrader/internal/grader/rubric"
	"fuzgrader/internal/grader/runner"
	appErr "fuzgrader/pkg/errors"
	"fuzgrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultTimeout applies to test cases that do not declare a timeout.
const DefaultTimeout = 100 * time.Millisecond

// Outcome is the verdict of one test case. The zero value is the NotRun state.
type Outcome struct {
	HasRun   bool
	Passed   rubric.Judgment
	TimedOut bool
	Error    bool
	Score    float64
	Elapsed  time.Duration
	// Output is free text attached by custom scorers.
	Output string
}

// ProcessRunner executes one command request.
type ProcessRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// Env is what an autograder lends a test case for execution.
type Env struct {
	Runner ProcessRunner
	// WorkDir is the sandbox the command runs in.
	WorkDir string
	// Emulate prefixes commands with the emulation layer.
	Emulate bool
	// Echo prints commands as they run.
	Echo bool
}

// TestCase is implemented by IOTestCase, BasicTestCase and CustomTestCase.
type TestCase interface {
	// Common returns the attributes shared by every variant.
	Common() *Base
	// Outcome returns the current outcome.
	Outcome() Outcome
	// Execute runs the test once; later calls return the cached outcome.
	Execute(ctx context.Context, env Env) Outcome
	// AddToRubric appends exactly one item describing the outcome.
	AddToRubric(r *rubric.Rubric, verbose bool)

	sealed()
}

// Base holds the attributes common to all variants.
type Base struct {
	Name string
	// PointValue is nil for unscored, informational tests.
	PointValue *float64
	Hidden     bool
	Command    string
	Timeout    time.Duration

	outcome Outcome
	result  *runner.Result
	err     error
}

// Common returns b.
func (b *Base) Common() *Base { return b }

// Outcome returns the current outcome.
func (b *Base) Outcome() Outcome { return b.outcome }

// Result returns the process result of the last execution, if any.
func (b *Base) Result() *runner.Result { return b.result }

// Err returns the execution error that produced a timeout or error outcome.
func (b *Base) Err() error { return b.err }

// Points returns the point value, or 0 when unscored. Negative values count
// as 0.
func (b *Base) Points() float64 {
	if b.PointValue == nil || *b.PointValue < 0 {
		return 0
	}
	return *b.PointValue
}

// MaxScore returns the floored point value, or nil when unscored.
func (b *Base) MaxScore() *float64 {
	if b.PointValue == nil {
		return nil
	}
	return rubric.Points(b.Points())
}

// EffectiveTimeout returns the declared timeout or DefaultTimeout.
func (b *Base) EffectiveTimeout() time.Duration {
	if b.Timeout <= 0 {
		return DefaultTimeout
	}
	return b.Timeout
}

func (b *Base) sealed() {}

// begin moves the test from NotRun to Running. It returns false when the test
// already ran.
func (b *Base) begin() bool {
	if b.outcome.HasRun {
		return false
	}
	b.outcome = Outcome{HasRun: true}
	return true
}

// run executes the test command and records timeout and error states. ok is
// true when the process completed and its result can be judged.
func (b *Base) run(ctx context.Context, env Env, req runner.Request) (res *runner.Result, ok bool) {
	if env.Runner == nil {
		b.fail(ctx, appErr.New(appErr.InternalServerError).WithMessage("process runner is not configured"))
		return nil, false
	}
	req.Command = b.Command
	req.WorkDir = env.WorkDir
	req.Timeout = b.EffectiveTimeout()
	req.Emulate = env.Emulate
	req.Capture = true
	req.PrintCommand = env.Echo

	res, err := safeRun(ctx, env.Runner, req)
	b.result = res
	if res != nil {
		b.outcome.Elapsed = res.Elapsed
	}
	if err != nil {
		b.fail(ctx, err)
		return res, false
	}
	if res == nil {
		b.fail(ctx, appErr.New(appErr.ProcessFailed).WithMessage("process runner returned no result"))
		return nil, false
	}
	return res, true
}

// safeRun turns a runner panic into an error so one broken test cannot stop
// the tests after it.
func safeRun(ctx context.Context, r ProcessRunner, req runner.Request) (res *runner.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = appErr.Newf(appErr.InternalServerError, "process runner panicked: %v", p)
		}
	}()
	return r.Run(ctx, req)
}

// fail records a timeout or an error outcome.
func (b *Base) fail(ctx context.Context, err error) {
	b.err = err
	b.outcome.Passed = rubric.JudgmentFailed
	b.outcome.Score = 0
	if appErr.Is(err, appErr.ProcessTimeout) {
		b.outcome.TimedOut = true
		logger.Info(ctx, "test case timed out", zap.Duration("limit", b.EffectiveTimeout()))
		return
	}
	b.outcome.Error = true
	logger.Warn(ctx, "test case raised unexpected error", zap.Error(err))
}

// judge records a pass/fail verdict and awards full points on pass.
func (b *Base) judge(passed bool) {
	b.outcome.Passed = rubric.JudgmentOf(passed)
	if passed {
		b.outcome.Score = b.Points()
	} else {
		b.outcome.Score = 0
	}
}

// clampScore keeps score within [0, point value].
func (b *Base) clampScore(score float64) float64 {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
		return 0
	}
	if limit := b.Points(); score > limit {
		return limit
	}
	return score
}

func (b *Base) rubricItem(output string) rubric.Item {
	return rubric.Item{
		Name:     b.Name,
		Score:    b.outcome.Score,
		MaxScore: b.MaxScore(),
		Passed:   b.outcome.Passed,
		Output:   output,
		Hidden:   b.Hidden,
		Elapsed:  b.outcome.Elapsed,
	}
}

func withTest(ctx context.Context, b *Base) context.Context {
	return logger.WithTestCase(ctx, b.Name)
}
