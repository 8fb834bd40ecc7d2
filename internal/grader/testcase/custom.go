package testcase

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"fuzgrader/internal/grader/rubric"
	"fuzgrader/internal/grader/runner"
	appErr "fuzgrader/pkg/errors"
	"fuzgrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// Scorer judges a custom test. res is nil when the test declares no command.
// Only Passed, Score and Output of the returned Outcome are used.
type Scorer interface {
	Score(ctx context.Context, res *runner.Result) (Outcome, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, res *runner.Result) (Outcome, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, res *runner.Result) (Outcome, error) {
	return f(ctx, res)
}

// CustomTestCase delegates the verdict to a Scorer. The engine only clamps the
// score into [0, PointValue]; a passing verdict without a score earns full
// points.
type CustomTestCase struct {
	Base

	Scorer Scorer
}

// NewCustomTestCase creates a custom test. command may be empty.
func NewCustomTestCase(name, command string, scorer Scorer, points *float64) *CustomTestCase {
	return &CustomTestCase{
		Base:   Base{Name: name, Command: command, PointValue: points},
		Scorer: scorer,
	}
}

type scoreResult struct {
	outcome Outcome
	err     error
}

// Execute runs the optional command and then the scorer, each bounded by the
// test timeout.
func (t *CustomTestCase) Execute(ctx context.Context, env Env) Outcome {
	if !t.begin() {
		return t.outcome
	}
	ctx = withTest(ctx, &t.Base)
	start := time.Now()

	if t.Scorer == nil {
		t.fail(ctx, appErr.New(appErr.TestCaseInvalid).WithMessage("custom test has no scorer"))
		return t.outcome
	}

	var res *runner.Result
	if t.Command != "" {
		logger.Info(ctx, "running custom test command", zap.String("command", t.Command))
		var ok bool
		res, ok = t.run(ctx, env, runner.Request{})
		if !ok {
			return t.outcome
		}
	}

	verdict, err := t.score(ctx, res)
	t.outcome.Elapsed = time.Since(start)
	if err != nil {
		t.fail(ctx, err)
		return t.outcome
	}

	t.outcome.Passed = verdict.Passed
	t.outcome.Output = verdict.Output
	if verdict.Passed.Passed() && verdict.Score == 0 {
		t.outcome.Score = t.Points()
	} else {
		t.outcome.Score = t.clampScore(verdict.Score)
	}
	logger.Info(ctx, "custom test scored",
		zap.String("status", t.outcome.Passed.String()),
		zap.Float64("score", t.outcome.Score),
	)
	return t.outcome
}

func (t *CustomTestCase) score(ctx context.Context, res *runner.Result) (Outcome, error) {
	limit := t.EffectiveTimeout()
	scoreCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scoreResult{err: appErr.Newf(appErr.CustomScorerFailed, "scorer panicked: %v", r)}
			}
		}()
		out, err := t.Scorer.Score(scoreCtx, res)
		if err != nil && appErr.GetCode(err) == appErr.InternalServerError {
			err = appErr.Wrap(err, appErr.CustomScorerFailed)
		}
		done <- scoreResult{outcome: out, err: err}
	}()

	var r scoreResult
	select {
	case r = <-done:
	case <-scoreCtx.Done():
	}
	// A verdict delivered after the deadline still counts as a timeout.
	if err := ctx.Err(); err != nil {
		return Outcome{}, appErr.Wrap(err, appErr.CustomScorerFailed)
	}
	if scoreCtx.Err() != nil {
		return Outcome{}, appErr.Newf(appErr.ProcessTimeout, "scorer exceeded %d ms", limit.Milliseconds())
	}
	return r.outcome, r.err
}

// AddToRubric appends the test's rubric item.
func (t *CustomTestCase) AddToRubric(r *rubric.Rubric, verbose bool) {
	r.Add(t.rubricItem(t.Summary(verbose)))
}

// Summary returns the scorer output. It is omitted for passing tests outside
// verbose mode.
func (t *CustomTestCase) Summary(verbose bool) string {
	switch {
	case !t.outcome.HasRun:
		return NotRunMessage
	case t.outcome.Error:
		return errorMessage(&t.Base)
	case t.outcome.TimedOut:
		return timeoutMessage(&t.Base)
	}
	if verbose || !t.outcome.Passed.Passed() {
		return t.outcome.Output
	}
	return ""
}

// RegexpScorer passes when the captured stdout, or stderr if Stderr is set,
// matches Pattern.
type RegexpScorer struct {
	Pattern *regexp.Regexp
	Stderr  bool
}

// NewRegexpScorer compiles pattern into a scorer.
func NewRegexpScorer(pattern string, stderr bool) (*RegexpScorer, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TestCaseInvalid, "invalid pattern %q", pattern)
	}
	return &RegexpScorer{Pattern: re, Stderr: stderr}, nil
}

// Score implements Scorer.
func (s *RegexpScorer) Score(_ context.Context, res *runner.Result) (Outcome, error) {
	if res == nil {
		return Outcome{}, appErr.New(appErr.CustomScorerFailed).WithMessage("regexp scorer needs a command result")
	}
	stream, data := "stdout", res.Stdout
	if s.Stderr {
		stream, data = "stderr", res.Stderr
	}
	if s.Pattern.Match(data) {
		return Outcome{Passed: rubric.JudgmentPassed, Output: fmt.Sprintf("%s matched /%s/", stream, s.Pattern)}, nil
	}
	return Outcome{
		Passed: rubric.JudgmentFailed,
		Output: fmt.Sprintf("%s did not match /%s/\n==YOUR %s==\n%s", stream, s.Pattern, strings.ToUpper(stream), BytesToText(data)),
	}, nil
}
