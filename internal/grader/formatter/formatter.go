// Package formatter renders executed tests as a Gradescope results document.
package formatter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"fuzgrader/internal/grader/testcase"
	appErr "fuzgrader/pkg/errors"
)

const (
	DefaultVisibility       = "visible"
	DefaultStdoutVisibility = "hidden"
	DefaultHiddenTests      = "hidden"
	DefaultMaxOutputBytes   = 5000

	outputFormatSimple = "simple_format"
	truncationMarker   = "\n[output truncated]"
)

// TestSource provides executed tests, e.g. an Autograder.
type TestSource interface {
	Tests() []testcase.TestCase
}

// Report is the top-level results document.
type Report struct {
	Score            float64            `json:"score"`
	Output           string             `json:"output"`
	Visibility       string             `json:"visibility"`
	StdoutVisibility string             `json:"stdout_visibility"`
	Tests            []TestReport       `json:"tests"`
	Leaderboard      []LeaderboardEntry `json:"leaderboard,omitempty"`
}

// TestReport is one test entry.
type TestReport struct {
	Name         string   `json:"name"`
	Visibility   string   `json:"visibility"`
	Score        *float64 `json:"score,omitempty"`
	MaxScore     *float64 `json:"max_score,omitempty"`
	Status       string   `json:"status,omitempty"`
	Output       string   `json:"output"`
	OutputFormat string   `json:"output_format,omitempty"`
}

// LeaderboardEntry is one leaderboard column. Value is a number or a string.
type LeaderboardEntry struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value,omitempty" yaml:"value"`
	Order string `json:"order,omitempty" yaml:"order"`
}

// Option customizes a GradescopeFormatter.
type Option func(*GradescopeFormatter)

// WithMessage sets the top-level output text.
func WithMessage(msg string) Option {
	return func(f *GradescopeFormatter) { f.message = msg }
}

// WithVisibility sets the report visibility.
func WithVisibility(v string) Option {
	return func(f *GradescopeFormatter) { f.visibility = v }
}

// WithStdoutVisibility sets the visibility of the grader's own stdout.
func WithStdoutVisibility(v string) Option {
	return func(f *GradescopeFormatter) { f.stdoutVisibility = v }
}

// WithHiddenTestsSetting sets the visibility given to hidden tests.
func WithHiddenTestsSetting(v string) Option {
	return func(f *GradescopeFormatter) { f.hiddenTests = v }
}

// WithHidePoints omits per-test scores and reports a zero total.
func WithHidePoints(hide bool) Option {
	return func(f *GradescopeFormatter) { f.hidePoints = hide }
}

// WithMaxOutputBytes truncates test output; zero or less disables truncation.
func WithMaxOutputBytes(n int) Option {
	return func(f *GradescopeFormatter) { f.maxOutputBytes = n }
}

// WithVerbose includes commands and streams in passing test output.
func WithVerbose(verbose bool) Option {
	return func(f *GradescopeFormatter) { f.verbose = verbose }
}

// WithLeaderboard attaches leaderboard entries.
func WithLeaderboard(entries []LeaderboardEntry) Option {
	return func(f *GradescopeFormatter) { f.leaderboard = entries }
}

// GradescopeFormatter projects executed tests into a Report.
type GradescopeFormatter struct {
	sources []TestSource

	message          string
	visibility       string
	stdoutVisibility string
	hiddenTests      string
	hidePoints       bool
	maxOutputBytes   int
	verbose          bool
	leaderboard      []LeaderboardEntry
}

// New creates a formatter over sources, read in order.
func New(sources []TestSource, opts ...Option) *GradescopeFormatter {
	f := &GradescopeFormatter{
		sources:          sources,
		visibility:       DefaultVisibility,
		stdoutVisibility: DefaultStdoutVisibility,
		hiddenTests:      DefaultHiddenTests,
		maxOutputBytes:   DefaultMaxOutputBytes,
		verbose:          true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Tests returns every test of every source in declaration order.
func (f *GradescopeFormatter) Tests() []testcase.TestCase {
	var tests []testcase.TestCase
	for _, src := range f.sources {
		tests = append(tests, src.Tests()...)
	}
	return tests
}

// Execute builds the report. It fails on a test variant it cannot render.
func (f *GradescopeFormatter) Execute() (*Report, error) {
	tests := f.Tests()
	report := &Report{
		Output:           f.message,
		Visibility:       f.visibility,
		StdoutVisibility: f.stdoutVisibility,
		Tests:            make([]TestReport, 0, len(tests)),
	}
	for _, tc := range tests {
		entry, err := f.FormatTest(tc)
		if err != nil {
			return nil, err
		}
		report.Tests = append(report.Tests, entry)
		report.Score += tc.Outcome().Score
	}
	if f.hidePoints {
		report.Score = 0
	}
	if len(f.leaderboard) > 0 {
		report.Leaderboard = append([]LeaderboardEntry(nil), f.leaderboard...)
	}
	return report, nil
}

// FormatTest renders one test.
func (f *GradescopeFormatter) FormatTest(tc testcase.TestCase) (TestReport, error) {
	var (
		output string
		format string
	)
	switch v := tc.(type) {
	case *testcase.IOTestCase:
		output, format = f.ioOutput(v), outputFormatSimple
	case *testcase.BasicTestCase:
		output = f.basicOutput(v)
	case *testcase.CustomTestCase:
		output = v.Outcome().Output
	default:
		return TestReport{}, appErr.Newf(appErr.UnknownTestVariant, "cannot format test variant %T", tc)
	}

	base := tc.Common()
	out := tc.Outcome()
	entry := TestReport{
		Name:         base.Name,
		Visibility:   DefaultVisibility,
		MaxScore:     base.MaxScore(),
		Status:       out.Passed.String(),
		Output:       truncate(output, f.maxOutputBytes),
		OutputFormat: format,
	}
	if base.Hidden {
		entry.Visibility = f.hiddenTests
	}
	if !f.hidePoints {
		score := out.Score
		entry.Score = &score
	}
	return entry, nil
}

func (f *GradescopeFormatter) ioOutput(tc *testcase.IOTestCase) string {
	out := tc.Outcome()
	switch {
	case !out.HasRun:
		return testcase.NotRunMessage
	case out.Error:
		return strings.Join([]string{
			"Unexpected runtime error!",
			"== stdout ==", tc.ActualStdout(),
			"== stderr ==", tc.ActualStderr(),
		}, "\n")
	case out.TimedOut:
		return strings.Join([]string{
			fmt.Sprintf("Test case timed out. (limit=%d ms)", tc.EffectiveTimeout().Milliseconds()),
			"== stdout ==", tc.ActualStdout(),
			"== stderr ==", tc.ActualStderr(),
		}, "\n")
	}

	passed := out.Passed.Passed()
	lines := []string{statusLine(passed, out.Elapsed.Seconds()*1000)}
	if f.verbose || !passed {
		lines = append(lines, "== test command ==", tc.Command)
		if tc.Input != nil {
			lines = append(lines, "== test input ==", tc.InputText())
		}
		lines = append(lines,
			"== expected stdout ==", tc.ExpectedStdoutText(),
			"== expected stderr ==", tc.ExpectedStderrText(),
		)
	}
	if !passed {
		lines = append(lines,
			fmt.Sprintf("Return value: %d", tc.Result().ExitCode),
			"== actual stdout ==", tc.ActualStdout(),
			"== actual stderr ==", tc.ActualStderr(),
		)
	}
	return strings.Join(lines, "\n")
}

func (f *GradescopeFormatter) basicOutput(tc *testcase.BasicTestCase) string {
	out := tc.Outcome()
	switch {
	case !out.HasRun:
		return testcase.NotRunMessage
	case out.TimedOut:
		return fmt.Sprintf("Test case timed out. (limit=%d ms)", tc.EffectiveTimeout().Milliseconds())
	case out.Error:
		return "Unexpected runtime error!\n" + errText(tc.Err())
	}
	lines := []string{
		"== test command ==", tc.Command,
		"== return code ==", fmt.Sprintf("%d", tc.ExitCode()),
	}
	if f.verbose {
		res := tc.Result()
		lines = append(lines,
			"== stdout ==", testcase.BytesToText(res.Stdout),
			"== stderr ==", testcase.BytesToText(res.Stderr),
		)
	}
	return strings.Join(lines, "\n")
}

func statusLine(passed bool, elapsedMs float64) string {
	if passed {
		return fmt.Sprintf("PASSED in %.2f ms.", elapsedMs)
	}
	return fmt.Sprintf("FAILED in %.2f ms.", elapsedMs)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// truncate cuts s to at most maxBytes bytes on a rune boundary and marks the cut.
func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

// WriteJSON encodes report as indented JSON.
func WriteJSON(w io.Writer, report *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return appErr.Wrapf(err, appErr.ReportEncodeFailed, "encode report failed")
	}
	return nil
}

// Marshal encodes report as indented JSON bytes.
func Marshal(report *Report) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ReportEncodeFailed, "encode report failed")
	}
	return data, nil
}
