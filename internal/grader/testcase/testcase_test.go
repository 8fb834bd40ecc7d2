package testcase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fuzgrader/internal/grader/rubric"
	"fuzgrader/internal/grader/runner"
	appErr "fuzgrader/pkg/errors"
)

type fakeRunner struct {
	result *runner.Result
	err    error
	calls  int
	last   runner.Request
}

func (f *fakeRunner) Run(_ context.Context, req runner.Request) (*runner.Result, error) {
	f.calls++
	f.last = req
	return f.result, f.err
}

func completed(exitCode int, stdout, stderr string) *fakeRunner {
	return &fakeRunner{result: &runner.Result{
		ExitCode: exitCode,
		Stdout:   []byte(stdout),
		Stderr:   []byte(stderr),
		Elapsed:  2 * time.Millisecond,
	}}
}

func TestIOTestCasePassAndRubric(t *testing.T) {
	fr := completed(0, "7\n", "")
	tc := NewIOTestCase("Test 1", "./add", rubric.Points(2))
	tc.Input = []byte("3 4\n")
	tc.ExpectedStdout = []byte("7\n")

	out := tc.Execute(context.Background(), Env{Runner: fr, WorkDir: "/sandbox"})
	if !out.HasRun || out.Passed != rubric.JudgmentPassed || out.Score != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if fr.last.WorkDir != "/sandbox" || string(fr.last.Stdin) != "3 4\n" || !fr.last.Capture {
		t.Fatalf("unexpected request %+v", fr.last)
	}
	if fr.last.Timeout != DefaultTimeout {
		t.Fatalf("expected default timeout, got %v", fr.last.Timeout)
	}

	r := rubric.New("part")
	tc.AddToRubric(r, false)
	item := r.Items()[0]
	if item.Name != "Test 1" || item.Score != 2 || *item.MaxScore != 2 || item.Passed != rubric.JudgmentPassed {
		t.Fatalf("unexpected item %+v", item)
	}
	if !strings.HasPrefix(item.Output, "PASSED in 2.00 ms.") || strings.Contains(item.Output, "==Test command==") {
		t.Fatalf("non-verbose pass must only carry the status line: %q", item.Output)
	}
}

func TestIOTestCaseMismatchShowsStreams(t *testing.T) {
	fr := completed(0, "8\n", "")
	tc := NewIOTestCase("Test 2", "./add", rubric.Points(1))
	tc.ExpectedStdout = []byte("7\n")

	out := tc.Execute(context.Background(), Env{Runner: fr})
	if out.Passed != rubric.JudgmentFailed || out.Score != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	summary := tc.Summary(false)
	for _, want := range []string{"FAILED", "==Test command==\n./add", "==EXPECTED STDOUT==\n7\n", "==YOUR STDOUT==\n8\n"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestIOTestCaseStderrOnlyComparedWhenDeclared(t *testing.T) {
	tc := NewIOTestCase("undeclared", "cmd", rubric.Points(1))
	tc.ExpectedStdout = []byte("ok")
	if out := tc.Execute(context.Background(), Env{Runner: completed(0, "ok", "noise")}); !out.Passed.Passed() {
		t.Fatalf("stderr must be ignored when undeclared")
	}

	declared := NewIOTestCase("declared", "cmd", rubric.Points(1))
	declared.ExpectedStdout = []byte("ok")
	declared.ExpectedStderr = []byte("")
	if out := declared.Execute(context.Background(), Env{Runner: completed(0, "ok", "noise")}); out.Passed.Passed() {
		t.Fatalf("declared stderr must be compared")
	}
}

func TestIOTestCaseTextComparison(t *testing.T) {
	cases := []struct {
		name     string
		binary   bool
		expected string
		actual   string
		pass     bool
	}{
		{name: "crlf equals lf", expected: "a\r\nb\r\n", actual: "a\nb\n", pass: true},
		{name: "lone cr equals lf", expected: "a\rb", actual: "a\nb", pass: true},
		{name: "trailing newline significant", expected: "a\n", actual: "a", pass: false},
		{name: "trailing space significant", expected: "a", actual: "a ", pass: false},
		{name: "binary exact", binary: true, expected: "a\r\n", actual: "a\n", pass: false},
		{name: "binary equal", binary: true, expected: "\x00\xff", actual: "\x00\xff", pass: true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tc := NewIOTestCase(tt.name, "cmd", rubric.Points(1))
			tc.Binary = tt.binary
			tc.ExpectedStdout = []byte(tt.expected)
			out := tc.Execute(context.Background(), Env{Runner: completed(0, tt.actual, "")})
			if out.Passed.Passed() != tt.pass {
				t.Fatalf("expected pass=%v, got %+v", tt.pass, out)
			}
		})
	}
}

func TestExecuteRunsOnce(t *testing.T) {
	fr := completed(0, "x", "")
	tc := NewIOTestCase("once", "cmd", rubric.Points(1))
	tc.ExpectedStdout = []byte("x")

	first := tc.Execute(context.Background(), Env{Runner: fr})
	fr.result = &runner.Result{Stdout: []byte("y")}
	second := tc.Execute(context.Background(), Env{Runner: fr})
	if fr.calls != 1 {
		t.Fatalf("expected a single run, got %d", fr.calls)
	}
	if first != second {
		t.Fatalf("second execute must return cached outcome")
	}
}

func TestTimeoutOutcome(t *testing.T) {
	fr := &fakeRunner{
		result: &runner.Result{TimedOut: true, Elapsed: 50 * time.Millisecond},
		err:    appErr.New(appErr.ProcessTimeout),
	}
	tc := NewBasicTestCase("loop", "./spin", 0, rubric.Points(3))
	tc.Timeout = 50 * time.Millisecond

	out := tc.Execute(context.Background(), Env{Runner: fr})
	if !out.TimedOut || out.Error || out.Passed != rubric.JudgmentFailed || out.Score != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.Contains(tc.Summary(true), "timed out. (limit=50 ms)") {
		t.Fatalf("unexpected summary %q", tc.Summary(true))
	}
}

func TestErrorOutcome(t *testing.T) {
	fr := &fakeRunner{err: appErr.Newf(appErr.ProcessFailed, "killed by signal")}
	tc := NewBasicTestCase("crash", "./crash", 0, rubric.Points(3))

	out := tc.Execute(context.Background(), Env{Runner: fr})
	if !out.Error || out.TimedOut || out.Score != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	summary := tc.Summary(false)
	if !strings.Contains(summary, "unexpected runtime error") || !strings.Contains(summary, "killed by signal") {
		t.Fatalf("unexpected summary %q", summary)
	}

	missing := NewBasicTestCase("no runner", "cmd", 0, nil)
	if out := missing.Execute(context.Background(), Env{}); !out.Error {
		t.Fatalf("missing runner must be an error outcome")
	}
}

type panickingRunner struct{}

func (panickingRunner) Run(context.Context, runner.Request) (*runner.Result, error) {
	panic("runner exploded")
}

func TestBrokenRunnerOutcome(t *testing.T) {
	panics := NewBasicTestCase("panic", "./explode", 0, rubric.Points(2))
	out := panics.Execute(context.Background(), Env{Runner: panickingRunner{}})
	if !out.HasRun || !out.Error || out.Score != 0 || !appErr.Is(panics.Err(), appErr.InternalServerError) {
		t.Fatalf("runner panic must become an error outcome: %+v %v", out, panics.Err())
	}

	empty := NewIOTestCase("empty", "./prog", rubric.Points(2))
	out = empty.Execute(context.Background(), Env{Runner: &fakeRunner{}})
	if !out.Error || out.Score != 0 || !appErr.Is(empty.Err(), appErr.ProcessFailed) {
		t.Fatalf("missing result must become an error outcome: %+v %v", out, empty.Err())
	}
}

func TestNegativePointsScoreZero(t *testing.T) {
	cases := []struct {
		name string
		tc   TestCase
		env  Env
	}{
		{
			name: "io",
			tc: func() TestCase {
				tc := NewIOTestCase("io", "./prog", rubric.Points(-2))
				tc.ExpectedStdout = []byte("ok")
				return tc
			}(),
			env: Env{Runner: completed(0, "ok", "")},
		},
		{
			name: "custom",
			tc: NewCustomTestCase("custom", "", ScorerFunc(func(context.Context, *runner.Result) (Outcome, error) {
				return Outcome{Passed: rubric.JudgmentPassed, Score: 1}, nil
			}), rubric.Points(-2)),
		},
		{
			name: "custom without score",
			tc: NewCustomTestCase("custom", "", ScorerFunc(func(context.Context, *runner.Result) (Outcome, error) {
				return Outcome{Passed: rubric.JudgmentPassed}, nil
			}), rubric.Points(-2)),
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			out := tt.tc.Execute(context.Background(), tt.env)
			if !out.Passed.Passed() || out.Score != 0 {
				t.Fatalf("expected a passing zero score, got %+v", out)
			}
			r := rubric.New("p")
			tt.tc.AddToRubric(r, false)
			if item := r.Items()[0]; item.Score != 0 || item.MaxScore == nil || *item.MaxScore != 0 {
				t.Fatalf("unexpected item %+v", item)
			}
		})
	}
}

func TestBasicTestCase(t *testing.T) {
	tc := NewBasicTestCase("exit", "./prog", 3, rubric.Points(1))
	if tc.ExitCode() != -1 {
		t.Fatalf("exit code before run must be -1")
	}
	out := tc.Execute(context.Background(), Env{Runner: completed(3, "out", "err")})
	if !out.Passed.Passed() || out.Score != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.Contains(tc.Summary(true), "==STDOUT==\nout") {
		t.Fatalf("verbose summary must include streams: %q", tc.Summary(true))
	}

	wrong := NewBasicTestCase("exit", "./prog", 0, rubric.Points(1))
	if out := wrong.Execute(context.Background(), Env{Runner: completed(1, "", "")}); out.Passed.Passed() {
		t.Fatalf("exit code mismatch must fail")
	}
}

func TestUnscoredTest(t *testing.T) {
	tc := NewBasicTestCase("info", "true", 0, nil)
	out := tc.Execute(context.Background(), Env{Runner: completed(0, "", "")})
	if !out.Passed.Passed() || out.Score != 0 {
		t.Fatalf("unscored pass must score 0: %+v", out)
	}
	r := rubric.New("p")
	tc.AddToRubric(r, false)
	if r.Items()[0].MaxScore != nil {
		t.Fatalf("unscored item must have no max score")
	}
}

func TestNotRunSummary(t *testing.T) {
	tc := NewIOTestCase("pending", "cmd", rubric.Points(1))
	r := rubric.New("p")
	tc.AddToRubric(r, true)
	item := r.Items()[0]
	if item.Output != NotRunMessage || item.Passed.Decided() || item.Score != 0 {
		t.Fatalf("unexpected not-run item %+v", item)
	}
}

func TestCustomTestCasePartialScore(t *testing.T) {
	scorer := ScorerFunc(func(_ context.Context, res *runner.Result) (Outcome, error) {
		if res != nil {
			t.Fatalf("no command means no result")
		}
		return Outcome{Passed: rubric.JudgmentFailed, Score: 1.5, Output: "half"}, nil
	})
	tc := NewCustomTestCase("custom", "", scorer, rubric.Points(3))
	tc.Hidden = true

	out := tc.Execute(context.Background(), Env{})
	if out.Score != 1.5 || out.Passed != rubric.JudgmentFailed || out.Output != "half" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	r := rubric.New("p")
	tc.AddToRubric(r, false)
	if item := r.Items()[0]; !item.Hidden || item.Output != "half" {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestCustomTestCaseScoreRules(t *testing.T) {
	cases := []struct {
		name    string
		verdict Outcome
		want    float64
	}{
		{name: "pass without score", verdict: Outcome{Passed: rubric.JudgmentPassed}, want: 2},
		{name: "clamped high", verdict: Outcome{Passed: rubric.JudgmentPassed, Score: 10}, want: 2},
		{name: "clamped low", verdict: Outcome{Passed: rubric.JudgmentFailed, Score: -1}, want: 0},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			verdict := tt.verdict
			tc := NewCustomTestCase(tt.name, "", ScorerFunc(func(context.Context, *runner.Result) (Outcome, error) {
				return verdict, nil
			}), rubric.Points(2))
			if out := tc.Execute(context.Background(), Env{}); out.Score != tt.want {
				t.Fatalf("expected %v, got %+v", tt.want, out)
			}
		})
	}
}

func TestCustomTestCaseFailures(t *testing.T) {
	panics := NewCustomTestCase("panic", "", ScorerFunc(func(context.Context, *runner.Result) (Outcome, error) {
		panic("boom")
	}), rubric.Points(1))
	if out := panics.Execute(context.Background(), Env{}); !out.Error || !appErr.Is(panics.Err(), appErr.CustomScorerFailed) {
		t.Fatalf("panic must become an error outcome: %+v", out)
	}

	failing := NewCustomTestCase("err", "", ScorerFunc(func(context.Context, *runner.Result) (Outcome, error) {
		return Outcome{}, errors.New("bad")
	}), rubric.Points(1))
	if out := failing.Execute(context.Background(), Env{}); !out.Error || out.Score != 0 {
		t.Fatalf("scorer error must become an error outcome: %+v", out)
	}

	slow := NewCustomTestCase("slow", "", ScorerFunc(func(ctx context.Context, _ *runner.Result) (Outcome, error) {
		<-ctx.Done()
		return Outcome{Passed: rubric.JudgmentPassed}, nil
	}), rubric.Points(1))
	slow.Timeout = 20 * time.Millisecond
	if out := slow.Execute(context.Background(), Env{}); !out.TimedOut || out.Passed != rubric.JudgmentFailed {
		t.Fatalf("slow scorer must time out: %+v", out)
	}

	none := NewCustomTestCase("none", "", nil, rubric.Points(1))
	if out := none.Execute(context.Background(), Env{}); !out.Error {
		t.Fatalf("missing scorer must be an error outcome")
	}
}

func TestRegexpScorer(t *testing.T) {
	scorer, err := NewRegexpScorer(`^hello, \w+$`, false)
	if err != nil {
		t.Fatalf("NewRegexpScorer: %v", err)
	}
	tc := NewCustomTestCase("greet", "./greet", scorer, rubric.Points(4))
	out := tc.Execute(context.Background(), Env{Runner: completed(0, "hello, world", "")})
	if !out.Passed.Passed() || out.Score != 4 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	stderrScorer, _ := NewRegexpScorer("warning", true)
	miss := NewCustomTestCase("warn", "./greet", stderrScorer, rubric.Points(1))
	out = miss.Execute(context.Background(), Env{Runner: completed(0, "warning", "")})
	if out.Passed.Passed() || !strings.Contains(out.Output, "==YOUR STDERR==") {
		t.Fatalf("unexpected outcome %+v", out)
	}

	if _, err := NewRegexpScorer("(", false); !appErr.Is(err, appErr.TestCaseInvalid) {
		t.Fatalf("expected TestCaseInvalid, got %v", err)
	}
}

func TestBytesToText(t *testing.T) {
	if got := BytesToText([]byte("héllo")); got != "héllo" {
		t.Fatalf("utf-8 must pass through, got %q", got)
	}
	if got := BytesToText([]byte{0xff, 0x00, 0x01, 0x02, 0x03}); got != "ff00 0102 03" {
		t.Fatalf("unexpected hex dump %q", got)
	}
	if CountableUnit(1, "point") != "1 point" || CountableUnit(2.5, "point") != "2.5 points" {
		t.Fatalf("CountableUnit mismatch")
	}
}
