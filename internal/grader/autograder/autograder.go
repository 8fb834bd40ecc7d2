// Package autograder orchestrates the grading of one assignment component:
// missing-files check, sandbox staging, build, then every test in order.
package autograder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fuzgrader/internal/grader/loader"
	"fuzgrader/internal/grader/rubric"
	"fuzgrader/internal/grader/runner"
	"fuzgrader/internal/grader/testcase"
	appErr "fuzgrader/pkg/errors"
	"fuzgrader/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	// ARMCompiler is the cross compiler used by the default ARM build command.
	ARMCompiler = "arm-linux-gnueabihf-gcc"
	// DefaultBuildTimeout bounds the build command.
	DefaultBuildTimeout = 2 * time.Minute

	missingFilesItem = "Missing Files Check"
	compileItem      = "Compiling"
	sandboxPrefix    = "Autograder_"
)

// Config is the immutable configuration of one autograder.
type Config struct {
	Name           string
	SubmissionPath string
	TestsPath      string
	// RequiredFiles are copied from the submission, SuppliedFiles from the
	// tests directory. Both are relative paths.
	RequiredFiles []string
	SuppliedFiles []string

	VerboseRubric bool
	// BuildCommand overrides the default make invocation.
	BuildCommand string
	BuildTimeout time.Duration
	// CompilePoints is awarded for a successful build.
	CompilePoints         float64
	HideMissingFilesCheck bool
	// ARM cross-compiles the submission and runs tests under emulation.
	ARM bool
	// SandboxRoot is where the sandbox directory is created; empty uses the
	// system temp directory.
	SandboxRoot string
	// RunID tags status updates.
	RunID string
}

// Autograder owns a sandbox, a rubric and an ordered list of tests.
type Autograder struct {
	cfg    Config
	runner testcase.ProcessRunner
	echo   bool

	sandbox string
	tests   []testcase.TestCase
	rubric  *rubric.Rubric

	compileAttempted bool
	compileCode      int
	compileErr       error

	executed   bool
	executeErr error

	statusReporter StatusReporter
}

// New validates cfg and creates the sandbox directory.
func New(cfg Config, r testcase.ProcessRunner) (*Autograder, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, appErr.ConfigError("runner", "process runner is required")
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}

	sandbox, err := os.MkdirTemp(cfg.SandboxRoot, sandboxPrefix)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxCreateFailed, "create sandbox for %s failed", cfg.Name)
	}
	logger.Info(logger.WithAutograder(context.Background(), cfg.Name), "sandbox created", zap.String("path", sandbox))

	return &Autograder{
		cfg:     cfg,
		runner:  r,
		sandbox: sandbox,
		rubric:  rubric.New(cfg.Name),
	}, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return appErr.ConfigError("name", "required")
	}
	if cfg.CompilePoints < 0 {
		return appErr.ConfigError("compilePoints", "must not be negative")
	}
	required := make(map[string]struct{}, len(cfg.RequiredFiles))
	for _, name := range cfg.RequiredFiles {
		if err := validateRelative("requiredFiles", name); err != nil {
			return err
		}
		required[filepath.Clean(name)] = struct{}{}
	}
	for _, name := range cfg.SuppliedFiles {
		if err := validateRelative("suppliedFiles", name); err != nil {
			return err
		}
		if _, ok := required[filepath.Clean(name)]; ok {
			return appErr.ConfigError("suppliedFiles", "collides with required file "+name)
		}
	}
	return nil
}

// SetStatusReporter injects a reporter for intermediate progress.
func (a *Autograder) SetStatusReporter(reporter StatusReporter) {
	a.statusReporter = reporter
}

// SetEcho prints every command as it runs.
func (a *Autograder) SetEcho(echo bool) {
	a.echo = echo
}

// Name returns the autograder name.
func (a *Autograder) Name() string { return a.cfg.Name }

// Config returns the configuration.
func (a *Autograder) Config() Config { return a.cfg }

// Sandbox returns the sandbox directory.
func (a *Autograder) Sandbox() string { return a.sandbox }

// Rubric returns the rubric built so far.
func (a *Autograder) Rubric() *rubric.Rubric { return a.rubric }

// AddTest appends a test. Tests run in the order they were added.
func (a *Autograder) AddTest(tc testcase.TestCase) {
	a.tests = append(a.tests, tc)
}

// Tests returns the tests in declared order.
func (a *Autograder) Tests() []testcase.TestCase {
	out := make([]testcase.TestCase, len(a.tests))
	copy(out, a.tests)
	return out
}

// IOLoader returns a fixture loader that adds its tests to a.
func (a *Autograder) IOLoader(cfg loader.Config) *loader.Loader {
	return loader.New(a.cfg.TestsPath, cfg, a)
}

// BuildCommand returns the configured or default build command.
func (a *Autograder) BuildCommand() string {
	if a.cfg.BuildCommand != "" {
		return a.cfg.BuildCommand
	}
	if a.cfg.ARM {
		return "make CC=" + ARMCompiler
	}
	return "make"
}

// CheckMissingFiles records the missing-files item and reports whether every
// required file exists in the submission.
func (a *Autograder) CheckMissingFiles(ctx context.Context) bool {
	logger.Info(ctx, "checking missing files")
	var missing []string
	for _, name := range a.cfg.RequiredFiles {
		if _, err := os.Stat(filepath.Join(a.cfg.SubmissionPath, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		logger.Info(ctx, "required files are missing", zap.Strings("files", missing))
		a.rubric.Add(rubric.Item{
			Name:   missingFilesItem,
			Passed: rubric.JudgmentFailed,
			Output: "Missing files:\n" + strings.Join(missing, "\n"),
		})
		return false
	}
	if !a.cfg.HideMissingFilesCheck {
		a.rubric.Add(rubric.Item{
			Name:   missingFilesItem,
			Output: "All required files have been located.",
		})
	}
	return true
}

// Compile stages the sandbox and runs the build command. The build is
// attempted once; later calls return the first result. Build failures are
// recorded in the rubric and reported through the exit code; only staging
// failures are returned as errors.
func (a *Autograder) Compile(ctx context.Context) (int, error) {
	if a.compileAttempted {
		return a.compileCode, a.compileErr
	}
	a.compileAttempted = true
	a.compileCode, a.compileErr = a.compile(ctx)
	return a.compileCode, a.compileErr
}

func (a *Autograder) compile(ctx context.Context) (int, error) {
	if err := a.stage(ctx); err != nil {
		logger.Error(ctx, "staging sandbox failed", zap.Error(err))
		return -1, err
	}

	command := a.BuildCommand()
	logger.Info(ctx, "compiling student code", zap.String("command", command), zap.Bool("arm", a.cfg.ARM))
	res, err := a.runner.Run(ctx, runner.Request{
		Command:      command,
		WorkDir:      a.sandbox,
		Capture:      true,
		PrintCommand: a.echo,
		Timeout:      a.cfg.BuildTimeout,
	})

	code := -1
	var output string
	if res != nil {
		code = res.ExitCode
		output = res.StdoutText() + "\n" + res.StderrText() + "\n"
	}
	if err != nil {
		logger.Warn(ctx, "build command did not complete", zap.Error(err))
		if res == nil || res.TimedOut || code == 0 {
			code = -1
		}
		output += err.Error() + "\n"
	}
	compiled := err == nil && code == 0

	item := rubric.Item{Name: compileItem, Output: output}
	if res != nil {
		item.Elapsed = res.Elapsed
	}
	switch {
	case !compiled:
		item.Passed = rubric.JudgmentFailed
	case a.cfg.CompilePoints > 0:
		item.Passed = rubric.JudgmentPassed
	}
	if a.cfg.CompilePoints > 0 {
		item.MaxScore = rubric.Points(a.cfg.CompilePoints)
		if compiled {
			item.Score = a.cfg.CompilePoints
		}
	}
	a.rubric.Add(item)

	if compiled {
		logger.Info(ctx, "student code compiled successfully")
	} else {
		logger.Info(ctx, "student code failed to compile", zap.Int("exitCode", code), zap.String("stderr", res.StderrText()))
	}
	return code, nil
}

// Execute runs the whole protocol once and returns the rubric. Later calls
// return the same rubric without running anything.
func (a *Autograder) Execute(ctx context.Context) (*rubric.Rubric, error) {
	if a.executed {
		return a.rubric, a.executeErr
	}
	a.executed = true
	a.executeErr = a.execute(logger.WithAutograder(ctx, a.cfg.Name))
	return a.rubric, a.executeErr
}

func (a *Autograder) execute(ctx context.Context) error {
	logger.Info(ctx, "running autograder", zap.String("sandbox", a.sandbox), zap.Int("tests", len(a.tests)))
	defer func() { a.reportStatus(ctx, PhaseFinished, a.executedTests()) }()

	a.reportStatus(ctx, PhaseChecking, 0)
	if !a.CheckMissingFiles(ctx) {
		return nil
	}

	a.reportStatus(ctx, PhaseCompiling, 0)
	code, err := a.Compile(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		logger.Info(ctx, "skipping tests after failed compilation", zap.Int("tests", len(a.tests)))
		return nil
	}

	env := testcase.Env{
		Runner:  a.runner,
		WorkDir: a.sandbox,
		Emulate: a.cfg.ARM,
		Echo:    a.echo,
	}
	a.reportStatus(ctx, PhaseRunning, 0)
	for i, tc := range a.tests {
		if err := ctx.Err(); err != nil {
			logger.Warn(ctx, "grading interrupted", zap.Int("done", i), zap.Int("tests", len(a.tests)))
			a.addNotRun(i)
			return appErr.Wrapf(err, appErr.Timeout, "grading interrupted after %d of %d tests", i, len(a.tests))
		}
		tc.Execute(ctx, env)
		tc.AddToRubric(a.rubric, a.cfg.VerboseRubric)
		a.reportStatus(ctx, PhaseRunning, i+1)
	}
	logger.Info(ctx, "finished running autograder", zap.Float64("score", a.rubric.Score()))
	return nil
}

// addNotRun records the tests from index from onward as not run.
func (a *Autograder) addNotRun(from int) {
	for _, tc := range a.tests[from:] {
		tc.AddToRubric(a.rubric, a.cfg.VerboseRubric)
	}
}

func (a *Autograder) executedTests() int {
	done := 0
	for _, tc := range a.tests {
		if tc.Outcome().HasRun {
			done++
		}
	}
	return done
}

// Close removes the sandbox directory.
func (a *Autograder) Close() error {
	if a.sandbox == "" {
		return nil
	}
	if err := os.RemoveAll(a.sandbox); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "remove sandbox %s failed", a.sandbox)
	}
	logger.Debug(logger.WithAutograder(context.Background(), a.cfg.Name), "sandbox removed", zap.String("path", a.sandbox))
	return nil
}

func (a *Autograder) logStatusError(ctx context.Context, phase Phase, err error) {
	logger.Warn(ctx, "report status failed", zap.String("phase", string(phase)), zap.Error(err))
}
