// Package loader builds IO test cases from a fixture directory tree.
//
// Fixtures follow the layout
//
//	<tests>/in/cmd-<id>    shell script; the first command line is the test command
//	<tests>/in/test-<id>   stdin (optional)
//	<tests>/exp/out-<id>   expected stdout
//	<tests>/exp/err-<id>   expected stderr (optional)
//
// Directories and file prefixes are configurable.
package loader

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fuzgrader/internal/grader/testcase"
	appErr "fuzgrader/pkg/errors"

	"github.com/google/shlex"
)

// Config controls how fixtures are located and how the loaded tests behave.
type Config struct {
	// Prefix is prepended to every test name.
	Prefix         string        `yaml:"prefix"`
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	Binary         bool          `yaml:"binary"`

	CommandsDir       string `yaml:"commandsDir"`
	InputDir          string `yaml:"inputDir"`
	ExpectedStdoutDir string `yaml:"expectedStdoutDir"`
	ExpectedStderrDir string `yaml:"expectedStderrDir"`

	CommandPrefix        string `yaml:"commandPrefix"`
	InputPrefix          string `yaml:"inputPrefix"`
	ExpectedStdoutPrefix string `yaml:"expectedStdoutPrefix"`
	ExpectedStderrPrefix string `yaml:"expectedStderrPrefix"`
}

// WithDefaults resolves empty directories against testsPath and fills in the
// default file prefixes.
func (c Config) WithDefaults(testsPath string) Config {
	in := filepath.Join(testsPath, "in")
	exp := filepath.Join(testsPath, "exp")
	c.CommandsDir = orDefault(c.CommandsDir, in)
	c.InputDir = orDefault(c.InputDir, in)
	c.ExpectedStdoutDir = orDefault(c.ExpectedStdoutDir, exp)
	c.ExpectedStderrDir = orDefault(c.ExpectedStderrDir, exp)
	c.CommandPrefix = orDefault(c.CommandPrefix, "cmd-")
	c.InputPrefix = orDefault(c.InputPrefix, "test-")
	c.ExpectedStdoutPrefix = orDefault(c.ExpectedStdoutPrefix, "out-")
	c.ExpectedStderrPrefix = orDefault(c.ExpectedStderrPrefix, "err-")
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = testcase.DefaultTimeout
	}
	return c
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Sink receives loaded tests, usually an Autograder.
type Sink interface {
	AddTest(tc testcase.TestCase)
}

// Spec declares one fixture-backed test. A zero Timeout uses the loader default.
type Spec struct {
	ID      string        `yaml:"id"`
	Points  *float64      `yaml:"points"`
	Name    string        `yaml:"name"`
	Hidden  bool          `yaml:"hidden"`
	Timeout time.Duration `yaml:"timeout"`
}

// Loader creates IOTestCases from fixtures and hands them to a Sink.
type Loader struct {
	cfg  Config
	sink Sink
}

// New creates a loader reading fixtures below testsPath.
func New(testsPath string, cfg Config, sink Sink) *Loader {
	return &Loader{cfg: cfg.WithDefaults(testsPath), sink: sink}
}

// Config returns the resolved configuration.
func (l *Loader) Config() Config {
	return l.cfg
}

// Add loads the fixtures for id and registers the resulting test.
func (l *Loader) Add(spec Spec) (*testcase.IOTestCase, error) {
	tc, err := l.Build(spec)
	if err != nil {
		return nil, err
	}
	if l.sink != nil {
		l.sink.AddTest(tc)
	}
	return tc, nil
}

// AddList adds every spec in order and stops at the first error.
func (l *Loader) AddList(specs []Spec) ([]*testcase.IOTestCase, error) {
	tests := make([]*testcase.IOTestCase, 0, len(specs))
	for _, spec := range specs {
		tc, err := l.Add(spec)
		if err != nil {
			return tests, err
		}
		tests = append(tests, tc)
	}
	return tests, nil
}

// Build loads the fixtures for spec without registering the test.
func (l *Loader) Build(spec Spec) (*testcase.IOTestCase, error) {
	if err := validateID(spec.ID); err != nil {
		return nil, err
	}
	if spec.Points != nil && *spec.Points < 0 {
		return nil, appErr.ConfigError("points", "test "+spec.ID+" must not have negative points")
	}

	cmdPath := filepath.Join(l.cfg.CommandsDir, l.cfg.CommandPrefix+spec.ID)
	script, err := os.ReadFile(cmdPath)
	if err != nil {
		return nil, fixtureError(err, cmdPath)
	}
	command, err := ExtractCommand(script)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.TestCaseInvalid, "test %s: %s", spec.ID, err.Error()).
			WithDetail("path", cmdPath)
	}

	name := spec.Name
	if name == "" {
		name = l.cfg.Prefix + spec.ID
	}
	tc := testcase.NewIOTestCase(name, command, spec.Points)
	tc.Hidden = spec.Hidden
	tc.Binary = l.cfg.Binary
	tc.Timeout = l.cfg.DefaultTimeout
	if spec.Timeout > 0 {
		tc.Timeout = spec.Timeout
	}

	if tc.Input, err = readOptional(filepath.Join(l.cfg.InputDir, l.cfg.InputPrefix+spec.ID)); err != nil {
		return nil, err
	}
	outPath := filepath.Join(l.cfg.ExpectedStdoutDir, l.cfg.ExpectedStdoutPrefix+spec.ID)
	if tc.ExpectedStdout, err = os.ReadFile(outPath); err != nil {
		return nil, fixtureError(err, outPath)
	}
	if tc.ExpectedStderr, err = readOptional(filepath.Join(l.cfg.ExpectedStderrDir, l.cfg.ExpectedStderrPrefix+spec.ID)); err != nil {
		return nil, err
	}
	return tc, nil
}

// ExtractCommand returns the first line of a command script that is neither
// blank, a shebang nor a comment. The line must split into shell words.
func ExtractCommand(script []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(script))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words, err := shlex.Split(line)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.TestCaseInvalid, "malformed command %q", line)
		}
		if len(words) == 0 {
			continue
		}
		return line, nil
	}
	if err := scanner.Err(); err != nil {
		return "", appErr.Wrap(err, appErr.TestCaseInvalid)
	}
	return "", appErr.New(appErr.TestCaseInvalid).WithMessage("command script has no command line")
}

func validateID(id string) error {
	if id == "" {
		return appErr.ValidationError("id", "required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return appErr.ValidationError("id", "must be a plain file name suffix")
	}
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fixtureError(err, path)
	}
	return data, nil
}

func fixtureError(err error, path string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return appErr.Newf(appErr.FixtureNotFound, "fixture not found: %s", path).WithDetail("path", path)
	}
	return appErr.Wrapf(err, appErr.FixtureNotFound, "read fixture %s failed", path)
}
