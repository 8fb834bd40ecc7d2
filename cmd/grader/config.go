package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"fuzgrader/internal/common/cache"
	"fuzgrader/internal/common/mq"
	"fuzgrader/internal/common/storage"
	"fuzgrader/internal/grader/datapack"
	"fuzgrader/internal/grader/formatter"
	"fuzgrader/internal/grader/loader"
	"fuzgrader/internal/grader/runner"
	appErr "fuzgrader/pkg/errors"
	"fuzgrader/pkg/utils/logger"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

const (
	defaultEventTopic = "grading.events"
	defaultStatusTTL  = 24 * time.Hour
)

// RunnerConfig holds process runner settings.
type RunnerConfig struct {
	Emulation runner.Emulation `yaml:"emulation"`
	// Echo prints every command and its output to stderr.
	Echo    bool   `yaml:"echo"`
	TempDir string `yaml:"tempDir"`
}

// ReportConfig holds results document settings.
type ReportConfig struct {
	// Output is the report path; empty or "-" writes to stdout.
	Output           string                       `yaml:"output"`
	Message          string                       `yaml:"message"`
	Visibility       string                       `yaml:"visibility"`
	StdoutVisibility string                       `yaml:"stdoutVisibility"`
	HiddenTests      string                       `yaml:"hiddenTests"`
	HidePoints       bool                         `yaml:"hidePoints"`
	MaxOutputBytes   int                          `yaml:"maxOutputBytes"`
	Verbose          *bool                        `yaml:"verbose"`
	Leaderboard      []formatter.LeaderboardEntry `yaml:"leaderboard"`
}

// Test kinds accepted in AutograderConfig.Tests.
const (
	TestKindIO       = "io"
	TestKindExitCode = "exitCode"
	TestKindCustom   = "custom"
)

// TestConfig declares one test. Kind selects the variant; fields that do not
// apply to the kind are ignored.
type TestConfig struct {
	Kind string `yaml:"kind"`
	// ID selects the fixtures of an io test.
	ID               string        `yaml:"id"`
	Name             string        `yaml:"name"`
	Command          string        `yaml:"command"`
	ExpectedExitCode int           `yaml:"expectedExitCode"`
	Pattern          string        `yaml:"pattern"`
	Stderr           bool          `yaml:"stderr"`
	Points           *float64      `yaml:"points"`
	Hidden           bool          `yaml:"hidden"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ioSpec converts an io test declaration for the fixture loader.
func (c TestConfig) ioSpec() loader.Spec {
	return loader.Spec{ID: c.ID, Points: c.Points, Name: c.Name, Hidden: c.Hidden, Timeout: c.Timeout}
}

// AutograderConfig declares one assignment component.
type AutograderConfig struct {
	Name                  string        `yaml:"name"`
	SubmissionPath        string        `yaml:"submissionPath"`
	TestsPath             string        `yaml:"testsPath"`
	RequiredFiles         []string      `yaml:"requiredFiles"`
	SuppliedFiles         []string      `yaml:"suppliedFiles"`
	VerboseRubric         bool          `yaml:"verboseRubric"`
	BuildCommand          string        `yaml:"buildCommand"`
	BuildTimeout          time.Duration `yaml:"buildTimeout"`
	CompilePoints         float64       `yaml:"compilePoints"`
	HideMissingFilesCheck bool          `yaml:"hideMissingFilesCheck"`
	ARM                   bool          `yaml:"arm"`
	SandboxRoot           string        `yaml:"sandboxRoot"`

	// Fixtures, when its key is set, is extracted into TestsPath before the
	// tests are loaded.
	Fixtures datapack.Pack `yaml:"fixtures"`
	IOLoader loader.Config `yaml:"ioLoader"`
	// Tests run in the order they are listed.
	Tests []TestConfig `yaml:"tests"`
}

// ResultsUploadConfig holds report upload settings.
type ResultsUploadConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Compress bool   `yaml:"compress"`
}

// EventsConfig holds grading event settings.
type EventsConfig struct {
	Topic string `yaml:"topic"`
}

// StatusConfig holds live status settings.
type StatusConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// AppConfig holds grader config.
type AppConfig struct {
	RunID       string              `yaml:"runId"`
	Logger      logger.Config       `yaml:"logger"`
	Runner      RunnerConfig        `yaml:"runner"`
	Report      ReportConfig        `yaml:"report"`
	Autograders []AutograderConfig  `yaml:"autograders"`
	MinIO       storage.MinIOConfig `yaml:"minio"`
	Results     ResultsUploadConfig `yaml:"resultsUpload"`
	Kafka       mq.KafkaConfig      `yaml:"kafka"`
	Events      EventsConfig        `yaml:"events"`
	Redis       cache.RedisConfig   `yaml:"redis"`
	Status      StatusConfig        `yaml:"status"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validateAppConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stderr"
	}
	if cfg.Logger.ErrorPath == "" {
		cfg.Logger.ErrorPath = "stderr"
	}
	if cfg.Report.MaxOutputBytes == 0 {
		cfg.Report.MaxOutputBytes = formatter.DefaultMaxOutputBytes
	}
	if cfg.Results.Bucket == "" {
		cfg.Results.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = defaultEventTopic
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = defaultStatusTTL
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	for i := range cfg.Autograders {
		ag := &cfg.Autograders[i]
		if ag.Fixtures.Bucket == "" {
			ag.Fixtures.Bucket = cfg.MinIO.Bucket
		}
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
}

func validateAppConfig(cfg *AppConfig) error {
	if len(cfg.Autograders) == 0 {
		return appErr.ConfigError("autograders", "at least one autograder is required")
	}
	seen := make(map[string]struct{}, len(cfg.Autograders))
	for i, ag := range cfg.Autograders {
		field := fmt.Sprintf("autograders[%d]", i)
		if strings.TrimSpace(ag.Name) == "" {
			return appErr.ConfigError(field+".name", "required")
		}
		if _, ok := seen[ag.Name]; ok {
			return appErr.ConfigError(field+".name", "duplicate autograder "+ag.Name)
		}
		seen[ag.Name] = struct{}{}
		if ag.SubmissionPath == "" {
			return appErr.ConfigError(field+".submissionPath", "required")
		}
		if ag.TestsPath == "" {
			return appErr.ConfigError(field+".testsPath", "required")
		}
		if ag.BuildCommand != "" {
			if err := validateCommand(field+".buildCommand", ag.BuildCommand); err != nil {
				return err
			}
		}
		if ag.Fixtures.Key != "" && !cfg.MinIO.Enabled() {
			return appErr.ConfigError(field+".fixtures", "minio is required to fetch fixture packs")
		}
		if ag.CompilePoints < 0 {
			return appErr.ConfigError(field+".compilePoints", "must not be negative")
		}
		for j, tc := range ag.Tests {
			if err := validateTest(fmt.Sprintf("%s.tests[%d]", field, j), tc); err != nil {
				return err
			}
		}
	}
	if cfg.Results.Prefix != "" && !cfg.MinIO.Enabled() {
		return appErr.ConfigError("resultsUpload", "minio is required to upload reports")
	}
	return nil
}

func validateTest(field string, tc TestConfig) error {
	if tc.Points != nil && *tc.Points < 0 {
		return appErr.ConfigError(field+".points", "must not be negative")
	}
	switch tc.Kind {
	case TestKindIO:
		if tc.ID == "" {
			return appErr.ConfigError(field+".id", "required")
		}
		return nil
	case TestKindExitCode, TestKindCustom:
	default:
		return appErr.ConfigError(field+".kind", fmt.Sprintf("unknown test kind %q", tc.Kind))
	}

	if strings.TrimSpace(tc.Name) == "" {
		return appErr.ConfigError(field+".name", "required")
	}
	if tc.Kind == TestKindCustom && tc.Pattern == "" {
		return appErr.ConfigError(field+".pattern", "required")
	}
	if tc.Command == "" {
		if tc.Kind == TestKindExitCode {
			return appErr.ConfigError(field+".command", "required")
		}
		return nil
	}
	return validateCommand(field+".command", tc.Command)
}

func validateCommand(field, command string) error {
	parts, err := shlex.Split(command)
	if err != nil {
		return appErr.ConfigError(field, "invalid command: "+err.Error())
	}
	if len(parts) == 0 {
		return appErr.ConfigError(field, "empty command")
	}
	return nil
}
