package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"fuzgrader/internal/common/cache"
	"fuzgrader/internal/grader/formatter"
	"fuzgrader/internal/grader/rubric"
	appErr "fuzgrader/pkg/errors"

	"github.com/google/go-cmp/cmp"
)

const sampleConfig = `
logger:
  level: debug
report:
  output: results.json
  hiddenTests: after_published
  verbose: false
  leaderboard:
    - name: speed
      value: 1.5
      order: asc
minio:
  endpoint: 127.0.0.1:9000
  accessKey: key
  secretKey: secret
  bucket: grading
redis:
  addr: 127.0.0.1:6379
autograders:
  - name: hw1
    submissionPath: /autograder/submission
    testsPath: /autograder/tests/hw1
    requiredFiles: [main.c]
    buildCommand: make -C src all
    buildTimeout: 30s
    compilePoints: 1
    fixtures:
      key: hw1.tar.zst
      sha256: abc
    ioLoader:
      prefix: "io "
      defaultTimeout: 500ms
    tests:
      - kind: io
        id: "1"
        points: 2
      - kind: exitCode
        name: exits cleanly
        command: ./prog --check
        expectedExitCode: 0
        points: 1
      - kind: io
        id: "2"
        hidden: true
      - kind: custom
        name: banner
        command: ./prog --version
        pattern: "v[0-9]+"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grader.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfig(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "console" || cfg.Logger.OutputPath != "stderr" {
		t.Fatalf("unexpected logger config %+v", cfg.Logger)
	}
	if cfg.Report.MaxOutputBytes != formatter.DefaultMaxOutputBytes || cfg.Report.Verbose == nil || *cfg.Report.Verbose {
		t.Fatalf("unexpected report config %+v", cfg.Report)
	}
	if cfg.Results.Bucket != "grading" || cfg.Events.Topic != defaultEventTopic || cfg.Status.TTL != defaultStatusTTL {
		t.Fatalf("defaults not applied: %+v %+v %+v", cfg.Results, cfg.Events, cfg.Status)
	}
	if cfg.Redis.PoolSize != cache.DefaultRedisConfig().PoolSize {
		t.Fatalf("redis defaults not applied: %+v", cfg.Redis)
	}

	ag := cfg.Autograders[0]
	if ag.BuildTimeout != 30*time.Second || ag.CompilePoints != 1 {
		t.Fatalf("unexpected autograder %+v", ag)
	}
	if ag.Fixtures.Bucket != "grading" || ag.Fixtures.Key != "hw1.tar.zst" {
		t.Fatalf("fixtures must inherit the minio bucket: %+v", ag.Fixtures)
	}
	if ag.IOLoader.DefaultTimeout != 500*time.Millisecond || ag.IOLoader.Prefix != "io " {
		t.Fatalf("unexpected loader config %+v", ag.IOLoader)
	}
	var kinds []string
	for _, tc := range ag.Tests {
		kinds = append(kinds, tc.Kind)
	}
	want := []string{TestKindIO, TestKindExitCode, TestKindIO, TestKindCustom}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("tests must keep declared order (-want +got):\n%s", diff)
	}
	if *ag.Tests[0].Points != 2 || ag.Tests[2].Points != nil || !ag.Tests[2].Hidden {
		t.Fatalf("unexpected io tests %+v %+v", ag.Tests[0], ag.Tests[2])
	}
	if ag.Tests[1].Command != "./prog --check" || ag.Tests[3].Pattern != "v[0-9]+" {
		t.Fatalf("unexpected tests %+v %+v", ag.Tests[1], ag.Tests[3])
	}
}

func TestValidateAppConfig(t *testing.T) {
	valid := func() *AppConfig {
		return &AppConfig{Autograders: []AutograderConfig{{
			Name:           "hw1",
			SubmissionPath: "/sub",
			TestsPath:      "/tests",
		}}}
	}
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"no autograders", func(c *AppConfig) { c.Autograders = nil }},
		{"missing name", func(c *AppConfig) { c.Autograders[0].Name = " " }},
		{"duplicate name", func(c *AppConfig) { c.Autograders = append(c.Autograders, c.Autograders[0]) }},
		{"missing submission", func(c *AppConfig) { c.Autograders[0].SubmissionPath = "" }},
		{"bad build command", func(c *AppConfig) { c.Autograders[0].BuildCommand = `make "unterminated` }},
		{"fixtures without minio", func(c *AppConfig) { c.Autograders[0].Fixtures.Key = "pack.tar.zst" }},
		{"negative compile points", func(c *AppConfig) { c.Autograders[0].CompilePoints = -1 }},
		{"exit code test without command", func(c *AppConfig) {
			c.Autograders[0].Tests = []TestConfig{{Kind: TestKindExitCode, Name: "t"}}
		}},
		{"custom test without pattern", func(c *AppConfig) {
			c.Autograders[0].Tests = []TestConfig{{Kind: TestKindCustom, Name: "t", Command: "./prog"}}
		}},
		{"io test without id", func(c *AppConfig) {
			c.Autograders[0].Tests = []TestConfig{{Kind: TestKindIO}}
		}},
		{"unknown kind", func(c *AppConfig) {
			c.Autograders[0].Tests = []TestConfig{{Kind: "diff", Name: "t", Command: "./prog"}}
		}},
		{"negative io points", func(c *AppConfig) {
			c.Autograders[0].Tests = []TestConfig{{Kind: TestKindIO, ID: "1", Points: rubric.Points(-2)}}
		}},
		{"negative custom points", func(c *AppConfig) {
			c.Autograders[0].Tests = []TestConfig{{Kind: TestKindCustom, Name: "t", Pattern: "x", Points: rubric.Points(-2)}}
		}},
		{"upload without minio", func(c *AppConfig) { c.Results.Prefix = "reports" }},
	}
	if err := validateAppConfig(valid()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := validateAppConfig(cfg); !appErr.Is(err, appErr.GraderConfigInvalid) {
				t.Fatalf("expected GraderConfigInvalid, got %v", err)
			}
		})
	}
}

func TestLoadAppConfigErrors(t *testing.T) {
	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file must fail")
	}
	if _, err := loadAppConfig(writeConfig(t, "autograders: [")); err == nil {
		t.Fatalf("malformed yaml must fail")
	}
}
