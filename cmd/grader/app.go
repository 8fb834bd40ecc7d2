package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"fuzgrader/internal/common/storage"
	"fuzgrader/internal/grader/autograder"
	"fuzgrader/internal/grader/datapack"
	"fuzgrader/internal/grader/formatter"
	"fuzgrader/internal/grader/loader"
	"fuzgrader/internal/grader/repository"
	"fuzgrader/internal/grader/testcase"
	appErr "fuzgrader/pkg/errors"
	"fuzgrader/pkg/utils/logger"

	"go.uber.org/zap"
)

// services are the collaborators of one grading run. Everything except the
// runner is optional.
type services struct {
	runner     testcase.ProcessRunner
	storage    storage.ObjectStorage
	status     autograder.StatusReporter
	publishers []repository.ReportPublisher
}

func grade(ctx context.Context, cfg *AppConfig, runID string, svc services) (*formatter.Report, error) {
	graders := make([]*autograder.Autograder, 0, len(cfg.Autograders))
	defer func() {
		for _, ag := range graders {
			if err := ag.Close(); err != nil {
				logger.Warn(ctx, "close autograder failed", zap.String("autograder", ag.Name()), zap.Error(err))
			}
		}
	}()

	for _, agCfg := range cfg.Autograders {
		ag, err := buildAutograder(ctx, agCfg, runID, cfg.Runner.Echo, svc)
		if err != nil {
			return nil, err
		}
		graders = append(graders, ag)
	}

	sources := make([]formatter.TestSource, 0, len(graders))
	for _, ag := range graders {
		if _, err := ag.Execute(ctx); err != nil {
			if appErr.IsFatal(err) {
				logger.Error(ctx, "autograder failed", zap.String("autograder", ag.Name()), zap.Error(err))
				return nil, err
			}
			logger.Warn(ctx, "autograder stopped early, keeping partial results", zap.String("autograder", ag.Name()), zap.Error(err))
		}
		sources = append(sources, ag)
	}

	report, err := formatter.New(sources, formatterOptions(cfg.Report)...).Execute()
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "grading finished", zap.Float64("score", report.Score), zap.Int("tests", len(report.Tests)))
	return report, nil
}

func buildAutograder(ctx context.Context, cfg AutograderConfig, runID string, echo bool, svc services) (*autograder.Autograder, error) {
	if cfg.Fixtures.Key != "" {
		if err := datapack.NewFetcher(svc.storage).Fetch(logger.WithAutograder(ctx, cfg.Name), cfg.Fixtures, cfg.TestsPath); err != nil {
			return nil, err
		}
	}

	ag, err := autograder.New(autograder.Config{
		Name:                  cfg.Name,
		SubmissionPath:        cfg.SubmissionPath,
		TestsPath:             cfg.TestsPath,
		RequiredFiles:         cfg.RequiredFiles,
		SuppliedFiles:         cfg.SuppliedFiles,
		VerboseRubric:         cfg.VerboseRubric,
		BuildCommand:          cfg.BuildCommand,
		BuildTimeout:          cfg.BuildTimeout,
		CompilePoints:         cfg.CompilePoints,
		HideMissingFilesCheck: cfg.HideMissingFilesCheck,
		ARM:                   cfg.ARM,
		SandboxRoot:           cfg.SandboxRoot,
		RunID:                 runID,
	}, svc.runner)
	if err != nil {
		return nil, err
	}
	ag.SetEcho(echo)
	if svc.status != nil {
		ag.SetStatusReporter(svc.status)
	}
	if err := addTests(ag, cfg); err != nil {
		_ = ag.Close()
		return nil, err
	}
	return ag, nil
}

// addTests registers cfg.Tests in declared order.
func addTests(ag *autograder.Autograder, cfg AutograderConfig) error {
	var ioLoader *loader.Loader
	for _, tc := range cfg.Tests {
		switch tc.Kind {
		case TestKindIO:
			if ioLoader == nil {
				ioLoader = ag.IOLoader(cfg.IOLoader)
			}
			if _, err := ioLoader.Add(tc.ioSpec()); err != nil {
				return err
			}
		case TestKindExitCode:
			test := testcase.NewBasicTestCase(tc.Name, tc.Command, tc.ExpectedExitCode, tc.Points)
			test.Hidden = tc.Hidden
			test.Timeout = tc.Timeout
			ag.AddTest(test)
		case TestKindCustom:
			scorer, err := testcase.NewRegexpScorer(tc.Pattern, tc.Stderr)
			if err != nil {
				return err
			}
			test := testcase.NewCustomTestCase(tc.Name, tc.Command, scorer, tc.Points)
			test.Hidden = tc.Hidden
			test.Timeout = tc.Timeout
			ag.AddTest(test)
		default:
			return appErr.ConfigError("tests.kind", fmt.Sprintf("unknown test kind %q", tc.Kind))
		}
	}
	return nil
}

func formatterOptions(cfg ReportConfig) []formatter.Option {
	opts := []formatter.Option{
		formatter.WithMessage(cfg.Message),
		formatter.WithHidePoints(cfg.HidePoints),
		formatter.WithMaxOutputBytes(cfg.MaxOutputBytes),
		formatter.WithLeaderboard(cfg.Leaderboard),
	}
	if cfg.Visibility != "" {
		opts = append(opts, formatter.WithVisibility(cfg.Visibility))
	}
	if cfg.StdoutVisibility != "" {
		opts = append(opts, formatter.WithStdoutVisibility(cfg.StdoutVisibility))
	}
	if cfg.HiddenTests != "" {
		opts = append(opts, formatter.WithHiddenTestsSetting(cfg.HiddenTests))
	}
	if cfg.Verbose != nil {
		opts = append(opts, formatter.WithVerbose(*cfg.Verbose))
	}
	return opts
}

func writeReport(report *formatter.Report, output string, stdout io.Writer) error {
	if output == "" || output == "-" {
		return formatter.WriteJSON(stdout, report)
	}
	file, err := os.Create(output)
	if err != nil {
		return appErr.Wrapf(err, appErr.ReportEncodeFailed, "create report file %s failed", output)
	}
	if err := formatter.WriteJSON(file, report); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return appErr.Wrapf(err, appErr.ReportEncodeFailed, "close report file %s failed", output)
	}
	return nil
}

func publish(ctx context.Context, runID string, report *formatter.Report, publishers []repository.ReportPublisher) error {
	var firstErr error
	for _, p := range publishers {
		if err := p.PublishReport(ctx, runID, report); err != nil {
			logger.Error(ctx, "publish report failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
