package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fuzgrader/internal/common/cache"
	"fuzgrader/internal/common/mq"
	"fuzgrader/internal/common/storage"
	"fuzgrader/internal/grader/repository"
	"fuzgrader/internal/grader/runner"
	"fuzgrader/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grader.yaml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "grader",
		Short:         "Compile, test and score student submissions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to config file")

	var output, runID string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Grade the configured autograders and write the results document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAppConfig(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
				return err
			}
			if output != "" {
				cfg.Report.Output = output
			}
			if runID != "" {
				cfg.RunID = runID
			}
			return run(cmd.Context(), cfg)
		},
	}
	runCmd.Flags().StringVarP(&output, "output", "o", "", "report path, \"-\" for stdout")
	runCmd.Flags().StringVar(&runID, "run-id", "", "override the generated run id")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file without grading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadAppConfig(configPath); err != nil {
				fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}

	root.AddCommand(runCmd, validateCmd)
	return root
}

func run(parent context.Context, cfg *AppConfig) error {
	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	ctx = logger.WithTraceID(ctx, cfg.RunID)

	opts := []runner.Option{runner.WithEmulation(cfg.Runner.Emulation)}
	if cfg.Runner.Echo {
		opts = append(opts, runner.WithEcho(os.Stderr))
	}
	if cfg.Runner.TempDir != "" {
		opts = append(opts, runner.WithTempDir(cfg.Runner.TempDir))
	}
	svc := services{runner: runner.New(opts...)}

	if cfg.MinIO.Enabled() {
		objStorage, err := storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return err
		}
		svc.storage = objStorage
		if cfg.Results.Bucket != "" {
			svc.publishers = append(svc.publishers,
				repository.NewObjectReportPublisher(objStorage, cfg.Results.Bucket, cfg.Results.Prefix, cfg.Results.Compress))
		}
	}

	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return err
		}
		defer func() {
			_ = redisCache.Close()
		}()
		svc.status = repository.NewRedisStatusReporter(redisCache, cfg.Status.TTL)
	}

	if cfg.Kafka.Enabled() {
		producer, err := mq.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			return err
		}
		defer func() {
			_ = producer.Close()
		}()
		if err := producer.Ping(ctx); err != nil {
			logger.Error(ctx, "kafka broker unreachable", zap.Error(err))
			return err
		}
		svc.publishers = append(svc.publishers, repository.NewMQReportPublisher(producer, cfg.Events.Topic))
	}

	logger.Info(ctx, "grading started", zap.Int("autograders", len(cfg.Autograders)))
	report, err := grade(ctx, cfg, cfg.RunID, svc)
	if err != nil {
		return err
	}
	if err := writeReport(report, cfg.Report.Output, os.Stdout); err != nil {
		logger.Error(ctx, "write report failed", zap.Error(err))
		return err
	}
	return publish(ctx, cfg.RunID, report, svc.publishers)
}
