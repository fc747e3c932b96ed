package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"Aegis-Evaluator/internal/anchor"
	"Aegis-Evaluator/internal/api"
	"Aegis-Evaluator/internal/config"
	"Aegis-Evaluator/internal/evaluator"
	"Aegis-Evaluator/internal/observability/metrics"
	"Aegis-Evaluator/internal/observability/tracing"
	"Aegis-Evaluator/pkg/logger"
)

// main 是 Aegis 评估守护进程的入口。
func main() {
	configPath := flag.String("config", os.Getenv("AEGIS_CONFIG"), "配置文件路径，留空时只使用默认值与环境变量")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("aegisd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Service:     "aegisd",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("aegisd")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Exporter:    cfg.Telemetry.TraceExporter,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			lg.Warn("关闭链路追踪失败", slog.Any("error", err))
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	repo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			lg.Warn("关闭评估账本失败", slog.Any("error", err))
		}
	}()

	scorer, err := buildScorer(cfg)
	if err != nil {
		return err
	}

	sink, closeSink, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	var dispatcher *anchor.Dispatcher
	evalOpts := []evaluator.Option{
		evaluator.WithRepository(repo),
		evaluator.WithLogger(logger.Named("evaluator")),
	}
	if sink != nil {
		queue, err := buildQueue(ctx, cfg.Anchor.Queue)
		if err != nil {
			return err
		}
		dispatchOpts := []anchor.DispatcherOption{
			anchor.WithWorkerCount(cfg.Anchor.Workers),
			anchor.WithSinkTimeout(cfg.Anchor.Timeout),
			anchor.WithPublishTimeout(cfg.Anchor.PublishTimeout),
			anchor.WithStatusRecorder(repo),
			anchor.WithDispatcherLogger(logger.Named("anchor")),
		}
		if alerter := buildAlerter(cfg.Anchor.Alerts); alerter != nil {
			dispatchOpts = append(dispatchOpts, anchor.WithAlerter(alerter))
			lg.Info("锚定失败告警已启用", slog.Any("channels", alerter.Channels()))
		}
		dispatcher = anchor.NewDispatcher(sink, queue, dispatchOpts...)
		defer func() {
			if err := dispatcher.Close(); err != nil {
				lg.Warn("关闭锚定队列失败", slog.Any("error", err))
			}
		}()
		evalOpts = append(evalOpts, evaluator.WithDispatcher(dispatcher))
	}

	ev, err := evaluator.New(evaluatorConfig(cfg), scorer, evalOpts...)
	if err != nil {
		return err
	}
	restored, err := ev.Restore(ctx)
	if err != nil {
		return fmt.Errorf("从账本恢复 Merkle 树失败: %w", err)
	}

	lg.Info("aegisd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("mode", cfg.Tree.Mode),
		slog.String("hash_algorithm", cfg.Tree.HashAlgorithm),
		slog.String("scorer", scorer.Name()),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("anchor_sink", cfg.Anchor.Sink),
		slog.Uint64("restored_leaves", restored))

	server := api.NewServer(cfg.Server.Address, ev,
		api.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithRateLimit(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(server.Start(gctx))
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(gctx, cfg.Metrics.Address))
		})
	}
	if dispatcher != nil {
		g.Go(func() error {
			return ignoreCanceled(dispatcher.Start(gctx))
		})
	}

	err = g.Wait()
	lg.Info("aegisd 已停止")
	return err
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func evaluatorConfig(cfg *config.Config) evaluator.Config {
	pass := cfg.Evaluation.PassThreshold
	return evaluator.Config{
		HashAlgorithm:  cfg.Tree.HashAlgorithm,
		OddPolicy:      cfg.Tree.OddPolicy,
		Encoding:       cfg.Tree.Encoding,
		Mode:           cfg.Tree.Mode,
		PassThreshold:  &pass,
		MaxOutputBytes: cfg.Evaluation.MaxOutputBytes,
		ScoringTimeout: cfg.Scoring.Timeout,
	}
}
