package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/app"
	"github.com/LJTian/NewsCheck/internal/config"
	"github.com/LJTian/NewsCheck/internal/logging"
)

// 一个仅执行一次采集任务的命令行入口：适合手动触发采集或由外部 cron 调用
func main() {
	cfg, err := config.Load()
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize app", zap.Error(err))
	}
	defer application.Close()

	// 与 API 进程共用同一把锁，避免两轮采集同时处理相同条目
	stats, err := application.Scheduler.RunOnce(ctx)
	found, processed, failed := stats.Totals()
	logger.Info("collect finished",
		zap.String("run_id", stats.RunID),
		zap.Int("found", found),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.Any("lanes", stats.Lanes))
	if err != nil {
		logger.Error("collect failed", zap.Error(err))
		application.Close()
		logger.Sync()
		os.Exit(1)
	}
}
