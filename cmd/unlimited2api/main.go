package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xiaopang/unlimited2api/internal/api"
	"github.com/xiaopang/unlimited2api/internal/auth"
	"github.com/xiaopang/unlimited2api/internal/config"
	"github.com/xiaopang/unlimited2api/internal/core"
	"github.com/xiaopang/unlimited2api/internal/logger"
	"github.com/xiaopang/unlimited2api/internal/metrics"
	"github.com/xiaopang/unlimited2api/internal/store"
	"github.com/xiaopang/unlimited2api/internal/token"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置，文件不存在时用默认值启动
	var cfg *config.Config
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("加载配置失败: %v", err)
		}
		cfg = loaded
		logger.Infof("配置已加载: %s", *configPath)
	} else {
		cfg = config.Default()
		logger.Infof("未找到配置文件 %s，使用默认配置", *configPath)
	}
	logger.SetLevelString(cfg.Logging.Level)

	// 初始化 Token 存储
	st, err := store.New(&cfg.Token)
	if err != nil {
		logger.Fatalf("初始化Token存储失败: %v", err)
	}
	defer st.Close()
	logger.Infof("Token存储已就绪 (%s)", cfg.Token.StorageType)

	// Token 池
	fetcher := token.NewFetcher(&cfg.Upstream, nil)
	broker := token.NewBroker(st, fetcher)

	// 启动预热失败不致命，首个请求会再取
	warmupCtx, cancelWarmup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := broker.Warmup(warmupCtx); err != nil {
		logger.Warnf("Token预热失败: %v", err)
	}
	cancelWarmup()

	// API 密钥
	registry, err := auth.NewRegistry(cfg.Server.KeyFile)
	if err != nil {
		logger.Fatalf("加载密钥文件失败: %v", err)
	}
	if cfg.Server.KeyProtection {
		if err := registry.Watch(); err != nil {
			logger.Warnf("密钥文件监听启动失败: %v", err)
		}
		defer registry.Stop()
		logger.Infof("API密钥保护已启用，当前 %d 个密钥", registry.Count())
	}

	// 限速器
	limiter := auth.NewLimiter(cfg.RateLimit.MaxRate, time.Duration(cfg.RateLimit.TimeWindow)*time.Second)

	// 周期性清理过期 Token 和限速记录
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Token.CleanupSpec, func() {
		broker.Cleanup()
		limiter.Prune()
	}); err != nil {
		logger.Fatalf("注册清理任务失败 (%q): %v", cfg.Token.CleanupSpec, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// 请求编排
	stats := metrics.NewStats()
	orch := core.NewOrchestrator(cfg, broker, core.NewClient(&cfg.Upstream), stats)

	// HTTP 服务
	r := api.SetupRouter(cfg, api.NewHandler(cfg, orch, stats), registry, limiter)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvErr := make(chan error, 1)
	go func() {
		logger.Infof("unlimited2api 启动于 %s (上游: %s)", addr, cfg.Upstream.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			logger.Fatalf("启动服务失败: %v", err)
		}
	case <-ctx.Done():
		logger.Info("收到退出信号，等待在途请求完成...")
	}

	// 给在途请求 15 秒的时间完成
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP服务关闭出错: %v", err)
	}
	logger.Info("服务已停止")
}
