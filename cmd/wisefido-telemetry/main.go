package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wisefido-telemetry/internal/common/logger"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/consumer"
	"wisefido-telemetry/internal/service"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-telemetry")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务（连接外部依赖并加载初始规则）
	svc, err := service.NewTelemetryService(cfg, log)
	if err != nil {
		log.Error("Failed to create telemetry service", zap.Error(err))
		return 1
	}

	// 4. 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		log.Error("Failed to start telemetry service", zap.Error(err))
		return 1
	}

	// 5. 等待信号：SIGHUP 重新加载规则，SIGINT/SIGTERM 优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	code := 0
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if _, err := svc.ReloadRules(ctx); err != nil {
					log.Warn("Rule reload failed", zap.Error(err))
				}
				continue
			}
			log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			break loop
		case err := <-svc.Err():
			log.Error("Ingress stopped", zap.Error(err))
			if errors.Is(err, consumer.ErrIngressExhausted) {
				code = 1
			}
			break loop
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := svc.Stop(stopCtx); err != nil {
		log.Error("Shutdown incomplete", zap.Error(err))
		code = 1
	}

	log.Info("Telemetry service stopped")
	return code
}
