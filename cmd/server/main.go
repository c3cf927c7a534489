// Package main 是应用程序的入口点。
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

	"docsense-go/internal/app"
	"docsense-go/internal/config"
	"docsense-go/pkg/log"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 组装所有组件
	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("应用初始化失败: %v", err)
	}
	defer application.Close()

	// 4. 启动后台 Kafka 消费者
	consumerDone := make(chan struct{})
	if application.Consumer != nil {
		go func() {
			defer close(consumerDone)
			if err := application.Consumer.Run(ctx); err != nil {
				log.Errorf("Kafka 消费者异常退出: %v", err)
			}
		}()
	} else {
		close(consumerDone)
		log.Info("未配置 Kafka，上传后同步入库")
	}

	// 5. 导入 seed 目录，已登记的文件跳过
	if cfg.Server.SeedDir != "" {
		go application.SeedDir(ctx, cfg.Server.SeedDir)
	}

	gin.SetMode(cfg.Server.Mode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: application.Router(),
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	<-ctx.Done()
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		log.Warnf("等待 Kafka 消费者退出超时")
	}
	log.Info("服务已优雅关闭")
}
