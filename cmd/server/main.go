// Package main 是 HTTP 服务的入口点。
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"pdf-assistant-go/internal/app"
	"pdf-assistant-go/internal/config"
	"pdf-assistant-go/pkg/log"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 组装全部组件
	a, err := app.New(ctx, &cfg)
	if err != nil {
		log.Fatal("组件初始化失败", err)
	}

	// 4. 启动 HTTP 服务并等待停机信号
	serveErr := a.Serve(ctx)
	if err := a.Close(); err != nil {
		log.Error("释放资源失败", err)
	}
	if serveErr != nil {
		log.Error("服务异常退出", serveErr)
		os.Exit(1)
	}
}
