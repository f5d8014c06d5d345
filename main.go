package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThingsPanel/modbus-cloud-adapter/initialize"
	"github.com/ThingsPanel/modbus-cloud-adapter/services"
	"github.com/sirupsen/logrus"
)

func main() {
	flags, err := initialize.ParseFlags(os.Args[1:])
	if err != nil {
		logrus.Fatal(err)
	}
	cfg, err := initialize.InitConfigByViper(flags)
	if err != nil {
		logrus.Fatalf("配置加载失败: %v", err)
	}
	if err := initialize.InitLogger(cfg.Log); err != nil {
		logrus.Fatal(err)
	}
	logrus.Info("系统配置加载完成...")

	adapter, err := services.New(cfg, services.Options{TraceLogger: initialize.TraceLogger()})
	if err != nil {
		logrus.Fatalf("适配器创建失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := adapter.Run(ctx); err != nil {
		logrus.Fatal(err)
	}
}
