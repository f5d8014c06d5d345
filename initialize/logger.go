package initialize

import (
	"fmt"
	"log"
	"strings"

	tpconfig "github.com/ThingsPanel/modbus-cloud-adapter/tp_config"
	"github.com/sirupsen/logrus"
)

// InitLogger 设置日志级别和格式
func InitLogger(cfg tpconfig.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("日志级别无效: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05.000"})
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	default:
		return fmt.Errorf("日志格式无效: %s", cfg.Format)
	}
	logrus.Infof("日志级别: %s", level)
	return nil
}

// TraceLogger debug 级别时返回输出Modbus报文的logger，否则返回nil
func TraceLogger() *log.Logger {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return nil
	}
	return log.New(logrus.StandardLogger().WriterLevel(logrus.DebugLevel), "modbus: ", 0)
}
