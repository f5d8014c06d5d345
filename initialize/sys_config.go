package initialize

import (
	"fmt"
	"strings"

	tpconfig "github.com/ThingsPanel/modbus-cloud-adapter/tp_config"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flags 命令行参数
type Flags struct {
	ConfigFile string
	LogLevel   string
}

// ParseFlags 解析命令行参数
func ParseFlags(args []string) (*Flags, error) {
	fs := pflag.NewFlagSet("modbus-cloud-adapter", pflag.ContinueOnError)
	flags := &Flags{}
	fs.StringVarP(&flags.ConfigFile, "config", "c", "./config.yaml", "配置文件路径")
	fs.StringVar(&flags.LogLevel, "log-level", "", "日志级别 debug info warn error fatal，覆盖配置文件")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return flags, nil
}

// InitConfigByViper 读取配置文件和环境变量（前缀 MBA_，例如 MBA_CLOUD_TOPIC_ROOT）
func InitConfigByViper(flags *Flags) (*tpconfig.AdapterConfig, error) {
	v := viper.New()
	tpconfig.SetDefaults(v)
	v.SetConfigType("yaml")
	v.SetConfigFile(flags.ConfigFile)
	v.SetEnvPrefix("MBA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 兼容旧部署使用的 MQTT_HOST
	if err := v.BindEnv("mqtt_host", "MQTT_HOST"); err != nil {
		return nil, err
	}
	if flags.LogLevel != "" {
		v.Set("log.level", flags.LogLevel)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", flags.ConfigFile, err)
	}
	return tpconfig.Load(v)
}
