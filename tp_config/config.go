package tpconfig

import (
	"sort"
	"strings"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	"github.com/spf13/viper"
)

// AdapterConfig 适配器完整配置
type AdapterConfig struct {
	Log        LogConfig        `mapstructure:"log"`
	Cloud      CloudConfig      `mapstructure:"cloud"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Server     ServerConfig     `mapstructure:"server"`
	HTTPServer HTTPServerConfig `mapstructure:"http_server"`
	Devices    []*Device        `mapstructure:"devices"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug info warn error fatal
	Format string `mapstructure:"format"` // text json
}

// CloudConfig 云端连接配置
type CloudConfig struct {
	Transport  string          `mapstructure:"transport"` // mqtt nats
	TopicRoot  string          `mapstructure:"topic_root"`
	QoS        byte            `mapstructure:"qos"`
	BufferSize int             `mapstructure:"buffer_size"`
	Workers    int             `mapstructure:"workers"` // 命令处理协程池大小
	Reconnect  ReconnectConfig `mapstructure:"reconnect"`
	MQTT       MQTTConfig      `mapstructure:"mqtt"`
	NATS       NATSConfig      `mapstructure:"nats"`
	// 异常上报限流，每个设备在该时间内最多上报一次
	ExceptionReportInterval time.Duration `mapstructure:"exception_report_interval"`
}

// ReconnectConfig 重连退避配置
type ReconnectConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

// MQTTConfig MQTT连接配置
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"client_id"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// NATSConfig NATS连接配置
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// PlatformConfig 平台接口配置，address 为空时不启用
type PlatformConfig struct {
	Address           string        `mapstructure:"address"`
	Collection        string        `mapstructure:"collection"`
	ServiceIdentifier string        `mapstructure:"service_identifier"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// SchedulerConfig 采集调度配置
type SchedulerConfig struct {
	Tick             time.Duration `mapstructure:"tick"`
	DefaultInterval  time.Duration `mapstructure:"default_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ReprobeInterval  time.Duration `mapstructure:"reprobe_interval"`
}

// ServerConfig 本地Modbus服务（镜像）配置
type ServerConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	TCPAddress string          `mapstructure:"tcp_address"`
	RTU        ServerRTUConfig `mapstructure:"rtu"`
}

// ServerRTUConfig 本地Modbus RTU服务串口配置
type ServerRTUConfig struct {
	Address  string `mapstructure:"address"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"`
}

// HTTPServerConfig 状态接口配置，address 为空时不启用
type HTTPServerConfig struct {
	Address string `mapstructure:"address"`
}

// SetDefaults 设置默认配置
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("cloud.transport", "mqtt")
	v.SetDefault("cloud.topic_root", "modbus")
	v.SetDefault("cloud.qos", 1)
	v.SetDefault("cloud.buffer_size", 1000)
	v.SetDefault("cloud.workers", 8)
	v.SetDefault("cloud.reconnect.initial", time.Second)
	v.SetDefault("cloud.reconnect.max", time.Minute)
	v.SetDefault("cloud.mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("cloud.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("cloud.exception_report_interval", time.Minute)

	v.SetDefault("platform.heartbeat_interval", 50*time.Second)

	v.SetDefault("scheduler.tick", 100*time.Millisecond)
	v.SetDefault("scheduler.default_interval", 10*time.Second)
	v.SetDefault("scheduler.failure_threshold", 3)
	v.SetDefault("scheduler.reprobe_interval", 30*time.Second)

	v.SetDefault("server.rtu.baud_rate", 9600)
	v.SetDefault("server.rtu.data_bits", 8)
	v.SetDefault("server.rtu.stop_bits", 1)
	v.SetDefault("server.rtu.parity", "N")
}

// Load 从viper读取配置，填充默认值并校验
func Load(v *viper.Viper) (*AdapterConfig, error) {
	var cfg AdapterConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, modbus.NewError(modbus.ErrorTypeConfig, "unmarshal config", err)
	}
	// 未配置 broker 时兼容 MQTT_HOST 环境变量
	if cfg.Cloud.MQTT.Broker == "" {
		cfg.Cloud.MQTT.Broker = v.GetString("mqtt_host")
	}
	if err := cfg.Prepare(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Prepare 填充设备和寄存器的默认值
func (c *AdapterConfig) Prepare() error {
	if c.Cloud.MQTT.Broker == "" {
		c.Cloud.MQTT.Broker = "tcp://127.0.0.1:1883"
	}
	if c.Scheduler.DefaultInterval <= 0 {
		c.Scheduler.DefaultInterval = 10 * time.Second
	}
	for _, d := range c.Devices {
		if err := d.prepare(c.Scheduler.DefaultInterval); err != nil {
			return err
		}
	}
	return nil
}

// Validate 校验配置
func (c *AdapterConfig) Validate() error {
	switch strings.ToLower(c.Cloud.Transport) {
	case "mqtt", "nats":
	default:
		return modbus.ConfigErrorf("unsupported cloud transport %q", c.Cloud.Transport)
	}
	if c.Cloud.BufferSize <= 0 {
		return modbus.ConfigErrorf("cloud.buffer_size must be positive")
	}
	if c.Cloud.Reconnect.Initial <= 0 || c.Cloud.Reconnect.Max < c.Cloud.Reconnect.Initial {
		return modbus.ConfigErrorf("cloud.reconnect: initial must be positive and not above max")
	}
	if c.Scheduler.FailureThreshold <= 0 {
		return modbus.ConfigErrorf("scheduler.failure_threshold must be positive")
	}

	ids := make(map[string]bool)
	links := make(map[string]*Device)
	for _, d := range c.Devices {
		if d.ID == "" {
			return modbus.ConfigErrorf("device without id")
		}
		if ids[d.ID] {
			return modbus.ConfigErrorf("duplicate device id %q", d.ID)
		}
		ids[d.ID] = true

		if err := d.validate(); err != nil {
			return err
		}

		cfg := d.TransportConfig()
		if other, ok := links[cfg.Key()]; ok {
			if !sameLink(other.TransportConfig(), cfg) {
				return modbus.ConfigErrorf("devices %s and %s share link %s with conflicting parameters", other.ID, d.ID, cfg.Key())
			}
		} else {
			links[cfg.Key()] = d
		}
	}
	return nil
}

// Device 返回指定ID的设备
func (c *AdapterConfig) Device(id string) (*Device, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return nil, false
}

func sameLink(a, b modbus.TransportConfig) bool {
	return a.Mode == b.Mode && a.BaudRate == b.BaudRate && a.DataBits == b.DataBits && a.StopBits == b.StopBits &&
		a.Parity == b.Parity && a.Timeout == b.Timeout && a.IdleTimeout == b.IdleTimeout && a.Retries == b.Retries
}

// Device 子设备配置
type Device struct {
	ID        string          `mapstructure:"id"`
	Transport TransportConfig `mapstructure:"transport"`
	Registers []*RegisterMap  `mapstructure:"registers"`
}

// TransportConfig 设备链路参数
type TransportConfig struct {
	Mode        string        `mapstructure:"mode"`    // tcp rtu
	Address     string        `mapstructure:"address"` // host:port 或串口路径
	SlaveID     uint8         `mapstructure:"slave_id"`
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

func (d *Device) prepare(defaultInterval time.Duration) error {
	t := &d.Transport
	t.Mode = strings.ToLower(strings.TrimSpace(t.Mode))
	if t.Mode == "" {
		t.Mode = modbus.ModeTCP
	}
	if t.SlaveID == 0 {
		t.SlaveID = 1
	}
	if t.Timeout <= 0 {
		t.Timeout = time.Second
	}
	if t.Retries < 0 {
		t.Retries = 0
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = time.Minute
	}
	if t.Mode == modbus.ModeRTU {
		if t.BaudRate == 0 {
			t.BaudRate = 9600
		}
		if t.DataBits == 0 {
			t.DataBits = 8
		}
		if t.StopBits == 0 {
			t.StopBits = 1
		}
		if t.Parity == "" {
			t.Parity = "N"
		}
		t.Parity = strings.ToUpper(t.Parity)
	}
	for _, r := range d.Registers {
		if err := r.prepare(defaultInterval); err != nil {
			return modbus.ConfigErrorf("device %s: %v", d.ID, err)
		}
	}
	return nil
}

func (d *Device) validate() error {
	switch d.Transport.Mode {
	case modbus.ModeTCP, modbus.ModeRTU:
	default:
		return modbus.ConfigErrorf("device %s: unsupported transport mode %q", d.ID, d.Transport.Mode)
	}
	if d.Transport.Address == "" {
		return modbus.ConfigErrorf("device %s: transport address is required", d.ID)
	}
	if d.Transport.Mode == modbus.ModeRTU {
		switch d.Transport.Parity {
		case "N", "E", "O":
		default:
			return modbus.ConfigErrorf("device %s: invalid parity %q", d.ID, d.Transport.Parity)
		}
	}
	if len(d.Registers) == 0 {
		return modbus.ConfigErrorf("device %s: no registers configured", d.ID)
	}

	names := make(map[string]bool)
	for _, r := range d.Registers {
		if err := r.validate(); err != nil {
			return modbus.ConfigErrorf("device %s: %v", d.ID, err)
		}
		if names[r.Name] {
			return modbus.ConfigErrorf("device %s: duplicate register name %q", d.ID, r.Name)
		}
		names[r.Name] = true
	}
	return d.checkWritableOverlap()
}

// checkWritableOverlap 同一类型的可写映射地址不能重叠（同一寄存器的不同位除外）
func (d *Device) checkWritableOverlap() error {
	var writable []*RegisterMap
	for _, r := range d.Registers {
		if r.Writable {
			writable = append(writable, r)
		}
	}
	sort.Slice(writable, func(i, j int) bool {
		if writable[i].Type != writable[j].Type {
			return writable[i].Type < writable[j].Type
		}
		return writable[i].Address < writable[j].Address
	})
	for i := 1; i < len(writable); i++ {
		prev, cur := writable[i-1], writable[i]
		if prev.Type != cur.Type || uint32(cur.Address) >= prev.End() {
			continue
		}
		if prev.Encoding == EncodingBitfield && cur.Encoding == EncodingBitfield && prev.Bit != cur.Bit {
			continue
		}
		return modbus.ConfigErrorf("device %s: writable registers %s and %s overlap", d.ID, prev.Name, cur.Name)
	}
	return nil
}

// TransportConfig 转换为Modbus链路配置
func (d *Device) TransportConfig() modbus.TransportConfig {
	t := d.Transport
	return modbus.TransportConfig{
		LinkConfig: modbus.LinkConfig{
			Mode:        t.Mode,
			Address:     t.Address,
			BaudRate:    t.BaudRate,
			DataBits:    t.DataBits,
			StopBits:    t.StopBits,
			Parity:      t.Parity,
			Timeout:     t.Timeout,
			IdleTimeout: t.IdleTimeout,
		},
		Retries: t.Retries,
	}
}

// Register 按名称查找寄存器映射
func (d *Device) Register(name string) (*RegisterMap, bool) {
	for _, r := range d.Registers {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Covers 判断 [address, address+count) 是否完全被该类型的可写映射覆盖
func (d *Device) Covers(regType string, address, count uint16) bool {
	for a := uint32(address); a < uint32(address)+uint32(count); a++ {
		covered := false
		for _, r := range d.Registers {
			if r.Writable && r.Type == regType && a >= uint32(r.Address) && a < r.End() {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// DeviceByAddress 按链路地址查找设备，用于兼容按 ModbusHost 下发的请求
func (c *AdapterConfig) DeviceByAddress(address string) (*Device, bool) {
	for _, d := range c.Devices {
		if d.Transport.Address == address {
			return d, true
		}
	}
	return nil, false
}
