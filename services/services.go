package services

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/cloud"
	httpclient "github.com/ThingsPanel/modbus-cloud-adapter/http_client"
	httpserver "github.com/ThingsPanel/modbus-cloud-adapter/http_server"
	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	modbusserver "github.com/ThingsPanel/modbus-cloud-adapter/modbus_server"
	"github.com/ThingsPanel/modbus-cloud-adapter/mqtt"
	"github.com/ThingsPanel/modbus-cloud-adapter/nats"
	"github.com/ThingsPanel/modbus-cloud-adapter/poller"
	tpconfig "github.com/ThingsPanel/modbus-cloud-adapter/tp_config"
	"github.com/sirupsen/logrus"
)

// Adapter 组装调度器、云端桥接、本地Modbus服务和状态接口
type Adapter struct {
	cfg       *tpconfig.AdapterConfig
	registry  *modbus.Registry
	scheduler *poller.Scheduler
	bridge    *cloud.Bridge
	limiter   *ReportLimiter

	mirror   *modbusserver.Mirror // server.enabled 为 false 时为 nil
	http     *httpserver.Server   // http_server.address 为空时为 nil
	platform *httpclient.Client   // platform.address 为空时为 nil
}

// Options 可选项
type Options struct {
	// Broker 云端连接，为空时按 cloud.transport 创建
	Broker cloud.Broker
	// NewLink 创建Modbus链路，为空时使用 modbus.NewLink
	NewLink func(modbus.LinkConfig) (modbus.Link, error)
	// TraceLogger 非空时输出Modbus报文
	TraceLogger *log.Logger
}

// NewBroker 按配置创建云端连接
func NewBroker(cfg tpconfig.CloudConfig) (cloud.Broker, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", "mqtt":
		return mqtt.NewBroker(mqtt.Config{
			Broker:         cfg.MQTT.Broker,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ClientID:       cfg.MQTT.ClientID,
			QoS:            cfg.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}), nil
	case "nats":
		return nats.NewBroker(cfg.NATS.URL, cfg.MQTT.ConnectTimeout), nil
	}
	return nil, modbus.ConfigErrorf("unsupported cloud transport %q", cfg.Transport)
}

// New 创建适配器
func New(cfg *tpconfig.AdapterConfig, opts Options) (*Adapter, error) {
	broker := opts.Broker
	if broker == nil {
		var err error
		if broker, err = NewBroker(cfg.Cloud); err != nil {
			return nil, err
		}
	}

	registry := modbus.NewRegistry()
	newLink := opts.NewLink
	if newLink == nil {
		newLink = modbus.NewLink
	}
	registry.NewLink = func(lc modbus.LinkConfig) (modbus.Link, error) {
		if lc.Logger == nil {
			lc.Logger = opts.TraceLogger
		}
		return newLink(lc)
	}

	scheduler, err := poller.NewScheduler(cfg.Scheduler, cfg.Devices, registry)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:       cfg,
		registry:  registry,
		scheduler: scheduler,
		limiter:   NewReportLimiter(cfg.Cloud.ExceptionReportInterval),
	}

	a.bridge, err = cloud.NewBridge(cloud.Config{
		TopicRoot:        cfg.Cloud.TopicRoot,
		BufferSize:       cfg.Cloud.BufferSize,
		Workers:          cfg.Cloud.Workers,
		ReconnectInitial: cfg.Cloud.Reconnect.Initial,
		ReconnectMax:     cfg.Cloud.Reconnect.Max,
		CommandTimeout:   commandTimeout(cfg.Devices),
	}, broker, a)
	if err != nil {
		return nil, err
	}
	scheduler.AddObserver(a)

	if cfg.Server.Enabled {
		if a.mirror, err = modbusserver.NewMirror(cfg.Devices, scheduler, commandTimeout(cfg.Devices)); err != nil {
			return nil, err
		}
		scheduler.AddObserver(a.mirror)
	}
	if cfg.HTTPServer.Address != "" {
		a.http = httpserver.New(cfg.HTTPServer.Address, a)
	}
	if cfg.Platform.Address != "" {
		a.platform = httpclient.NewClient(cfg.Platform.Address, cfg.Platform.Collection, cfg.Platform.ServiceIdentifier)
	}
	return a, nil
}

// commandTimeout 覆盖最慢设备的全部重试
func commandTimeout(devices []*tpconfig.Device) time.Duration {
	timeout := 5 * time.Second
	for _, d := range devices {
		if t := d.Transport.Timeout*time.Duration(d.Transport.Retries+1) + time.Second; t > timeout {
			timeout = t
		}
	}
	return timeout
}

// Run 运行直到ctx结束
func (a *Adapter) Run(ctx context.Context) error {
	if a.platform != nil {
		a.applyRemoteConfig(ctx)
		go a.platform.ServiceHeartbeat(ctx, a.cfg.Platform.HeartbeatInterval)
	}
	if a.mirror != nil {
		if err := a.mirror.Start(a.cfg.Server); err != nil {
			return err
		}
		defer a.mirror.Close()
	}
	if a.http != nil {
		a.http.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.http.Shutdown(shutdownCtx); err != nil {
				logrus.Warnf("http服务关闭失败: %v", err)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.bridge.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.scheduler.Run(ctx)
	}()
	logrus.Infof("adapter started with %d devices", len(a.cfg.Devices))

	<-ctx.Done()
	wg.Wait()
	a.registry.Close()
	logrus.Info("adapter stopped")
	return nil
}

// applyRemoteConfig 平台配置优先，失败时继续使用本地配置
func (a *Adapter) applyRemoteConfig(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	remote, err := a.platform.GetAdapterConfig(ctx)
	if err != nil {
		logrus.Warnf("使用本地配置: %v", err)
		return
	}
	if remote.TopicRoot != "" {
		logrus.Infof("topic_root 使用平台配置: %s", remote.TopicRoot)
		a.bridge.SetTopicRoot(remote.TopicRoot)
	}
}

// OnReadings 发布采集值
func (a *Adapter) OnReadings(deviceID string, readings []poller.Reading) {
	for _, r := range readings {
		a.bridge.PublishMessage(cloud.Message{DeviceID: deviceID, Name: r.Name, Value: r.Value, Timestamp: r.Timestamp})
	}
}

// OnHealth 发布设备状态（保留消息）
func (a *Adapter) OnHealth(health poller.Health) {
	if health.State == poller.StateOK {
		a.limiter.Reset(health.DeviceID)
	}
	a.bridge.PublishStatus(health.DeviceID, health)
}

// OnError 限流上报异常
func (a *Adapter) OnError(deviceID string, err *modbus.Error) {
	ReportException(a.bridge, a.limiter, deviceID, err)
}

// Write 执行云端下发的点位写入
func (a *Adapter) Write(ctx context.Context, deviceID, name string, value interface{}) error {
	return a.scheduler.Write(ctx, deviceID, name, value)
}

// Request 执行云端下发的原始Modbus请求
func (a *Adapter) Request(ctx context.Context, deviceID string, cmd *modbus.MasterCommand) (*modbus.Response, error) {
	return a.scheduler.Request(ctx, deviceID, cmd)
}

// DeviceByAddress 按链路地址查找设备ID
func (a *Adapter) DeviceByAddress(address string) (string, bool) {
	d, ok := a.cfg.DeviceByAddress(address)
	if !ok {
		return "", false
	}
	return d.ID, true
}

// Healths 所有设备健康状态
func (a *Adapter) Healths() []poller.Health { return a.scheduler.Healths() }

// Health 单个设备健康状态
func (a *Adapter) Health(deviceID string) (poller.Health, bool) { return a.scheduler.Health(deviceID) }

// Latest 设备最新值
func (a *Adapter) Latest(deviceID string) (map[string]poller.Reading, bool) {
	return a.scheduler.Latest(deviceID)
}

// Reprobe 手动重新探测
func (a *Adapter) Reprobe(deviceID string) error { return a.scheduler.Reprobe(deviceID) }

// CloudStats 云端连接统计
func (a *Adapter) CloudStats() cloud.Stats { return a.bridge.Stats() }
