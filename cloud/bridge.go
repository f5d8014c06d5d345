package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
)

// TimestampFormat 发送到云端的时间格式
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Commander 执行云端下发的命令
type Commander interface {
	Write(ctx context.Context, deviceID, name string, value interface{}) error
	Request(ctx context.Context, deviceID string, cmd *modbus.MasterCommand) (*modbus.Response, error)
	// DeviceByAddress 按链路地址查找设备
	DeviceByAddress(address string) (string, bool)
}

// Message 上报的一个数据点
type Message struct {
	DeviceID  string      `json:"device_id"`
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"-"`
}

// MarshalJSON 按 TimestampFormat 输出时间，非有限浮点数见 FiniteValue
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	value, quality := FiniteValue(m.Value)
	return json.Marshal(struct {
		alias
		Value     interface{} `json:"value"`
		Quality   string      `json:"quality,omitempty"`
		Timestamp string      `json:"timestamp"`
	}{alias(m), value, quality, m.Timestamp.Format(TimestampFormat)})
}

// 非有限浮点数的 quality 取值
const (
	QualityNaN    = "NaN"
	QualityPosInf = "+Inf"
	QualityNegInf = "-Inf"
)

// FiniteValue 返回可以JSON编码的值。NaN 和 ±Inf 编码为 null，quality 标明原值。
func FiniteValue(v interface{}) (interface{}, string) {
	var f float64
	switch n := v.(type) {
	case float32:
		f = float64(n)
	case float64:
		f = n
	default:
		return v, ""
	}
	switch {
	case math.IsNaN(f):
		return nil, QualityNaN
	case math.IsInf(f, 1):
		return nil, QualityPosInf
	case math.IsInf(f, -1):
		return nil, QualityNegInf
	}
	return v, ""
}

// Config 桥接配置
type Config struct {
	TopicRoot        string
	BufferSize       int
	Workers          int
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	CommandTimeout   time.Duration
}

// Stats 桥接计数快照
type Stats struct {
	Connected bool   `json:"connected"`
	Buffered  int    `json:"buffered"`
	Dropped   uint64 `json:"dropped"`
	Published uint64 `json:"published"`
	Reconnect uint64 `json:"reconnects"`
}

// Bridge 连接云端。发布只入队，云端缓慢或断开不会阻塞采集
type Bridge struct {
	cfg       Config
	broker    Broker
	commander Commander
	pool      *ants.Pool
	lanes     *lanes
	buf       *buffer
	logger    *logrus.Entry

	mu        sync.RWMutex
	topicRoot string

	connected  int32
	published  uint64
	reconnects uint64
}

// NewBridge 创建桥接，Run 启动
func NewBridge(cfg Config, broker Broker, commander Commander) (*Bridge, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = cfg.ReconnectInitial
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p interface{}) {
		logrus.Errorf("command handler panic: %v", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create command pool: %w", err)
	}
	return &Bridge{
		cfg:       cfg,
		broker:    broker,
		commander: commander,
		pool:      pool,
		lanes:     newLanes(pool),
		buf:       newBuffer(cfg.BufferSize),
		logger:    logrus.WithField("component", "cloud"),
		topicRoot: cfg.TopicRoot,
	}, nil
}

// SetTopicRoot 替换主题前缀，下次连接时重新订阅生效
func (b *Bridge) SetTopicRoot(root string) {
	b.mu.Lock()
	b.topicRoot = root
	b.mu.Unlock()
}

// Topic 用 '/' 拼接主题前缀和各段
func (b *Bridge) Topic(parts ...string) string {
	b.mu.RLock()
	topic := b.topicRoot
	b.mu.RUnlock()
	for _, p := range parts {
		topic += "/" + p
	}
	return topic
}

// Stats 返回计数快照
func (b *Bridge) Stats() Stats {
	return Stats{
		Connected: atomic.LoadInt32(&b.connected) == 1,
		Buffered:  b.buf.len(),
		Dropped:   b.buf.droppedCount(),
		Published: atomic.LoadUint64(&b.published),
		Reconnect: atomic.LoadUint64(&b.reconnects),
	}
}

// Connected 云端是否已连接
func (b *Bridge) Connected() bool {
	return atomic.LoadInt32(&b.connected) == 1
}

// PublishMessage 遥测数据入队
func (b *Bridge) PublishMessage(m Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		b.logger.WithError(err).Warn("marshal telemetry")
		return
	}
	b.enqueue(b.Topic("telemetry", m.DeviceID), payload, false)
}

// PublishStatus 设备状态入队（保留消息）
func (b *Bridge) PublishStatus(deviceID string, status interface{}) {
	payload, err := json.Marshal(status)
	if err != nil {
		b.logger.WithError(err).Warn("marshal status")
		return
	}
	b.enqueue(b.Topic("status", deviceID), payload, true)
}

// PublishError 错误上报入队
func (b *Bridge) PublishError(report interface{}) {
	payload, err := json.Marshal(report)
	if err != nil {
		b.logger.WithError(err).Warn("marshal error report")
		return
	}
	b.enqueue(b.Topic("error"), payload, false)
}

func (b *Bridge) enqueue(topic string, payload []byte, retained bool) {
	if b.buf.push(outbound{topic: topic, payload: payload, retained: retained}) {
		b.logger.WithField("dropped", b.buf.droppedCount()).Debug("outbound buffer full, oldest message dropped")
	}
}

// Run 保持云端连接直到 ctx 结束，然后释放协程池
func (b *Bridge) Run(ctx context.Context) {
	defer b.pool.Release()

	backoff := &Backoff{Initial: b.cfg.ReconnectInitial, Max: b.cfg.ReconnectMax}
	for {
		err := b.session(ctx, backoff)
		if ctx.Err() != nil {
			return
		}
		delay := backoff.Next()
		b.logger.WithFields(logrus.Fields{
			"error_type": modbus.ErrorTypeCloudDisconnected.String(),
			"retry_in":   delay,
		}).Warnf("cloud connection down: %v", err)
		select {
		case <-time.After(delay):
			atomic.AddUint64(&b.reconnects, 1)
		case <-ctx.Done():
			return
		}
	}
}

// session 一次连接从建立到断开
func (b *Bridge) session(ctx context.Context, backoff *Backoff) error {
	lost := make(chan error, 1)
	err := b.broker.Connect(ctx, func(err error) {
		if err == nil {
			err = errors.New("connection lost")
		}
		select {
		case lost <- err:
		default:
		}
	})
	if err != nil {
		return modbus.NewError(modbus.ErrorTypeCloudDisconnected, "connect", err)
	}
	defer func() {
		atomic.StoreInt32(&b.connected, 0)
		if err := b.broker.Close(); err != nil {
			b.logger.WithError(err).Debug("close broker")
		}
	}()

	if err := b.subscribe(); err != nil {
		return modbus.NewError(modbus.ErrorTypeCloudDisconnected, "subscribe", err)
	}
	backoff.Reset()
	atomic.StoreInt32(&b.connected, 1)
	b.logger.Info("cloud connected")

	return b.send(ctx, lost)
}

func (b *Bridge) subscribe() error {
	err := b.broker.Subscribe(b.Topic("command", "+"), func(topic string, payload []byte) {
		b.dispatch(topic, commandDevice(topic), func() { b.HandleCommand(topic, payload) })
	})
	if err != nil {
		return err
	}
	return b.broker.Subscribe(b.Topic("request"), func(topic string, payload []byte) {
		b.dispatch(topic, b.requestDevice(payload), func() { b.HandleRequest(payload) })
	})
}

// dispatch 将命令交给设备队列，broker 回调不会阻塞在Modbus通信上。
// 同一设备的命令和原始请求按到达顺序执行。
func (b *Bridge) dispatch(topic, deviceID string, task func()) {
	if err := b.lanes.submit(deviceID, task); err != nil {
		b.logger.WithError(err).WithField("topic", topic).Warn("command dropped")
	}
}

// commandDevice 取主题最后一段作为设备ID
func commandDevice(topic string) string {
	return topic[strings.LastIndex(topic, "/")+1:]
}

// requestDevice 解析原始请求对应的设备，无法解析时返回空字符串（共用一个队列）
func (b *Bridge) requestDevice(payload []byte) string {
	var req struct {
		DeviceID   string
		ModbusHost string
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return ""
	}
	if req.DeviceID != "" {
		return req.DeviceID
	}
	if id, ok := b.commander.DeviceByAddress(req.ModbusHost); ok {
		return id
	}
	return ""
}

// send 连接期间持续发送缓冲区
func (b *Bridge) send(ctx context.Context, lost <-chan error) error {
	for {
		for {
			o, ok := b.buf.pop()
			if !ok {
				break
			}
			if err := b.broker.Publish(o.topic, o.payload, o.retained); err != nil {
				b.buf.pushFront(o)
				return modbus.NewError(modbus.ErrorTypeCloudDisconnected, "publish", err)
			}
			atomic.AddUint64(&b.published, 1)
		}

		select {
		case <-b.buf.signal:
		case err := <-lost:
			return modbus.NewError(modbus.ErrorTypeCloudDisconnected, "connection lost", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
