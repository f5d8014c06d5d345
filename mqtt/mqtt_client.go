package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/cloud"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config MQTT连接配置
type Config struct {
	Broker         string
	Username       string
	Password       string
	ClientID       string // 为空时自动生成
	QoS            byte
	ConnectTimeout time.Duration
}

// Broker 基于paho的云端连接，自身不做重连，由cloud.Bridge负责
type Broker struct {
	cfg Config

	mu     sync.Mutex
	client MQTT.Client
}

// NewBroker 创建MQTT连接
func NewBroker(cfg Config) *Broker {
	if cfg.ClientID == "" {
		cfg.ClientID = "modbus-adapter-" + uuid.New().String()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Broker{cfg: cfg}
}

// Connect 连接MQTT代理
func (b *Broker) Connect(ctx context.Context, onLost func(err error)) error {
	opts := MQTT.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ MQTT.Client, err error) {
			logrus.Warnf("mqtt连接断开: %v", err)
			onLost(err)
		})

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if err := wait(ctx, token, b.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("连接mqtt代理 %s 失败: %w", b.cfg.Broker, err)
	}
	logrus.Infof("mqtt连接成功: %s client_id=%s", b.cfg.Broker, b.cfg.ClientID)

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

// Publish 发布消息
func (b *Broker) Publish(topic string, payload []byte, retained bool) error {
	client, err := b.current()
	if err != nil {
		return err
	}
	token := client.Publish(topic, b.cfg.QoS, retained, payload)
	if err := wait(context.Background(), token, b.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("发布消息失败 topic=%s: %w", topic, err)
	}
	logrus.Debugf("发布消息成功 topic=%s payload=%s", topic, payload)
	return nil
}

// Subscribe 订阅主题
func (b *Broker) Subscribe(topic string, handler cloud.Handler) error {
	client, err := b.current()
	if err != nil {
		return err
	}
	token := client.Subscribe(topic, b.cfg.QoS, func(_ MQTT.Client, msg MQTT.Message) {
		logrus.Debugf("收到消息 topic=%s payload=%s", msg.Topic(), msg.Payload())
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(context.Background(), token, b.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("订阅主题失败 topic=%s: %w", topic, err)
	}
	logrus.Info("订阅主题成功: ", topic)
	return nil
}

// Close 断开连接
func (b *Broker) Close() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func (b *Broker) current() (MQTT.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil || !b.client.IsConnectionOpen() {
		return nil, fmt.Errorf("mqtt未连接")
	}
	return b.client, nil
}

func wait(ctx context.Context, token MQTT.Token, timeout time.Duration) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-time.After(timeout):
		return fmt.Errorf("等待超时 %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
