package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/cloud"
	natsgo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Broker NATS 发布/订阅连接。主题使用 '/' 分隔和MQTT通配符，映射为NATS subject
type Broker struct {
	url     string
	timeout time.Duration

	mu sync.Mutex
	nc *natsgo.Conn
}

// NewBroker 创建NATS连接
func NewBroker(url string, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Broker{url: url, timeout: timeout}
}

// Connect 连接服务器，关闭自动重连
func (b *Broker) Connect(ctx context.Context, onLost func(err error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nc, err := natsgo.Connect(b.url,
		natsgo.Name("modbus-cloud-adapter"),
		natsgo.NoReconnect(),
		natsgo.Timeout(b.timeout),
		natsgo.DisconnectHandler(func(c *natsgo.Conn) {
			err := c.LastError()
			if err == nil {
				err = natsgo.ErrConnectionClosed
			}
			onLost(err)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", b.url, err)
	}
	logrus.Infof("connected to nats at %s", nc.ConnectedUrl())

	b.mu.Lock()
	b.nc = nc
	b.mu.Unlock()
	return nil
}

// Publish 发布消息。NATS 没有保留消息，忽略 retained
func (b *Broker) Publish(topic string, payload []byte, retained bool) error {
	nc, err := b.conn()
	if err != nil {
		return err
	}
	return nc.Publish(Subject(topic), payload)
}

// Subscribe 订阅主题
func (b *Broker) Subscribe(topic string, handler cloud.Handler) error {
	nc, err := b.conn()
	if err != nil {
		return err
	}
	_, err = nc.Subscribe(Subject(topic), func(m *natsgo.Msg) {
		handler(Topic(m.Subject), m.Data)
	})
	return err
}

// Close 关闭连接
func (b *Broker) Close() error {
	b.mu.Lock()
	nc := b.nc
	b.nc = nil
	b.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	return nil
}

func (b *Broker) conn() (*natsgo.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc == nil || b.nc.IsClosed() {
		return nil, natsgo.ErrConnectionClosed
	}
	return b.nc, nil
}

// Subject MQTT 主题转换为 NATS subject
func Subject(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// Topic NATS subject 转换回 '/' 分隔的主题
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}
