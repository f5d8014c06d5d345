package cloud

import (
	"context"
	"time"
)

// Handler 处理收到的消息，主题以 '/' 分隔
type Handler func(topic string, payload []byte)

// Broker 云端发布/订阅连接。实现不自动重连，由 Bridge 负责重连
type Broker interface {
	// Connect 建立连接，已建立的连接断开时最多调用一次 onLost
	Connect(ctx context.Context, onLost func(err error)) error
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// Backoff 重连间隔从 Initial 开始翻倍，最大 Max
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// Next 下次重连前的等待时间
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Reset 连接成功后重置
func (b *Backoff) Reset() {
	b.current = 0
}
