package cloud

import "sync"

type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// buffer 有界队列，满时丢弃最旧的消息
type buffer struct {
	mu      sync.Mutex
	items   []outbound
	size    int
	dropped uint64
	signal  chan struct{}
}

func newBuffer(size int) *buffer {
	if size <= 0 {
		size = 1
	}
	return &buffer{
		items:  make([]outbound, 0, size),
		size:   size,
		signal: make(chan struct{}, 1),
	}
}

// push 追加消息，返回是否丢弃了旧消息
func (b *buffer) push(o outbound) bool {
	b.mu.Lock()
	dropped := false
	if len(b.items) >= b.size {
		b.items = b.items[1:]
		b.dropped++
		dropped = true
	}
	b.items = append(b.items, o)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return dropped
}

// pushFront 发送失败的消息放回队首。期间缓冲区已满时它是最旧的消息，直接丢弃
func (b *buffer) pushFront(o outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.size {
		b.dropped++
		return
	}
	b.items = append([]outbound{o}, b.items...)
}

func (b *buffer) pop() (outbound, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return outbound{}, false
	}
	o := b.items[0]
	b.items = b.items[1:]
	return o, true
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *buffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
