package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gmodbus "github.com/goburrow/modbus"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrTransportClosed Close 之后提交的请求返回该错误
var ErrTransportClosed = errors.New("modbus transport closed")

// TransportConfig 物理链路及重试策略
type TransportConfig struct {
	LinkConfig
	Retries int
}

// PendingRequest 正在处理的请求，只属于 Transport 的工作协程
type PendingRequest struct {
	ID       uuid.UUID
	SlaveID  byte
	Command  *MasterCommand
	PDU      *gmodbus.ProtocolDataUnit
	Deadline time.Time

	ctx  context.Context
	done chan result
}

type result struct {
	resp *Response
	err  error
}

// Stats 链路计数快照
type Stats struct {
	InFlight    int32
	MaxInFlight int32
	Requests    uint64
	Failures    uint64
}

// Transport 一条物理链路上的所有请求由单个工作协程串行处理
type Transport struct {
	cfg    TransportConfig
	logger *logrus.Entry

	requests chan *PendingRequest
	stop     chan struct{}
	stopped  chan struct{}
	start    sync.Once
	closing  sync.Once

	link      Link
	connected bool
	started   int32

	inFlight    int32
	maxInFlight int32
	total       uint64
	failures    uint64
}

// NewTransport 创建 Transport，link 为 nil 时使用 NewLink 创建
func NewTransport(cfg TransportConfig, link Link) (*Transport, error) {
	if link == nil {
		var err error
		if link, err = NewLink(cfg.LinkConfig); err != nil {
			return nil, err
		}
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Transport{
		cfg:      cfg,
		logger:   logrus.WithField("transport", cfg.Key()),
		requests: make(chan *PendingRequest),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		link:     link,
	}, nil
}

// Key 物理链路标识
func (t *Transport) Key() string {
	return t.cfg.Key()
}

// Config 链路配置
func (t *Transport) Config() TransportConfig {
	return t.cfg
}

// Start 启动工作协程，ctx 结束或 Close 时退出
func (t *Transport) Start(ctx context.Context) {
	t.start.Do(func() {
		atomic.StoreInt32(&t.started, 1)
		go t.run(ctx)
	})
}

// Close 停止工作协程并关闭链路
func (t *Transport) Close() error {
	t.closing.Do(func() {
		close(t.stop)
	})
	if atomic.LoadInt32(&t.started) == 0 {
		return nil
	}
	select {
	case <-t.stopped:
	case <-time.After(t.cfg.Timeout*time.Duration(t.cfg.Retries+1) + time.Second):
		t.logger.Warn("transport worker did not stop in time")
	}
	return nil
}

// Stats 返回计数快照
func (t *Transport) Stats() Stats {
	return Stats{
		InFlight:    atomic.LoadInt32(&t.inFlight),
		MaxInFlight: atomic.LoadInt32(&t.maxInFlight),
		Requests:    atomic.LoadUint64(&t.total),
		Failures:    atomic.LoadUint64(&t.failures),
	}
}

// Do 向从站发送请求并等待结果
func (t *Transport) Do(ctx context.Context, slaveID byte, cmd *MasterCommand) (*Response, error) {
	pdu, err := cmd.PDU()
	if err != nil {
		return nil, err
	}

	req := &PendingRequest{
		ID:       uuid.New(),
		SlaveID:  slaveID,
		Command:  cmd,
		PDU:      pdu,
		Deadline: time.Now().Add(t.cfg.Timeout),
		ctx:      ctx,
		done:     make(chan result, 1),
	}

	select {
	case t.requests <- req:
	case <-ctx.Done():
		return nil, contextError(ctx)
	case <-t.stop:
		return nil, NewError(ErrorTypeConnection, "submit request", ErrTransportClosed)
	case <-t.stopped:
		return nil, NewError(ErrorTypeConnection, "submit request", ErrTransportClosed)
	}

	select {
	case r := <-req.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, contextError(ctx)
	}
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.stopped)
	defer t.disconnect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case req := <-t.requests:
			if err := req.ctx.Err(); err != nil {
				t.logger.WithField("request_id", req.ID).Debug("dropping expired request")
				req.done <- result{err: contextError(req.ctx)}
				continue
			}
			resp, err := t.handle(req)
			req.done <- result{resp: resp, err: err}
		}
	}
}

func (t *Transport) handle(req *PendingRequest) (*Response, error) {
	n := atomic.AddInt32(&t.inFlight, 1)
	defer atomic.AddInt32(&t.inFlight, -1)
	for {
		max := atomic.LoadInt32(&t.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&t.maxInFlight, max, n) {
			break
		}
	}
	atomic.AddUint64(&t.total, 1)

	resp, err := t.attempts(req)
	if err != nil {
		atomic.AddUint64(&t.failures, 1)
	}
	return resp, err
}

func (t *Transport) attempts(req *PendingRequest) (*Response, error) {
	logger := t.logger.WithFields(logrus.Fields{
		"request_id":    req.ID,
		"slave_id":      req.SlaveID,
		"function_code": fmt.Sprintf("0x%02X", req.PDU.FunctionCode),
	})

	var lastErr *Error
	attempt := 0
	for ; attempt <= t.cfg.Retries; attempt++ {
		if attempt > 0 {
			// 重试前释放失败的请求，重新建立连接
			t.disconnect()
			if req.ctx.Err() != nil {
				return nil, lastErr
			}
		}
		if err := t.connect(); err != nil {
			logger.WithError(err).Warn("connect failed")
			return nil, err
		}

		req.Deadline = time.Now().Add(t.cfg.Timeout)
		pdu, err := t.link.Send(req.SlaveID, req.PDU)
		if err == nil {
			var resp *Response
			if resp, err = req.Command.ParseResponse(pdu); err == nil {
				return resp, nil
			}
		}

		lastErr = Classify(err)
		if !lastErr.IsRetryable() {
			logger.WithField("error_type", lastErr.Type.String()).Debug(lastErr.Error())
			return nil, lastErr
		}
		logger.WithFields(logrus.Fields{
			"attempt":    attempt + 1,
			"error_type": lastErr.Type.String(),
		}).Warn(lastErr.Error())
	}

	t.disconnect()
	return nil, NewError(ErrorTypeDeviceUnreachable, fmt.Sprintf("no valid response after %d attempts", attempt), lastErr)
}

func (t *Transport) connect() error {
	if t.connected {
		return nil
	}
	if err := t.link.Connect(); err != nil {
		var e *Error
		if errors.As(err, &e) && e.Type == ErrorTypeConnection {
			return e
		}
		return NewError(ErrorTypeConnection, "connect "+t.cfg.Key(), err)
	}
	t.connected = true
	return nil
}

func (t *Transport) disconnect() {
	if !t.connected {
		return
	}
	if err := t.link.Close(); err != nil {
		t.logger.WithError(err).Debug("close link")
	}
	t.connected = false
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(ErrorTypeTimeout, "request deadline exceeded", ctx.Err())
	}
	return ctx.Err()
}

// Registry 每条物理链路一个 Transport
type Registry struct {
	// NewLink 创建链路，默认使用 goburrow 实现
	NewLink func(LinkConfig) (Link, error)

	mu         sync.Mutex
	transports map[string]*Transport
}

// NewRegistry 创建空的 Registry
func NewRegistry() *Registry {
	return &Registry{
		NewLink:    NewLink,
		transports: make(map[string]*Transport),
	}
}

// Get 返回链路对应的 Transport，首次使用时创建。共用链路的设备参数必须一致
func (r *Registry) Get(cfg TransportConfig) (*Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cfg.Key()
	if t, ok := r.transports[key]; ok {
		if err := compatible(t.cfg, cfg); err != nil {
			return nil, err
		}
		return t, nil
	}

	link, err := r.NewLink(cfg.LinkConfig)
	if err != nil {
		return nil, err
	}
	t, err := NewTransport(cfg, link)
	if err != nil {
		return nil, err
	}
	r.transports[key] = t
	return t, nil
}

// Start 启动所有 Transport
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transports {
		t.Start(ctx)
	}
}

// Close 关闭所有 Transport
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var wg sync.WaitGroup
	for _, t := range r.transports {
		wg.Add(1)
		go func(t *Transport) {
			defer wg.Done()
			t.Close()
		}(t)
	}
	wg.Wait()
}

// Transports 返回所有 Transport
func (r *Registry) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		list = append(list, t)
	}
	return list
}

func compatible(a, b TransportConfig) error {
	if a.Mode != b.Mode || a.BaudRate != b.BaudRate || a.DataBits != b.DataBits || a.StopBits != b.StopBits ||
		a.Parity != b.Parity || a.Timeout != b.Timeout || a.IdleTimeout != b.IdleTimeout || a.Retries != b.Retries {
		return ConfigErrorf("link %s is shared by devices with conflicting parameters", a.Key())
	}
	return nil
}
