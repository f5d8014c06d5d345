package poller

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	tpconfig "github.com/ThingsPanel/modbus-cloud-adapter/tp_config"
	"github.com/sirupsen/logrus"
)

// State 设备可达状态
type State int

const (
	StateUnknown State = iota
	StateOK
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateOK:
		return "ok"
	case StateUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// MarshalText 按名称编码
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Health 设备健康状态快照
type Health struct {
	DeviceID            string    `json:"device_id"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastSuccess         time.Time `json:"last_success"`
	NextProbe           time.Time `json:"next_probe"`
}

// Reading 解析后的一个数据点，Raw 为未经公式换算的原始寄存器或位
type Reading struct {
	DeviceID  string
	Name      string
	Value     interface{}
	Timestamp time.Time
	Register  *tpconfig.RegisterMap
	Raw       *modbus.Response
}

// Observer 接收调度事件。回调在采集协程中、调度器锁外执行，不能长时间阻塞
type Observer interface {
	OnReadings(deviceID string, readings []Reading)
	OnHealth(health Health)
	OnError(deviceID string, err *modbus.Error)
}

type deviceState struct {
	device    *tpconfig.Device
	transport *modbus.Transport
	jobs      []*Job
	health    Health
	probing   bool
	latest    map[string]Reading
	logger    *logrus.Entry
}

// Scheduler 采集所有设备并执行写入
type Scheduler struct {
	cfg       tpconfig.SchedulerConfig
	devices   map[string]*deviceState
	order     []string
	queue     jobQueue
	observers []Observer

	mu   sync.Mutex
	wake chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler 创建调度器，Transport 从 registry 获取，同一物理链路的设备共用一个工作协程
func NewScheduler(cfg tpconfig.SchedulerConfig, devices []*tpconfig.Device, registry *modbus.Registry) (*Scheduler, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ReprobeInterval <= 0 {
		cfg.ReprobeInterval = 30 * time.Second
	}

	s := &Scheduler{
		cfg:     cfg,
		devices: make(map[string]*deviceState),
		wake:    make(chan struct{}, 1),
	}
	now := time.Now()
	for _, dev := range devices {
		transport, err := registry.Get(dev.TransportConfig())
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.ID, err)
		}
		ds := &deviceState{
			device:    dev,
			transport: transport,
			jobs:      BuildJobs(dev),
			health:    Health{DeviceID: dev.ID, State: StateUnknown},
			latest:    make(map[string]Reading),
			logger:    logrus.WithFields(logrus.Fields{"device": dev.ID, "transport": transport.Key()}),
		}
		s.devices[dev.ID] = ds
		s.order = append(s.order, dev.ID)
		for _, job := range ds.jobs {
			job.next = now
			heap.Push(&s.queue, job)
		}
		ds.logger.Infof("scheduled %d poll jobs", len(ds.jobs))
	}
	return s, nil
}

// AddObserver 注册观察者，必须在 Run 之前调用
func (s *Scheduler) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Run 分发到期任务直到 ctx 结束，然后等待正在进行的采集
func (s *Scheduler) Run(ctx context.Context) {
	for _, id := range s.order {
		s.devices[id].transport.Start(ctx)
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		s.dispatch(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.queue.Len() > 0 && !s.queue[0].next.After(now) {
		job := heap.Pop(&s.queue).(*Job)
		ds := s.devices[job.DeviceID]
		if ds.health.State == StateUnreachable {
			// 暂停，直到设备响应探测
			continue
		}
		job.running = true
		s.wg.Add(1)
		go s.poll(ctx, ds, job)
	}

	for _, id := range s.order {
		ds := s.devices[id]
		if ds.health.State == StateUnreachable && !ds.probing && !ds.health.NextProbe.After(now) && len(ds.jobs) > 0 {
			ds.probing = true
			s.wg.Add(1)
			go s.probe(ctx, ds)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context, ds *deviceState, job *Job) {
	defer s.wg.Done()

	resp, err := ds.transport.Do(ctx, ds.device.Transport.SlaveID, job.Command())
	now := time.Now()

	var events []func()
	s.mu.Lock()
	if ctx.Err() == nil {
		events = s.record(ds, job, resp, err, now)
		job.running = false
		if ds.health.State != StateUnreachable {
			job.next = now.Add(job.Interval)
			if job.rerun {
				job.next = now
			}
			job.rerun = false
			heap.Push(&s.queue, job)
		}
	} else {
		job.running = false
	}
	s.mu.Unlock()

	for _, e := range events {
		e()
	}
}

func (s *Scheduler) probe(ctx context.Context, ds *deviceState) {
	defer s.wg.Done()

	job := ds.jobs[0]
	ds.logger.Debug("probing unreachable device")
	resp, err := ds.transport.Do(ctx, ds.device.Transport.SlaveID, job.Command())
	now := time.Now()

	var events []func()
	s.mu.Lock()
	ds.probing = false
	if ctx.Err() == nil {
		events = s.record(ds, job, resp, err, now)
		if ds.health.State == StateUnreachable {
			ds.health.NextProbe = now.Add(s.cfg.ReprobeInterval)
		}
	}
	s.mu.Unlock()

	for _, e := range events {
		e()
	}
}

// record 根据一次通信结果更新设备状态，返回需要在释放锁后执行的回调。调用方持有 s.mu
func (s *Scheduler) record(ds *deviceState, job *Job, resp *modbus.Response, err error, now time.Time) []func() {
	var events []func()
	before := ds.health.State

	if err == nil {
		ds.health.State = StateOK
		ds.health.ConsecutiveFailures = 0
		ds.health.LastSuccess = now
		if job != nil && resp != nil {
			readings := s.decode(ds, job, resp, now)
			if len(readings) > 0 {
				id := ds.device.ID
				events = append(events, func() {
					for _, o := range s.observers {
						o.OnReadings(id, readings)
					}
				})
			}
		}
	} else {
		e := modbus.Classify(err)
		ds.health.LastErrorKind = e.Type.String()
		ds.health.LastError = e.Error()

		switch e.Type {
		case modbus.ErrorTypeException:
			// 设备有响应，视为在线
			ds.health.State = StateOK
			ds.health.ConsecutiveFailures = 0
		case modbus.ErrorTypeConfig:
		default:
			ds.health.ConsecutiveFailures++
			if ds.health.ConsecutiveFailures >= s.cfg.FailureThreshold && ds.health.State != StateUnreachable {
				ds.health.State = StateUnreachable
				ds.health.NextProbe = now.Add(s.cfg.ReprobeInterval)
			}
		}
		ds.logger.WithFields(logrus.Fields{
			"error_type": e.Type.String(),
			"failures":   ds.health.ConsecutiveFailures,
		}).Warn(e.Error())

		id := ds.device.ID
		events = append(events, func() {
			for _, o := range s.observers {
				o.OnError(id, e)
			}
		})
	}

	if before == StateUnreachable && ds.health.State != StateUnreachable {
		// 立即恢复所有暂停的任务
		for _, j := range ds.jobs {
			if j.index < 0 && !j.running {
				j.next = now
				heap.Push(&s.queue, j)
			}
		}
		s.notify()
	}

	if ds.health.State != before {
		ds.logger.Infof("device state %s -> %s", before, ds.health.State)
		health := ds.health
		events = append(events, func() {
			for _, o := range s.observers {
				o.OnHealth(health)
			}
		})
	}
	return events
}

func (s *Scheduler) decode(ds *deviceState, job *Job, resp *modbus.Response, now time.Time) []Reading {
	readings := make([]Reading, 0, len(job.Registers))
	for _, r := range job.Registers {
		value, err := r.Decode(resp, job.Start)
		if err != nil {
			ds.logger.WithField("register", r.Name).Warnf("decode failed: %v", err)
			continue
		}
		raw, _ := r.Raw(resp, job.Start)
		reading := Reading{DeviceID: ds.device.ID, Name: r.Name, Value: value, Timestamp: now, Register: r, Raw: raw}
		ds.latest[r.Name] = reading
		readings = append(readings, reading)
	}
	return readings
}

// Write 编码并写入指定数据点，成功后立即回读该点所在的采集任务
func (s *Scheduler) Write(ctx context.Context, deviceID, name string, value interface{}) error {
	s.mu.Lock()
	ds, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return modbus.ConfigErrorf("unknown device %q", deviceID)
	}
	reg, ok := ds.device.Register(name)
	if !ok {
		s.mu.Unlock()
		return modbus.ConfigErrorf("device %s has no register named %q", deviceID, name)
	}
	cmd, err := reg.Encode(value)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if ds.health.State == StateUnreachable {
		s.mu.Unlock()
		return modbus.NewError(modbus.ErrorTypeDeviceUnreachable, fmt.Sprintf("device %s is unreachable", deviceID), nil)
	}
	s.mu.Unlock()

	ds.logger.WithFields(logrus.Fields{"register": name, "value": value}).Info("write")
	_, err = s.exchange(ctx, ds, cmd, reg.Type)
	return err
}

// Request 执行原始Modbus请求，写请求必须完全落在设备的可写映射内
func (s *Scheduler) Request(ctx context.Context, deviceID string, cmd *modbus.MasterCommand) (*modbus.Response, error) {
	s.mu.Lock()
	ds, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return nil, modbus.ConfigErrorf("unknown device %q", deviceID)
	}
	if !modbus.IsSupportedFunction(cmd.FunctionCode) {
		s.mu.Unlock()
		return nil, modbus.ConfigErrorf("unsupported function code: %d", cmd.FunctionCode)
	}
	regType := tpconfig.RegisterHolding
	if cmd.IsBitAccess() {
		regType = tpconfig.RegisterCoil
	}
	if cmd.IsWrite() && !ds.device.Covers(regType, cmd.Address, cmd.Span()) {
		s.mu.Unlock()
		return nil, modbus.ConfigErrorf("device %s: write to %s %d+%d is not covered by writable register maps", deviceID, regType, cmd.Address, cmd.Span())
	}
	if ds.health.State == StateUnreachable {
		s.mu.Unlock()
		return nil, modbus.NewError(modbus.ErrorTypeDeviceUnreachable, fmt.Sprintf("device %s is unreachable", deviceID), nil)
	}
	s.mu.Unlock()

	if !cmd.IsWrite() {
		regType = ""
	}
	return s.exchange(ctx, ds, cmd, regType)
}

// exchange 在采集周期外执行请求并记录结果，写请求会触发回读
func (s *Scheduler) exchange(ctx context.Context, ds *deviceState, cmd *modbus.MasterCommand, writtenType string) (*modbus.Response, error) {
	resp, err := ds.transport.Do(ctx, ds.device.Transport.SlaveID, cmd)

	var events []func()
	s.mu.Lock()
	if err == nil || (!errors.Is(err, context.Canceled) && modbus.TypeOf(err) != modbus.ErrorTypeConfig) {
		events = s.record(ds, nil, nil, err, time.Now())
	}
	if err == nil && writtenType != "" {
		s.readBack(ds, writtenType, cmd.Address, cmd.Span())
	}
	s.mu.Unlock()

	for _, e := range events {
		e()
	}
	return resp, err
}

// readBack 覆盖写入范围的任务立即到期。调用方持有 s.mu
func (s *Scheduler) readBack(ds *deviceState, regType string, address, count uint16) {
	now := time.Now()
	for _, job := range ds.jobs {
		if !job.Covers(regType, address, count) {
			continue
		}
		switch {
		case job.running:
			job.rerun = true
		case job.index >= 0:
			job.next = now
			heap.Fix(&s.queue, job.index)
		}
	}
	s.notify()
}

// Reprobe 不可达设备立即探测，正常设备立即采集所有任务
func (s *Scheduler) Reprobe(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.devices[deviceID]
	if !ok {
		return modbus.ConfigErrorf("unknown device %q", deviceID)
	}
	now := time.Now()
	if ds.health.State == StateUnreachable {
		ds.health.NextProbe = now
	} else {
		for _, job := range ds.jobs {
			if job.index >= 0 {
				job.next = now
				heap.Fix(&s.queue, job.index)
			}
		}
	}
	s.notify()
	return nil
}

// Health 单个设备健康状态
func (s *Scheduler) Health(deviceID string) (Health, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.devices[deviceID]
	if !ok {
		return Health{}, false
	}
	return ds.health, true
}

// Healths 所有设备健康状态，按ID排序
func (s *Scheduler) Healths() []Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]Health, 0, len(s.devices))
	for _, ds := range s.devices {
		list = append(list, ds.health)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DeviceID < list[j].DeviceID })
	return list
}

// Latest 设备每个数据点的最新值
func (s *Scheduler) Latest(deviceID string) (map[string]Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.devices[deviceID]
	if !ok {
		return nil, false
	}
	latest := make(map[string]Reading, len(ds.latest))
	for k, v := range ds.latest {
		latest[k] = v
	}
	return latest, true
}

// Device 设备配置
func (s *Scheduler) Device(deviceID string) (*tpconfig.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.devices[deviceID]
	if !ok {
		return nil, false
	}
	return ds.device, true
}

// Jobs 设备的采集任务
func (s *Scheduler) Jobs(deviceID string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.devices[deviceID]; ok {
		return ds.jobs
	}
	return nil
}
