package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/cloud"
	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	tpconfig "github.com/ThingsPanel/modbus-cloud-adapter/tp_config"
	gmodbus "github.com/goburrow/modbus"
	"github.com/spf13/viper"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

const adapterConfig = `
cloud:
  topic_root: plant
  reconnect:
    initial: 10ms
    max: 50ms
scheduler:
  tick: 10ms
devices:
  - id: boiler
    transport:
      address: 192.168.1.10:502
      timeout: 100ms
    registers:
      - name: temperature
        type: holding
        address: 0
        encoding: int16
        equation: x*0.1
        decimal_places: 1
        interval: 20ms
      - name: setpoint
        type: holding
        address: 1
        encoding: uint16
        writable: true
        interval: 20ms
`

type holdingSim struct {
	mu      sync.Mutex
	holding map[uint16]uint16
	writes  int
}

func (h *holdingSim) Connect() error { return nil }
func (h *holdingSim) Close() error   { return nil }

func (h *holdingSim) Send(slaveID byte, pdu *gmodbus.ProtocolDataUnit) (*gmodbus.ProtocolDataUnit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	address := binary.BigEndian.Uint16(pdu.Data)
	arg := binary.BigEndian.Uint16(pdu.Data[2:])
	switch pdu.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters:
		data := []byte{byte(2 * arg)}
		for i := uint16(0); i < arg; i++ {
			data = append(data, byte(h.holding[address+i]>>8), byte(h.holding[address+i]))
		}
		return &gmodbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: data}, nil
	case modbus.FuncCodeWriteSingleRegister:
		h.holding[address] = arg
		h.writes++
		return &gmodbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: pdu.Data[:4]}, nil
	}
	return nil, &gmodbus.ModbusError{FunctionCode: pdu.FunctionCode | 0x80, ExceptionCode: 1}
}

type message struct {
	Topic    string
	Payload  string
	Retained bool
}

type memoryBroker struct {
	mu       sync.Mutex
	handlers map[string]cloud.Handler
	messages []message
}

func (b *memoryBroker) Connect(ctx context.Context, onLost func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]cloud.Handler)
	return nil
}

func (b *memoryBroker) Publish(topic string, payload []byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, message{Topic: topic, Payload: string(payload), Retained: retained})
	return nil
}

func (b *memoryBroker) Subscribe(topic string, handler cloud.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *memoryBroker) Close() error { return nil }

func (b *memoryBroker) handler(topic string) cloud.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[topic]
}

// last returns the newest message on topic.
func (b *memoryBroker) last(topic string) (message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].Topic == topic {
			return b.messages[i], true
		}
	}
	return message{}, false
}

func startAdapter(t *testing.T, sim *holdingSim) (*Adapter, *memoryBroker) {
	t.Helper()
	v := viper.New()
	tpconfig.SetDefaults(v)
	v.SetConfigType("yaml")
	assert.NilError(t, v.ReadConfig(strings.NewReader(adapterConfig)))
	cfg, err := tpconfig.Load(v)
	assert.NilError(t, err)

	broker := &memoryBroker{}
	a, err := New(cfg, Options{
		Broker:  broker,
		NewLink: func(modbus.LinkConfig) (modbus.Link, error) { return sim, nil },
	})
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.Check(t, a.Run(ctx))
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, broker
}

func TestAdapterPublishesTelemetry(t *testing.T) {
	sim := &holdingSim{holding: map[uint16]uint16{0: 215, 1: 40}}
	a, broker := startAdapter(t, sim)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if _, ok := broker.last("plant/telemetry/boiler"); ok {
			return poll.Success()
		}
		return poll.Continue("waiting for telemetry")
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(10*time.Millisecond))

	status, ok := broker.last("plant/status/boiler")
	assert.Assert(t, ok)
	assert.Assert(t, status.Retained)
	assert.Assert(t, strings.Contains(status.Payload, `"state":"ok"`))

	latest, ok := a.Latest("boiler")
	assert.Assert(t, ok)
	assert.Equal(t, latest["temperature"].Value, 21.5)
	assert.Assert(t, a.CloudStats().Connected)
}

func TestAdapterExecutesCommand(t *testing.T) {
	sim := &holdingSim{holding: map[uint16]uint16{0: 215, 1: 40}}
	_, broker := startAdapter(t, sim)

	var handler cloud.Handler
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if handler = broker.handler("plant/command/+"); handler != nil {
			return poll.Success()
		}
		return poll.Continue("waiting for subscription")
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(10*time.Millisecond))

	handler("plant/command/boiler", []byte(`{"setpoint": 42}`))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		msg, ok := broker.last("plant/response")
		if !ok {
			return poll.Continue("waiting for command response")
		}
		var resp cloud.CommandResponse
		if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
			return poll.Error(err)
		}
		if !resp.Success {
			return poll.Error(errors.New(msg.Payload))
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(10*time.Millisecond))

	sim.mu.Lock()
	defer sim.mu.Unlock()
	assert.Equal(t, sim.holding[1], uint16(42))
	assert.Equal(t, sim.writes, 1)
}

func TestAdapterResolvesModbusHost(t *testing.T) {
	sim := &holdingSim{holding: map[uint16]uint16{}}
	a, _ := startAdapter(t, sim)

	id, ok := a.DeviceByAddress("192.168.1.10:502")
	assert.Assert(t, ok)
	assert.Equal(t, id, "boiler")

	_, ok = a.DeviceByAddress("10.0.0.1:502")
	assert.Assert(t, !ok)
}

type errorSink struct {
	reports []interface{}
}

func (s *errorSink) PublishError(report interface{}) {
	s.reports = append(s.reports, report)
}

func TestReportLimiter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewReportLimiter(time.Minute)
	limiter.now = func() time.Time { return now }

	ok, _ := limiter.Allow("boiler")
	assert.Assert(t, ok)
	ok, _ = limiter.Allow("boiler")
	assert.Assert(t, !ok)
	ok, _ = limiter.Allow("chiller")
	assert.Assert(t, ok)

	now = now.Add(30 * time.Second)
	ok, _ = limiter.Allow("boiler")
	assert.Assert(t, !ok)

	now = now.Add(30 * time.Second)
	ok, suppressed := limiter.Allow("boiler")
	assert.Assert(t, ok)
	assert.Equal(t, suppressed, 2)

	limiter.Reset("boiler")
	ok, _ = limiter.Allow("boiler")
	assert.Assert(t, ok)
}

func TestReportException(t *testing.T) {
	sink := &errorSink{}
	limiter := NewReportLimiter(time.Minute)

	exception := modbus.Classify(&gmodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 2})
	assert.Assert(t, ReportException(sink, limiter, "boiler", exception))
	assert.Assert(t, !ReportException(sink, limiter, "boiler", exception))
	assert.Assert(t, !ReportException(sink, limiter, "chiller", modbus.ConfigErrorf("bad value")))

	assert.Equal(t, len(sink.reports), 1)
	report := sink.reports[0].(ExceptionReport)
	assert.Equal(t, report.ErrorType, "exception_error")
	assert.Equal(t, report.FunctionCode, "0x83")
	assert.Equal(t, report.ExceptionCode, 2)
	assert.Equal(t, report.Description, modbus.ExceptionDescription(2))
}
