package poller

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	tpconfig "github.com/ThingsPanel/modbus-cloud-adapter/tp_config"
	gmodbus "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

// deviceSim is a register image served through the modbus.Link interface.
type deviceSim struct {
	mu        sync.Mutex
	holding   map[uint16]uint16
	coils     map[uint16]bool
	down      bool
	exception byte
	sends     int
}

func newDeviceSim() *deviceSim {
	return &deviceSim{holding: make(map[uint16]uint16), coils: make(map[uint16]bool)}
}

func (d *deviceSim) Connect() error { return nil }
func (d *deviceSim) Close() error   { return nil }

func (d *deviceSim) Send(slaveID byte, pdu *gmodbus.ProtocolDataUnit) (*gmodbus.ProtocolDataUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends++
	if d.down {
		return nil, serial.ErrTimeout
	}
	if d.exception != 0 {
		return nil, &gmodbus.ModbusError{FunctionCode: pdu.FunctionCode | 0x80, ExceptionCode: d.exception}
	}

	address := binary.BigEndian.Uint16(pdu.Data)
	arg := binary.BigEndian.Uint16(pdu.Data[2:])
	switch pdu.FunctionCode {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		data := []byte{byte(2 * arg)}
		for i := uint16(0); i < arg; i++ {
			data = append(data, byte(d.holding[address+i]>>8), byte(d.holding[address+i]))
		}
		return &gmodbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: data}, nil
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		bits := make([]bool, arg)
		for i := range bits {
			bits[i] = d.coils[address+uint16(i)]
		}
		packed := modbus.PackBits(bits)
		return &gmodbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: append([]byte{byte(len(packed))}, packed...)}, nil
	case modbus.FuncCodeWriteSingleRegister:
		d.holding[address] = arg
	case modbus.FuncCodeWriteSingleCoil:
		d.coils[address] = arg == 0xFF00
	case modbus.FuncCodeWriteMultipleRegisters:
		for i := uint16(0); i < arg; i++ {
			d.holding[address+i] = binary.BigEndian.Uint16(pdu.Data[5+2*i:])
		}
	}
	return &gmodbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: pdu.Data[:4]}, nil
}

func (d *deviceSim) set(f func(d *deviceSim)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f(d)
}

func (d *deviceSim) sendCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sends
}

type recorder struct {
	mu       sync.Mutex
	readings map[string]interface{}
	health   []Health
	errors   []*modbus.Error
}

func newRecorder() *recorder {
	return &recorder{readings: make(map[string]interface{})}
}

func (r *recorder) OnReadings(deviceID string, readings []Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reading := range readings {
		r.readings[deviceID+"/"+reading.Name] = reading.Value
	}
}

func (r *recorder) OnHealth(h Health) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = append(r.health, h)
}

func (r *recorder) OnError(deviceID string, err *modbus.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) value(key string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readings[key]
}

func testDevice(t *testing.T, id string, registers ...tpconfig.RegisterMap) *tpconfig.Device {
	t.Helper()
	dev := &tpconfig.Device{
		ID:        id,
		Transport: tpconfig.TransportConfig{Mode: modbus.ModeTCP, Address: id + ":502", Retries: 0, Timeout: 50 * time.Millisecond},
	}
	for i := range registers {
		r := registers[i]
		dev.Registers = append(dev.Registers, &r)
	}
	cfg := &tpconfig.AdapterConfig{
		Cloud:     tpconfig.CloudConfig{Transport: "mqtt", BufferSize: 1, Reconnect: tpconfig.ReconnectConfig{Initial: time.Second, Max: time.Second}},
		Scheduler: tpconfig.SchedulerConfig{FailureThreshold: 1, DefaultInterval: 20 * time.Millisecond},
		Devices:   []*tpconfig.Device{dev},
	}
	assert.NilError(t, cfg.Prepare())
	assert.NilError(t, cfg.Validate())
	return dev
}

func startScheduler(t *testing.T, cfg tpconfig.SchedulerConfig, sim *deviceSim, devices ...*tpconfig.Device) (*Scheduler, *recorder) {
	t.Helper()
	registry := modbus.NewRegistry()
	registry.NewLink = func(modbus.LinkConfig) (modbus.Link, error) { return sim, nil }

	s, err := NewScheduler(cfg, devices, registry)
	assert.NilError(t, err)
	rec := newRecorder()
	s.AddObserver(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		registry.Close()
	})
	return s, rec
}

func TestBuildJobsMergesContiguousRanges(t *testing.T) {
	dev := testDevice(t, "plc",
		tpconfig.RegisterMap{Name: "a", Type: tpconfig.RegisterHolding, Address: 0},
		tpconfig.RegisterMap{Name: "b", Type: tpconfig.RegisterHolding, Address: 1, Encoding: tpconfig.EncodingFloat32},
		tpconfig.RegisterMap{Name: "c", Type: tpconfig.RegisterHolding, Address: 3},
		tpconfig.RegisterMap{Name: "d", Type: tpconfig.RegisterHolding, Address: 10},
		tpconfig.RegisterMap{Name: "e", Type: tpconfig.RegisterHolding, Address: 4, Interval: time.Minute},
		tpconfig.RegisterMap{Name: "f", Type: tpconfig.RegisterCoil, Address: 0},
		tpconfig.RegisterMap{Name: "g", Type: tpconfig.RegisterInput, Address: 0},
		tpconfig.RegisterMap{Name: "h", Type: tpconfig.RegisterInput, Address: 124, Encoding: tpconfig.EncodingUint32},
	)

	jobs := BuildJobs(dev)
	type shape struct {
		Type         string
		Start, Count uint16
		Registers    int
	}
	var got []shape
	for _, j := range jobs {
		got = append(got, shape{j.Type, j.Start, j.Count, len(j.Registers)})
	}
	assert.DeepEqual(t, got, []shape{
		{tpconfig.RegisterHolding, 0, 4, 3},
		{tpconfig.RegisterHolding, 10, 1, 1},
		{tpconfig.RegisterHolding, 4, 1, 1},
		{tpconfig.RegisterCoil, 0, 1, 1},
		{tpconfig.RegisterInput, 0, 1, 1},
		{tpconfig.RegisterInput, 124, 2, 1},
	})
}

func TestBuildJobsRespectsQuantityLimit(t *testing.T) {
	var registers []tpconfig.RegisterMap
	for i := 0; i < 64; i++ {
		registers = append(registers, tpconfig.RegisterMap{
			Name: fmt.Sprintf("r%d", i), Type: tpconfig.RegisterHolding, Address: uint16(200 + 2*i), Encoding: tpconfig.EncodingUint32,
		})
	}
	jobs := BuildJobs(testDevice(t, "big", registers...))
	assert.Equal(t, len(jobs), 2)
	assert.Equal(t, jobs[0].Start, uint16(200))
	assert.Equal(t, jobs[0].Count, uint16(124))
	assert.Equal(t, len(jobs[0].Registers), 62)
	assert.Equal(t, jobs[1].Start, uint16(324))
	assert.Equal(t, jobs[1].Count, uint16(4))
}

func TestPollPublishesDecodedValues(t *testing.T) {
	sim := newDeviceSim()
	sim.holding[0] = 0xFFFE
	sim.coils[5] = true
	dev := testDevice(t, "boiler",
		tpconfig.RegisterMap{Name: "raw", Type: tpconfig.RegisterHolding, Address: 0},
		tpconfig.RegisterMap{Name: "pump", Type: tpconfig.RegisterCoil, Address: 5},
	)
	s, rec := startScheduler(t, tpconfig.SchedulerConfig{Tick: 5 * time.Millisecond, FailureThreshold: 3}, sim, dev)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if rec.value("boiler/raw") == nil || rec.value("boiler/pump") == nil {
			return poll.Continue("waiting for readings")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	assert.Equal(t, rec.value("boiler/raw"), interface{}(uint16(0xFFFE)))
	assert.Equal(t, rec.value("boiler/pump"), interface{}(true))

	h, ok := s.Health("boiler")
	assert.Assert(t, ok)
	assert.Equal(t, h.State, StateOK)

	latest, _ := s.Latest("boiler")
	assert.Equal(t, latest["raw"].Value, interface{}(uint16(0xFFFE)))
}

func TestUnreachableSuspendsPollingUntilReprobe(t *testing.T) {
	sim := newDeviceSim()
	sim.down = true
	dev := testDevice(t, "meter", tpconfig.RegisterMap{Name: "energy", Type: tpconfig.RegisterHolding, Address: 0})
	s, rec := startScheduler(t, tpconfig.SchedulerConfig{
		Tick: 5 * time.Millisecond, FailureThreshold: 3, ReprobeInterval: time.Hour,
	}, sim, dev)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if h, _ := s.Health("meter"); h.State != StateUnreachable {
			return poll.Continue("device state is %s", h.State)
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	sends := sim.sendCount()
	assert.Equal(t, sends, 3)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sim.sendCount(), sends, "suspended device must not be polled")

	err := s.Write(context.Background(), "meter", "energy", 1)
	assert.Equal(t, modbus.TypeOf(err), modbus.ErrorTypeConfig) // read-only map is rejected first

	sim.set(func(d *deviceSim) {
		d.down = false
		d.holding[0] = 42
	})
	assert.NilError(t, s.Reprobe("meter"))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if rec.value("meter/energy") != interface{}(uint16(42)) {
			return poll.Continue("waiting for reading after reprobe")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	h, _ := s.Health("meter")
	assert.Equal(t, h.State, StateOK)
	assert.Equal(t, h.ConsecutiveFailures, 0)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Assert(t, len(rec.health) >= 2)
	assert.Equal(t, rec.health[0].State, StateUnreachable)
	assert.Equal(t, rec.health[len(rec.health)-1].State, StateOK)
}

func TestWriteToUnreachableDeviceFailsFast(t *testing.T) {
	sim := newDeviceSim()
	sim.down = true
	dev := testDevice(t, "valve", tpconfig.RegisterMap{Name: "open", Type: tpconfig.RegisterCoil, Address: 0, Writable: true})
	s, _ := startScheduler(t, tpconfig.SchedulerConfig{
		Tick: 5 * time.Millisecond, FailureThreshold: 1, ReprobeInterval: time.Hour,
	}, sim, dev)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if h, _ := s.Health("valve"); h.State != StateUnreachable {
			return poll.Continue("device state is %s", h.State)
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	sends := sim.sendCount()
	err := s.Write(context.Background(), "valve", "open", true)
	assert.Equal(t, modbus.TypeOf(err), modbus.ErrorTypeDeviceUnreachable)
	assert.Equal(t, sim.sendCount(), sends)
}

func TestExceptionKeepsDeviceAlive(t *testing.T) {
	sim := newDeviceSim()
	sim.exception = 0x02
	dev := testDevice(t, "drive", tpconfig.RegisterMap{Name: "speed", Type: tpconfig.RegisterHolding, Address: 0})
	s, rec := startScheduler(t, tpconfig.SchedulerConfig{Tick: 5 * time.Millisecond, FailureThreshold: 1}, sim, dev)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if sim.sendCount() < 3 {
			return poll.Continue("waiting for polls")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	h, _ := s.Health("drive")
	assert.Equal(t, h.State, StateOK)
	assert.Equal(t, h.ConsecutiveFailures, 0)
	assert.Equal(t, h.LastErrorKind, "exception_error")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Assert(t, len(rec.errors) >= 1)
	assert.Equal(t, rec.errors[0].ExceptionCode, byte(0x02))
}

func TestWriteValidationBeforeWire(t *testing.T) {
	sim := newDeviceSim()
	dev := testDevice(t, "plc",
		tpconfig.RegisterMap{Name: "setpoint", Type: tpconfig.RegisterHolding, Address: 0, Encoding: tpconfig.EncodingInt16, Writable: true, Interval: time.Hour},
		tpconfig.RegisterMap{Name: "status", Type: tpconfig.RegisterHolding, Address: 1, Interval: time.Hour},
	)
	s, _ := startScheduler(t, tpconfig.SchedulerConfig{Tick: 5 * time.Millisecond}, sim, dev)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if sim.sendCount() < 1 {
			return poll.Continue("waiting for first poll")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))
	sends := sim.sendCount()

	ctx := context.Background()
	assert.Equal(t, modbus.TypeOf(s.Write(ctx, "plc", "unknown", 1)), modbus.ErrorTypeConfig)
	assert.Equal(t, modbus.TypeOf(s.Write(ctx, "plc", "status", 1)), modbus.ErrorTypeConfig)
	assert.Equal(t, modbus.TypeOf(s.Write(ctx, "plc", "setpoint", 1e6)), modbus.ErrorTypeConfig)
	assert.Equal(t, modbus.TypeOf(s.Write(ctx, "nope", "setpoint", 1)), modbus.ErrorTypeConfig)

	_, err := s.Request(ctx, "plc", &modbus.MasterCommand{FunctionCode: modbus.FuncCodeWriteSingleRegister, Address: 1, Registers: []uint16{5}})
	assert.Equal(t, modbus.TypeOf(err), modbus.ErrorTypeConfig)
	_, err = s.Request(ctx, "plc", &modbus.MasterCommand{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Address: 0, Registers: []uint16{5, 6}})
	assert.Equal(t, modbus.TypeOf(err), modbus.ErrorTypeConfig)
	assert.Equal(t, sim.sendCount(), sends)
}

func TestWriteTriggersReadBack(t *testing.T) {
	sim := newDeviceSim()
	dev := testDevice(t, "plc",
		tpconfig.RegisterMap{Name: "setpoint", Type: tpconfig.RegisterHolding, Address: 0, Encoding: tpconfig.EncodingInt16, Writable: true, Interval: time.Hour},
	)
	s, rec := startScheduler(t, tpconfig.SchedulerConfig{Tick: 5 * time.Millisecond}, sim, dev)

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if rec.value("plc/setpoint") == nil {
			return poll.Continue("waiting for first reading")
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	assert.NilError(t, s.Write(context.Background(), "plc", "setpoint", -5))

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if rec.value("plc/setpoint") != interface{}(int16(-5)) {
			return poll.Continue("waiting for read-back, got %v", rec.value("plc/setpoint"))
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second), poll.WithDelay(5*time.Millisecond))

	resp, err := s.Request(context.Background(), "plc", modbus.NewReadCommand(modbus.FuncCodeReadHoldingRegisters, 0, 1))
	assert.NilError(t, err)
	assert.DeepEqual(t, resp.Registers, []uint16{0xFFFB})
}
