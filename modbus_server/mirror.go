package modbusserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
	"github.com/ThingsPanel/modbus-cloud-adapter/poller"
	tpconfig "github.com/ThingsPanel/modbus-cloud-adapter/tp_config"
	"github.com/goburrow/serial"
	"github.com/sirupsen/logrus"
	"github.com/tbrandon/mbserver"
)

// Requester 将原始写请求转发到真实设备
type Requester interface {
	Request(ctx context.Context, deviceID string, cmd *modbus.MasterCommand) (*modbus.Response, error)
}

type point struct {
	deviceID string
	reg      *tpconfig.RegisterMap
	server   uint16
}

// cell 一个镜像地址：所属数据点及在其中的偏移
type cell struct {
	point  *point
	offset uint16
}

// Mirror 向本地Modbus主站提供配置了 server_address 的数据点的最新采集值，并将写入转发到设备
type Mirror struct {
	requester Requester
	timeout   time.Duration
	logger    *logrus.Entry

	// NewMirror 之后只读
	cells map[string]map[uint16]cell

	mu    sync.RWMutex
	bits  map[string]map[uint16]bool
	words map[string]map[uint16]uint16

	server *mbserver.Server
}

// NewMirror 建立镜像地址空间，同类型的服务地址重叠时报错
func NewMirror(devices []*tpconfig.Device, requester Requester, timeout time.Duration) (*Mirror, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m := &Mirror{
		requester: requester,
		timeout:   timeout,
		logger:    logrus.WithField("component", "modbus_server"),
		cells:     make(map[string]map[uint16]cell),
		bits:      make(map[string]map[uint16]bool),
		words:     make(map[string]map[uint16]uint16),
	}
	for _, t := range []string{tpconfig.RegisterCoil, tpconfig.RegisterDiscrete, tpconfig.RegisterHolding, tpconfig.RegisterInput} {
		m.cells[t] = make(map[uint16]cell)
		m.bits[t] = make(map[uint16]bool)
		m.words[t] = make(map[uint16]uint16)
	}

	for _, d := range devices {
		for _, r := range d.Registers {
			if r.ServerAddress == nil {
				continue
			}
			p := &point{deviceID: d.ID, reg: r, server: *r.ServerAddress}
			if uint32(p.server)+uint32(r.Length()) > 0x10000 {
				return nil, modbus.ConfigErrorf("device %s register %s: server address %d out of range", d.ID, r.Name, p.server)
			}
			for i := uint16(0); i < r.Length(); i++ {
				addr := p.server + i
				if other, ok := m.cells[r.Type][addr]; ok {
					// 同一设备寄存器的位字段可以共用镜像寄存器
					if !sameRegister(other.point, p) {
						return nil, modbus.ConfigErrorf("server address %s %d is mapped by %s/%s and %s/%s",
							r.Type, addr, other.point.deviceID, other.point.reg.Name, d.ID, r.Name)
					}
					continue
				}
				m.cells[r.Type][addr] = cell{point: p, offset: i}
			}
		}
	}
	return m, nil
}

func sameRegister(a, b *point) bool {
	return a.deviceID == b.deviceID && a.server == b.server && a.reg.Address == b.reg.Address &&
		a.reg.Encoding == tpconfig.EncodingBitfield && b.reg.Encoding == tpconfig.EncodingBitfield
}

// OnReadings 用采集值更新镜像
func (m *Mirror) OnReadings(deviceID string, readings []poller.Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range readings {
		if r.Register == nil || r.Register.ServerAddress == nil || r.Raw == nil {
			continue
		}
		m.store(r.Register.Type, *r.Register.ServerAddress, r.Raw)
	}
}

// OnHealth 不处理，不可达设备继续提供最后的值
func (m *Mirror) OnHealth(poller.Health) {}

// OnError 不处理
func (m *Mirror) OnError(string, *modbus.Error) {}

// store 在服务地址写入原始值，调用方持有 m.mu
func (m *Mirror) store(regType string, address uint16, raw *modbus.Response) {
	for i, b := range raw.Bits {
		m.bits[regType][address+uint16(i)] = b
	}
	for i, w := range raw.Registers {
		m.words[regType][address+uint16(i)] = w
	}
}

// Bits 返回镜像位，未采集过的地址为 false
func (m *Mirror) Bits(regType string, address, quantity uint16) ([]bool, bool) {
	if !m.mapped(regType, address, quantity) {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]bool, quantity)
	for i := range values {
		values[i] = m.bits[regType][address+uint16(i)]
	}
	return values, true
}

// Registers 返回镜像寄存器，未采集过的地址为 0
func (m *Mirror) Registers(regType string, address, quantity uint16) ([]uint16, bool) {
	if !m.mapped(regType, address, quantity) {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = m.words[regType][address+uint16(i)]
	}
	return values, true
}

func (m *Mirror) mapped(regType string, address, quantity uint16) bool {
	if quantity == 0 || uint32(address)+uint32(quantity) > 0x10000 {
		return false
	}
	for i := uint16(0); i < quantity; i++ {
		if _, ok := m.cells[regType][address+i]; !ok {
			return false
		}
	}
	return true
}

// segment 映射到同一设备连续地址的一段镜像地址
type segment struct {
	deviceID string
	address  uint16 // 设备地址
	server   uint16 // 起始服务地址
	count    uint16
}

// segments 将服务地址范围拆分为设备写请求，存在未映射或只读地址时失败
func (m *Mirror) segments(regType string, address, quantity uint16) ([]segment, bool) {
	if !m.mapped(regType, address, quantity) {
		return nil, false
	}
	var list []segment
	for i := uint16(0); i < quantity; i++ {
		c := m.cells[regType][address+i]
		if !c.point.reg.Writable {
			return nil, false
		}
		devAddr := c.point.reg.Address + c.offset
		if n := len(list); n > 0 {
			last := &list[n-1]
			if last.deviceID == c.point.deviceID && last.address+last.count == devAddr {
				last.count++
				continue
			}
		}
		list = append(list, segment{deviceID: c.point.deviceID, address: devAddr, server: address + i, count: 1})
	}
	return list, true
}

// WriteCoils 转发本地主站写入的线圈
func (m *Mirror) WriteCoils(ctx context.Context, address uint16, values []bool) *mbserver.Exception {
	segs, ok := m.segments(tpconfig.RegisterCoil, address, uint16(len(values)))
	if !ok {
		return &mbserver.IllegalDataAddress
	}
	for _, s := range segs {
		part := values[s.server-address : s.server-address+s.count]
		cmd := &modbus.MasterCommand{FunctionCode: modbus.FuncCodeWriteMultipleCoils, Address: s.address, Quantity: s.count, Coils: part}
		if s.count == 1 {
			cmd.FunctionCode = modbus.FuncCodeWriteSingleCoil
		}
		if exception := m.forward(ctx, s, cmd); exception != nil {
			return exception
		}
		m.mu.Lock()
		m.store(tpconfig.RegisterCoil, s.server, &modbus.Response{Bits: part})
		m.mu.Unlock()
	}
	return &mbserver.Success
}

// WriteRegisters 转发本地主站写入的保持寄存器
func (m *Mirror) WriteRegisters(ctx context.Context, address uint16, values []uint16) *mbserver.Exception {
	segs, ok := m.segments(tpconfig.RegisterHolding, address, uint16(len(values)))
	if !ok {
		return &mbserver.IllegalDataAddress
	}
	for _, s := range segs {
		part := values[s.server-address : s.server-address+s.count]
		cmd := &modbus.MasterCommand{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Address: s.address, Quantity: s.count, Registers: part}
		if s.count == 1 {
			cmd.FunctionCode = modbus.FuncCodeWriteSingleRegister
		}
		if exception := m.forward(ctx, s, cmd); exception != nil {
			return exception
		}
		m.mu.Lock()
		m.store(tpconfig.RegisterHolding, s.server, &modbus.Response{Registers: part})
		m.mu.Unlock()
	}
	return &mbserver.Success
}

func (m *Mirror) forward(ctx context.Context, s segment, cmd *modbus.MasterCommand) *mbserver.Exception {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := m.requester.Request(ctx, s.deviceID, cmd); err != nil {
		m.logger.WithFields(logrus.Fields{
			"device":        s.deviceID,
			"function_code": fmt.Sprintf("0x%02X", cmd.FunctionCode),
			"address":       s.address,
		}).Warnf("forwarded write failed: %v", err)
		if modbus.TypeOf(err) == modbus.ErrorTypeConfig {
			return &mbserver.IllegalDataAddress
		}
		return &mbserver.SlaveDeviceFailure
	}
	return nil
}

// Start 在TCP和/或串口上提供服务
func (m *Mirror) Start(cfg tpconfig.ServerConfig) error {
	m.server = mbserver.NewServer()
	m.register(m.server)

	if cfg.TCPAddress != "" {
		if err := m.server.ListenTCP(cfg.TCPAddress); err != nil {
			return fmt.Errorf("listen modbus tcp %s: %w", cfg.TCPAddress, err)
		}
		m.logger.Infof("modbus tcp server listening on %s", cfg.TCPAddress)
	}
	if cfg.RTU.Address != "" {
		err := m.server.ListenRTU(&serial.Config{
			Address:  cfg.RTU.Address,
			BaudRate: cfg.RTU.BaudRate,
			DataBits: cfg.RTU.DataBits,
			StopBits: cfg.RTU.StopBits,
			Parity:   cfg.RTU.Parity,
		})
		if err != nil {
			return fmt.Errorf("listen modbus rtu %s: %w", cfg.RTU.Address, err)
		}
		m.logger.Infof("modbus rtu server listening on %s", cfg.RTU.Address)
	}
	return nil
}

// Close 停止服务
func (m *Mirror) Close() {
	if m.server != nil {
		m.server.Close()
	}
}

func (m *Mirror) register(s *mbserver.Server) {
	s.RegisterFunctionHandler(modbus.FuncCodeReadCoils, m.readBits(tpconfig.RegisterCoil))
	s.RegisterFunctionHandler(modbus.FuncCodeReadDiscreteInputs, m.readBits(tpconfig.RegisterDiscrete))
	s.RegisterFunctionHandler(modbus.FuncCodeReadHoldingRegisters, m.readRegisters(tpconfig.RegisterHolding))
	s.RegisterFunctionHandler(modbus.FuncCodeReadInputRegisters, m.readRegisters(tpconfig.RegisterInput))
	s.RegisterFunctionHandler(modbus.FuncCodeWriteSingleCoil, m.writeSingleCoil)
	s.RegisterFunctionHandler(modbus.FuncCodeWriteSingleRegister, m.writeSingleRegister)
	s.RegisterFunctionHandler(modbus.FuncCodeWriteMultipleCoils, m.writeMultipleCoils)
	s.RegisterFunctionHandler(modbus.FuncCodeWriteMultipleRegisters, m.writeMultipleRegisters)
}

type handler func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)

func addressAndQuantity(frame mbserver.Framer) (uint16, uint16, bool) {
	data := frame.GetData()
	if len(data) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]), true
}

func (m *Mirror) readBits(regType string) handler {
	return func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		address, quantity, ok := addressAndQuantity(frame)
		if !ok || quantity == 0 || quantity > modbus.MaxReadBits {
			return []byte{}, &mbserver.IllegalDataValue
		}
		values, ok := m.Bits(regType, address, quantity)
		if !ok {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		packed := modbus.PackBits(values)
		return append([]byte{byte(len(packed))}, packed...), &mbserver.Success
	}
}

func (m *Mirror) readRegisters(regType string) handler {
	return func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		address, quantity, ok := addressAndQuantity(frame)
		if !ok || quantity == 0 || quantity > modbus.MaxReadRegisters {
			return []byte{}, &mbserver.IllegalDataValue
		}
		values, ok := m.Registers(regType, address, quantity)
		if !ok {
			return []byte{}, &mbserver.IllegalDataAddress
		}
		data := make([]byte, 1+2*len(values))
		data[0] = byte(2 * len(values))
		for i, v := range values {
			binary.BigEndian.PutUint16(data[1+2*i:], v)
		}
		return data, &mbserver.Success
	}
}

func (m *Mirror) writeSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	address, value, ok := addressAndQuantity(frame)
	if !ok || (value != 0xFF00 && value != 0x0000) {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if exception := m.WriteCoils(context.Background(), address, []bool{value == 0xFF00}); *exception != mbserver.Success {
		return []byte{}, exception
	}
	return frame.GetData()[0:4], &mbserver.Success
}

func (m *Mirror) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	address, value, ok := addressAndQuantity(frame)
	if !ok {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if exception := m.WriteRegisters(context.Background(), address, []uint16{value}); *exception != mbserver.Success {
		return []byte{}, exception
	}
	return frame.GetData()[0:4], &mbserver.Success
}

func (m *Mirror) writeMultipleCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	address, quantity, ok := addressAndQuantity(frame)
	data := frame.GetData()
	if !ok || quantity == 0 || quantity > modbus.MaxWriteBits || len(data) < 5 || int(data[4]) != (int(quantity)+7)/8 || len(data) < 5+int(data[4]) {
		return []byte{}, &mbserver.IllegalDataValue
	}
	values := modbus.UnpackBits(data[5:5+int(data[4])], int(quantity))
	if exception := m.WriteCoils(context.Background(), address, values); *exception != mbserver.Success {
		return []byte{}, exception
	}
	return data[0:4], &mbserver.Success
}

func (m *Mirror) writeMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	address, quantity, ok := addressAndQuantity(frame)
	data := frame.GetData()
	if !ok || quantity == 0 || quantity > modbus.MaxWriteRegisters || len(data) < 5 || int(data[4]) != 2*int(quantity) || len(data) < 5+int(data[4]) {
		return []byte{}, &mbserver.IllegalDataValue
	}
	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[5+2*i:])
	}
	if exception := m.WriteRegisters(context.Background(), address, values); *exception != mbserver.Success {
		return []byte{}, exception
	}
	return data[0:4], &mbserver.Success
}
