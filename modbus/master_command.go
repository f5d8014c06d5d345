package modbus

import (
	"encoding/binary"
	"fmt"

	gmodbus "github.com/goburrow/modbus"
)

// 支持的功能码
const (
	FuncCodeReadCoils              byte = 0x01
	FuncCodeReadDiscreteInputs     byte = 0x02
	FuncCodeReadHoldingRegisters   byte = 0x03
	FuncCodeReadInputRegisters     byte = 0x04
	FuncCodeWriteSingleCoil        byte = 0x05
	FuncCodeWriteSingleRegister    byte = 0x06
	FuncCodeWriteMultipleCoils     byte = 0x0F
	FuncCodeWriteMultipleRegisters byte = 0x10
	FuncCodeMaskWriteRegister      byte = 0x16
)

// Modbus协议规定的数量上限
const (
	MaxReadBits       = 2000
	MaxReadRegisters  = 125
	MaxWriteBits      = 1968
	MaxWriteRegisters = 123
)

// MasterCommand 主站请求
type MasterCommand struct {
	FunctionCode byte
	Address      uint16
	Quantity     uint16   // 寄存器或位数量，单写时忽略
	Registers    []uint16 // 0x06 和 0x10 的写入值
	Coils        []bool   // 0x05 和 0x0F 的写入值
	AndMask      uint16   // 0x16
	OrMask       uint16   // 0x16
}

// Response 成功响应解析后的数据
type Response struct {
	Bits      []bool
	Registers []uint16
}

// NewReadCommand 创建读请求（功能码 0x01-0x04）
func NewReadCommand(functionCode byte, address, quantity uint16) *MasterCommand {
	return &MasterCommand{FunctionCode: functionCode, Address: address, Quantity: quantity}
}

// IsSupportedFunction 是否支持该功能码
func IsSupportedFunction(functionCode byte) bool {
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters,
		FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters,
		FuncCodeMaskWriteRegister:
		return true
	}
	return false
}

// IsWrite 是否为写请求
func (c *MasterCommand) IsWrite() bool {
	switch c.FunctionCode {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters, FuncCodeMaskWriteRegister:
		return true
	}
	return false
}

// IsBitAccess 是否访问线圈或离散输入
func (c *MasterCommand) IsBitAccess() bool {
	switch c.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils:
		return true
	}
	return false
}

// Span 请求涉及的地址数量
func (c *MasterCommand) Span() uint16 {
	switch c.FunctionCode {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeMaskWriteRegister:
		return 1
	case FuncCodeWriteMultipleCoils:
		return uint16(len(c.Coils))
	case FuncCodeWriteMultipleRegisters:
		return uint16(len(c.Registers))
	}
	return c.Quantity
}

// Validate 校验请求，失败返回配置错误，不发送任何数据
func (c *MasterCommand) Validate() error {
	limit := func(max uint16) error {
		n := c.Span()
		if n == 0 || n > max {
			return ConfigErrorf("function code 0x%02X: quantity %d out of range 1-%d", c.FunctionCode, n, max)
		}
		if uint32(c.Address)+uint32(n) > 0x10000 {
			return ConfigErrorf("function code 0x%02X: address range %d+%d exceeds 65535", c.FunctionCode, c.Address, n)
		}
		return nil
	}

	switch c.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		return limit(MaxReadBits)
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return limit(MaxReadRegisters)
	case FuncCodeWriteSingleCoil:
		if len(c.Coils) != 1 {
			return ConfigErrorf("write single coil requires exactly one value, got %d", len(c.Coils))
		}
	case FuncCodeWriteSingleRegister:
		if len(c.Registers) != 1 {
			return ConfigErrorf("write single register requires exactly one value, got %d", len(c.Registers))
		}
	case FuncCodeWriteMultipleCoils:
		return limit(MaxWriteBits)
	case FuncCodeWriteMultipleRegisters:
		return limit(MaxWriteRegisters)
	case FuncCodeMaskWriteRegister:
	default:
		return ConfigErrorf("unsupported function code: 0x%02X", c.FunctionCode)
	}
	return nil
}

// PDU 序列化为协议数据单元
func (c *MasterCommand) PDU() (*gmodbus.ProtocolDataUnit, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var data []byte
	switch c.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		data = words(c.Address, c.Quantity)
	case FuncCodeWriteSingleCoil:
		value := uint16(0x0000)
		if c.Coils[0] {
			value = 0xFF00
		}
		data = words(c.Address, value)
	case FuncCodeWriteSingleRegister:
		data = words(c.Address, c.Registers[0])
	case FuncCodeWriteMultipleCoils:
		packed := PackBits(c.Coils)
		data = append(words(c.Address, uint16(len(c.Coils))), byte(len(packed)))
		data = append(data, packed...)
	case FuncCodeWriteMultipleRegisters:
		data = append(words(c.Address, uint16(len(c.Registers))), byte(2*len(c.Registers)))
		data = append(data, words(c.Registers...)...)
	case FuncCodeMaskWriteRegister:
		data = words(c.Address, c.AndMask, c.OrMask)
	}
	return &gmodbus.ProtocolDataUnit{FunctionCode: c.FunctionCode, Data: data}, nil
}

// ParseResponse 按请求校验响应格式并解析
func (c *MasterCommand) ParseResponse(resp *gmodbus.ProtocolDataUnit) (*Response, error) {
	if resp == nil {
		return nil, NewError(ErrorTypeProtocol, "empty response", nil)
	}
	if resp.FunctionCode != c.FunctionCode {
		return nil, NewError(ErrorTypeProtocol, fmt.Sprintf("function code mismatch: got 0x%02X want 0x%02X", resp.FunctionCode, c.FunctionCode), nil)
	}
	data := resp.Data

	switch c.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		want := (int(c.Quantity) + 7) / 8
		if err := checkByteCount(data, want); err != nil {
			return nil, err
		}
		return &Response{Bits: UnpackBits(data[1:], int(c.Quantity))}, nil
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if err := checkByteCount(data, 2*int(c.Quantity)); err != nil {
			return nil, err
		}
		regs := make([]uint16, c.Quantity)
		for i := range regs {
			regs[i] = binary.BigEndian.Uint16(data[1+2*i:])
		}
		return &Response{Registers: regs}, nil
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		req, _ := c.PDU()
		if len(data) != 4 || binary.BigEndian.Uint16(data) != c.Address {
			return nil, NewError(ErrorTypeProtocol, fmt.Sprintf("write response does not echo address %d: % x", c.Address, data), nil)
		}
		if binary.BigEndian.Uint16(data[2:]) != binary.BigEndian.Uint16(req.Data[2:]) {
			return nil, NewError(ErrorTypeProtocol, fmt.Sprintf("write response does not echo value/quantity: % x", data), nil)
		}
		return &Response{}, nil
	case FuncCodeMaskWriteRegister:
		if len(data) != 6 || binary.BigEndian.Uint16(data) != c.Address {
			return nil, NewError(ErrorTypeProtocol, fmt.Sprintf("mask write response does not echo request: % x", data), nil)
		}
		return &Response{}, nil
	}
	return nil, ConfigErrorf("unsupported function code: 0x%02X", c.FunctionCode)
}

func checkByteCount(data []byte, want int) error {
	if len(data) < 1 {
		return NewError(ErrorTypeProtocol, "response data is empty", nil)
	}
	if int(data[0]) != want {
		return NewError(ErrorTypeProtocol, fmt.Sprintf("response byte count %d does not match expected %d", data[0], want), nil)
	}
	if len(data)-1 != want {
		return NewError(ErrorTypeProtocol, fmt.Sprintf("response length %d does not match byte count %d", len(data)-1, want), nil)
	}
	return nil
}

func words(values ...uint16) []byte {
	b := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(b[2*i:], v)
	}
	return b
}
