package modbus

import (
	"testing"

	gmodbus "github.com/goburrow/modbus"
	"gotest.tools/v3/assert"
)

func TestReadHoldingRegistersPDU(t *testing.T) {
	cmd := NewReadCommand(FuncCodeReadHoldingRegisters, 0x006B, 3)
	pdu, err := cmd.PDU()
	assert.NilError(t, err)
	assert.Equal(t, pdu.FunctionCode, FuncCodeReadHoldingRegisters)
	assert.DeepEqual(t, pdu.Data, []byte{0x00, 0x6B, 0x00, 0x03})

	resp, err := cmd.ParseResponse(&gmodbus.ProtocolDataUnit{
		FunctionCode: FuncCodeReadHoldingRegisters,
		Data:         []byte{0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64},
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, resp.Registers, []uint16{0x022B, 0x0000, 0x0064})
}

func TestReadCoilsResponse(t *testing.T) {
	cmd := NewReadCommand(FuncCodeReadCoils, 19, 19)
	resp, err := cmd.ParseResponse(&gmodbus.ProtocolDataUnit{
		FunctionCode: FuncCodeReadCoils,
		Data:         []byte{0x03, 0xCD, 0x6B, 0x05},
	})
	assert.NilError(t, err)
	assert.Equal(t, len(resp.Bits), 19)
	// 0xCD = 1100 1101: coils 19..26 read LSB first
	assert.DeepEqual(t, resp.Bits[:8], []bool{true, false, true, true, false, false, true, true})
	assert.DeepEqual(t, resp.Bits[16:], []bool{true, false, true})
}

func TestResponseByteCountMismatch(t *testing.T) {
	cmd := NewReadCommand(FuncCodeReadInputRegisters, 0, 2)
	_, err := cmd.ParseResponse(&gmodbus.ProtocolDataUnit{
		FunctionCode: FuncCodeReadInputRegisters,
		Data:         []byte{0x02, 0x00, 0x01},
	})
	assert.Equal(t, TypeOf(err), ErrorTypeProtocol)

	_, err = cmd.ParseResponse(&gmodbus.ProtocolDataUnit{
		FunctionCode: FuncCodeReadInputRegisters,
		Data:         []byte{0x04, 0x00, 0x01},
	})
	assert.Equal(t, TypeOf(err), ErrorTypeProtocol)
}

func TestWriteMultipleCoilsPDU(t *testing.T) {
	cmd := &MasterCommand{
		FunctionCode: FuncCodeWriteMultipleCoils,
		Address:      19,
		Coils:        []bool{true, false, true, true, false, false, true, true, true, false},
	}
	pdu, err := cmd.PDU()
	assert.NilError(t, err)
	assert.DeepEqual(t, pdu.Data, []byte{0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01})

	_, err = cmd.ParseResponse(&gmodbus.ProtocolDataUnit{FunctionCode: FuncCodeWriteMultipleCoils, Data: []byte{0x00, 0x13, 0x00, 0x0A}})
	assert.NilError(t, err)

	_, err = cmd.ParseResponse(&gmodbus.ProtocolDataUnit{FunctionCode: FuncCodeWriteMultipleCoils, Data: []byte{0x00, 0x13, 0x00, 0x09}})
	assert.Equal(t, TypeOf(err), ErrorTypeProtocol)
}

func TestWriteSingleCoilEncodesFF00(t *testing.T) {
	cmd := &MasterCommand{FunctionCode: FuncCodeWriteSingleCoil, Address: 0x00AC, Coils: []bool{true}}
	pdu, err := cmd.PDU()
	assert.NilError(t, err)
	assert.DeepEqual(t, pdu.Data, []byte{0x00, 0xAC, 0xFF, 0x00})
}

func TestWriteMultipleRegistersPDU(t *testing.T) {
	cmd := &MasterCommand{FunctionCode: FuncCodeWriteMultipleRegisters, Address: 1, Registers: []uint16{0x000A, 0x0102}}
	pdu, err := cmd.PDU()
	assert.NilError(t, err)
	assert.DeepEqual(t, pdu.Data, []byte{0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02})
}

func TestMaskWritePDU(t *testing.T) {
	cmd := &MasterCommand{FunctionCode: FuncCodeMaskWriteRegister, Address: 4, AndMask: 0x00F2, OrMask: 0x0025}
	pdu, err := cmd.PDU()
	assert.NilError(t, err)
	assert.DeepEqual(t, pdu.Data, []byte{0x00, 0x04, 0x00, 0xF2, 0x00, 0x25})
}

func TestQuantityLimits(t *testing.T) {
	cases := []struct {
		name string
		cmd  *MasterCommand
	}{
		{"zero registers", NewReadCommand(FuncCodeReadHoldingRegisters, 0, 0)},
		{"too many registers", NewReadCommand(FuncCodeReadHoldingRegisters, 0, MaxReadRegisters+1)},
		{"too many coils", NewReadCommand(FuncCodeReadCoils, 0, MaxReadBits+1)},
		{"address overflow", NewReadCommand(FuncCodeReadInputRegisters, 0xFFFF, 2)},
		{"too many written registers", &MasterCommand{FunctionCode: FuncCodeWriteMultipleRegisters, Registers: make([]uint16, MaxWriteRegisters+1)}},
		{"unsupported function", &MasterCommand{FunctionCode: 0x2B, Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.cmd.PDU()
			assert.Equal(t, TypeOf(err), ErrorTypeConfig)
		})
	}
}

func TestPackUnpackBits(t *testing.T) {
	values := []bool{true, true, false, false, true, false, false, false, false, true}
	packed := PackBits(values)
	assert.DeepEqual(t, packed, []byte{0x13, 0x02})
	assert.DeepEqual(t, UnpackBits(packed, len(values)), values)
}
