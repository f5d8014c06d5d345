package modbus

import (
	"errors"
	"fmt"
	"io"
	"testing"

	gmodbus "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
	"gotest.tools/v3/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"exception", &gmodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 0x02}, ErrorTypeException},
		{"serial timeout", serial.ErrTimeout, ErrorTypeTimeout},
		{"net timeout", timeoutErr{}, ErrorTypeTimeout},
		{"eof", io.EOF, ErrorTypeConnection},
		{"wrapped eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), ErrorTypeConnection},
		{"crc", errors.New("modbus: response crc '1234' does not match expected '4321'"), ErrorTypeProtocol},
		{"already classified", ConfigErrorf("bad"), ErrorTypeConfig},
		{"other", errors.New("boom"), ErrorTypeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, TypeOf(tc.err), tc.want)
		})
	}
	assert.Assert(t, Classify(nil) == nil)
}

func TestClassifyExceptionKeepsCodes(t *testing.T) {
	e := Classify(&gmodbus.ModbusError{FunctionCode: 0x83, ExceptionCode: 0x02})
	assert.Equal(t, e.ExceptionCode, byte(0x02))
	assert.Assert(t, !e.IsRetryable())
	assert.ErrorContains(t, e, "Illegal data address")
}

func TestDeviceUnreachableUnwrapsLastError(t *testing.T) {
	last := NewError(ErrorTypeTimeout, "read response timeout", serial.ErrTimeout)
	err := NewError(ErrorTypeDeviceUnreachable, "no valid response after 3 attempts", last)

	var inner *Error
	assert.Assert(t, errors.As(err.Unwrap(), &inner))
	assert.Equal(t, inner.Type, ErrorTypeTimeout)
	assert.Assert(t, errors.Is(err, serial.ErrTimeout))
	assert.Equal(t, TypeOf(err), ErrorTypeDeviceUnreachable)
}

func TestParseExceptionResponse(t *testing.T) {
	isException, code, fc := ParseExceptionResponse(0x83, []byte{0x02})
	assert.Assert(t, isException)
	assert.Equal(t, code, byte(0x02))
	assert.Equal(t, fc, byte(0x03))

	isException, _, _ = ParseExceptionResponse(0x03, []byte{0x02, 0x00, 0x01})
	assert.Assert(t, !isException)
	assert.Equal(t, ExceptionDescription(0x7F), "Unknown error")
}
