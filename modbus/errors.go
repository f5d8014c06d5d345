package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	gmodbus "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
)

// ErrorType 错误类型，覆盖Modbus侧和云端侧
type ErrorType int

const (
	ErrorTypeUnknown           ErrorType = iota
	ErrorTypeConnection                  // 链路无法打开或通信中断开
	ErrorTypeTimeout                     // 截止时间前无响应
	ErrorTypeProtocol                    // 响应格式错误、不匹配或CRC校验失败
	ErrorTypeException                   // 设备返回Modbus异常响应
	ErrorTypeDeviceUnreachable           // 重试次数用尽
	ErrorTypeConfig                      // 请求在发送前被拒绝
	ErrorTypeCloudDisconnected           // 云端连接断开
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConnection:
		return "connection_error"
	case ErrorTypeTimeout:
		return "timeout_error"
	case ErrorTypeProtocol:
		return "protocol_error"
	case ErrorTypeException:
		return "exception_error"
	case ErrorTypeDeviceUnreachable:
		return "device_unreachable"
	case ErrorTypeConfig:
		return "config_error"
	case ErrorTypeCloudDisconnected:
		return "cloud_disconnected"
	default:
		return "unknown_error"
	}
}

// Error 带类型的错误封装，异常响应时 FunctionCode 和 ExceptionCode 为设备返回值
type Error struct {
	Type          ErrorType
	FunctionCode  byte
	ExceptionCode byte
	Message       string
	OriginalErr   error
}

func (e *Error) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable 判断是否可重试
// 异常响应说明设备在线，不重试；配置错误不会发送到总线
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeException, ErrorTypeConfig, ErrorTypeDeviceUnreachable:
		return false
	}
	return true
}

// NewError 创建新的错误
func NewError(errType ErrorType, message string, originalErr error) *Error {
	return &Error{
		Type:        errType,
		Message:     message,
		OriginalErr: originalErr,
	}
}

// ConfigErrorf 创建配置错误（发送前拒绝）
func ConfigErrorf(format string, args ...interface{}) *Error {
	return NewError(ErrorTypeConfig, fmt.Sprintf(format, args...), nil)
}

// TypeOf 返回错误类型，nil 或未分类错误返回 ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	if e := Classify(err); e != nil {
		return e.Type
	}
	return ErrorTypeUnknown
}

// Classify 将库错误和网络错误归类
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var modbusErr *Error
	if errors.As(err, &modbusErr) {
		return modbusErr
	}

	var exception *gmodbus.ModbusError
	if errors.As(err, &exception) {
		e := NewError(ErrorTypeException, fmt.Sprintf("modbus exception response: function_code=0x%02X, exception_code=0x%02X, %s",
			exception.FunctionCode, exception.ExceptionCode, ExceptionDescription(exception.ExceptionCode)), err)
		e.FunctionCode = exception.FunctionCode
		e.ExceptionCode = exception.ExceptionCode
		return e
	}

	if errors.Is(err, serial.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(ErrorTypeTimeout, "read response timeout", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(ErrorTypeTimeout, "read response timeout", err)
		}
		return NewError(ErrorTypeConnection, "network connection error", err)
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewError(ErrorTypeConnection, "connection closed", err)
	}

	// goburrow 的帧、长度、CRC、事务ID不匹配错误均以 "modbus: " 开头
	if strings.HasPrefix(err.Error(), "modbus: ") {
		return NewError(ErrorTypeProtocol, "invalid response", err)
	}

	return NewError(ErrorTypeUnknown, err.Error(), err)
}
