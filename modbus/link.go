package modbus

import (
	"fmt"
	"log"
	"strings"
	"time"

	gmodbus "github.com/goburrow/modbus"
)

// 链路模式
const (
	ModeTCP = "tcp"
	ModeRTU = "rtu"
)

// Link 一条物理Modbus链路（串口或TCP网关）
// Send 完成一次完整的请求/响应，调用方不能并发调用
type Link interface {
	Connect() error
	Close() error
	Send(slaveID byte, pdu *gmodbus.ProtocolDataUnit) (*gmodbus.ProtocolDataUnit, error)
}

// LinkConfig 物理链路参数
type LinkConfig struct {
	Mode        string
	Address     string // tcp 为 host:port，rtu 为串口设备路径
	BaudRate    int
	DataBits    int
	StopBits    int
	Parity      string // N, E, O
	Timeout     time.Duration
	IdleTimeout time.Duration
	Logger      *log.Logger // goburrow 报文日志，nil 表示关闭
}

// Key 物理链路标识，相同 Key 的设备共用一个 Transport
func (c LinkConfig) Key() string {
	return strings.ToLower(c.Mode) + "://" + c.Address
}

// NewLink 按模式创建 goburrow 链路
func NewLink(cfg LinkConfig) (Link, error) {
	switch strings.ToLower(cfg.Mode) {
	case ModeTCP:
		h := gmodbus.NewTCPClientHandler(cfg.Address)
		h.Timeout = cfg.Timeout
		h.IdleTimeout = cfg.IdleTimeout
		h.Logger = cfg.Logger
		return &tcpLink{handler: h}, nil
	case ModeRTU:
		h := gmodbus.NewRTUClientHandler(cfg.Address)
		if cfg.BaudRate > 0 {
			h.BaudRate = cfg.BaudRate
		}
		if cfg.DataBits > 0 {
			h.DataBits = cfg.DataBits
		}
		if cfg.StopBits > 0 {
			h.StopBits = cfg.StopBits
		}
		if cfg.Parity != "" {
			h.Parity = strings.ToUpper(cfg.Parity)
		}
		h.Timeout = cfg.Timeout
		h.IdleTimeout = cfg.IdleTimeout
		h.Logger = cfg.Logger
		return &rtuLink{handler: h}, nil
	}
	return nil, ConfigErrorf("unsupported link mode: %q", cfg.Mode)
}

type tcpLink struct {
	handler *gmodbus.TCPClientHandler
}

func (l *tcpLink) Connect() error {
	if err := l.handler.Connect(); err != nil {
		return NewError(ErrorTypeConnection, fmt.Sprintf("connect %s", l.handler.Address), err)
	}
	return nil
}

func (l *tcpLink) Close() error {
	return l.handler.Close()
}

func (l *tcpLink) Send(slaveID byte, pdu *gmodbus.ProtocolDataUnit) (*gmodbus.ProtocolDataUnit, error) {
	l.handler.SlaveId = slaveID
	return exchange(l.handler, pdu)
}

type rtuLink struct {
	handler *gmodbus.RTUClientHandler
}

func (l *rtuLink) Connect() error {
	if err := l.handler.Connect(); err != nil {
		return NewError(ErrorTypeConnection, fmt.Sprintf("open serial port %s", l.handler.Address), err)
	}
	return nil
}

func (l *rtuLink) Close() error {
	return l.handler.Close()
}

func (l *rtuLink) Send(slaveID byte, pdu *gmodbus.ProtocolDataUnit) (*gmodbus.ProtocolDataUnit, error) {
	l.handler.SlaveId = slaveID
	return exchange(l.handler, pdu)
}

// exchange 编码请求、发送并校验响应
// 异常响应返回 *gmodbus.ModbusError
func exchange(h gmodbus.ClientHandler, pdu *gmodbus.ProtocolDataUnit) (*gmodbus.ProtocolDataUnit, error) {
	aduRequest, err := h.Encode(pdu)
	if err != nil {
		return nil, ConfigErrorf("encode request: %v", err)
	}
	aduResponse, err := h.Send(aduRequest)
	if err != nil {
		return nil, err
	}
	if err = h.Verify(aduRequest, aduResponse); err != nil {
		return nil, err
	}
	resp, err := h.Decode(aduResponse)
	if err != nil {
		return nil, err
	}

	if isException, code, fc := ParseExceptionResponse(resp.FunctionCode, resp.Data); isException {
		if fc != pdu.FunctionCode {
			return nil, NewError(ErrorTypeProtocol, fmt.Sprintf("exception for function code 0x%02X, request was 0x%02X", fc, pdu.FunctionCode), nil)
		}
		return nil, &gmodbus.ModbusError{FunctionCode: resp.FunctionCode, ExceptionCode: code}
	}
	if resp.FunctionCode != pdu.FunctionCode {
		return nil, NewError(ErrorTypeProtocol, fmt.Sprintf("response function code 0x%02X does not match request 0x%02X", resp.FunctionCode, pdu.FunctionCode), nil)
	}
	if len(resp.Data) == 0 {
		return nil, NewError(ErrorTypeProtocol, "response data is empty", nil)
	}
	return resp, nil
}
