package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
)

// ErrorInfo 命令和请求响应中的错误
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// WriteResult 单个数据点的写入结果
type WriteResult struct {
	Name    string     `json:"name"`
	Success bool       `json:"success"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// CommandResponse <root>/command/<device> 命令的响应
type CommandResponse struct {
	DeviceID  string        `json:"device_id"`
	Success   bool          `json:"success"`
	Results   []WriteResult `json:"results,omitempty"`
	Error     *ErrorInfo    `json:"error,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// HandleCommand 执行 {"name": value} 命令，设备为主题最后一段，并发布结果
func (b *Bridge) HandleCommand(topic string, payload []byte) {
	deviceID := commandDevice(topic)
	logger := b.logger.WithField("device", deviceID)
	logger.Debugf("command received: %s", payload)

	resp := CommandResponse{DeviceID: deviceID, Success: true}
	values := make(map[string]interface{})
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		resp.Success = false
		resp.Error = &ErrorInfo{Message: "Error encountered unmarshalling json: " + err.Error()}
	} else if len(values) == 0 {
		resp.Success = false
		resp.Error = &ErrorInfo{Message: "command contains no values"}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommandTimeout)
		err := b.commander.Write(ctx, deviceID, name, values[name])
		cancel()

		result := WriteResult{Name: name, Success: err == nil}
		if err != nil {
			result.Error = errorInfo(err)
			resp.Success = false
			logger.WithField("register", name).Warnf("write failed: %v", err)
		}
		resp.Results = append(resp.Results, result)
	}

	resp.Timestamp = time.Now().Format(TimestampFormat)
	b.respond(resp, resp.Success)
}

// Request <root>/request 收到的原始Modbus请求
type Request struct {
	DeviceID     string      `json:"DeviceID,omitempty"`
	ModbusHost   string      `json:"ModbusHost,omitempty"`
	FunctionCode *int        `json:"FunctionCode,omitempty"`
	StartAddress *int        `json:"StartAddress,omitempty"`
	AddressCount *int        `json:"AddressCount,omitempty"`
	Data         interface{} `json:"Data,omitempty"`
}

// RequestResponse 回显请求，Data 替换为结果
type RequestResponse struct {
	Request
	Success   bool       `json:"success"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp string     `json:"timestamp"`
	// Raw 请求不是合法JSON时的原始内容
	Raw string `json:"request,omitempty"`
}

// HandleRequest 执行原始Modbus请求，成功发布到 <root>/response，失败发布到 <root>/error
func (b *Bridge) HandleRequest(payload []byte) {
	resp := b.executeRequest(payload)
	resp.Timestamp = time.Now().Format(TimestampFormat)
	b.respond(resp, resp.Error == nil)
}

func (b *Bridge) executeRequest(payload []byte) *RequestResponse {
	resp := &RequestResponse{}
	fail := func(code int, format string, args ...interface{}) *RequestResponse {
		resp.Success = false
		resp.Error = &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
		return resp
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&resp.Request); err != nil {
		resp.Raw = string(payload)
		return fail(0, "Error encountered unmarshalling json: %v", err)
	}
	req := &resp.Request

	if req.DeviceID == "" {
		if req.ModbusHost == "" {
			return fail(0, "ModbusHost is required")
		}
		id, ok := b.commander.DeviceByAddress(req.ModbusHost)
		if !ok {
			return fail(0, "No device configured for ModbusHost %s", req.ModbusHost)
		}
		req.DeviceID = id
	}
	if req.FunctionCode == nil {
		return fail(0, "FunctionCode is required")
	}
	fc := byte(*req.FunctionCode)
	if *req.FunctionCode < 0 || *req.FunctionCode > 0xFF || !isRawFunction(fc) {
		return fail(1, "Invalid FunctionCode")
	}
	if req.StartAddress == nil {
		return fail(0, "StartAddress is required")
	}
	if *req.StartAddress < 0 || *req.StartAddress > 0xFFFF {
		return fail(0, "Invalid StartAddress")
	}
	if needsCount(fc) && req.AddressCount == nil {
		return fail(0, "AddressCount is required")
	}
	write := fc == modbus.FuncCodeWriteSingleCoil || fc == modbus.FuncCodeWriteSingleRegister ||
		fc == modbus.FuncCodeWriteMultipleCoils || fc == modbus.FuncCodeWriteMultipleRegisters
	if write && req.Data == nil {
		return fail(0, "Data is required for 'write' function codes")
	}

	cmd, err := buildCommand(fc, uint16(*req.StartAddress), req.AddressCount, req.Data)
	if err != nil {
		return fail(0, "%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommandTimeout)
	defer cancel()
	result, err := b.commander.Request(ctx, req.DeviceID, cmd)
	if err != nil {
		resp.Error = errorInfo(err)
		b.logger.WithField("device", req.DeviceID).Warnf("raw request failed: %v", err)
		return resp
	}

	resp.Success = true
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		req.Data = result.Bits
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		req.Data = result.Registers
	}
	return resp
}

func (b *Bridge) respond(v interface{}, success bool) {
	topic := b.Topic("response")
	if !success {
		topic = b.Topic("error")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.WithError(err).Warn("marshal response")
		return
	}
	b.enqueue(topic, payload, false)
}

// errorInfo 设备返回异常响应时带上异常码
func errorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Message: err.Error()}
	var e *modbus.Error
	if errors.As(err, &e) && e.Type == modbus.ErrorTypeException {
		info.Code = int(e.ExceptionCode)
	}
	return info
}

func isRawFunction(fc byte) bool {
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		return true
	}
	return false
}

func needsCount(fc byte) bool {
	return fc != modbus.FuncCodeWriteSingleCoil && fc != modbus.FuncCodeWriteSingleRegister
}

func buildCommand(fc byte, address uint16, count *int, data interface{}) (*modbus.MasterCommand, error) {
	switch fc {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if *count <= 0 || *count > 0xFFFF {
			return nil, fmt.Errorf("Invalid AddressCount")
		}
		return modbus.NewReadCommand(fc, address, uint16(*count)), nil

	case modbus.FuncCodeWriteSingleCoil:
		values, err := toBools(data)
		if err != nil {
			return nil, err
		}
		if len(values) != 1 {
			return nil, fmt.Errorf("Data must hold exactly one value for function code %d", fc)
		}
		return &modbus.MasterCommand{FunctionCode: fc, Address: address, Quantity: 1, Coils: values}, nil

	case modbus.FuncCodeWriteSingleRegister:
		values, err := toRegisters(data)
		if err != nil {
			return nil, err
		}
		if len(values) != 1 {
			return nil, fmt.Errorf("Data must hold exactly one value for function code %d", fc)
		}
		return &modbus.MasterCommand{FunctionCode: fc, Address: address, Quantity: 1, Registers: values}, nil

	case modbus.FuncCodeWriteMultipleCoils:
		values, err := toBools(data)
		if err != nil {
			return nil, err
		}
		if len(values) != *count {
			return nil, fmt.Errorf("Data holds %d values, AddressCount is %d", len(values), *count)
		}
		return &modbus.MasterCommand{FunctionCode: fc, Address: address, Quantity: uint16(len(values)), Coils: values}, nil

	case modbus.FuncCodeWriteMultipleRegisters:
		values, err := toRegisters(data)
		if err != nil {
			return nil, err
		}
		if len(values) != *count {
			return nil, fmt.Errorf("Data holds %d values, AddressCount is %d", len(values), *count)
		}
		return &modbus.MasterCommand{FunctionCode: fc, Address: address, Quantity: uint16(len(values)), Registers: values}, nil
	}
	return nil, fmt.Errorf("Invalid FunctionCode")
}

// toBools 接受布尔值、0/1 或其数组
func toBools(data interface{}) ([]bool, error) {
	list, ok := data.([]interface{})
	if !ok {
		list = []interface{}{data}
	}
	values := make([]bool, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case bool:
			values = append(values, v)
		case json.Number:
			n, err := v.Int64()
			if err != nil || (n != 0 && n != 1) {
				return nil, fmt.Errorf("Invalid coil value %s", v)
			}
			values = append(values, n == 1)
		default:
			return nil, fmt.Errorf("Invalid coil value %v", item)
		}
	}
	return values, nil
}

// toRegisters 接受 0..65535 的数字或其数组
func toRegisters(data interface{}) ([]uint16, error) {
	list, ok := data.([]interface{})
	if !ok {
		list = []interface{}{data}
	}
	values := make([]uint16, 0, len(list))
	for _, item := range list {
		v, ok := item.(json.Number)
		if !ok {
			return nil, fmt.Errorf("Invalid register value %v", item)
		}
		n, err := v.Int64()
		if err != nil || n < 0 || n > 0xFFFF {
			return nil, fmt.Errorf("Invalid register value %s", v)
		}
		values = append(values, uint16(n))
	}
	return values, nil
}
