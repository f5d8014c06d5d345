package modbus

// modbus错误码映射
var exceptionDescriptions = map[byte]string{
	0x01: "Illegal function",
	0x02: "Illegal data address",
	0x03: "Illegal data value",
	0x04: "Slave device failure",
	0x05: "Acknowledge",
	0x06: "Slave device busy",
	0x08: "Memory parity error",
	0x0A: "Gateway path unavailable",
	0x0B: "Gateway target device failed to respond",
}

// ExceptionDescription 返回异常码描述
func ExceptionDescription(code byte) string {
	if desc, ok := exceptionDescriptions[code]; ok {
		return desc
	}
	return "Unknown error"
}

// ParseExceptionResponse 解析Modbus异常响应（功能码+数据）
// 返回 (isException, exceptionCode, functionCode)
func ParseExceptionResponse(functionCode byte, data []byte) (bool, byte, byte) {
	if functionCode&0x80 == 0 || len(data) < 1 {
		return false, 0, 0
	}
	return true, data[0], functionCode & 0x7F
}
