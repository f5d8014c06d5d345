package tpconfig

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/ThingsPanel/modbus-cloud-adapter/modbus"
)

// 寄存器类型
const (
	RegisterCoil     = "coil"
	RegisterDiscrete = "discrete"
	RegisterHolding  = "holding"
	RegisterInput    = "input"
)

// 数据编码
const (
	EncodingInt16    = "int16"
	EncodingUint16   = "uint16"
	EncodingInt32    = "int32"
	EncodingUint32   = "uint32"
	EncodingInt64    = "int64"
	EncodingUint64   = "uint64"
	EncodingFloat32  = "float32"
	EncodingFloat64  = "float64"
	EncodingBool     = "bool"
	EncodingBitfield = "bitfield"
)

// 字节序
const (
	ByteOrderBig    = "BIG"    // ABCD
	ByteOrderLittle = "LITTLE" // DCBA
	ByteOrderBADC   = "BADC"   // 寄存器内字节交换
	ByteOrderCDAB   = "CDAB"   // 寄存器交换
)

// RegisterMap 单个数据点的寄存器映射
type RegisterMap struct {
	Name          string        `mapstructure:"name"`           // 数据标识符
	Type          string        `mapstructure:"type"`           // coil, discrete, holding, input
	Address       uint16        `mapstructure:"address"`        // 起始地址，从0开始（holding 0 即 40001）
	Encoding      string        `mapstructure:"encoding"`       // 数据类型
	ByteOrder     string        `mapstructure:"byte_order"`     // BIG LITTLE BADC CDAB
	Bit           uint8         `mapstructure:"bit"`            // bitfield 位索引 0-15
	Interval      time.Duration `mapstructure:"interval"`       // 采集间隔
	Writable      bool          `mapstructure:"writable"`       // 是否可写
	Equation      string        `mapstructure:"equation"`       // 读取公式，变量为x，例如 x*0.1
	WriteEquation string        `mapstructure:"write_equation"` // 写入公式，变量为x
	DecimalPlaces *int          `mapstructure:"decimal_places"` // 小数位数
	ServerAddress *uint16       `mapstructure:"server_address"` // 本地Modbus服务镜像地址

	equation      *govaluate.EvaluableExpression
	writeEquation *govaluate.EvaluableExpression
}

// IsBit 是否为位类型（线圈或离散输入）
func (r *RegisterMap) IsBit() bool {
	return r.Type == RegisterCoil || r.Type == RegisterDiscrete
}

// Length 寄存器数量或位数量
func (r *RegisterMap) Length() uint16 {
	switch r.Encoding {
	case EncodingInt32, EncodingUint32, EncodingFloat32:
		return 2
	case EncodingInt64, EncodingUint64, EncodingFloat64:
		return 4
	}
	return 1
}

// End 映射覆盖的最后一个地址之后的地址
func (r *RegisterMap) End() uint32 {
	return uint32(r.Address) + uint32(r.Length())
}

// ReadFunctionCode 读取该映射使用的功能码
func (r *RegisterMap) ReadFunctionCode() byte {
	switch r.Type {
	case RegisterCoil:
		return modbus.FuncCodeReadCoils
	case RegisterDiscrete:
		return modbus.FuncCodeReadDiscreteInputs
	case RegisterInput:
		return modbus.FuncCodeReadInputRegisters
	}
	return modbus.FuncCodeReadHoldingRegisters
}

// prepare 填充默认值并编译公式
func (r *RegisterMap) prepare(defaultInterval time.Duration) error {
	r.Type = strings.ToLower(strings.TrimSpace(r.Type))
	r.Encoding = strings.ToLower(strings.TrimSpace(r.Encoding))
	r.ByteOrder = strings.ToUpper(strings.TrimSpace(r.ByteOrder))
	if r.Encoding == "" {
		if r.IsBit() {
			r.Encoding = EncodingBool
		} else {
			r.Encoding = EncodingUint16
		}
	}
	if r.ByteOrder == "" {
		r.ByteOrder = ByteOrderBig
	}
	if r.Interval <= 0 {
		r.Interval = defaultInterval
	}

	var err error
	if r.Equation != "" {
		if r.equation, err = govaluate.NewEvaluableExpression(r.Equation); err != nil {
			return modbus.ConfigErrorf("register %s: invalid equation %q: %v", r.Name, r.Equation, err)
		}
	}
	if r.WriteEquation != "" {
		if r.writeEquation, err = govaluate.NewEvaluableExpression(r.WriteEquation); err != nil {
			return modbus.ConfigErrorf("register %s: invalid write equation %q: %v", r.Name, r.WriteEquation, err)
		}
	}
	return nil
}

// validate 校验映射本身的合法性
func (r *RegisterMap) validate() error {
	if r.Name == "" {
		return modbus.ConfigErrorf("register at address %d has no name", r.Address)
	}
	switch r.Type {
	case RegisterCoil, RegisterDiscrete:
		if r.Encoding != EncodingBool {
			return modbus.ConfigErrorf("register %s: %s supports only bool encoding, got %q", r.Name, r.Type, r.Encoding)
		}
	case RegisterHolding, RegisterInput:
		switch r.Encoding {
		case EncodingInt16, EncodingUint16, EncodingInt32, EncodingUint32, EncodingInt64, EncodingUint64,
			EncodingFloat32, EncodingFloat64, EncodingBitfield:
		default:
			return modbus.ConfigErrorf("register %s: unsupported encoding %q", r.Name, r.Encoding)
		}
	default:
		return modbus.ConfigErrorf("register %s: unsupported register type %q", r.Name, r.Type)
	}
	switch r.ByteOrder {
	case ByteOrderBig, ByteOrderLittle, ByteOrderBADC, ByteOrderCDAB:
	default:
		return modbus.ConfigErrorf("register %s: unknown byte order %q", r.Name, r.ByteOrder)
	}
	if r.Encoding == EncodingBitfield && r.Bit > 15 {
		return modbus.ConfigErrorf("register %s: bit index %d out of range 0-15", r.Name, r.Bit)
	}
	if r.Writable && (r.Type == RegisterInput || r.Type == RegisterDiscrete) {
		return modbus.ConfigErrorf("register %s: %s registers are read-only", r.Name, r.Type)
	}
	if r.End() > 0x10000 {
		return modbus.ConfigErrorf("register %s: address range exceeds 65535", r.Name)
	}
	return nil
}

// Decode 从一次读取的响应中解析该映射的值，start 为该次读取的起始地址。
// 无公式时返回编码对应的原生类型（uint16 原样返回）。
func (r *RegisterMap) Decode(resp *modbus.Response, start uint16) (interface{}, error) {
	offset := int(r.Address) - int(start)
	if offset < 0 {
		return nil, fmt.Errorf("register %s: address %d before read start %d", r.Name, r.Address, start)
	}

	var value interface{}
	if r.IsBit() {
		if offset >= len(resp.Bits) {
			return nil, modbus.NewError(modbus.ErrorTypeProtocol, fmt.Sprintf("register %s: response too short", r.Name), nil)
		}
		value = resp.Bits[offset]
	} else {
		n := int(r.Length())
		if offset+n > len(resp.Registers) {
			return nil, modbus.NewError(modbus.ErrorTypeProtocol, fmt.Sprintf("register %s: response too short", r.Name), nil)
		}
		value = r.decodeWords(resp.Registers[offset : offset+n])
	}

	return r.scale(value)
}

// Raw 返回该映射在响应中的原始寄存器或位（拷贝）
func (r *RegisterMap) Raw(resp *modbus.Response, start uint16) (*modbus.Response, bool) {
	offset := int(r.Address) - int(start)
	if offset < 0 {
		return nil, false
	}
	n := int(r.Length())
	if r.IsBit() {
		if offset+n > len(resp.Bits) {
			return nil, false
		}
		return &modbus.Response{Bits: append([]bool(nil), resp.Bits[offset:offset+n]...)}, true
	}
	if offset+n > len(resp.Registers) {
		return nil, false
	}
	return &modbus.Response{Registers: append([]uint16(nil), resp.Registers[offset:offset+n]...)}, true
}

func (r *RegisterMap) decodeWords(words []uint16) interface{} {
	data := make([]byte, 2*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint16(data[2*i:], w)
	}

	switch r.Encoding {
	case EncodingInt16:
		return int16(r.parseUint16(data))
	case EncodingUint16:
		return r.parseUint16(data)
	case EncodingBitfield:
		return (words[0]>>r.Bit)&0x01 == 1
	case EncodingInt32:
		return int32(r.parseUint32(data))
	case EncodingUint32:
		return r.parseUint32(data)
	case EncodingFloat32:
		return math.Float32frombits(r.parseUint32(data))
	case EncodingInt64:
		return int64(r.parseUint64(data))
	case EncodingUint64:
		return r.parseUint64(data)
	case EncodingFloat64:
		return math.Float64frombits(r.parseUint64(data))
	}
	return nil
}

// scale 公式处理和小数处理
func (r *RegisterMap) scale(value interface{}) (interface{}, error) {
	if r.equation == nil && r.DecimalPlaces == nil {
		return value, nil
	}
	if _, ok := value.(bool); ok {
		return value, nil
	}
	x, err := numeric(value)
	if err != nil {
		return nil, err
	}
	if r.equation != nil {
		result, err := r.equation.Evaluate(map[string]interface{}{"x": x})
		if err != nil {
			return nil, fmt.Errorf("register %s: evaluate equation: %w", r.Name, err)
		}
		f, ok := result.(float64)
		if !ok {
			return nil, fmt.Errorf("register %s: result of equation is not float64", r.Name)
		}
		x = f
	}
	if r.DecimalPlaces != nil {
		multiplier := math.Pow(10, float64(*r.DecimalPlaces))
		x = math.Round(x*multiplier) / multiplier
	}
	return x, nil
}

// Encode 根据数据点生成写报文。值无法编码时返回配置错误，不产生任何总线通信。
func (r *RegisterMap) Encode(value interface{}) (*modbus.MasterCommand, error) {
	if !r.Writable {
		return nil, modbus.ConfigErrorf("register %s is not writable", r.Name)
	}

	switch r.Encoding {
	case EncodingBool:
		b, err := boolean(value)
		if err != nil {
			return nil, modbus.ConfigErrorf("register %s: %v", r.Name, err)
		}
		return &modbus.MasterCommand{FunctionCode: modbus.FuncCodeWriteSingleCoil, Address: r.Address, Coils: []bool{b}}, nil
	case EncodingBitfield:
		b, err := boolean(value)
		if err != nil {
			return nil, modbus.ConfigErrorf("register %s: %v", r.Name, err)
		}
		cmd := &modbus.MasterCommand{FunctionCode: modbus.FuncCodeMaskWriteRegister, Address: r.Address, AndMask: ^(uint16(1) << r.Bit)}
		if b {
			cmd.OrMask = uint16(1) << r.Bit
		}
		return cmd, nil
	}

	raw, err := r.unscale(value)
	if err != nil {
		return nil, modbus.ConfigErrorf("register %s: %v", r.Name, err)
	}
	data, err := r.encodeValue(raw)
	if err != nil {
		return nil, modbus.ConfigErrorf("register %s: %v", r.Name, err)
	}

	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	if len(words) == 1 {
		// 单寄存器数据使用功能码 0x06
		return &modbus.MasterCommand{FunctionCode: modbus.FuncCodeWriteSingleRegister, Address: r.Address, Registers: words}, nil
	}
	// 多寄存器数据使用功能码 0x10
	return &modbus.MasterCommand{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Address: r.Address, Registers: words}, nil
}

// unscale 应用写入公式
func (r *RegisterMap) unscale(value interface{}) (interface{}, error) {
	if r.writeEquation == nil {
		return value, nil
	}
	x, err := numeric(value)
	if err != nil {
		return nil, err
	}
	result, err := r.writeEquation.Evaluate(map[string]interface{}{"x": x})
	if err != nil {
		return nil, fmt.Errorf("evaluate write equation: %w", err)
	}
	f, ok := result.(float64)
	if !ok {
		return nil, fmt.Errorf("result of write equation is not float64")
	}
	return math.Round(f*1e6) / 1e6, nil
}

func (r *RegisterMap) encodeValue(value interface{}) ([]byte, error) {
	switch r.Encoding {
	case EncodingInt16:
		v, err := signed(value, math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		return r.encodeUint16(uint16(int16(v))), nil
	case EncodingUint16:
		v, err := unsigned(value, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		return r.encodeUint16(uint16(v)), nil
	case EncodingInt32:
		v, err := signed(value, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		return r.encodeUint32(uint32(int32(v))), nil
	case EncodingUint32:
		v, err := unsigned(value, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		return r.encodeUint32(uint32(v)), nil
	case EncodingInt64:
		v, err := signed(value, math.MinInt64, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		return r.encodeUint64(uint64(v)), nil
	case EncodingUint64:
		v, err := unsigned(value, math.MaxUint64)
		if err != nil {
			return nil, err
		}
		return r.encodeUint64(v), nil
	case EncodingFloat32:
		v, err := numeric(value)
		if err != nil {
			return nil, err
		}
		if math.Abs(v) > math.MaxFloat32 {
			return nil, fmt.Errorf("value %v overflows float32", v)
		}
		return r.encodeUint32(math.Float32bits(float32(v))), nil
	case EncodingFloat64:
		v, err := numeric(value)
		if err != nil {
			return nil, err
		}
		return r.encodeUint64(math.Float64bits(v)), nil
	}
	return nil, fmt.Errorf("unsupported encoding %q", r.Encoding)
}

// 注意：BADC 和 CDAB 仅影响多寄存器数据，单寄存器数据使用大端序
func (r *RegisterMap) parseUint16(data []byte) uint16 {
	if r.ByteOrder == ByteOrderLittle {
		return binary.LittleEndian.Uint16(data)
	}
	return binary.BigEndian.Uint16(data)
}

func (r *RegisterMap) encodeUint16(value uint16) []byte {
	data := make([]byte, 2)
	if r.ByteOrder == ByteOrderLittle {
		binary.LittleEndian.PutUint16(data, value)
	} else {
		binary.BigEndian.PutUint16(data, value)
	}
	return data
}

// parseUint32 根据字节序解析 4 字节数据（32位）
func (r *RegisterMap) parseUint32(data []byte) uint32 {
	switch r.ByteOrder {
	case ByteOrderLittle: // DCBA
		return binary.LittleEndian.Uint32(data)
	case ByteOrderBADC: // [Byte2 Byte1][Byte4 Byte3]
		return uint32(data[1])<<24 | uint32(data[0])<<16 | uint32(data[3])<<8 | uint32(data[2])
	case ByteOrderCDAB: // [Byte3 Byte4][Byte1 Byte2]
		return uint32(data[2])<<24 | uint32(data[3])<<16 | uint32(data[0])<<8 | uint32(data[1])
	default: // ABCD
		return binary.BigEndian.Uint32(data)
	}
}

// parseUint64 根据字节序解析 8 字节数据（64位）
func (r *RegisterMap) parseUint64(data []byte) uint64 {
	switch r.ByteOrder {
	case ByteOrderLittle:
		return binary.LittleEndian.Uint64(data)
	case ByteOrderBADC:
		return uint64(data[1])<<56 | uint64(data[0])<<48 | uint64(data[3])<<40 | uint64(data[2])<<32 |
			uint64(data[5])<<24 | uint64(data[4])<<16 | uint64(data[7])<<8 | uint64(data[6])
	case ByteOrderCDAB:
		return uint64(data[2])<<56 | uint64(data[3])<<48 | uint64(data[0])<<40 | uint64(data[1])<<32 |
			uint64(data[6])<<24 | uint64(data[7])<<16 | uint64(data[4])<<8 | uint64(data[5])
	default:
		return binary.BigEndian.Uint64(data)
	}
}

// encodeUint32 根据字节序编码 4 字节数据（32位）
func (r *RegisterMap) encodeUint32(value uint32) []byte {
	data := make([]byte, 4)
	switch r.ByteOrder {
	case ByteOrderLittle:
		binary.LittleEndian.PutUint32(data, value)
	case ByteOrderBADC:
		data[0] = byte(value >> 16)
		data[1] = byte(value >> 24)
		data[2] = byte(value)
		data[3] = byte(value >> 8)
	case ByteOrderCDAB:
		data[0] = byte(value >> 8)
		data[1] = byte(value)
		data[2] = byte(value >> 24)
		data[3] = byte(value >> 16)
	default:
		binary.BigEndian.PutUint32(data, value)
	}
	return data
}

// encodeUint64 根据字节序编码 8 字节数据（64位）
func (r *RegisterMap) encodeUint64(value uint64) []byte {
	data := make([]byte, 8)
	switch r.ByteOrder {
	case ByteOrderLittle:
		binary.LittleEndian.PutUint64(data, value)
	case ByteOrderBADC:
		data[0] = byte(value >> 48)
		data[1] = byte(value >> 56)
		data[2] = byte(value >> 32)
		data[3] = byte(value >> 40)
		data[4] = byte(value >> 16)
		data[5] = byte(value >> 24)
		data[6] = byte(value)
		data[7] = byte(value >> 8)
	case ByteOrderCDAB:
		data[0] = byte(value >> 40)
		data[1] = byte(value >> 32)
		data[2] = byte(value >> 56)
		data[3] = byte(value >> 48)
		data[4] = byte(value >> 8)
		data[5] = byte(value)
		data[6] = byte(value >> 24)
		data[7] = byte(value >> 16)
	default:
		binary.BigEndian.PutUint64(data, value)
	}
	return data
}

// numeric 检查值是否为数字类型，如果是则转换为 float64，否则返回错误
func numeric(value interface{}) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, fmt.Errorf("value is nil, expected numeric type")
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("value is not a numeric type, got %T: %v", value, value)
	}
}

// 2^63 和 2^64，float64 可精确表示
const (
	twoTo63 = 9223372036854775808.0
	twoTo64 = 18446744073709551616.0
)

// signed 转换为有符号整数并检查范围，不接受小数。
// 文本数字按整数精确解析，避免经过 float64 丢失精度。
func signed(value interface{}, min, max int64) (int64, error) {
	var i int64
	switch v := value.(type) {
	case int:
		i = int64(v)
	case int8:
		i = int64(v)
	case int16:
		i = int64(v)
	case int32:
		i = int64(v)
	case int64:
		i = v
	case uint, uint8, uint16, uint32, uint64:
		u, err := unsigned(v, math.MaxUint64)
		if err != nil {
			return 0, err
		}
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("value %v out of range [%d, %d]", value, min, max)
		}
		i = int64(u)
	case json.Number:
		return signedText(string(v), value, min, max)
	case string:
		return signedText(strings.TrimSpace(v), value, min, max)
	default:
		f, err := wholeFloat(value)
		if err != nil {
			return 0, err
		}
		if f < -twoTo63 || f >= twoTo63 {
			return 0, fmt.Errorf("value %v out of range [%d, %d]", value, min, max)
		}
		i = int64(f)
	}
	if i < min || i > max {
		return 0, fmt.Errorf("value %v out of range [%d, %d]", value, min, max)
	}
	return i, nil
}

func signedText(text string, value interface{}, min, max int64) (int64, error) {
	i, err := strconv.ParseInt(text, 10, 64)
	if err == nil {
		return signed(i, min, max)
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("value %v out of range [%d, %d]", value, min, max)
	}
	// 1e3、21.0 等写法
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not a number", text)
	}
	return signed(f, min, max)
}

// unsigned 转换为无符号整数并检查范围，不接受负数和小数
func unsigned(value interface{}, max uint64) (uint64, error) {
	var u uint64
	switch v := value.(type) {
	case uint:
		u = uint64(v)
	case uint8:
		u = uint64(v)
	case uint16:
		u = uint64(v)
	case uint32:
		u = uint64(v)
	case uint64:
		u = v
	case int, int8, int16, int32, int64:
		i, err := signed(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return 0, err
		}
		if i < 0 {
			return 0, fmt.Errorf("value %v out of range [0, %d]", value, max)
		}
		u = uint64(i)
	case json.Number:
		return unsignedText(string(v), value, max)
	case string:
		return unsignedText(strings.TrimSpace(v), value, max)
	default:
		f, err := wholeFloat(value)
		if err != nil {
			return 0, err
		}
		if f < 0 || f >= twoTo64 {
			return 0, fmt.Errorf("value %v out of range [0, %d]", value, max)
		}
		u = uint64(f)
	}
	if u > max {
		return 0, fmt.Errorf("value %v out of range [0, %d]", value, max)
	}
	return u, nil
}

func unsignedText(text string, value interface{}, max uint64) (uint64, error) {
	u, err := strconv.ParseUint(text, 10, 64)
	if err == nil {
		return unsigned(u, max)
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("value %v out of range [0, %d]", value, max)
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("value %q is not a number", text)
	}
	return unsigned(f, max)
}

// wholeFloat 返回整数值的 float64 表示
func wholeFloat(value interface{}) (float64, error) {
	f, err := numeric(value)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("value %v is not an integer", value)
	}
	return f, nil
}

// boolean 线圈值只接受 true/false 或 1/0
func boolean(value interface{}) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	f, err := numeric(value)
	if err != nil {
		return false, err
	}
	switch f {
	case 1:
		return true, nil
	case 0:
		return false, nil
	}
	return false, fmt.Errorf("invalid coil value: %v", value)
}
