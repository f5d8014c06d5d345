package modbus

import (
	"github.com/gogf/gf/encoding/gbinary"
)

// UnpackBits 将线圈/离散输入响应字节解析为 n 个布尔值。
// Modbus 第一个线圈在首字节最低位，gbinary 按高位在前展开，所以每字节内索引需要反转
func UnpackBits(data []byte, n int) []bool {
	bits := gbinary.DecodeBytesToBits(data)
	values := make([]bool, n)
	for i := 0; i < n; i++ {
		idx := (i/8)*8 + 7 - i%8
		if idx < len(bits) {
			values[i] = bits[idx] != 0
		}
	}
	return values
}

// PackBits 将布尔值打包为线圈字节，第一个值在最低位
func PackBits(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	return packed
}
