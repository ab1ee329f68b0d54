// Package wmo 实现 WMO-386（GTS 文件交换）定义的报文封装格式编解码。
//
// 封装文件由若干条带长度前缀的报文顺序拼接而成：
//
//	WMO00（带 CSN）     00000000-00-SOH-CRCRLF-CSN-CRCRLF-heading-CRCRLF-body-CRCRLF-ETX
//	WMO00（不带 CSN）   00000000-00-SOH-CRCRLF-heading-CRCRLF-body-CRCRLF-ETX
//	WMO01               00000000-01-CRCRLF-heading-CRCRLF-body
//
// 前 8 位 ASCII 数字是封装内容的字节长度，随后 2 位数字是格式标识。
// 长度为 0 的 preamble 是流结束哨兵（零尾）。
package wmo

import "fmt"

// CRCRLF 是 WMO 封装使用的 3 字节分隔符（0x0D 0x0D 0x0A）。
// 它既出现在 preamble 之后（计入长度），也用于分隔 heading 与 body。
const CRCRLF = "\r\r\n"

const (
	soh = 0x01
	etx = 0x03
)

// FormatID 是封装格式标识（preamble 的后两位数字）。
type FormatID int

const (
	// FormatWMO00 带 SOH/ETX 信封，可附加 3/5 位 CSN。
	FormatWMO00 FormatID = 0
	// FormatWMO01 只用 CRCRLF 分隔，无信封控制字符。
	FormatWMO01 FormatID = 1
)

func (f FormatID) String() string {
	switch f {
	case FormatWMO00:
		return "WMO00"
	case FormatWMO01:
		return "WMO01"
	default:
		return fmt.Sprintf("WMO(%d)", int(f))
	}
}

// tag 返回 preamble 中的 2 位格式标识字节。
// 与历史实现保持一致：任何 >0 的值都写作 "01"。
func (f FormatID) tag() []byte {
	if f > 0 {
		return []byte("01")
	}
	return []byte("00")
}

// parseDigits 把定长 ASCII 数字串解析为非负整数。
// 只接受 '0'..'9'：int() 式的宽容解析（允许空白/符号）会放过损坏的 preamble。
func parseDigits(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
