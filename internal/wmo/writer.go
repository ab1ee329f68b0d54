package wmo

import (
	"errors"
	"io"
	"os"
	"strconv"
)

// ErrWriterClosed 表示在 Close 之后继续写入。
var ErrWriterClosed = errors.New("wmo: Writer 已关闭")

// Writer 按 WMO 封装格式写出报文流。
//
// 约束：
// - 零尾默认开启：Close 时写出一次结束哨兵（重复 Close 是 no-op，不会写两次）
// - Create 打开的句柄归 Writer 关；外部传入的 io.Writer 永远不会被关闭
type Writer struct {
	w        io.Writer
	f        *os.File
	format   FormatID
	zeroTail bool
	closed   bool
}

// NewWriter 包装一个外部字节流。
func NewWriter(w io.Writer, format FormatID) *Writer {
	return &Writer{w: w, format: format, zeroTail: true}
}

// Create 创建封装文件并返回拥有该句柄的 Writer。
func Create(path string, format FormatID) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewWriter(f, format)
	w.f = f
	return w, nil
}

// SetZeroTail 控制 Close 时是否写出结束哨兵。
func (w *Writer) SetZeroTail(v bool) { w.zeroTail = v }

// FormatID 返回写出流的格式标识。
func (w *Writer) FormatID() FormatID { return w.format }

// Write 写出一条报文（heading 与 body 已用 CRCRLF 连接好的整体）。
func (w *Writer) Write(msg []byte) error {
	return w.emit(encodeFrame(w.format, msg, nil))
}

// WriteCSN 同 Write，但在信封内附加 CSN（仅 WMO00 会真正写出）。
func (w *Writer) WriteCSN(msg []byte, csn int) error {
	return w.emit(encodeFrame(w.format, msg, &csn))
}

// WriteHeaderBody 用 CRCRLF 连接 heading 与 body 后写出。
func (w *Writer) WriteHeaderBody(header, body []byte) error {
	return w.emit(encodeFrame(w.format, JoinHeaderBody(header, body), nil))
}

// Close 写出零尾（若开启）并释放自有句柄。重复调用是 no-op。
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var werr error
	if w.zeroTail {
		tail := append([]byte("00000000"), w.format.tag()...)
		_, werr = w.w.Write(tail)
	}
	if w.f != nil {
		if cerr := w.f.Close(); werr == nil {
			werr = cerr
		}
	}
	return werr
}

func (w *Writer) emit(frame []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	_, err := w.w.Write(frame)
	return err
}

// Encode 把一条报文编码为单个封装帧（不含 CSN）。
func Encode(f FormatID, msg []byte) []byte {
	return encodeFrame(f, msg, nil)
}

// EncodeCSN 同 Encode，但附加 CSN。
func EncodeCSN(f FormatID, msg []byte, csn int) []byte {
	return encodeFrame(f, msg, &csn)
}

// JoinHeaderBody 用 CRCRLF 连接 heading 与 body。
func JoinHeaderBody(header, body []byte) []byte {
	out := make([]byte, 0, len(header)+3+len(body))
	out = append(out, header...)
	out = append(out, CRCRLF...)
	return append(out, body...)
}

// encodeFrame 构造完整的一帧：8 位长度 + 2 位格式标识 + 封装内容。
// 长度统计的是封装内容（含信封字符与分隔符），不是裸载荷。
func encodeFrame(f FormatID, msg []byte, csn *int) []byte {
	var content []byte
	if f == FormatWMO00 {
		content = append(content, soh)
		content = append(content, CRCRLF...)
		if csn != nil {
			content = append(content, formatCSN(*csn)...)
			content = append(content, CRCRLF...)
		}
		content = append(content, msg...)
		content = append(content, CRCRLF...)
		content = append(content, etx)
	} else {
		content = append(content, CRCRLF...)
		content = append(content, msg...)
	}

	frame := make([]byte, 0, 10+len(content))
	frame = append(frame, zeroPad(len(content), 8)...)
	frame = append(frame, f.tag()...)
	return append(frame, content...)
}

// formatCSN 按历史约定渲染 CSN：>999 用 5 位，否则 3 位，十进制零填充。
func formatCSN(csn int) []byte {
	if csn > 999 {
		return zeroPad(csn, 5)
	}
	return zeroPad(csn, 3)
}

func zeroPad(n, width int) []byte {
	s := strconv.Itoa(n)
	if len(s) >= width {
		return []byte(s)
	}
	out := make([]byte, 0, width)
	for i := len(s); i < width; i++ {
		out = append(out, '0')
	}
	return append(out, s...)
}
