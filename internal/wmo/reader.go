package wmo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnexpectedEOF 表示封装流在一条报文中途截断。
var ErrUnexpectedEOF = errors.New("wmo: 流意外结束")

// ErrReaderClosed 表示在 Close 之后继续调用 Next/ReadAll。
var ErrReaderClosed = errors.New("wmo: Reader 已关闭")

// PreambleError 表示 preamble 不是合法的 10 位 ASCII 数字。
// Raw 保留原始字节、Offset 是 preamble 在流中的起始偏移，便于定位损坏位置。
type PreambleError struct {
	Raw    []byte
	Offset int64
}

func (e *PreambleError) Error() string {
	return fmt.Sprintf("非法 WMO preamble %q（偏移 %d）", e.Raw, e.Offset)
}

// IsPreambleError 判断 err 是否为 preamble 损坏。
func IsPreambleError(err error) bool {
	var e *PreambleError
	return errors.As(err, &e)
}

// Reader 按 WMO 封装格式解码一个字节流，逐条产出报文载荷。
//
// 约束：
// - 解码是单遍、由流位置驱动的：一条报文被消费后无法回退重读
// - 整个流的格式标识取自第一条 preamble；后续报文的标识不再比对
// - strict 模式要求流以零尾哨兵收尾，缺失即视为截断
type Reader struct {
	br     *bufio.Reader
	f      *os.File // 仅 Open 创建的句柄归 Reader 关；外部传入的 io.Reader 不关
	strict bool
	off    int64

	format    FormatID
	formatSet bool

	closed bool
	err    error // 首个致命错误或 io.EOF；之后 Next 恒返回它
}

// NewReader 包装一个已就位的字节流。strict 指定是否要求零尾哨兵。
func NewReader(r io.Reader, strict bool) *Reader {
	return &Reader{br: bufio.NewReader(r), strict: strict}
}

// Open 打开封装文件并返回拥有该句柄的 Reader（Close 时一并关闭）。
func Open(path string, strict bool) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f, strict)
	r.f = f
	return r, nil
}

// FormatID 返回流的格式标识。在成功解码第一条 preamble 之前 ok 为 false。
func (r *Reader) FormatID() (FormatID, bool) {
	return r.format, r.formatSet
}

// Next 返回下一条报文载荷。流正常结束（零尾或宽松模式下的 EOF）返回 io.EOF。
func (r *Reader) Next() ([]byte, error) {
	if r.closed {
		return nil, ErrReaderClosed
	}
	if r.err != nil {
		return nil, r.err
	}

	size, err := r.readSize()
	if err != nil {
		r.err = err
		return nil, err
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		// 载荷截断与 strict 与否无关，一律致命。
		r.err = ErrUnexpectedEOF
		return nil, r.err
	}
	r.off += int64(size)
	return payload, nil
}

// ReadAll 把剩余报文全部读出。遇到致命错误时返回已成功解码的部分和该错误。
func (r *Reader) ReadAll() ([][]byte, error) {
	var msgs [][]byte
	for {
		msg, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return msgs, nil
			}
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

// Close 释放 Open 打开的文件句柄；可重复调用。
// 外部传入的 io.Reader 永远不会被关闭。
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}

// readSize 解析下一条 preamble，返回去掉紧随分隔符后的载荷长度。
// 返回 io.EOF 表示流正常结束（零尾，或宽松模式下 preamble 读不满 10 字节）。
func (r *Reader) readSize() (int, error) {
	buf := make([]byte, 10)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if r.strict {
				return 0, ErrUnexpectedEOF
			}
			return 0, io.EOF
		}
		return 0, err
	}
	start := r.off
	r.off += 10

	size, okSize := parseDigits(buf[:8])
	fid, okFID := parseDigits(buf[8:])
	if !okSize || !okFID {
		return 0, &PreambleError{Raw: buf, Offset: start}
	}
	if !r.formatSet {
		r.format = FormatID(fid)
		r.formatSet = true
	}
	if size == 0 {
		// 零尾哨兵：无论 strict 与否都是正常结束。
		return 0, io.EOF
	}

	// preamble 之后若紧跟 CRCRLF，则它计入声明长度但不属于载荷。
	if p, _ := r.br.Peek(3); len(p) == 3 && string(p) == CRCRLF {
		_, _ = r.br.Discard(3)
		r.off += 3
		size -= 3
	}
	if size < 0 {
		// 声明长度连分隔符都装不下：framing 已不自洽。
		return 0, ErrUnexpectedEOF
	}
	return size, nil
}
