package protocol

import (
	"encoding/binary"
	"errors"
)

// 帧头：
// 短头 2B（BE）：bit15 压缩，bit14 批量（隐含压缩），bit13 = 0，bit12..0 长度
// 长头 4B（BE）：bit31 压缩，bit30 批量，bit29 = 1，bit28..0 长度
// 非批量帧在头之后跟 2B API，长度不含 API。

const (
	shortMaxLen = 1<<13 - 1
	longMaxLen  = 1<<29 - 1

	flagCompressed = 1 << 15
	flagBatched    = 1 << 14
	flagLong       = 1 << 13
)

var (
	errHeaderTooShort   = errors.New("protocol: header too short")
	errLengthOutOfRange = errors.New("protocol: length out of range")
)

// Header 是解码后的帧头
type Header struct {
	Len        int
	Compressed bool
	Batched    bool
	Size       int // 头本身的字节数
}

// AppendHeader 把帧头追加到 dst。批量帧总是标记为压缩。
func AppendHeader(dst []byte, length int, compressed, batched bool) ([]byte, error) {
	if length < 0 || length > longMaxLen {
		return dst, errLengthOutOfRange
	}
	if batched {
		compressed = true
	}
	var v uint32
	if compressed {
		v |= flagCompressed
	}
	if batched {
		v |= flagBatched
	}
	if length <= shortMaxLen {
		return binary.BigEndian.AppendUint16(dst, uint16(v)|uint16(length)), nil
	}
	v = v<<16 | flagLong<<16 | uint32(length)
	return binary.BigEndian.AppendUint32(dst, v), nil
}

// DecodeHeader 解码 b 开头的帧头
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < 2 {
		return Header{}, errHeaderTooShort
	}
	v16 := binary.BigEndian.Uint16(b)
	h := Header{
		Compressed: v16&flagCompressed != 0,
		Batched:    v16&flagBatched != 0,
	}
	if v16&flagLong == 0 {
		h.Len, h.Size = int(v16&shortMaxLen), 2
		return h, nil
	}
	if len(b) < 4 {
		return Header{}, errHeaderTooShort
	}
	h.Len, h.Size = int(binary.BigEndian.Uint32(b)&longMaxLen), 4
	return h, nil
}
