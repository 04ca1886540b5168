package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge 帧或解压后的消息超过 MaxPayload
var ErrFrameTooLarge = errors.New("protocol: frame too large")

const (
	DefaultMaxPayload        = 4 << 20
	DefaultCompressThreshold = 1024
)

// BatchItem 是批量帧中的一条消息
type BatchItem struct {
	API     uint16
	Payload []byte
}

type options struct {
	maxPayload        int
	compressThreshold int
}

type Option func(*options)

// WithMaxPayload 限制单帧以及解压后消息的大小
func WithMaxPayload(n int) Option {
	return func(o *options) { o.maxPayload = n }
}

// WithCompressThreshold 单帧 payload 不小于 n 时压缩，n <= 0 关闭压缩
func WithCompressThreshold(n int) Option {
	return func(o *options) { o.compressThreshold = n }
}

func resolve(opts []Option) options {
	o := options{maxPayload: DefaultMaxPayload, compressThreshold: DefaultCompressThreshold}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.maxPayload <= 0 || o.maxPayload > longMaxLen {
		o.maxPayload = longMaxLen
	}
	return o
}

// Encoder 编码单帧与批量帧，可并发使用
type Encoder struct {
	o options
}

func NewEncoder(opts ...Option) *Encoder { return &Encoder{o: resolve(opts)} }

// EncodeSingle 返回 头 + API + payload，payload 超过阈值时压缩
func (e *Encoder) EncodeSingle(api uint16, payload []byte) ([]byte, error) {
	if len(payload) > e.o.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	body := payload
	compressed := e.o.compressThreshold > 0 && len(payload) >= e.o.compressThreshold
	if compressed {
		body = compress(nil, payload)
	}
	out, err := AppendHeader(make([]byte, 0, 4+2+len(body)), len(body), compressed, false)
	if err != nil {
		return nil, err
	}
	out = binary.BigEndian.AppendUint16(out, api)
	return append(out, body...), nil
}

// EncodeBatch 把多条消息编码为一帧：uvarint 条数，每条 API(2B) + uvarint 长度 + payload，整体压缩。
func (e *Encoder) EncodeBatch(items []BatchItem) ([]byte, error) {
	var pre bytes.Buffer
	pre.Write(binary.AppendUvarint(nil, uint64(len(items))))
	var scratch [binary.MaxVarintLen64 + 2]byte
	for _, it := range items {
		b := binary.BigEndian.AppendUint16(scratch[:0], it.API)
		b = binary.AppendUvarint(b, uint64(len(it.Payload)))
		pre.Write(b)
		pre.Write(it.Payload)
	}
	if pre.Len() > e.o.maxPayload {
		return nil, fmt.Errorf("%w: batch of %d bytes", ErrFrameTooLarge, pre.Len())
	}
	body := compress(nil, pre.Bytes())
	out, err := AppendHeader(make([]byte, 0, 4+len(body)), len(body), true, true)
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

// Parser 从字节流中切出帧，回调每条消息
type Parser struct {
	o options
}

func NewParser(opts ...Option) *Parser { return &Parser{o: resolve(opts)} }

// Parse 尽可能多地解析完整帧，返回已消费的字节数；不完整的尾部留给下次。
// 回调返回错误时停止解析，payload 只在回调期间有效。
func (p *Parser) Parse(buf []byte, onMessage func(api uint16, payload []byte) error) (int, error) {
	i := 0
	for len(buf)-i >= 2 {
		h, err := DecodeHeader(buf[i:])
		if errors.Is(err, errHeaderTooShort) {
			return i, nil
		}
		if err != nil {
			return i, err
		}
		if h.Len > p.o.maxPayload {
			return i, fmt.Errorf("%w: header says %d bytes", ErrFrameTooLarge, h.Len)
		}
		if h.Batched {
			if len(buf)-i-h.Size < h.Len {
				return i, nil
			}
			body := buf[i+h.Size : i+h.Size+h.Len]
			i += h.Size + h.Len
			if err := p.parseBatch(body, onMessage); err != nil {
				return i, err
			}
			continue
		}
		if len(buf)-i-h.Size < 2+h.Len {
			return i, nil
		}
		api := binary.BigEndian.Uint16(buf[i+h.Size:])
		msg := buf[i+h.Size+2 : i+h.Size+2+h.Len]
		if h.Compressed {
			if msg, err = p.inflate(msg); err != nil {
				return i, err
			}
		}
		if err := onMessage(api, msg); err != nil {
			return i, err
		}
		i += h.Size + 2 + h.Len
	}
	return i, nil
}

func (p *Parser) inflate(b []byte) ([]byte, error) {
	out, err := decompress(b)
	if err != nil {
		return nil, fmt.Errorf("protocol: decompress: %w", err)
	}
	if len(out) > p.o.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes inflated", ErrFrameTooLarge, len(out))
	}
	return out, nil
}

func (p *Parser) parseBatch(body []byte, onMessage func(uint16, []byte) error) error {
	pre, err := p.inflate(body)
	if err != nil {
		return err
	}
	r := bytes.NewReader(pre)
	num, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("protocol: batch count: %w", err)
	}
	for j := uint64(0); j < num; j++ {
		var ab [2]byte
		if _, err := io.ReadFull(r, ab[:]); err != nil {
			return fmt.Errorf("protocol: batch item %d: %w", j, err)
		}
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("protocol: batch item %d: %w", j, err)
		}
		if n > uint64(r.Len()) {
			return fmt.Errorf("protocol: batch item %d: %w", j, io.ErrUnexpectedEOF)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return fmt.Errorf("protocol: batch item %d: %w", j, err)
		}
		if err := onMessage(binary.BigEndian.Uint16(ab[:]), msg); err != nil {
			return err
		}
	}
	return nil
}
