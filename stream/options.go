package stream

import (
	"time"

	"go.uber.org/zap"

	"github.com/legamerdc/gionet/eventq"
	"github.com/legamerdc/gionet/protocol"
)

type options struct {
	cipher       Cipher
	idleTimeout  time.Duration
	writeTimeout time.Duration
	readBuffer   int
	protocol     []protocol.Option
	queue        []eventq.Option
	logger       *zap.Logger
}

type Option func(*options)

func WithCipher(c Cipher) Option {
	return func(o *options) { o.cipher = c }
}

// WithIdleTimeout 超过 d 未收到任何数据时关闭连接，0 表示不检测
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithWriteTimeout 单次写的超时，0 表示不限
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithReadBuffer 单次读的缓冲大小，默认 64KiB
func WithReadBuffer(n int) Option {
	return func(o *options) { o.readBuffer = n }
}

// WithProtocol 传给编码器与解析器的选项
func WithProtocol(opts ...protocol.Option) Option {
	return func(o *options) { o.protocol = append(o.protocol, opts...) }
}

// WithQueueOptions 传给事件队列的选项
func WithQueueOptions(opts ...eventq.Option) Option {
	return func(o *options) { o.queue = append(o.queue, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}
