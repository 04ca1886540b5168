package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/legamerdc/gionet/chain"
	"github.com/legamerdc/gionet/iopool"
	"github.com/legamerdc/gionet/protocol"
	"github.com/legamerdc/gionet/stream"
)

type Config struct {
	Network           string        // 默认 "tcp"
	ConnectTimeout    time.Duration // 单个端点的连接超时，0 不限
	HandshakeTimeout  time.Duration // 每个握手步骤的超时，0 不限
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxPayload        int
	CompressThreshold int
	Reconnect         bool
	ReconnectMin      time.Duration // 首次重连间隔
	ReconnectMax      time.Duration // 重连间隔上限
}

func DefaultConfig() Config {
	return Config{
		Network:           "tcp",
		ConnectTimeout:    5 * time.Second,
		MaxPayload:        protocol.DefaultMaxPayload,
		CompressThreshold: protocol.DefaultCompressThreshold,
		ReconnectMin:      500 * time.Millisecond,
		ReconnectMax:      30 * time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = def.ReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
}

// HandlerFuncs 用函数实现 Handler，未设置的回调忽略
type HandlerFuncs struct {
	Connect func(c *Client, err error)
	Message func(c *Client, api uint16, msg []byte)
	Close   func(c *Client, err error)
}

func (f HandlerFuncs) OnConnect(c *Client, err error) {
	if f.Connect != nil {
		f.Connect(c, err)
	}
}

func (f HandlerFuncs) OnMessage(c *Client, api uint16, msg []byte) {
	if f.Message != nil {
		f.Message(c, api, msg)
	}
}

func (f HandlerFuncs) OnClose(c *Client, err error) {
	if f.Close != nil {
		f.Close(c, err)
	}
}

type options struct {
	pool        iopool.Pool
	logger      *zap.Logger
	reg         prometheus.Registerer
	resolver    chain.Resolver
	dialer      chain.Dialer
	handshakers []chain.Handshaker
	cipher      stream.Cipher
}

type Option func(*options)

// WithPool 在调用方的 pool 上运行，Client 不负责其启停
func WithPool(p iopool.Pool) Option {
	return func(o *options) { o.pool = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

func WithResolver(r chain.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithDialer(d chain.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHandshakers 追加连接建立后依次执行的握手步骤
func WithHandshakers(hs ...chain.Handshaker) Option {
	return func(o *options) { o.handshakers = append(o.handshakers, hs...) }
}

func WithCipher(c stream.Cipher) Option {
	return func(o *options) { o.cipher = c }
}
