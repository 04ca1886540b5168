package server

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/legamerdc/gionet/iopool"
	"github.com/legamerdc/gionet/stream"
)

type Cipher = stream.Cipher

// Handler 接收会话通知，回调在会话所属 unit 上执行
type Handler[C Cipher] interface {
	OnOpen(c *Session[C])
	OnMessage(c *Session[C], api uint16, msg []byte)
	OnClose(c *Session[C], err error)
}

// AcceptFilter 可选：返回 false 拒绝连接，在 acceptor unit 上执行
type AcceptFilter interface {
	OnAccept(conn net.Conn) bool
}

// Lifecycle 可选：服务启停通知，在 acceptor unit 上执行
type Lifecycle interface {
	OnStart(addr net.Addr)
	OnStop()
}

type Config[C Cipher] struct {
	Network           string        // 默认 "tcp"
	ReuseAddr         bool          // SO_REUSEADDR
	ReusePort         bool          // SO_REUSEPORT
	RecvBuf           int           // 监听 socket 的 SO_RCVBUF，0 用系统默认，accept 的连接继承
	SendBuf           int           // SO_SNDBUF，同上
	AcceptRetry       time.Duration // accept 失败后的重试间隔
	IdleTimeout       time.Duration // 会话空闲超时，0 不检测
	WriteTimeout      time.Duration
	MaxPayload        int
	CompressThreshold int
	NewCipher         func() C // 每个会话的 Cipher 构造，nil 表示不加密
}

func DefaultConfig[C Cipher]() Config[C] {
	return Config[C]{
		Network:           "tcp",
		ReuseAddr:         true,
		AcceptRetry:       time.Second,
		MaxPayload:        4 << 20,
		CompressThreshold: 1024,
	}
}

type options struct {
	pool        iopool.Pool
	concurrency int
	logger      *zap.Logger
	reg         prometheus.Registerer
}

type Option func(*options)

// WithPool 使用调用方的 pool，Server 不负责其启停
func WithPool(p iopool.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithConcurrency 自有 pool 的 unit 数
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}
