// Package client 是单连接客户端：固定在一个 unit 上，经由连接链建立连接，可选断线重连。
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/legamerdc/gionet/chain"
	"github.com/legamerdc/gionet/eventq"
	"github.com/legamerdc/gionet/internal/lasterr"
	"github.com/legamerdc/gionet/iopool"
	"github.com/legamerdc/gionet/protocol"
	"github.com/legamerdc/gionet/stream"
)

var (
	// ErrAlreadyStarted 重复 Start；不是失败
	ErrAlreadyStarted = errors.New("client: already started")

	// ErrNotStarted 对未运行的客户端调用 Stop；不是失败
	ErrNotStarted = errors.New("client: not started")
)

// Handler 接收客户端通知，回调在客户端所属 unit 上执行。
//
// 每次连接尝试恰好调用一次 OnConnect；只有连接成功后才会有 OnClose。
type Handler interface {
	OnConnect(c *Client, err error)
	OnMessage(c *Client, api uint16, msg []byte)
	OnClose(c *Client, err error)
}

type Client struct {
	cfg     Config
	h       Handler
	pool    iopool.Pool
	ownPool bool
	unit    *iopool.Unit
	st      *stream.Stream
	chain   []chain.Option
	logger  *zap.Logger
	lastErr lasterr.Slot
	running atomic.Bool // 运行中且允许重连

	mu   sync.Mutex
	ctx  context.Context
	host string
	port string

	// 以下只在 unit 上访问
	retry      *backoff.ExponentialBackOff
	retryTimer *time.Timer
	attempts   int
}

func New(cfg Config, h Handler, opts ...Option) *Client {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	cfg.setDefaults()

	c := &Client{
		cfg:    cfg,
		h:      h,
		pool:   o.pool,
		logger: o.logger,
	}
	if c.pool == nil {
		poolOpts := []iopool.Option{iopool.WithLogger(o.logger)}
		if o.reg != nil {
			poolOpts = append(poolOpts, iopool.WithRegisterer(o.reg))
		}
		c.pool = iopool.New(1, poolOpts...)
		c.ownPool = true
	}
	c.unit = c.pool.Get(iopool.Next)

	c.retry = backoff.NewExponentialBackOff()
	c.retry.InitialInterval = cfg.ReconnectMin
	c.retry.MaxInterval = cfg.ReconnectMax
	c.retry.Reset()

	c.chain = []chain.Option{
		chain.WithConnectTimeout(cfg.ConnectTimeout),
		chain.WithHandshakeTimeout(cfg.HandshakeTimeout),
	}
	if cfg.Network != "" {
		c.chain = append(c.chain, chain.WithNetwork(cfg.Network))
	}
	if o.resolver != nil {
		c.chain = append(c.chain, chain.WithResolver(o.resolver))
	}
	if o.dialer != nil {
		c.chain = append(c.chain, chain.WithDialer(o.dialer))
	}
	if len(o.handshakers) > 0 {
		c.chain = append(c.chain, chain.WithHandshakers(o.handshakers...))
	}

	sopts := []stream.Option{
		stream.WithLogger(o.logger),
		stream.WithIdleTimeout(cfg.IdleTimeout),
		stream.WithWriteTimeout(cfg.WriteTimeout),
		stream.WithProtocol(
			protocol.WithMaxPayload(cfg.MaxPayload),
			protocol.WithCompressThreshold(cfg.CompressThreshold),
		),
	}
	if o.reg != nil {
		sopts = append(sopts, stream.WithQueueOptions(eventq.WithRegisterer(o.reg)))
	}
	if o.cipher != nil {
		sopts = append(sopts, stream.WithCipher(o.cipher))
	}
	c.st = stream.New(c.unit, streamHandler{c}, sopts...)
	return c
}

func (c *Client) Unit() *iopool.Unit { return c.unit }

func (c *Client) Stream() *stream.Stream { return c.st }

func (c *Client) State() chain.State { return c.st.State() }

func (c *Client) LastError() error { return c.lastErr.Load() }

// Start 开始连接 host:port，结果由 Handler.OnConnect 通知。
// 开启重连时，连接失败或断开后按指数退避再次连接，直到 Stop。
func (c *Client) Start(ctx context.Context, host, port string) error {
	if !c.running.CompareAndSwap(false, true) {
		return c.lastErr.Set(ErrAlreadyStarted)
	}
	c.lastErr.Clear()
	if c.ownPool {
		if err := c.pool.Start(); !iopool.IsBenign(err) {
			c.running.Store(false)
			return c.lastErr.Set(err)
		}
	}
	c.mu.Lock()
	c.ctx, c.host, c.port = ctx, host, port
	c.mu.Unlock()
	if err := c.connect(); err != nil {
		c.running.Store(false)
		return err
	}
	return nil
}

// Write 发送一条消息；连接建立之前调用的 Write 排在连接之后
func (c *Client) Write(api uint16, msg []byte) error {
	if err := c.st.Send(api, msg); err != nil {
		return c.lastErr.Set(err)
	}
	return nil
}

// WriteBatch 把多条消息合并为一帧发送
func (c *Client) WriteBatch(items []protocol.BatchItem) error {
	if err := c.st.SendBatch(items); err != nil {
		return c.lastErr.Set(err)
	}
	return nil
}

// Stop 关闭连接并停止重连；在所属 unit 上调用时不等待
func (c *Client) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return c.lastErr.Set(ErrNotStarted)
	}
	// 与重连回调在 unit 上串行：回调要么看到 running 为 false，要么已发起连接并由下面的 st.Stop 取消
	if c.unit.RunningInThisThread() {
		c.cancelRetry()
	} else {
		done := make(chan struct{})
		c.unit.Post(func() {
			c.cancelRetry()
			close(done)
		})
		<-done
	}
	// 重连间隙中流已停止
	if err := c.st.Stop(); err != nil && !errors.Is(err, stream.ErrNotStarted) {
		return c.lastErr.Set(err)
	}
	return nil
}

// Close 停止客户端，并停止自有的 pool。不能在 pool 的 goroutine 上调用。
func (c *Client) Close() error {
	if c.pool.RunningInThreads() {
		return c.lastErr.Set(iopool.ErrStopInPoolThread)
	}
	if err := c.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}
	if c.ownPool {
		if err := c.pool.Stop(); !iopool.IsBenign(err) {
			return c.lastErr.Set(err)
		}
	}
	return nil
}

func (c *Client) connect() error {
	c.mu.Lock()
	ctx, host, port := c.ctx, c.host, c.port
	c.mu.Unlock()
	if err := c.st.Connect(ctx, host, port, c.chain...); err != nil {
		return c.lastErr.Set(err)
	}
	return nil
}

// 以下在 unit 上执行

func (c *Client) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) scheduleReconnect() {
	if !c.cfg.Reconnect {
		// 不重连时回到未运行状态，允许再次 Start
		c.running.Store(false)
		return
	}
	if !c.running.Load() || c.retryTimer != nil {
		return
	}
	d := c.retry.NextBackOff()
	if d == backoff.Stop {
		c.logger.Warn("client: reconnect given up", zap.Int("attempts", c.attempts))
		c.running.Store(false)
		return
	}
	c.attempts++
	c.logger.Info("client: reconnecting", zap.Duration("after", d), zap.Int("attempt", c.attempts))
	var timer *time.Timer
	timer = c.unit.AfterFunc(d, func() {
		// 已被 cancelRetry 取消的计时器可能已投递了回调
		if c.retryTimer != timer {
			return
		}
		c.retryTimer = nil
		if !c.running.Load() {
			return
		}
		if err := c.connect(); err != nil {
			c.logger.Warn("client: reconnect failed", zap.Error(err))
		}
	})
	c.retryTimer = timer
}

type streamHandler struct {
	c *Client
}

func (h streamHandler) OnConnect(_ *stream.Stream, err error) {
	c := h.c
	if err != nil {
		c.lastErr.Set(err)
		c.h.OnConnect(c, err)
		c.scheduleReconnect()
		return
	}
	c.retry.Reset()
	c.attempts = 0
	c.h.OnConnect(c, nil)
}

func (h streamHandler) OnRecv(_ *stream.Stream, api uint16, msg []byte) {
	h.c.h.OnMessage(h.c, api, msg)
}

func (h streamHandler) OnDisconnect(_ *stream.Stream, err error) {
	c := h.c
	if err != nil {
		c.lastErr.Set(err)
	}
	c.h.OnClose(c, err)
	c.scheduleReconnect()
}
