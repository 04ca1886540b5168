package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/legamerdc/gionet/chain"
	"github.com/legamerdc/gionet/eventq"
	"github.com/legamerdc/gionet/internal/arena"
	"github.com/legamerdc/gionet/internal/lasterr"
	"github.com/legamerdc/gionet/internal/metrics"
	"github.com/legamerdc/gionet/internal/netutil"
	"github.com/legamerdc/gionet/iopool"
	"github.com/legamerdc/gionet/protocol"
	"github.com/legamerdc/gionet/stream"
)

var (
	// ErrAlreadyStarted 重复 Start；不是失败
	ErrAlreadyStarted = errors.New("server: already started")

	// ErrNotStarted 对未运行的服务调用 Stop；不是失败
	ErrNotStarted = errors.New("server: not started")
)

// Server 在 pool 的第 0 个 unit 上接受连接，会话轮转分配到各 unit。
type Server[C Cipher] struct {
	cfg      Config[C]
	h        Handler[C]
	pool     iopool.Pool
	ownPool  bool
	acceptor *iopool.Unit
	state    chain.AtomicState
	sessions *arena.Arena[*Session[C]]
	logger   *zap.Logger
	metrics  *metrics.Metrics
	queue    []eventq.Option // 会话队列的选项
	lastErr  lasterr.Slot

	mu sync.Mutex
	ln net.Listener

	// 以下只在 acceptor unit 上访问
	retry      backoff.BackOff
	retryTimer *time.Timer
}

func New[C Cipher](cfg Config[C], h Handler[C], opts ...Option) *Server[C] {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	def := DefaultConfig[C]()
	if cfg.Network == "" {
		cfg.Network = def.Network
	}
	if cfg.AcceptRetry <= 0 {
		cfg.AcceptRetry = def.AcceptRetry
	}
	s := &Server[C]{
		cfg:      cfg,
		h:        h,
		pool:     o.pool,
		sessions: arena.New[*Session[C]](),
		logger:   o.logger,
		retry:    backoff.NewConstantBackOff(cfg.AcceptRetry),
	}
	if o.reg != nil {
		m, err := metrics.New(o.reg, "")
		if err != nil {
			o.logger.Warn("server: metrics disabled", zap.Error(err))
		}
		s.metrics = m
		s.queue = append(s.queue, eventq.WithRegisterer(o.reg))
	}
	if s.pool == nil {
		poolOpts := []iopool.Option{iopool.WithLogger(o.logger)}
		if o.reg != nil {
			poolOpts = append(poolOpts, iopool.WithRegisterer(o.reg))
		}
		s.pool = iopool.New(o.concurrency, poolOpts...)
		s.ownPool = true
	}
	s.acceptor = s.pool.Get(0)
	return s
}

func (s *Server[C]) Pool() iopool.Pool { return s.pool }

func (s *Server[C]) LastError() error { return s.lastErr.Load() }

// Addr 返回监听地址，未运行时为 nil
func (s *Server[C]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start 在 addr 上监听并开始接受连接
func (s *Server[C]) Start(addr string) error {
	if !s.state.CompareAndSwap(chain.Stopped, chain.Starting) {
		return s.lastErr.Set(ErrAlreadyStarted)
	}
	s.lastErr.Clear()
	lc := net.ListenConfig{Control: netutil.SocketOptions{
		ReuseAddr: s.cfg.ReuseAddr,
		ReusePort: s.cfg.ReusePort,
		RecvBuf:   s.cfg.RecvBuf,
		SendBuf:   s.cfg.SendBuf,
	}.Control()}
	ln, err := lc.Listen(context.Background(), s.cfg.Network, addr)
	if err != nil {
		s.state.Store(chain.Stopped)
		return s.lastErr.Set(err)
	}
	return s.serve(ln)
}

// Serve 在已有的 listener 上接受连接，Stop 时关闭它
func (s *Server[C]) Serve(ln net.Listener) error {
	if !s.state.CompareAndSwap(chain.Stopped, chain.Starting) {
		return s.lastErr.Set(ErrAlreadyStarted)
	}
	s.lastErr.Clear()
	return s.serve(ln)
}

func (s *Server[C]) serve(ln net.Listener) error {
	if s.ownPool {
		if err := s.pool.Start(); !iopool.IsBenign(err) {
			_ = ln.Close()
			s.state.Store(chain.Stopped)
			return s.lastErr.Set(err)
		}
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.state.Store(chain.Started)
	s.logger.Info("server: listening", zap.Stringer("addr", ln.Addr()))
	s.acceptor.Post(func() {
		if lc, ok := s.h.(Lifecycle); ok {
			lc.OnStart(ln.Addr())
		}
		s.accept(ln)
	})
	return nil
}

// Stop 关闭监听，停止所有会话并等待其拆除完成。不能在 pool 的 goroutine 上调用。
func (s *Server[C]) Stop() error {
	if s.pool.RunningInThreads() {
		return s.lastErr.Set(iopool.ErrStopInPoolThread)
	}
	if !s.state.CompareAndSwap(chain.Started, chain.Stopping) {
		return s.lastErr.Set(ErrNotStarted)
	}
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	_ = ln.Close()

	stopped := make(chan struct{})
	s.acceptor.Post(func() {
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
		}
		if lc, ok := s.h.(Lifecycle); ok {
			lc.OnStop()
		}
		close(stopped)
	})
	<-stopped

	s.sessions.Range(func(h arena.Handle, _ *Session[C]) bool {
		if c, ok := s.sessions.Acquire(h); ok {
			_ = c.Close()
			s.sessions.Release(h)
		}
		return true
	})

	var err error
	if s.ownPool {
		if err = s.pool.Stop(); iopool.IsBenign(err) {
			err = nil
		}
	}
	s.state.Store(chain.Stopped)
	s.logger.Info("server: stopped")
	if err != nil {
		return s.lastErr.Set(err)
	}
	return nil
}

// Sessions 返回当前会话数
func (s *Server[C]) Sessions() int { return s.sessions.Len() }

// Session 按 ID 查找会话
func (s *Server[C]) Session(id uint64) (*Session[C], bool) {
	return s.sessions.Get(arena.FromID(id))
}

// Broadcast 向所有会话发送同一条消息，返回成功排队的会话数
func (s *Server[C]) Broadcast(api uint16, msg []byte) int {
	n := 0
	s.sessions.Range(func(h arena.Handle, _ *Session[C]) bool {
		c, ok := s.sessions.Acquire(h)
		if !ok {
			return true
		}
		if c.Write(msg, api) == nil {
			n++
		}
		s.sessions.Release(h)
		return true
	})
	return n
}

// 以下在 acceptor unit 上执行

func (s *Server[C]) listening(ln net.Listener) bool {
	if !s.state.Is(chain.Started) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln == ln
}

// accept 发起一次异步 accept，结果回到 acceptor unit
func (s *Server[C]) accept(ln net.Listener) {
	if !s.listening(ln) {
		return
	}
	go func() {
		conn, err := ln.Accept()
		s.acceptor.Post(func() { s.onAccept(ln, conn, err) })
	}()
}

func (s *Server[C]) onAccept(ln net.Listener, conn net.Conn, err error) {
	if !s.listening(ln) {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		// 单次失败不停止 acceptor，固定间隔后重试
		d := s.retry.NextBackOff()
		s.metrics.AcceptRetried()
		s.logger.Warn("server: accept failed",
			zap.Error(err),
			zap.Bool("exhausted", netutil.IsResourceExhausted(err)),
			zap.Duration("retry", d),
		)
		s.retryTimer = s.acceptor.AfterFunc(d, func() {
			s.retryTimer = nil
			s.accept(ln)
		})
		return
	}
	if f, ok := s.h.(AcceptFilter); ok && !f.OnAccept(conn) {
		_ = conn.Close()
		s.accept(ln)
		return
	}
	s.open(conn)
	s.accept(ln)
}

func (s *Server[C]) open(conn net.Conn) {
	if sc, ok := conn.(*net.TCPConn); ok {
		_ = netutil.SetNoDelay(sc, true)
	}
	c := &Session[C]{srv: s}
	opts := []stream.Option{
		stream.WithLogger(s.logger),
		stream.WithIdleTimeout(s.cfg.IdleTimeout),
		stream.WithWriteTimeout(s.cfg.WriteTimeout),
		stream.WithProtocol(
			protocol.WithMaxPayload(s.cfg.MaxPayload),
			protocol.WithCompressThreshold(s.cfg.CompressThreshold),
		),
		stream.WithQueueOptions(s.queue...),
	}
	if s.cfg.NewCipher != nil {
		c.Data = s.cfg.NewCipher()
		opts = append(opts, stream.WithCipher(c.Data))
	}
	c.st = stream.New(s.pool.Get(iopool.Next), sessionHandler[C]{c}, opts...)
	c.handle = s.sessions.Insert(c, s.released)
	c.st.SetValue(c)
	s.metrics.SessionOpened()
	_ = c.st.Accept(conn)
}

func (s *Server[C]) released(c *Session[C]) {
	s.metrics.SessionClosed()
	s.logger.Debug("server: session released", zap.Uint64("session", c.ID()), zap.Stringer("conn", c.st.ID()))
}
