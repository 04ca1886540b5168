// Package stream 是客户端与服务端会话共用的连接核心。
//
// 一个 Stream 固定在一个 unit 上，拥有一个事件队列：连接、发送、断开都作为队列项串行执行，
// 读循环在独立 goroutine 中解析帧并把消息投递回 unit。
package stream

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legamerdc/gionet/chain"
	"github.com/legamerdc/gionet/eventq"
	"github.com/legamerdc/gionet/internal/lasterr"
	"github.com/legamerdc/gionet/iopool"
	"github.com/legamerdc/gionet/protocol"
)

const defaultReadBuffer = 64 << 10

type Stream struct {
	id      uuid.UUID
	unit    *iopool.Unit
	queue   *eventq.Queue
	handler Handler
	state   chain.AtomicState
	enc     *protocol.Encoder
	prs     *protocol.Parser
	o       options
	logger  *zap.Logger
	lastErr lasterr.Slot

	mu     sync.Mutex
	cancel context.CancelFunc // 进行中的连接链
	remote net.Addr

	value    atomic.Pointer[any]
	lastRecv atomic.Int64

	// 以下只在 unit 上访问
	conn      net.Conn
	idleTimer *time.Timer
}

// New 创建绑定到 unit 的流，h 为 nil 时忽略所有通知
func New(unit *iopool.Unit, h Handler, opts ...Option) *Stream {
	o := options{readBuffer: defaultReadBuffer}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.readBuffer <= 0 {
		o.readBuffer = defaultReadBuffer
	}
	if h == nil {
		h = HandlerFuncs{}
	}
	id := uuid.New()
	logger := o.logger.With(zap.String("conn", id.String()))
	return &Stream{
		id:      id,
		unit:    unit,
		queue:   eventq.New(unit, append([]eventq.Option{eventq.WithLogger(logger)}, o.queue...)...),
		handler: h,
		enc:     protocol.NewEncoder(o.protocol...),
		prs:     protocol.NewParser(o.protocol...),
		o:       o,
		logger:  logger,
	}
}

func (s *Stream) ID() uuid.UUID { return s.id }

func (s *Stream) Unit() *iopool.Unit { return s.unit }

func (s *Stream) Queue() *eventq.Queue { return s.queue }

func (s *Stream) State() chain.State { return s.state.Load() }

func (s *Stream) LastError() error { return s.lastErr.Load() }

// RemoteAddr 返回最近一次连接的对端地址
func (s *Stream) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Value 返回 SetValue 设置的用户数据
func (s *Stream) Value() any {
	if p := s.value.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Stream) SetValue(v any) { s.value.Store(&v) }

// Connect 经由事件队列执行连接链。结果通过 Handler.OnConnect 恰好通知一次。
// 已在连接或已连接时返回 ErrAlreadyStarted。
func (s *Stream) Connect(ctx context.Context, host, port string, opts ...chain.Option) error {
	if !s.state.CompareAndSwap(chain.Stopped, chain.Starting) {
		return s.lastErr.Set(ErrAlreadyStarted)
	}
	s.lastErr.Clear()
	ctx, cancel := context.WithCancel(ctx)
	s.setCancel(cancel)
	if s.state.Is(chain.Stopping) {
		// Stop 已先于 setCancel 取走了空的 cancel
		cancel()
	}
	c := chain.NewConnector(s.unit, append([]chain.Option{chain.WithLogger(s.logger)}, opts...)...)
	s.queue.Push(func(g *eventq.Guard) {
		c.Connect(ctx, host, port, g, func(r chain.Result, _ *eventq.Guard) {
			s.established(r.Conn, r.Err)
		})
	})
	return nil
}

// Accept 接管已建立的连接（服务端会话）
func (s *Stream) Accept(conn net.Conn) error {
	if !s.state.CompareAndSwap(chain.Stopped, chain.Starting) {
		return s.lastErr.Set(ErrAlreadyStarted)
	}
	s.lastErr.Clear()
	s.queue.Push(func(*eventq.Guard) { s.established(conn, nil) })
	return nil
}

// Send 编码消息并排入队列，前一次写完成之前不会开始下一次。
// 连接建立之前调用的 Send 排在连接之后。
func (s *Stream) Send(api uint16, msg []byte) error {
	if !s.sendable() {
		return s.lastErr.Set(ErrClosed)
	}
	if s.o.cipher != nil {
		msg = append([]byte(nil), msg...)
		s.o.cipher.EncryptInPlace(msg)
	}
	frame, err := s.enc.EncodeSingle(api, msg)
	if err != nil {
		return s.lastErr.Set(err)
	}
	s.queue.Push(func(g *eventq.Guard) { s.write(frame, g) })
	return nil
}

// SendBatch 把多条消息合并为一个批量帧发送
func (s *Stream) SendBatch(items []protocol.BatchItem) error {
	if !s.sendable() {
		return s.lastErr.Set(ErrClosed)
	}
	if s.o.cipher != nil {
		enc := make([]protocol.BatchItem, len(items))
		for i, it := range items {
			p := append([]byte(nil), it.Payload...)
			s.o.cipher.EncryptInPlace(p)
			enc[i] = protocol.BatchItem{API: it.API, Payload: p}
		}
		items = enc
	}
	frame, err := s.enc.EncodeBatch(items)
	if err != nil {
		return s.lastErr.Set(err)
	}
	s.queue.Push(func(g *eventq.Guard) { s.write(frame, g) })
	return nil
}

// Stop 关闭连接并等待拆除完成；在所属 unit 上调用时只发起关闭、不等待。
// 已排队的发送会先完成。进行中的连接链被取消，OnConnect 收到错误。
func (s *Stream) Stop() error {
	for {
		st := s.state.Load()
		if st == chain.Stopped {
			return s.lastErr.Set(ErrNotStarted)
		}
		if st == chain.Stopping || s.state.CompareAndSwap(st, chain.Stopping) {
			break
		}
	}
	if cancel := s.takeCancel(); cancel != nil {
		cancel()
	}
	if s.unit.RunningInThisThread() {
		s.queue.Push(s.stopEvent(nil))
		return nil
	}
	done := make(chan struct{})
	s.queue.Push(s.stopEvent(done))
	<-done
	return nil
}

func (s *Stream) sendable() bool {
	st := s.state.Load()
	return st == chain.Starting || st == chain.Started
}

func (s *Stream) setCancel(c context.CancelFunc) {
	s.mu.Lock()
	s.cancel = c
	s.mu.Unlock()
}

func (s *Stream) takeCancel() context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cancel
	s.cancel = nil
	return c
}

func (s *Stream) stopEvent(done chan struct{}) eventq.Event {
	return func(*eventq.Guard) {
		s.teardown(nil)
		s.state.CompareAndSwap(chain.Stopping, chain.Stopped)
		if done != nil {
			close(done)
		}
	}
}

// 以下方法只在 unit 上执行

func (s *Stream) established(conn net.Conn, err error) {
	if cancel := s.takeCancel(); cancel != nil {
		cancel()
	}
	if err != nil {
		s.lastErr.Set(err)
		// Stopping 由 stop 事件复位
		s.state.CompareAndSwap(chain.Starting, chain.Stopped)
		s.logger.Debug("stream: connect failed", zap.Error(err))
		s.handler.OnConnect(s, err)
		return
	}
	if !s.state.CompareAndSwap(chain.Starting, chain.Started) {
		_ = conn.Close()
		s.handler.OnConnect(s, s.lastErr.Set(ErrClosed))
		return
	}
	s.conn = conn
	s.mu.Lock()
	s.remote = conn.RemoteAddr()
	s.mu.Unlock()
	s.lastRecv.Store(time.Now().UnixNano())
	s.armIdle(conn, s.o.idleTimeout)
	go s.readLoop(conn)
	s.logger.Debug("stream: connected", zap.Stringer("remote", conn.RemoteAddr()))
	s.handler.OnConnect(s, nil)
}

func (s *Stream) write(frame []byte, g *eventq.Guard) {
	conn := s.conn
	if conn == nil {
		// 保留导致连接不可用的原始错误
		s.lastErr.SetIfNil(ErrClosed)
		return
	}
	ng := g.Move()
	timeout := s.o.writeTimeout
	go func() {
		defer ng.Release()
		if timeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		if _, err := conn.Write(frame); err != nil {
			s.queue.Post(func(*eventq.Guard) { s.closeWith(conn, err) })
		}
	}()
}

func (s *Stream) closeWith(conn net.Conn, cause error) {
	if s.conn != conn {
		return
	}
	s.teardown(cause)
}

// teardown 关闭当前连接并通知 OnDisconnect，连接已拆除时无操作
func (s *Stream) teardown(cause error) {
	conn := s.conn
	if conn == nil {
		return
	}
	s.conn = nil
	_ = conn.Close()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if cause != nil {
		s.lastErr.Set(cause)
	}
	s.state.CompareAndSwap(chain.Started, chain.Stopped)
	s.logger.Debug("stream: disconnected", zap.Error(cause))
	s.handler.OnDisconnect(s, cause)
}

func (s *Stream) armIdle(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	s.idleTimer = s.unit.AfterFunc(d, func() { s.checkIdle(conn) })
}

func (s *Stream) checkIdle(conn net.Conn) {
	if s.conn != conn {
		return
	}
	idle := time.Since(time.Unix(0, s.lastRecv.Load()))
	if remain := s.o.idleTimeout - idle; remain > 0 {
		s.armIdle(conn, remain)
		return
	}
	s.idleTimer = nil
	// 关闭即取消，读循环随后退出
	_ = conn.Close()
	s.queue.Push(func(*eventq.Guard) { s.closeWith(conn, ErrIdleTimeout) })
}

type message struct {
	api uint16
	msg []byte
}

func (s *Stream) readLoop(conn net.Conn) {
	rb := make([]byte, s.o.readBuffer)
	var acc []byte
	cipher := s.o.cipher
	for {
		n, err := conn.Read(rb)
		if n > 0 {
			s.lastRecv.Store(time.Now().UnixNano())
			acc = append(acc, rb[:n]...)
			var msgs []message
			consumed, perr := s.prs.Parse(acc, func(api uint16, payload []byte) error {
				p := append([]byte(nil), payload...)
				if cipher != nil {
					cipher.DecryptInPlace(p)
				}
				msgs = append(msgs, message{api, p})
				return nil
			})
			acc = acc[:copy(acc, acc[consumed:])]
			if len(msgs) > 0 {
				s.unit.Post(func() { s.deliver(conn, msgs) })
			}
			if perr != nil {
				s.logger.Warn("stream: bad frame", zap.Error(perr))
				err = perr
			}
		}
		if err != nil {
			s.queue.Post(func(*eventq.Guard) { s.closeWith(conn, err) })
			return
		}
	}
}

func (s *Stream) deliver(conn net.Conn, msgs []message) {
	for _, m := range msgs {
		if s.conn != conn {
			return
		}
		s.handler.OnRecv(s, m.api, m.msg)
	}
}
