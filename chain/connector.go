package chain

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/legamerdc/gionet/eventq"
	"github.com/legamerdc/gionet/iopool"
)

// Resolver 把 host/port 解析为候选地址列表（"ip:port"）
type Resolver interface {
	Resolve(ctx context.Context, host, port string) ([]string, error)
}

// Dialer 与 net.Dialer 的 DialContext 签名一致
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Handshaker 是建连之后的一步握手（代理协商、加密协商、协议升级……）。
// 超时时 conn 会被关闭，实现只需在读写出错时返回。
type Handshaker func(ctx context.Context, conn net.Conn) error

// NetResolver 使用 net.Resolver 解析
type NetResolver struct {
	R *net.Resolver
}

func (r NetResolver) Resolve(ctx context.Context, host, port string) ([]string, error) {
	res := r.R
	if res == nil {
		res = net.DefaultResolver
	}
	hosts, err := res.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	eps := make([]string, 0, len(hosts))
	for _, h := range hosts {
		eps = append(eps, net.JoinHostPort(h, port))
	}
	return eps, nil
}

// Result 是连接链的最终结果。Err 为 nil 时 Conn 可用。
type Result struct {
	Conn     net.Conn
	Endpoint string
	Err      error
}

// Terminal 在连接链结束时恰好被调用一次，运行在所属 unit 上。
// g 为链开始时传入的 guard；Terminal 返回后若 g 仍有效则被释放，队列推进。
type Terminal func(r Result, g *eventq.Guard)

type options struct {
	resolver         Resolver
	dialer           Dialer
	network          string
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	handshakers      []Handshaker
	logger           *zap.Logger
}

type Option func(*options)

func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithNetwork 默认 "tcp"
func WithNetwork(network string) Option {
	return func(o *options) { o.network = network }
}

// WithConnectTimeout 单个候选地址的连接超时，0 表示不限
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithHandshakeTimeout 每一步握手的超时，0 表示不限
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithHandshakers 按顺序追加握手步骤
func WithHandshakers(hs ...Handshaker) Option {
	return func(o *options) { o.handshakers = append(o.handshakers, hs...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Connector 执行 resolve → 逐个候选地址 dial → 握手 的异步链，
// 各步骤的续体都回到 unit 上执行，所有出口汇聚到同一个 Terminal。
type Connector struct {
	unit *iopool.Unit
	o    options
}

func NewConnector(unit *iopool.Unit, opts ...Option) *Connector {
	o := options{network: "tcp"}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.resolver == nil {
		o.resolver = NetResolver{}
	}
	if o.dialer == nil {
		o.dialer = &net.Dialer{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Connector{unit: unit, o: o}
}

func (c *Connector) Unit() *iopool.Unit { return c.unit }

// Connect 启动连接链。g 的凭证被转移进链中，直到 done 返回后才释放。
// 可以从任意 goroutine 调用，链的每一步都在 unit 上执行。
func (c *Connector) Connect(ctx context.Context, host, port string, g *eventq.Guard, done Terminal) {
	a := &attempt{c: c, ctx: ctx, host: host, port: port, err: ErrAborted}
	d := eventq.NewDefer(func(g *eventq.Guard) {
		r := a.result()
		if done != nil {
			done(r, g)
		} else if r.Conn != nil {
			_ = r.Conn.Close()
		}
	}, g)
	c.unit.Dispatch(func() { a.resolve(d) })
}

// recoverInto 把辅助 goroutine 中用户代码的 panic 转成普通失败，链照常走到 Terminal
func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = &eventq.PanicError{Value: r}
	}
}

// attempt 保存一次连接链的状态，只在 unit 上访问
type attempt struct {
	c         *Connector
	ctx       context.Context
	host      string
	port      string
	endpoints []string
	conn      net.Conn
	endpoint  string
	err       error // 最近一次错误，不在链中途清除
}

func (a *attempt) result() Result {
	if a.err != nil {
		if a.conn != nil {
			_ = a.conn.Close()
		}
		return Result{Err: a.err}
	}
	return Result{Conn: a.conn, Endpoint: a.endpoint}
}

func (a *attempt) aborted() bool {
	if err := a.ctx.Err(); err != nil {
		a.err = fmt.Errorf("%w: %w", ErrAborted, err)
		return true
	}
	return false
}

func (a *attempt) resolve(d *eventq.Defer) {
	defer d.Fire()
	if a.aborted() {
		return
	}
	nd := d.Move()
	go func() {
		var eps []string
		var err error
		func() {
			defer recoverInto(&err)
			eps, err = a.c.o.resolver.Resolve(a.ctx, a.host, a.port)
		}()
		a.c.unit.Post(func() { a.onResolved(eps, err, nd) })
	}()
}

func (a *attempt) onResolved(eps []string, err error, d *eventq.Defer) {
	defer d.Fire()
	if err != nil {
		a.err = fmt.Errorf("%w: resolve %s: %w", ErrHostUnreachable, a.host, err)
		return
	}
	if len(eps) == 0 {
		a.err = fmt.Errorf("%w: no address for %s", ErrHostUnreachable, a.host)
		return
	}
	a.endpoints = eps
	a.dial(0, d.Move())
}

func (a *attempt) dial(i int, d *eventq.Defer) {
	defer d.Fire()
	if a.aborted() {
		return
	}
	if i >= len(a.endpoints) {
		a.err = fmt.Errorf("%w: %s: %w", ErrHostUnreachable, net.JoinHostPort(a.host, a.port), a.err)
		return
	}
	nd := d.Move()
	ep := a.endpoints[i]
	network, dialer, timeout := a.c.o.network, a.c.o.dialer, a.c.o.connectTimeout
	go func() {
		dctx, cancel := context.WithCancel(a.ctx)
		var timer *time.Timer
		if timeout > 0 {
			timer = time.AfterFunc(timeout, cancel)
		}
		var conn net.Conn
		var err error
		func() {
			defer recoverInto(&err)
			conn, err = dialer.DialContext(dctx, network, ep)
		}()
		if timer != nil && !timer.Stop() {
			// 计时器先到：即使连上也作废
			if conn != nil {
				_ = conn.Close()
				conn = nil
			}
			err = fmt.Errorf("%w: connect %s", ErrTimedOut, ep)
		}
		cancel()
		a.c.unit.Post(func() { a.onDialed(i, ep, conn, err, nd) })
	}()
}

func (a *attempt) onDialed(i int, ep string, conn net.Conn, err error, d *eventq.Defer) {
	defer d.Fire()
	if err != nil {
		// 单个地址失败不通知用户，继续下一个
		a.c.o.logger.Debug("chain: endpoint failed", zap.String("endpoint", ep), zap.Error(err))
		a.err = err
		a.dial(i+1, d.Move())
		return
	}
	a.conn, a.endpoint, a.err = conn, ep, nil
	a.handshake(0, d.Move())
}

func (a *attempt) handshake(step int, d *eventq.Defer) {
	defer d.Fire()
	hs := a.c.o.handshakers
	if step >= len(hs) {
		return
	}
	if a.aborted() {
		return
	}
	nd := d.Move()
	conn, h, timeout := a.conn, hs[step], a.c.o.handshakeTimeout
	go func() {
		var timer *time.Timer
		if timeout > 0 {
			timer = time.AfterFunc(timeout, func() { _ = conn.Close() })
		}
		var err error
		func() {
			defer recoverInto(&err)
			err = h(a.ctx, conn)
		}()
		if timer != nil && !timer.Stop() {
			err = fmt.Errorf("%w: handshake step %d", ErrTimedOut, step)
		}
		a.c.unit.Post(func() { a.onHandshake(step, err, nd) })
	}()
}

func (a *attempt) onHandshake(step int, err error, d *eventq.Defer) {
	defer d.Fire()
	if err != nil {
		a.err = err
		return
	}
	a.handshake(step+1, d.Move())
}
