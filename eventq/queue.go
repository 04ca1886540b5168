package eventq

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/legamerdc/gionet/internal/metrics"
	"github.com/legamerdc/gionet/internal/ring"
	"github.com/legamerdc/gionet/iopool"
)

// Event 是排队执行的一项。fn 返回时 g 若仍有效则自动释放；
// 需要在异步回调里继续持有时先 g.Move()。
type Event func(g *Guard)

// Queue 把属于同一连接对象的异步步骤串行化到该对象的 unit 上：
// 任意 goroutine 均可投递，任一时刻最多一项在执行，直到它的 guard 被释放。
//
// events 只在所属 unit 上访问，不需要加锁。
type Queue struct {
	unit    *iopool.Unit
	events  ring.Ring[Event]
	pending atomic.Int64

	// 同步释放 guard 时的蹦床标记，避免长队列递归压栈
	running bool
	again   bool

	strong  bool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type options struct {
	strong bool
	logger *zap.Logger
	reg    prometheus.Registerer
}

type Option func(*options)

// WithStrongOrdering 令 Push 总是经由 Post 入队，跨 goroutine 也保持投递顺序，代价是多一次调度。
func WithStrongOrdering() Option {
	return func(o *options) { o.strong = true }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// New 创建绑定到 unit 的队列
func New(unit *iopool.Unit, opts ...Option) *Queue {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	q := &Queue{unit: unit, strong: o.strong, logger: o.logger}
	if o.reg != nil {
		m, err := metrics.New(o.reg, "")
		if err != nil {
			o.logger.Warn("eventq: metrics disabled", zap.Error(err))
		}
		q.metrics = m
	}
	return q
}

func (q *Queue) Unit() *iopool.Unit { return q.unit }

// Pending 返回已入队且未完成的事件数（含正在执行的一项）
func (q *Queue) Pending() int { return int(q.pending.Load()) }

// Push 快速路径：已在所属 unit 上时同步执行或入队，不额外调度；否则退化为 Post。
func (q *Queue) Push(fn Event) *Queue {
	if !q.strong && q.unit.RunningInThisThread() {
		q.enqueue(fn)
		return q
	}
	return q.Post(fn)
}

// Post 总是经由 unit 调度后再入队，保证不在调用方栈上重入。
func (q *Queue) Post(fn Event) *Queue {
	q.unit.Post(func() { q.enqueue(fn) })
	return q
}

// Dispatch 调用方持有有效 guard（即正处于当前执行项内）时就地执行 fn 并把凭证交给它；
// 否则等同 Push。
func (q *Queue) Dispatch(fn Event, g *Guard) *Queue {
	if g.Valid() && g.q == q {
		ng := g.Move()
		q.unit.Dispatch(func() { q.invoke(fn, ng) })
		return q
	}
	return q.Push(fn)
}

// PostQueued 投递普通任务：先调度一次，再按队列顺序执行，fn 返回即完成。
func (q *Queue) PostQueued(fn func()) *Queue {
	return q.Post(func(*Guard) { fn() })
}

// Submit 同 PostQueued，返回的 channel 在 fn 完成后收到其结果；panic 转为 *PanicError。
func (q *Queue) Submit(fn func() error) <-chan error {
	ch := make(chan error, 1)
	q.Post(func(*Guard) {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r}
				}
			}()
			err = fn()
		}()
		ch <- err
	})
	return ch
}

// Next 释放 g 并推进队列：弹出已完成项，若仍有事件则以新 guard 启动下一项。
// 在其他 goroutine 上释放时跳回所属 unit 执行。
func (q *Queue) Next(g *Guard) {
	if g == nil || g.q != q || !g.valid.CompareAndSwap(true, false) {
		return
	}
	if q.unit.RunningInThisThread() {
		q.advance()
		return
	}
	q.unit.Post(q.advance)
}

// 以下方法只在所属 unit 上调用

func (q *Queue) enqueue(fn Event) {
	q.events.PushBack(fn)
	q.pending.Add(1)
	q.metrics.EventAccepted()
	if q.events.Len() == 1 {
		q.runFront()
	}
}

func (q *Queue) advance() {
	if _, ok := q.events.PopFront(); !ok {
		return
	}
	q.pending.Add(-1)
	q.metrics.EventDone()
	if q.events.Len() > 0 {
		q.runFront()
	}
}

func (q *Queue) runFront() {
	if q.running {
		q.again = true
		return
	}
	q.running = true
	for {
		q.again = false
		fn, ok := q.events.Front()
		if !ok {
			break
		}
		q.metrics.EventStarted()
		q.invoke(fn, newGuard(q))
		if !q.again {
			break
		}
	}
	q.running = false
}

func (q *Queue) invoke(fn Event, g *Guard) {
	// 未被 Move 的 guard 在返回或 panic 时释放
	defer g.Release()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("eventq: event panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn(g)
}
