package iopool

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/legamerdc/gionet/internal/metrics"
	"github.com/legamerdc/gionet/internal/ring"
)

// Context 是可运行的事件循环：Run 在调用 goroutine 上逐个执行 Post 进来的任务。
//
// 语义与 asio 的 io_context 对齐：
//   - Run 在"无排队任务、无执行中任务、无 WorkGuard"时返回，并将 Context 置为 stopped；
//   - Stop 令所有 Run 尽快返回，未执行的任务保留在队列中；
//   - stopped 状态下 Post 的任务会排队，直到 Restart 后再次 Run；
//   - Done 返回的 channel 在进入 stopped 时关闭，用于等待排空而非轮询。
type Context struct {
	mu      sync.Mutex
	cond    sync.Cond
	tasks   ring.Ring[func()]
	work    int // 未释放的 WorkGuard 数
	active  int // 正在执行的任务数
	stopped bool
	done    chan struct{}
	runners map[uint64]struct{} // 正在 Run 的 goroutine

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewContext 创建处于可运行状态的 Context
func NewContext(opts ...Option) *Context {
	o := resolveOptions(opts)
	return newContext(o.logger, o.metrics)
}

func newContext(logger *zap.Logger, m *metrics.Metrics) *Context {
	c := &Context{
		done:    make(chan struct{}),
		runners: make(map[uint64]struct{}),
		logger:  logger,
		metrics: m,
	}
	c.cond.L = &c.mu
	return c
}

// Post 将 fn 排入队列，总是延迟执行，不会在调用方栈上运行。
func (c *Context) Post(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.tasks.PushBack(fn)
	c.cond.Signal()
	c.mu.Unlock()
}

// Run 阻塞执行任务直到 Context 停止或无事可做，返回执行的任务数。
// 允许多个 goroutine 同时 Run 同一个 Context。
func (c *Context) Run() int {
	id := goroutineID()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0
	}
	c.runners[id] = struct{}{}
	n := 0
	for {
		for !c.stopped && c.tasks.Len() == 0 && (c.work > 0 || c.active > 0) {
			c.cond.Wait()
		}
		if c.stopped {
			break
		}
		fn, ok := c.tasks.PopFront()
		if !ok {
			// 无任务、无 work、无执行中任务
			c.markStopped()
			break
		}
		c.active++
		c.mu.Unlock()
		c.invoke(fn)
		n++
		c.mu.Lock()
		c.active--
		if c.active == 0 && c.tasks.Len() == 0 && c.work == 0 {
			c.cond.Broadcast()
		}
	}
	delete(c.runners, id)
	c.mu.Unlock()
	return n
}

// Stop 令所有 Run 尽快返回
func (c *Context) Stop() {
	c.mu.Lock()
	c.markStopped()
	c.mu.Unlock()
}

// Restart 在 stopped 且无 goroutine 处于 Run 时恢复为可运行状态。
func (c *Context) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped || len(c.runners) > 0 {
		return
	}
	c.stopped = false
	c.done = make(chan struct{})
}

func (c *Context) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Done 返回当前运行周期的结束信号
func (c *Context) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Pending 返回排队未执行的任务数
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks.Len()
}

// RunningInThisThread 报告调用方是否正处于本 Context 的 Run 中
func (c *Context) RunningInThisThread() bool {
	id := goroutineID()
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runners[id]
	return ok
}

// 调用方须持有 mu
func (c *Context) markStopped() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
	c.cond.Broadcast()
}

func (c *Context) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.TaskPanicked()
			c.logger.Error("iopool: task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// WorkGuard 持有期间 Run 不会因队列为空而返回
type WorkGuard struct {
	c        *Context
	released atomic.Bool
}

// Work 创建一个 WorkGuard
func (c *Context) Work() *WorkGuard {
	c.mu.Lock()
	c.work++
	c.mu.Unlock()
	return &WorkGuard{c: c}
}

// Reset 释放 guard，可重复调用
func (w *WorkGuard) Reset() {
	if w == nil || !w.released.CompareAndSwap(false, true) {
		return
	}
	c := w.c
	c.mu.Lock()
	c.work--
	if c.work == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (w *WorkGuard) Owns() bool { return w != nil && !w.released.Load() }
