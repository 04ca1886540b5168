package iopool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/legamerdc/gionet/internal/lasterr"
	"github.com/legamerdc/gionet/internal/metrics"
)

// Next 作为 Get 的下标时表示轮询选取
const Next = -1

// Pool 是 IOPool 与 UserPool 共同的能力集，调用方无需关心背后是哪一种。
type Pool interface {
	// Start 重复调用返回 ErrAlreadyStarted，用 IsBenign 判断是否成功
	Start() error
	Stop() error
	Stopped() bool
	Get(index int) *Unit
	ForEach(fn func(*Unit))
	Size() int
	RunningInThreads() bool
	LastError() error
}

var (
	_ Pool = (*IOPool)(nil)
	_ Pool = (*UserPool)(nil)
)

// DefaultConcurrency 返回 2 倍 CPU 数，最少 1
func DefaultConcurrency() int {
	n := runtime.NumCPU() * 2
	if n < 1 {
		n = 1
	}
	return n
}

// IOPool 持有 N 个 Unit，每个 Unit 由一个锁定 OS 线程的 goroutine 运行。
//
// 第 0 个 unit 约定为控制/acceptor unit，Stop 时最先排空。
type IOPool struct {
	mu      sync.Mutex
	units   []*Unit
	guards  []*WorkGuard
	threads []atomic.Uint64 // 各 worker 的 goroutine id，未运行时为 0
	group   *errgroup.Group
	stopped atomic.Bool
	next    atomic.Uint64
	lastErr lasterr.Slot

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New 创建 concurrency 个自有 Context 的池；concurrency 为 0 时取 DefaultConcurrency。
func New(concurrency int, opts ...Option) *IOPool {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency()
	}
	o := resolveOptions(opts)
	ctxs := make([]*Context, concurrency)
	for i := range ctxs {
		ctxs[i] = newContext(o.logger.With(zap.Int("unit", i)), o.metrics)
	}
	return newPool(ctxs, true, o)
}

// NewWithContexts 用调用方的 Context 构造池，线程仍由池负责启动与回收。
func NewWithContexts(ctxs []*Context, opts ...Option) (*IOPool, error) {
	if len(ctxs) == 0 {
		return nil, ErrInvalidArgument
	}
	for _, c := range ctxs {
		if c == nil {
			return nil, ErrInvalidArgument
		}
	}
	return newPool(ctxs, false, resolveOptions(opts)), nil
}

func newPool(ctxs []*Context, owned bool, o *options) *IOPool {
	p := &IOPool{
		units:   make([]*Unit, len(ctxs)),
		guards:  make([]*WorkGuard, len(ctxs)),
		threads: make([]atomic.Uint64, len(ctxs)),
		logger:  o.logger,
		metrics: o.metrics,
	}
	for i, c := range ctxs {
		p.units[i] = newUnit(c, owned, i)
	}
	p.stopped.Store(true)
	return p
}

// Start 为每个 unit 复位 Context、挂上 WorkGuard 并启动 worker。
// 已在运行时返回 ErrAlreadyStarted，不会启动第二组线程；池仍处于运行状态，
// 这不是失败，调用方应以 IsBenign 判断结果而不是 err == nil。
func (p *IOPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.stopped.Load() || p.group != nil {
		return p.lastErr.Set(ErrAlreadyStarted)
	}
	p.lastErr.Clear()

	for i, u := range p.units {
		u.ctx.Restart()
		p.guards[i] = u.ctx.Work()
	}

	var started sync.WaitGroup
	g := new(errgroup.Group)
	for i, u := range p.units {
		started.Add(1)
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			p.threads[i].Store(goroutineID())
			started.Done()

			p.metrics.UnitUp()
			defer p.metrics.UnitDown()
			n := u.ctx.Run()
			p.logger.Debug("iopool: unit exited", zap.Int("unit", i), zap.Int("tasks", n))
			return nil
		})
	}
	// 等所有 worker 登记线程 id，RunningInThreads 在 Start 返回后即准确
	started.Wait()

	p.group = g
	p.stopped.Store(false)
	p.logger.Debug("iopool: started", zap.Int("units", len(p.units)))
	return nil
}

// Stop 依次释放各 unit 的 WorkGuard 并等待其排空，最后回收全部 worker。
//
// 在池自身的 worker 上调用时直接返回 ErrStopInPoolThread（否则会 join 自己而死锁）；
// 已停止时返回 ErrNotStarted。
func (p *IOPool) Stop() error {
	if p.RunningInThreads() {
		p.logger.Warn("iopool: stop ignored on pool thread")
		return p.lastErr.Set(ErrStopInPoolThread)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped.Load() || p.group == nil {
		return p.lastErr.Set(ErrNotStarted)
	}

	// 先排空 unit 0（acceptor），再逐个排空其余 unit；
	// 一次只排空一个，避免向已在关闭的 unit 嵌套投递的任务悄然丢失
	for i := range p.units {
		p.drain(i)
	}
	_ = p.group.Wait()
	p.group = nil
	for i := range p.threads {
		p.threads[i].Store(0)
	}
	p.stopped.Store(true)
	p.logger.Debug("iopool: stopped", zap.Int("units", len(p.units)))
	return p.lastErr.Set(nil)
}

func (p *IOPool) drain(i int) {
	done := p.units[i].ctx.Done()
	p.guards[i].Reset()
	p.guards[i] = nil
	<-done
}

// Close 等价于 Stop，忽略幂等提示
func (p *IOPool) Close() error {
	if err := p.Stop(); !IsBenign(err) {
		return err
	}
	return nil
}

func (p *IOPool) Stopped() bool { return p.stopped.Load() }

// Get 返回下标 index 的 unit；index 越界（如 Next）时轮询选取。
func (p *IOPool) Get(index int) *Unit {
	return pick(p.units, &p.next, index)
}

// ForEach 在持有池锁的情况下同步遍历所有 unit，仅用于管理操作。
func (p *IOPool) ForEach(fn func(*Unit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.units {
		fn(u)
	}
}

func (p *IOPool) Size() int { return len(p.units) }

// RunningInThreads 报告调用方是否是本池的某个 worker
func (p *IOPool) RunningInThreads() bool {
	id := goroutineID()
	for i := range p.threads {
		if p.threads[i].Load() == id {
			return true
		}
	}
	return false
}

// RunningInThread 报告调用方是否是第 index 个 worker；index 越界返回 ErrInvalidArgument。
func (p *IOPool) RunningInThread(index int) (bool, error) {
	if index < 0 || index >= len(p.threads) {
		return false, ErrInvalidArgument
	}
	return p.threads[index].Load() == goroutineID(), nil
}

func (p *IOPool) LastError() error { return p.lastErr.Load() }

func pick(units []*Unit, next *atomic.Uint64, index int) *Unit {
	n := len(units)
	if index < 0 || index >= n {
		index = int((next.Add(1) - 1) % uint64(n))
	}
	return units[index]
}
