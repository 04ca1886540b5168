package iopool

import (
	"sync/atomic"

	"github.com/legamerdc/gionet/internal/lasterr"
)

// UserPool 包装调用方自行运行的 Context。
// 池不持有线程，Start/Stop 只切换运行标记，线程生命周期由调用方负责。
type UserPool struct {
	units   []*Unit
	running atomic.Bool
	next    atomic.Uint64
	lastErr lasterr.Slot
}

func NewUserPool(ctxs ...*Context) (*UserPool, error) {
	if len(ctxs) == 0 {
		return nil, ErrInvalidArgument
	}
	p := &UserPool{units: make([]*Unit, len(ctxs))}
	for i, c := range ctxs {
		if c == nil {
			return nil, ErrInvalidArgument
		}
		p.units[i] = newUnit(c, false, i)
	}
	return p, nil
}

// Start 重复调用返回 ErrAlreadyStarted，不是失败
func (p *UserPool) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return p.lastErr.Set(ErrAlreadyStarted)
	}
	p.lastErr.Clear()
	return nil
}

func (p *UserPool) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return p.lastErr.Set(ErrNotStarted)
	}
	return p.lastErr.Set(nil)
}

func (p *UserPool) Stopped() bool { return !p.running.Load() }

func (p *UserPool) Get(index int) *Unit { return pick(p.units, &p.next, index) }

func (p *UserPool) ForEach(fn func(*Unit)) {
	for _, u := range p.units {
		fn(u)
	}
}

func (p *UserPool) Size() int { return len(p.units) }

// RunningInThreads 报告调用方是否正处于某个被包装 Context 的 Run 中
func (p *UserPool) RunningInThreads() bool {
	for _, u := range p.units {
		if u.ctx.RunningInThisThread() {
			return true
		}
	}
	return false
}

func (p *UserPool) LastError() error { return p.lastErr.Load() }
