package iopool

import (
	"sync"
	"sync/atomic"

	"github.com/legamerdc/gionet/internal/ring"
)

// strandBatch 单次 drain 最多执行的任务数，之后重新 Post 以让出 Context
const strandBatch = 64

// Strand 把投递到同一 Context 的任务串行化：即使 Context 由多个 goroutine 同时 Run，
// 同一 Strand 上的任务也不会并发执行，且按投递顺序执行。
type Strand struct {
	ctx     *Context
	mu      sync.Mutex
	queue   ring.Ring[func()]
	running bool          // drain 已投递或正在执行
	owner   atomic.Uint64 // 正在执行 drain 的 goroutine
}

func NewStrand(ctx *Context) *Strand {
	return &Strand{ctx: ctx}
}

func (s *Strand) Context() *Context { return s.ctx }

// Post 总是延迟执行 fn
func (s *Strand) Post(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.queue.PushBack(fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.ctx.Post(s.drain)
}

// Dispatch 若已在本 Strand 内则就地执行，否则 Post
func (s *Strand) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	if s.RunningInThisThread() {
		fn()
		return
	}
	s.Post(fn)
}

// RunningInThisThread 报告调用方是否正在执行本 Strand 的任务
func (s *Strand) RunningInThisThread() bool {
	owner := s.owner.Load()
	return owner != 0 && owner == goroutineID()
}

func (s *Strand) drain() {
	s.owner.Store(goroutineID())
	for i := 0; i < strandBatch; i++ {
		s.mu.Lock()
		fn, ok := s.queue.PopFront()
		if !ok {
			s.owner.Store(0)
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.ctx.invoke(fn)
	}
	// 先清 owner 再重新投递，避免与下一轮 drain 交叠
	s.owner.Store(0)
	s.mu.Lock()
	if s.queue.Len() == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.ctx.Post(s.drain)
}
