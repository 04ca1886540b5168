// Package arena 以稳定句柄管理连接对象的生命周期。
//
// 对象只由 Arena 强持有；进行中的异步操作通过 Acquire 持有一份引用，
// Remove 之后，最后一份引用 Release 时才执行 teardown。
package arena

import (
	"sync"
)

// Handle 是对象的稳定标识；槽位被复用时 gen 递增，旧句柄随之失效。
type Handle struct {
	index uint32
	gen   uint32
}

// Valid 报告句柄是否曾被分配过
func (h Handle) Valid() bool { return h.gen != 0 }

// ID 返回可用于日志或 map key 的整数
func (h Handle) ID() uint64 { return uint64(h.gen)<<32 | uint64(h.index) }

// FromID 由 ID 还原句柄
func FromID(id uint64) Handle { return Handle{index: uint32(id), gen: uint32(id >> 32)} }

type slot[T any] struct {
	val      T
	gen      uint32
	refs     int
	live     bool
	removing bool
	teardown func(T)
}

type Arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	count int
}

func New[T any]() *Arena[T] { return &Arena[T]{} }

// Insert 放入 v，teardown 在对象被 Remove 且引用归零后调用（可为 nil）。
func (a *Arena[T]) Insert(v T, teardown func(T)) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.val, s.refs, s.live, s.removing, s.teardown = v, 0, true, false, teardown
	a.count++
	return Handle{index: idx, gen: s.gen}
}

func (a *Arena[T]) lookup(h Handle) *slot[T] {
	if int(h.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil
	}
	return s
}

// Get 返回对象，不增加引用
func (a *Arena[T]) Get(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.lookup(h); s != nil && !s.removing {
		return s.val, true
	}
	var zero T
	return zero, false
}

// Acquire 为进行中的操作增加一份引用；对象已 Remove 时失败
func (a *Arena[T]) Acquire(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.lookup(h); s != nil && !s.removing {
		s.refs++
		return s.val, true
	}
	var zero T
	return zero, false
}

// Release 归还 Acquire 得到的引用
func (a *Arena[T]) Release(h Handle) {
	a.mu.Lock()
	s := a.lookup(h)
	if s == nil || s.refs == 0 {
		a.mu.Unlock()
		return
	}
	s.refs--
	a.finish(h, s)
}

// Remove 标记对象待销毁；无引用时立即 teardown。重复调用无副作用。
func (a *Arena[T]) Remove(h Handle) bool {
	a.mu.Lock()
	s := a.lookup(h)
	if s == nil || s.removing {
		a.mu.Unlock()
		return false
	}
	s.removing = true
	a.finish(h, s)
	return true
}

// finish 在持有 mu 时调用，返回前释放 mu；teardown 在锁外执行
func (a *Arena[T]) finish(h Handle, s *slot[T]) {
	if !s.removing || s.refs > 0 {
		a.mu.Unlock()
		return
	}
	v, fn := s.val, s.teardown
	var zero T
	s.val, s.teardown, s.live = zero, nil, false
	a.free = append(a.free, h.index)
	a.count--
	a.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

// Len 返回未被 Remove 的对象数
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := range a.slots {
		if a.slots[i].live && !a.slots[i].removing {
			n++
		}
	}
	return n
}

// Range 对快照中的每个对象调用 fn，fn 返回 false 时停止。fn 在锁外执行。
func (a *Arena[T]) Range(fn func(Handle, T) bool) {
	type entry struct {
		h Handle
		v T
	}
	a.mu.Lock()
	entries := make([]entry, 0, a.count)
	for i := range a.slots {
		s := &a.slots[i]
		if s.live && !s.removing {
			entries = append(entries, entry{Handle{index: uint32(i), gen: s.gen}, s.val})
		}
	}
	a.mu.Unlock()
	for _, e := range entries {
		if !fn(e.h, e.v) {
			return
		}
	}
}
