package eventq

import "sync/atomic"

// Guard 表示"我是队列当前正在执行的那一项"的唯一凭证。
//
// 事件函数返回时，若 guard 仍有效则自动释放并推进队列；
// 需要跨越异步边界持有时先调用 Move，把凭证转移给后续回调。
// nil 为空 guard，所有方法都可安全调用。
type Guard struct {
	q     *Queue
	valid atomic.Bool
}

func newGuard(q *Queue) *Guard {
	g := &Guard{q: q}
	g.valid.Store(true)
	return g
}

func (g *Guard) Valid() bool { return g != nil && g.valid.Load() }

// Queue 返回 guard 所属队列
func (g *Guard) Queue() *Queue {
	if g == nil {
		return nil
	}
	return g.q
}

// Move 转移凭证：返回新的有效 guard，g 随即失效。g 无效时返回 nil。
func (g *Guard) Move() *Guard {
	if g == nil || !g.valid.CompareAndSwap(true, false) {
		return nil
	}
	return newGuard(g.q)
}

// Release 放弃凭证并推进队列，可在任意 goroutine 调用，重复调用无副作用。
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.q.Next(g)
}
