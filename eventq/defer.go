package eventq

import "sync/atomic"

// Defer 是一次性终结器：可选的回调加可选的 guard。
//
// 组合异步链（resolve → connect → handshake → start）把 Defer 逐层传递，
// 无论正常结束、出错提前返回还是 panic，只要每个持有者 `defer d.Fire()`，
// 回调恰好执行一次，guard 随后释放，队列恰好推进一次。
type Defer struct {
	fn    func(g *Guard)
	g     *Guard
	fired atomic.Bool
}

// NewDefer 创建终结器；g 的凭证被转移进来（原 g 失效）。fn、g 均可为 nil。
func NewDefer(fn func(g *Guard), g *Guard) *Defer {
	return &Defer{fn: fn, g: g.Move()}
}

// Bind 在尚未持有 guard 时转移 g 进来。须在 Defer 被共享之前调用。
func (d *Defer) Bind(g *Guard) *Defer {
	if d.g == nil {
		d.g = g.Move()
	}
	return d
}

// Guard 返回持有的 guard（可能为 nil）
func (d *Defer) Guard() *Guard { return d.g }

// Valid 报告终结器尚未被触发或转移
func (d *Defer) Valid() bool { return d != nil && !d.fired.Load() }

// Move 把回调与 guard 转移到新的 Defer，d 随即失效；d 已失效时返回 nil。
func (d *Defer) Move() *Defer {
	if d == nil || !d.fired.CompareAndSwap(false, true) {
		return nil
	}
	return &Defer{fn: d.fn, g: d.g}
}

// Fire 执行回调并释放 guard，仅第一次调用生效。
// 回调内若 Move 了 guard，则由新的持有者负责释放。
func (d *Defer) Fire() {
	if d == nil || !d.fired.CompareAndSwap(false, true) {
		return
	}
	g := d.g
	defer g.Release()
	if d.fn != nil {
		d.fn(g)
	}
}
