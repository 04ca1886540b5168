package iopool

import "time"

// Unit 是一条单线程逻辑执行通道：一个 Context 加一个绑定其上的 Strand。
// 通过 Unit 投递的回调彼此之间不会并发执行。
type Unit struct {
	ctx    *Context
	strand *Strand
	owned  bool // ctx 由 pool 创建并管理，否则为调用方借入
	index  int
}

func newUnit(ctx *Context, owned bool, index int) *Unit {
	return &Unit{ctx: ctx, strand: NewStrand(ctx), owned: owned, index: index}
}

func (u *Unit) Context() *Context { return u.ctx }

func (u *Unit) Strand() *Strand { return u.strand }

// Owned 报告 Context 是否由 pool 自有
func (u *Unit) Owned() bool { return u.owned }

// Index 返回在所属 pool 中的下标
func (u *Unit) Index() int { return u.index }

func (u *Unit) Post(fn func()) { u.strand.Post(fn) }

func (u *Unit) Dispatch(fn func()) { u.strand.Dispatch(fn) }

func (u *Unit) RunningInThisThread() bool { return u.strand.RunningInThisThread() }

// AfterFunc 在 d 之后把 fn 投递到本 unit 执行。
// Stop 返回 false 时 fn 可能已经在排队，回调内需自行判断状态。
func (u *Unit) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { u.Post(fn) })
}
