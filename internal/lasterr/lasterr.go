// Package lasterr 提供按对象存放的"最近一次错误"槽位。
//
// 每个生命周期操作在返回 error 的同时写入槽位，调用方可事后通过 Load 查询；
// 槽位只在顶层操作（Start/Connect）入口处清空，链路中途不会被隐式清空。
package lasterr

import "sync/atomic"

type box struct{ err error }

// Slot 的零值可直接使用，并发安全。
type Slot struct {
	v atomic.Pointer[box]
}

// Set 写入 err 并原样返回，便于 `return s.Set(err)`。
func (s *Slot) Set(err error) error {
	s.v.Store(&box{err: err})
	return err
}

// SetIfNil 仅在当前为空时写入，用于保留链路中更早的错误。
func (s *Slot) SetIfNil(err error) {
	for {
		cur := s.v.Load()
		if cur != nil && cur.err != nil {
			return
		}
		if s.v.CompareAndSwap(cur, &box{err: err}) {
			return
		}
	}
}

func (s *Slot) Load() error {
	if b := s.v.Load(); b != nil {
		return b.err
	}
	return nil
}

func (s *Slot) Clear() { s.v.Store(nil) }
