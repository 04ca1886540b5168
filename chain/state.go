package chain

import "sync/atomic"

// State 是连接对象的生命周期状态
type State int32

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// AtomicState 供连接链与并发 Stop 竞争状态转换。
// 零值为 Stopped。
type AtomicState struct {
	v atomic.Int32
}

func (a *AtomicState) Load() State { return State(a.v.Load()) }

func (a *AtomicState) Store(s State) { a.v.Store(int32(s)) }

func (a *AtomicState) CompareAndSwap(old, new State) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}

// Is 报告当前状态是否为 s
func (a *AtomicState) Is(s State) bool { return a.Load() == s }
