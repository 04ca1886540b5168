package iopool

import "errors"

var (
	// ErrAlreadyStarted 重复 Start；池已在运行，不是失败
	ErrAlreadyStarted = errors.New("iopool: already started")

	// ErrNotStarted 对已停止的池调用 Stop；不是失败
	ErrNotStarted = errors.New("iopool: not started")

	// ErrStopInPoolThread 在池自身的 worker 上调用 Stop，为避免自 join 死锁而忽略
	ErrStopInPoolThread = errors.New("iopool: stop called from a pool thread, ignored")

	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("iopool: invalid argument")
)

// IsBenign 报告 err 是否只是"已处于目标状态"的幂等提示。
func IsBenign(err error) bool {
	return err == nil ||
		errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotStarted) ||
		errors.Is(err, ErrStopInPoolThread)
}
