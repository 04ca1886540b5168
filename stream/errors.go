package stream

import "errors"

var (
	// ErrAlreadyStarted 流已在连接或已连接；不是失败
	ErrAlreadyStarted = errors.New("stream: already started")

	// ErrNotStarted 对已停止的流调用 Stop；不是失败
	ErrNotStarted = errors.New("stream: not started")

	// ErrClosed 流已关闭或在建立过程中被 Stop
	ErrClosed = errors.New("stream: closed")

	// ErrIdleTimeout 超过空闲时间未收到数据
	ErrIdleTimeout = errors.New("stream: idle timeout")
)
