package chain

import "errors"

var (
	// ErrHostUnreachable 所有候选地址均连接失败，或解析结果为空
	ErrHostUnreachable = errors.New("chain: host unreachable")

	// ErrTimedOut 连接或握手超时，超时由关闭连接实现
	ErrTimedOut = errors.New("chain: timed out")

	// ErrAborted 连接链在未给出结果前被中断
	ErrAborted = errors.New("chain: aborted")
)
