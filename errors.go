package gionet

import (
	"errors"

	"github.com/legamerdc/gionet/chain"
	"github.com/legamerdc/gionet/client"
	"github.com/legamerdc/gionet/iopool"
	"github.com/legamerdc/gionet/protocol"
	"github.com/legamerdc/gionet/server"
	"github.com/legamerdc/gionet/stream"
)

var (
	// ErrConfig 配置文件读取或解析失败
	ErrConfig = errors.New("gionet: invalid config")

	ErrStopInPoolThread = iopool.ErrStopInPoolThread
	ErrInvalidArgument  = iopool.ErrInvalidArgument
	ErrHostUnreachable  = chain.ErrHostUnreachable
	ErrTimedOut         = chain.ErrTimedOut
	ErrAborted          = chain.ErrAborted
	ErrFrameTooLarge    = protocol.ErrFrameTooLarge
	ErrIdleTimeout      = stream.ErrIdleTimeout
	ErrClosed           = stream.ErrClosed
)

// IsBenign 报告 err 是否只是"已处于目标状态"的幂等提示，
// 覆盖 pool、stream、server 与 client 的重复启停
func IsBenign(err error) bool {
	return iopool.IsBenign(err) ||
		errors.Is(err, stream.ErrAlreadyStarted) ||
		errors.Is(err, stream.ErrNotStarted) ||
		errors.Is(err, server.ErrAlreadyStarted) ||
		errors.Is(err, server.ErrNotStarted) ||
		errors.Is(err, client.ErrAlreadyStarted) ||
		errors.Is(err, client.ErrNotStarted)
}
