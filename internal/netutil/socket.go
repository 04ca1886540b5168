//go:build linux || darwin

package netutil

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// SocketOptions 是监听 socket 上要设置的选项
type SocketOptions struct {
	ReuseAddr bool
	ReusePort bool
	RecvBuf   int
	SendBuf   int
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Control 返回可用于 net.ListenConfig.Control 的回调
func (o SocketOptions) Control() func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = o.apply(int(fd))
		})
		if err != nil {
			return err
		}
		return serr
	}
}

func (o SocketOptions) apply(fd int) error {
	if o.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return err
		}
	}
	if o.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return err
		}
	}
	if o.RecvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBuf); err != nil {
			return err
		}
	}
	if o.SendBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBuf); err != nil {
			return err
		}
	}
	return nil
}

// SetNoDelay 在已建立的连接上设置 TCP_NODELAY
func SetNoDelay(c syscall.Conn, enable bool) error {
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(enable))
	}); err != nil {
		return err
	}
	return serr
}

// IsResourceExhausted 报告 err 是否为文件描述符或缓冲区耗尽，accept 遇到时应稍后重试
func IsResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM)
}
