//go:build !linux && !darwin

package netutil

import "syscall"

type SocketOptions struct {
	ReuseAddr bool
	ReusePort bool
	RecvBuf   int
	SendBuf   int
}

// Control 在不支持的平台上不设置任何选项
func (o SocketOptions) Control() func(network, address string, c syscall.RawConn) error {
	return nil
}

func SetNoDelay(c syscall.Conn, enable bool) error { return nil }

func IsResourceExhausted(err error) bool { return false }
