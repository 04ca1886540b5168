package server

import (
	"net"

	"github.com/legamerdc/gionet/internal/arena"
	"github.com/legamerdc/gionet/stream"
)

// Session 是服务端的一条连接
type Session[C Cipher] struct {
	Data C

	srv    *Server[C]
	handle arena.Handle
	st     *stream.Stream
}

// ID 在会话存活期间唯一，可传给 Server.Session 查找
func (c *Session[C]) ID() uint64 { return c.handle.ID() }

// Context 返回会话的 Cipher 上下文
func (c *Session[C]) Context() *C { return &c.Data }

func (c *Session[C]) Stream() *stream.Stream { return c.st }

func (c *Session[C]) RemoteAddr() net.Addr { return c.st.RemoteAddr() }

// Write 发送一条消息，写按调用顺序串行进行
func (c *Session[C]) Write(msg []byte, api uint16) error { return c.st.Send(api, msg) }

// Close 关闭会话；在会话自身的回调中调用时不等待
func (c *Session[C]) Close() error { return c.st.Stop() }

// sessionHandler 把流的通知转给用户 Handler，并维护会话表
type sessionHandler[C Cipher] struct {
	c *Session[C]
}

func (h sessionHandler[C]) OnConnect(_ *stream.Stream, err error) {
	c := h.c
	if err != nil {
		c.srv.sessions.Remove(c.handle)
		return
	}
	c.srv.h.OnOpen(c)
}

func (h sessionHandler[C]) OnRecv(_ *stream.Stream, api uint16, msg []byte) {
	h.c.srv.h.OnMessage(h.c, api, msg)
}

func (h sessionHandler[C]) OnDisconnect(_ *stream.Stream, err error) {
	c := h.c
	c.srv.h.OnClose(c, err)
	c.srv.sessions.Remove(c.handle)
}
