package gionet

import (
	"github.com/legamerdc/gionet/client"
	"github.com/legamerdc/gionet/server"
)

// ServerHandler 为服务端用户回调接口，回调在会话所属 unit 上执行
type ServerHandler[C Cipher] = server.Handler[C]

// Session 是服务端的一条连接
type Session[C Cipher] = server.Session[C]

// ClientHandler 为客户端用户回调接口
type ClientHandler = client.Handler
