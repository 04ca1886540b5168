package stream

// Handler 接收流的通知，所有回调都在流所属的 unit 上执行。
//
// 每次 Connect/Accept 恰好触发一次 OnConnect；
// 只有 OnConnect(nil) 之后才会有 OnDisconnect，且恰好一次。
type Handler interface {
	OnConnect(s *Stream, err error)
	OnRecv(s *Stream, api uint16, msg []byte)
	OnDisconnect(s *Stream, err error)
}

// HandlerFuncs 以函数字段实现 Handler，未设置的回调忽略
type HandlerFuncs struct {
	Connect    func(s *Stream, err error)
	Recv       func(s *Stream, api uint16, msg []byte)
	Disconnect func(s *Stream, err error)
}

func (h HandlerFuncs) OnConnect(s *Stream, err error) {
	if h.Connect != nil {
		h.Connect(s, err)
	}
}

func (h HandlerFuncs) OnRecv(s *Stream, api uint16, msg []byte) {
	if h.Recv != nil {
		h.Recv(s, api, msg)
	}
}

func (h HandlerFuncs) OnDisconnect(s *Stream, err error) {
	if h.Disconnect != nil {
		h.Disconnect(s, err)
	}
}

// Cipher 是就地加解密钩子，实现不得改变长度
type Cipher interface {
	EncryptInPlace(p []byte)
	DecryptInPlace(p []byte)
}
