// Package gionet 汇总各子包的常用类型，并提供基于 viper 的统一配置入口。
//
// 核心在 iopool（执行单元）、eventq（每连接事件队列）与 chain（异步连接链），
// server / client 是在其上搭建的服务端与客户端。
package gionet

import (
	"go.uber.org/zap"

	"github.com/legamerdc/gionet/eventq"
	"github.com/legamerdc/gionet/internal/logging"
	"github.com/legamerdc/gionet/iopool"
	"github.com/legamerdc/gionet/stream"
)

// Cipher 定义了就地加解密的钩子接口
// 要求实现不改变 payload 长度
type Cipher = stream.Cipher

type (
	Pool   = iopool.Pool
	Unit   = iopool.Unit
	Queue  = eventq.Queue
	Guard  = eventq.Guard
	Event  = eventq.Event
	Defer  = eventq.Defer
	Stream = stream.Stream
)

// NewPool 按配置创建未启动的 IOPool，Concurrency <= 0 时取 iopool.DefaultConcurrency
func NewPool(cfg PoolConfig, opts ...iopool.Option) *iopool.IOPool {
	n := cfg.Concurrency
	if n <= 0 {
		n = iopool.DefaultConcurrency()
	}
	return iopool.New(n, opts...)
}

// NewLogger 按 Log 配置构造 zap.Logger
func NewLogger(cfg Config) (*zap.Logger, error) {
	return logging.New(cfg.Log)
}
