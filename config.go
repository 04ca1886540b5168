package gionet

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/legamerdc/gionet/client"
	"github.com/legamerdc/gionet/internal/logging"
	"github.com/legamerdc/gionet/protocol"
	"github.com/legamerdc/gionet/server"
)

// Config 为进程级配置，可由 YAML 文件与环境变量覆盖
type Config struct {
	Pool   PoolConfig     `mapstructure:"pool"`
	Server ServerConfig   `mapstructure:"server"`
	Client ClientConfig   `mapstructure:"client"`
	Log    logging.Config `mapstructure:"log"`
}

type PoolConfig struct {
	Concurrency int `mapstructure:"concurrency"` // unit 数，0 取 2 倍 CPU
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"` // 监听地址，如 ":8080"
	Network           string        `mapstructure:"network"`
	ReuseAddr         bool          `mapstructure:"reuse_addr"`
	ReusePort         bool          `mapstructure:"reuse_port"`
	RecvBuf           int           `mapstructure:"recv_buf"` // 0 用系统默认
	SendBuf           int           `mapstructure:"send_buf"`
	AcceptRetry       time.Duration `mapstructure:"accept_retry"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxPayload        int           `mapstructure:"max_payload"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
}

type ClientConfig struct {
	Addr              string        `mapstructure:"addr"` // host:port
	Network           string        `mapstructure:"network"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxPayload        int           `mapstructure:"max_payload"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
	Reconnect         bool          `mapstructure:"reconnect"`
	ReconnectMin      time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
}

func DefaultConfig() Config {
	cc := client.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:              ":7000",
			Network:           "tcp",
			ReuseAddr:         true,
			AcceptRetry:       time.Second,
			MaxPayload:        protocol.DefaultMaxPayload,
			CompressThreshold: protocol.DefaultCompressThreshold,
		},
		Client: ClientConfig{
			Addr:              "127.0.0.1:7000",
			Network:           cc.Network,
			ConnectTimeout:    cc.ConnectTimeout,
			MaxPayload:        cc.MaxPayload,
			CompressThreshold: cc.CompressThreshold,
			ReconnectMin:      cc.ReconnectMin,
			ReconnectMax:      cc.ReconnectMax,
		},
		Log: logging.Config{Level: "info", Format: "json", Console: true},
	}
}

// SetDefaults 把 DefaultConfig 写入 v，环境变量只对已知键生效
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	defaults := map[string]any{
		"pool.concurrency":          d.Pool.Concurrency,
		"server.addr":               d.Server.Addr,
		"server.network":            d.Server.Network,
		"server.reuse_addr":         d.Server.ReuseAddr,
		"server.reuse_port":         d.Server.ReusePort,
		"server.recv_buf":           d.Server.RecvBuf,
		"server.send_buf":           d.Server.SendBuf,
		"server.accept_retry":       d.Server.AcceptRetry,
		"server.idle_timeout":       d.Server.IdleTimeout,
		"server.write_timeout":      d.Server.WriteTimeout,
		"server.max_payload":        d.Server.MaxPayload,
		"server.compress_threshold": d.Server.CompressThreshold,
		"client.addr":               d.Client.Addr,
		"client.network":            d.Client.Network,
		"client.connect_timeout":    d.Client.ConnectTimeout,
		"client.handshake_timeout":  d.Client.HandshakeTimeout,
		"client.idle_timeout":       d.Client.IdleTimeout,
		"client.write_timeout":      d.Client.WriteTimeout,
		"client.max_payload":        d.Client.MaxPayload,
		"client.compress_threshold": d.Client.CompressThreshold,
		"client.reconnect":          d.Client.Reconnect,
		"client.reconnect_min":      d.Client.ReconnectMin,
		"client.reconnect_max":      d.Client.ReconnectMax,
		"log.level":                 d.Log.Level,
		"log.format":                d.Log.Format,
		"log.console":               d.Log.Console,
		"log.file":                  d.Log.File,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load 依次应用默认值、配置文件（path 非空时）与环境变量（envPrefix 非空时），
// 环境变量名为 前缀_段_键，如 GIONET_SERVER_ADDR。
// 调用方可在此之前向 v 绑定命令行参数。
func Load(v *viper.Viper, path, envPrefix string) (Config, error) {
	SetDefaults(v)
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return cfg, nil
}

// LoadConfig 用新的 viper 实例加载配置
func LoadConfig(path, envPrefix string) (Config, error) {
	return Load(viper.New(), path, envPrefix)
}

// NewServerConfig 把 ServerConfig 转为 server.Config，newCipher 为 nil 表示不加密
func NewServerConfig[C Cipher](c ServerConfig, newCipher func() C) server.Config[C] {
	return server.Config[C]{
		Network:           c.Network,
		ReuseAddr:         c.ReuseAddr,
		ReusePort:         c.ReusePort,
		RecvBuf:           c.RecvBuf,
		SendBuf:           c.SendBuf,
		AcceptRetry:       c.AcceptRetry,
		IdleTimeout:       c.IdleTimeout,
		WriteTimeout:      c.WriteTimeout,
		MaxPayload:        c.MaxPayload,
		CompressThreshold: c.CompressThreshold,
		NewCipher:         newCipher,
	}
}

// Client 转为 client.Config
func (c ClientConfig) Client() client.Config {
	return client.Config{
		Network:           c.Network,
		ConnectTimeout:    c.ConnectTimeout,
		HandshakeTimeout:  c.HandshakeTimeout,
		IdleTimeout:       c.IdleTimeout,
		WriteTimeout:      c.WriteTimeout,
		MaxPayload:        c.MaxPayload,
		CompressThreshold: c.CompressThreshold,
		Reconnect:         c.Reconnect,
		ReconnectMin:      c.ReconnectMin,
		ReconnectMax:      c.ReconnectMax,
	}
}
