package gionet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legamerdc/gionet/client"
	"github.com/legamerdc/gionet/iopool"
	"github.com/legamerdc/gionet/server"
	"github.com/legamerdc/gionet/stream"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

const sample = `
pool:
  concurrency: 3
server:
  addr: ":9100"
  accept_retry: 250ms
  recv_buf: 262144
  idle_timeout: 1m
client:
  addr: "10.0.0.1:9100"
  reconnect: true
  reconnect_max: 5s
log:
  level: debug
  format: console
`

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gionet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	t.Setenv("GIONET_SERVER_ADDR", ":9200")
	t.Setenv("GIONET_CLIENT_CONNECT_TIMEOUT", "750ms")

	cfg, err := LoadConfig(path, "GIONET")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.Concurrency)
	// 环境变量优先于文件
	assert.Equal(t, ":9200", cfg.Server.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Server.AcceptRetry)
	assert.Equal(t, 262144, cfg.Server.RecvBuf)
	assert.Equal(t, time.Minute, cfg.Server.IdleTimeout)
	assert.True(t, cfg.Server.ReuseAddr, "default kept")
	assert.Equal(t, "10.0.0.1:9100", cfg.Client.Addr)
	assert.True(t, cfg.Client.Reconnect)
	assert.Equal(t, 5*time.Second, cfg.Client.ReconnectMax)
	assert.Equal(t, 750*time.Millisecond, cfg.Client.ConnectTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Debug("config loaded")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadWithBoundValues(t *testing.T) {
	v := viper.New()
	v.Set("server.addr", ":9300")
	cfg, err := Load(v, "", "")
	require.NoError(t, err)
	assert.Equal(t, ":9300", cfg.Server.Addr)
}

type noCipher struct{}

func (noCipher) EncryptInPlace([]byte) {}
func (noCipher) DecryptInPlace([]byte) {}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.RecvBuf = 1 << 20
	sc := NewServerConfig(cfg.Server, func() noCipher { return noCipher{} })
	assert.Equal(t, "tcp", sc.Network)
	assert.Equal(t, 1<<20, sc.RecvBuf)
	assert.Equal(t, cfg.Server.AcceptRetry, sc.AcceptRetry)
	assert.NotNil(t, sc.NewCipher)
	var _ server.Config[noCipher] = sc

	cc := cfg.Client.Client()
	assert.Equal(t, cfg.Client.ConnectTimeout, cc.ConnectTimeout)
	assert.Equal(t, cfg.Client.ReconnectMin, cc.ReconnectMin)

	p := NewPool(PoolConfig{Concurrency: 2})
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, iopool.DefaultConcurrency(), NewPool(PoolConfig{}).Size())
	require.NoError(t, p.Start())
	assert.True(t, IsBenign(p.Start()))
	require.NoError(t, p.Stop())
}

func TestIsBenign(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{iopool.ErrAlreadyStarted, true},
		{iopool.ErrNotStarted, true},
		{ErrStopInPoolThread, true},
		{stream.ErrAlreadyStarted, true},
		{stream.ErrNotStarted, true},
		{server.ErrAlreadyStarted, true},
		{server.ErrNotStarted, true},
		{client.ErrAlreadyStarted, true},
		{client.ErrNotStarted, true},
		{fmt.Errorf("restart: %w", server.ErrAlreadyStarted), true},
		{ErrClosed, false},
		{ErrHostUnreachable, false},
		{ErrConfig, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsBenign(tc.err), "%v", tc.err)
	}
}

func TestIsBenignServerRestart(t *testing.T) {
	srv := server.New[noCipher](server.DefaultConfig[noCipher](), nopHandler{}, server.WithConcurrency(1))
	require.NoError(t, srv.Start("127.0.0.1:0"))
	assert.True(t, IsBenign(srv.Start("127.0.0.1:0")))
	require.NoError(t, srv.Stop())
	assert.True(t, IsBenign(srv.Stop()))
}

type nopHandler struct{}

func (nopHandler) OnOpen(*server.Session[noCipher]) {}

func (nopHandler) OnMessage(*server.Session[noCipher], uint16, []byte) {}

func (nopHandler) OnClose(*server.Session[noCipher], error) {}
