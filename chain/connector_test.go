package chain

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legamerdc/gionet/eventq"
	"github.com/legamerdc/gionet/iopool"
)

type staticResolver struct {
	eps []string
	err error
}

func (r staticResolver) Resolve(context.Context, string, string) ([]string, error) {
	return r.eps, r.err
}

// fakeDialer 按地址决定结果：reachable 中的地址返回 net.Pipe 一端，
// slow 中的地址阻塞到 ctx 结束，其余返回 ECONNREFUSED。
type fakeDialer struct {
	reachable map[string]bool
	slow      map[string]bool

	mu    sync.Mutex
	tried []string
	peers []net.Conn
}

func (d *fakeDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.tried = append(d.tried, address)
	d.mu.Unlock()
	switch {
	case d.reachable[address]:
		c1, c2 := net.Pipe()
		d.mu.Lock()
		d.peers = append(d.peers, c2)
		d.mu.Unlock()
		return c1, nil
	case d.slow[address]:
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
}

func (d *fakeDialer) attempts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tried...)
}

func (d *fakeDialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.peers {
		_ = c.Close()
	}
}

func startPool(t *testing.T) *iopool.IOPool {
	t.Helper()
	p := iopool.New(2)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type outcome struct {
	calls   atomic.Int32
	onUnit  atomic.Bool
	result  Result
	guardOK bool
	done    chan struct{}
}

// connectThroughQueue 在队列项内启动连接链，并在其后排一项用于确认队列推进
func connectThroughQueue(t *testing.T, c *Connector, q *eventq.Queue) (*outcome, chan struct{}) {
	t.Helper()
	out := &outcome{done: make(chan struct{})}
	q.Post(func(g *eventq.Guard) {
		c.Connect(context.Background(), "example.test", "80", g, func(r Result, g *eventq.Guard) {
			if out.calls.Add(1) == 1 {
				out.onUnit.Store(c.Unit().RunningInThisThread())
				out.result = r
				out.guardOK = g.Valid()
				close(out.done)
			}
		})
	})
	advanced := make(chan struct{})
	q.Post(func(*eventq.Guard) { close(advanced) })
	return out, advanced
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestConnectFallsThroughToReachableEndpoint(t *testing.T) {
	p := startPool(t)
	u := p.Get(iopool.Next)
	q := eventq.New(u)

	eps := []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80"}
	d := &fakeDialer{reachable: map[string]bool{eps[3]: true}}
	defer d.close()
	c := NewConnector(u, WithResolver(staticResolver{eps: eps}), WithDialer(d))

	out, advanced := connectThroughQueue(t, c, q)
	wait(t, out.done, "terminal")
	wait(t, advanced, "queue advance")

	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, out.calls.Load())
	assert.True(t, out.onUnit.Load())
	assert.True(t, out.guardOK)
	require.NoError(t, out.result.Err)
	require.NotNil(t, out.result.Conn)
	assert.Equal(t, eps[3], out.result.Endpoint)
	assert.Equal(t, eps, d.attempts())
	_ = out.result.Conn.Close()
}

func TestConnectAllEndpointsFail(t *testing.T) {
	p := startPool(t)
	u := p.Get(0)
	q := eventq.New(u)

	eps := []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"}
	d := &fakeDialer{}
	c := NewConnector(u, WithResolver(staticResolver{eps: eps}), WithDialer(d))

	out, advanced := connectThroughQueue(t, c, q)
	wait(t, out.done, "terminal")
	wait(t, advanced, "queue advance")

	time.Sleep(10 * time.Millisecond)
	assert.EqualValues(t, 1, out.calls.Load())
	assert.ErrorIs(t, out.result.Err, ErrHostUnreachable)
	assert.ErrorIs(t, out.result.Err, syscall.ECONNREFUSED)
	assert.Nil(t, out.result.Conn)
	assert.Len(t, d.attempts(), 3)
	assert.Equal(t, 0, q.Pending())
}

func TestConnectResolveFailures(t *testing.T) {
	p := startPool(t)
	u := p.Get(1)
	q := eventq.New(u)

	dnsErr := errors.New("no such host")
	for _, r := range []staticResolver{{err: dnsErr}, {}} {
		c := NewConnector(u, WithResolver(r), WithDialer(&fakeDialer{}))
		out, advanced := connectThroughQueue(t, c, q)
		wait(t, out.done, "terminal")
		wait(t, advanced, "queue advance")
		assert.ErrorIs(t, out.result.Err, ErrHostUnreachable)
		if r.err != nil {
			assert.ErrorIs(t, out.result.Err, dnsErr)
		}
	}
}

func TestConnectTimeoutMovesToNextEndpoint(t *testing.T) {
	p := startPool(t)
	u := p.Get(0)
	q := eventq.New(u)

	eps := []string{"10.0.0.1:80", "10.0.0.2:80"}
	d := &fakeDialer{slow: map[string]bool{eps[0]: true}, reachable: map[string]bool{eps[1]: true}}
	defer d.close()
	c := NewConnector(u,
		WithResolver(staticResolver{eps: eps}),
		WithDialer(d),
		WithConnectTimeout(20*time.Millisecond),
	)

	out, _ := connectThroughQueue(t, c, q)
	wait(t, out.done, "terminal")
	require.NoError(t, out.result.Err)
	assert.Equal(t, eps[1], out.result.Endpoint)
	_ = out.result.Conn.Close()

	// 全部超时
	d2 := &fakeDialer{slow: map[string]bool{eps[0]: true, eps[1]: true}}
	c2 := NewConnector(u,
		WithResolver(staticResolver{eps: eps}),
		WithDialer(d2),
		WithConnectTimeout(10*time.Millisecond),
	)
	out2, advanced := connectThroughQueue(t, c2, q)
	wait(t, out2.done, "terminal")
	wait(t, advanced, "queue advance")
	assert.ErrorIs(t, out2.result.Err, ErrHostUnreachable)
	assert.ErrorIs(t, out2.result.Err, ErrTimedOut)
}

func TestHandshakeStepsRunInOrder(t *testing.T) {
	p := startPool(t)
	u := p.Get(0)
	q := eventq.New(u)

	var order []int
	var mu sync.Mutex
	step := func(i int) Handshaker {
		return func(_ context.Context, conn net.Conn) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}
	d := &fakeDialer{reachable: map[string]bool{"10.0.0.1:80": true}}
	defer d.close()
	c := NewConnector(u,
		WithResolver(staticResolver{eps: []string{"10.0.0.1:80"}}),
		WithDialer(d),
		WithHandshakers(step(1), step(2)),
		WithHandshakers(step(3)),
	)
	out, _ := connectThroughQueue(t, c, q)
	wait(t, out.done, "terminal")
	require.NoError(t, out.result.Err)
	assert.Equal(t, []int{1, 2, 3}, order)
	_ = out.result.Conn.Close()
}

func TestHandshakeTimeoutClosesConn(t *testing.T) {
	p := startPool(t)
	u := p.Get(0)
	q := eventq.New(u)

	var stalled net.Conn
	d := &fakeDialer{reachable: map[string]bool{"10.0.0.1:80": true}}
	defer d.close()
	c := NewConnector(u,
		WithResolver(staticResolver{eps: []string{"10.0.0.1:80"}}),
		WithDialer(d),
		WithHandshakeTimeout(20*time.Millisecond),
		WithHandshakers(func(_ context.Context, conn net.Conn) error {
			stalled = conn
			// 对端不写，读阻塞到连接被关闭
			_, err := conn.Read(make([]byte, 1))
			return err
		}),
	)
	out, advanced := connectThroughQueue(t, c, q)
	wait(t, out.done, "terminal")
	wait(t, advanced, "queue advance")
	assert.ErrorIs(t, out.result.Err, ErrTimedOut)
	assert.Nil(t, out.result.Conn)
	_, err := stalled.Write([]byte{1})
	assert.Error(t, err)
}

func TestHandshakeFailureIsTerminal(t *testing.T) {
	p := startPool(t)
	u := p.Get(0)
	q := eventq.New(u)

	boom := errors.New("bad greeting")
	eps := []string{"10.0.0.1:80", "10.0.0.2:80"}
	d := &fakeDialer{reachable: map[string]bool{eps[0]: true, eps[1]: true}}
	defer d.close()
	c := NewConnector(u,
		WithResolver(staticResolver{eps: eps}),
		WithDialer(d),
		WithHandshakers(func(context.Context, net.Conn) error { return boom }),
	)
	out, _ := connectThroughQueue(t, c, q)
	wait(t, out.done, "terminal")
	assert.ErrorIs(t, out.result.Err, boom)
	assert.Len(t, d.attempts(), 1)
}

func TestConnectCancelledContext(t *testing.T) {
	p := startPool(t)
	u := p.Get(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewConnector(u, WithResolver(staticResolver{eps: []string{"10.0.0.1:80"}}), WithDialer(&fakeDialer{}))
	got := make(chan error, 1)
	c.Connect(ctx, "example.test", "80", nil, func(r Result, g *eventq.Guard) {
		assert.Nil(t, g)
		got <- r.Err
	})
	select {
	case err := <-got:
		assert.ErrorIs(t, err, ErrAborted)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal not called")
	}
}

func TestNetResolverLiteral(t *testing.T) {
	eps, err := NetResolver{}.Resolve(context.Background(), "127.0.0.1", "8080")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8080"}, eps)
}

type panicResolver struct{}

func (panicResolver) Resolve(context.Context, string, string) ([]string, error) {
	panic("resolver exploded")
}

// panicDialer 对 bad 地址 panic，其余交给 next
type panicDialer struct {
	bad  string
	next *fakeDialer
}

func (d panicDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if address == d.bad {
		panic("dialer exploded")
	}
	return d.next.DialContext(ctx, network, address)
}

func TestPanicInStepEndsChain(t *testing.T) {
	p := startPool(t)
	u := p.Get(0)
	q := eventq.New(u)

	d := &fakeDialer{reachable: map[string]bool{"10.0.0.1:80": true}}
	defer d.close()
	cases := []struct {
		name string
		opts []Option
		want any
	}{
		{
			name: "resolver",
			opts: []Option{WithResolver(panicResolver{}), WithDialer(d)},
			want: "resolver exploded",
		},
		{
			name: "handshake",
			opts: []Option{
				WithResolver(staticResolver{eps: []string{"10.0.0.1:80"}}),
				WithDialer(d),
				WithHandshakers(func(context.Context, net.Conn) error { panic("bad handshake") }),
			},
			want: "bad handshake",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewConnector(u, tc.opts...)
			out, advanced := connectThroughQueue(t, c, q)
			wait(t, out.done, "terminal")
			wait(t, advanced, "queue advance")

			time.Sleep(10 * time.Millisecond)
			assert.EqualValues(t, 1, out.calls.Load())
			assert.True(t, out.onUnit.Load())
			assert.Nil(t, out.result.Conn)
			var pe *eventq.PanicError
			require.ErrorAs(t, out.result.Err, &pe)
			assert.Equal(t, tc.want, pe.Value)
		})
	}
}

func TestDialerPanicMovesToNextEndpoint(t *testing.T) {
	p := startPool(t)
	u := p.Get(0)
	q := eventq.New(u)

	eps := []string{"10.0.0.1:80", "10.0.0.2:80"}
	fd := &fakeDialer{reachable: map[string]bool{eps[1]: true}}
	defer fd.close()
	c := NewConnector(u, WithResolver(staticResolver{eps: eps}), WithDialer(panicDialer{bad: eps[0], next: fd}))

	out, advanced := connectThroughQueue(t, c, q)
	wait(t, out.done, "terminal")
	wait(t, advanced, "queue advance")
	require.NoError(t, out.result.Err)
	assert.Equal(t, eps[1], out.result.Endpoint)
	_ = out.result.Conn.Close()

	// 唯一的地址 panic
	c2 := NewConnector(u, WithResolver(staticResolver{eps: eps[:1]}), WithDialer(panicDialer{bad: eps[0], next: fd}))
	out2, advanced2 := connectThroughQueue(t, c2, q)
	wait(t, out2.done, "terminal")
	wait(t, advanced2, "queue advance")
	assert.ErrorIs(t, out2.result.Err, ErrHostUnreachable)
	var pe *eventq.PanicError
	assert.ErrorAs(t, out2.result.Err, &pe)
}
