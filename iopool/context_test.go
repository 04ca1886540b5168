package iopool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRunReturnsWhenOutOfWork(t *testing.T) {
	c := NewContext()
	var order []int
	c.Post(func() {
		order = append(order, 1)
		c.Post(func() { order = append(order, 3) })
	})
	c.Post(func() { order = append(order, 2) })

	assert.Equal(t, 3, c.Run())
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.True(t, c.Stopped())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}

	// stopped 时 Post 的任务保留到 Restart 之后
	c.Post(func() { order = append(order, 4) })
	assert.Equal(t, 0, c.Run())
	assert.Equal(t, 1, c.Pending())
	c.Restart()
	assert.False(t, c.Stopped())
	assert.Equal(t, 1, c.Run())
	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestContextWorkGuardKeepsRunAlive(t *testing.T) {
	c := NewContext()
	w := c.Work()
	assert.True(t, w.Owns())

	exited := make(chan int)
	go func() { exited <- c.Run() }()

	ran := make(chan struct{})
	c.Post(func() {
		assert.True(t, c.RunningInThisThread())
		close(ran)
	})
	<-ran
	select {
	case <-exited:
		t.Fatal("run returned while a work guard was held")
	case <-time.After(20 * time.Millisecond):
	}

	w.Reset()
	w.Reset()
	assert.False(t, w.Owns())
	select {
	case n := <-exited:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after guard release")
	}
	assert.False(t, c.RunningInThisThread())
}

func TestContextStopInterruptsRun(t *testing.T) {
	c := NewContext()
	w := c.Work()
	defer w.Reset()

	exited := make(chan struct{})
	go func() {
		c.Run()
		close(exited)
	}()
	c.Post(func() { c.Stop() })
	<-exited
	assert.True(t, c.Stopped())
}

func TestContextRecoversPanics(t *testing.T) {
	c := NewContext()
	var after atomic.Bool
	c.Post(func() { panic("boom") })
	c.Post(func() { after.Store(true) })
	assert.Equal(t, 2, c.Run())
	assert.True(t, after.Load())
}

func TestStrandSerializesAcrossRunners(t *testing.T) {
	c := NewContext()
	w := c.Work()
	var runners sync.WaitGroup
	for i := 0; i < 4; i++ {
		runners.Add(1)
		go func() {
			defer runners.Done()
			c.Run()
		}()
	}

	s := NewStrand(c)
	const total = 500
	var active, maxActive atomic.Int32
	var order []int
	var wg sync.WaitGroup
	wg.Add(total)
	for i := 0; i < total; i++ {
		s.Post(func() {
			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			assert.True(t, s.RunningInThisThread())
			order = append(order, i)
			active.Add(-1)
			wg.Done()
		})
	}
	wg.Wait()
	w.Reset()
	runners.Wait()

	assert.EqualValues(t, 1, maxActive.Load())
	require.Len(t, order, total)
	for i := range order {
		require.Equal(t, i, order[i])
	}
	assert.False(t, s.RunningInThisThread())
}

func TestStrandDispatchRunsInline(t *testing.T) {
	c := NewContext()
	s := NewStrand(c)
	var trace []string
	s.Post(func() {
		s.Dispatch(func() { trace = append(trace, "inline") })
		trace = append(trace, "outer")
	})
	s.Dispatch(func() { trace = append(trace, "posted") })
	c.Run()
	assert.Equal(t, []string{"inline", "outer", "posted"}, trace)
}

func TestUnitAfterFunc(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Start())
	defer p.Close()

	u := p.Get(0)
	fired := make(chan bool, 1)
	u.AfterFunc(5*time.Millisecond, func() { fired <- u.RunningInThisThread() })
	select {
	case onUnit := <-fired:
		assert.True(t, onUnit)
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestUserPool(t *testing.T) {
	_, err := NewUserPool()
	assert.ErrorIs(t, err, ErrInvalidArgument)

	c1, c2 := NewContext(), NewContext()
	p, err := NewUserPool(c1, c2)
	require.NoError(t, err)
	var pool Pool = p

	assert.True(t, pool.Stopped())
	require.NoError(t, pool.Start())
	assert.ErrorIs(t, pool.Start(), ErrAlreadyStarted)
	assert.Equal(t, 2, pool.Size())
	assert.Same(t, c1, pool.Get(Next).Context())
	assert.Same(t, c2, pool.Get(Next).Context())
	assert.Same(t, c1, pool.Get(Next).Context())

	// 线程由调用方负责
	w := c1.Work()
	done := make(chan struct{})
	go func() {
		c1.Run()
		close(done)
	}()
	inPool := make(chan bool, 1)
	pool.Get(0).Post(func() { inPool <- pool.RunningInThreads() })
	assert.True(t, <-inPool)
	assert.False(t, pool.RunningInThreads())
	w.Reset()
	<-done

	require.NoError(t, pool.Stop())
	assert.ErrorIs(t, pool.Stop(), ErrNotStarted)
	assert.ErrorIs(t, pool.LastError(), ErrNotStarted)
}
