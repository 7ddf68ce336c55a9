package pool

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shuttlehq/shuttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCodec struct {
	proto    shuttle.Proto
	reusable atomic.Bool
	closed   atomic.Bool
}

func newFakeCodec(proto shuttle.Proto) *fakeCodec {
	c := &fakeCodec{proto: proto}
	c.reusable.Store(true)
	return c
}

func (c *fakeCodec) Proto() shuttle.Proto { return c.proto }

func (c *fakeCodec) RoundTrip(*http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func (c *fakeCodec) Reusable() bool { return c.reusable.Load() }

func (c *fakeCodec) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeMuxCodec struct {
	fakeCodec
	streams atomic.Int32
	limit   int32
}

func newFakeMuxCodec(limit int32) *fakeMuxCodec {
	c := &fakeMuxCodec{limit: limit}
	c.proto = shuttle.ProtoHTTP2
	c.reusable.Store(true)
	return c
}

func (c *fakeMuxCodec) Reserve() bool {
	if c.streams.Add(1) > c.limit {
		c.streams.Add(-1)
		return false
	}
	return true
}

var origin = shuttle.Origin{Scheme: "http", Host: "example.com", Port: "80"}

func checkoutFresh(t *testing.T, p *Pool) *Conn {
	t.Helper()
	c, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
	require.NoError(t, err)
	require.Nil(t, c, "expected a fresh-connect reservation")
	return p.Register(origin, newFakeCodec(shuttle.ProtoHTTP1))
}

func TestCheckoutReuse(t *testing.T) {
	t.Parallel()
	p := New(Options{})
	defer p.Close()

	c := checkoutFresh(t, p)
	active, idle := p.Stats(origin)
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, idle)

	p.Checkin(c, true)
	active, idle = p.Stats(origin)
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, idle)

	got, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestBusyConnNeverHandedOut(t *testing.T) {
	t.Parallel()
	p := New(Options{})
	defer p.Close()

	c1 := checkoutFresh(t, p)
	// The checked out h1 connection stays exclusive; the pool asks for a
	// fresh connect instead.
	c2, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
	require.NoError(t, err)
	assert.Nil(t, c2)
	p.Abort(origin)
	p.Checkin(c1, true)
}

func TestMaxPerOrigin(t *testing.T) {
	t.Parallel()
	p := New(Options{MaxPerOrigin: 2})
	defer p.Close()

	for i := 0; i < 2; i++ {
		c, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
		require.NoError(t, err)
		require.Nil(t, c)
		p.Register(origin, newFakeCodec(shuttle.ProtoHTTP1))
	}

	_, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
	assert.ErrorIs(t, err, shuttle.ErrPoolExhausted)

	active, idle := p.Stats(origin)
	assert.LessOrEqual(t, active+idle, 2)
}

func TestBlockUntilCheckin(t *testing.T) {
	t.Parallel()
	p := New(Options{MaxPerOrigin: 1, Block: true})
	defer p.Close()

	c := checkoutFresh(t, p)

	got := make(chan *Conn, 1)
	go func() {
		conn, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
		assert.NoError(t, err)
		got <- conn
	}()

	time.Sleep(50 * time.Millisecond)
	p.Checkin(c, true)

	select {
	case conn := <-got:
		assert.Same(t, c, conn)
	case <-time.After(time.Second):
		t.Fatal("checkout did not wake after checkin")
	}
}

func TestBlockCancelled(t *testing.T) {
	t.Parallel()
	p := New(Options{MaxPerOrigin: 1, Block: true})
	defer p.Close()

	c := checkoutFresh(t, p)
	defer p.Checkin(c, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Checkout(ctx, origin, shuttle.ProtoAuto)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedMultiplexed(t *testing.T) {
	t.Parallel()
	p := New(Options{MaxPerOrigin: 1})
	defer p.Close()

	reserved, err := p.Checkout(context.Background(), origin, shuttle.ProtoHTTP2)
	require.NoError(t, err)
	require.Nil(t, reserved)
	mux := newFakeMuxCodec(1)
	c1 := p.Register(origin, mux)

	// Borrowing the live multiplexed connection needs no new slot even at
	// the per-origin limit.
	c2, err := p.Checkout(context.Background(), origin, shuttle.ProtoHTTP2)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	// At the advertised stream limit the pool stops sharing.
	_, err = p.Checkout(context.Background(), origin, shuttle.ProtoHTTP2)
	assert.ErrorIs(t, err, shuttle.ErrPoolExhausted)

	p.Checkin(c1, true)
	p.Checkin(c2, true)
	active, _ := p.Stats(origin)
	assert.Equal(t, 1, active, "idle multiplexed connection stays live")
	assert.False(t, mux.closed.Load())
}

func TestSharedDiscardedOnError(t *testing.T) {
	t.Parallel()
	p := New(Options{})
	defer p.Close()

	reserved, err := p.Checkout(context.Background(), origin, shuttle.ProtoHTTP2)
	require.NoError(t, err)
	require.Nil(t, reserved)
	mux := newFakeMuxCodec(10)
	c1 := p.Register(origin, mux)
	c2, err := p.Checkout(context.Background(), origin, shuttle.ProtoHTTP2)
	require.NoError(t, err)
	require.Same(t, c1, c2)

	p.Checkin(c1, false)
	assert.False(t, mux.closed.Load(), "still borrowed by the second caller")

	// No new borrower gets the dead connection.
	fresh, err := p.Checkout(context.Background(), origin, shuttle.ProtoHTTP2)
	require.NoError(t, err)
	assert.Nil(t, fresh)
	p.Abort(origin)

	p.Checkin(c2, true)
	assert.True(t, mux.closed.Load(), "closed once the last borrower returns")
	active, _ := p.Stats(origin)
	assert.Equal(t, 0, active)
}

func TestIdleTimeoutEviction(t *testing.T) {
	t.Parallel()
	p := New(Options{IdleTimeout: 10 * time.Millisecond})
	defer p.Close()

	c := checkoutFresh(t, p)
	fake := c.codec.(*fakeCodec)
	p.Checkin(c, true)

	time.Sleep(30 * time.Millisecond)

	got, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
	require.NoError(t, err)
	assert.Nil(t, got, "expired idle connection must not be reused")
	assert.True(t, fake.closed.Load())
	p.Abort(origin)
}

func TestIdleLRUEviction(t *testing.T) {
	t.Parallel()
	p := New(Options{MaxIdlePerOrigin: 1})
	defer p.Close()

	c1 := checkoutFresh(t, p)
	c2 := checkoutFresh(t, p)
	first := c1.codec.(*fakeCodec)

	p.Checkin(c1, true)
	p.Checkin(c2, true)

	assert.True(t, first.closed.Load(), "least-recently-used idle evicted")
	_, idle := p.Stats(origin)
	assert.Equal(t, 1, idle)

	got, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
	require.NoError(t, err)
	assert.Same(t, c2, got)
}

func TestCheckinDiscard(t *testing.T) {
	t.Parallel()
	p := New(Options{})
	defer p.Close()

	c := checkoutFresh(t, p)
	fake := c.codec.(*fakeCodec)
	p.Checkin(c, false)

	assert.True(t, fake.closed.Load())
	active, idle := p.Stats(origin)
	assert.Equal(t, 0, active+idle)
}

func TestConnectionCloseNotPooled(t *testing.T) {
	t.Parallel()
	p := New(Options{})
	defer p.Close()

	c := checkoutFresh(t, p)
	fake := c.codec.(*fakeCodec)
	fake.reusable.Store(false)
	p.Checkin(c, true)

	assert.True(t, fake.closed.Load())
	_, idle := p.Stats(origin)
	assert.Equal(t, 0, idle)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	p := New(Options{IdleTimeout: 10 * time.Millisecond})
	defer p.Close()

	c := checkoutFresh(t, p)
	fake := c.codec.(*fakeCodec)
	p.Checkin(c, true)

	time.Sleep(30 * time.Millisecond)
	p.Sweep()

	assert.True(t, fake.closed.Load())
	_, idle := p.Stats(origin)
	assert.Equal(t, 0, idle)
}

func TestClose(t *testing.T) {
	t.Parallel()
	p := New(Options{})

	c := checkoutFresh(t, p)
	fake := c.codec.(*fakeCodec)
	p.Checkin(c, true)
	p.Close()

	assert.True(t, fake.closed.Load())
	_, err := p.Checkout(context.Background(), origin, shuttle.ProtoAuto)
	assert.Error(t, err)
}
