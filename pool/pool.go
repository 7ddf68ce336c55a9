// Package pool owns idle and active connections keyed by origin. HTTP/1
// connections are checked out exclusively; HTTP/2 connections are shared
// handles bounded by the peer-advertised stream limit. The pool lock guards
// map bookkeeping only and is never held across network I/O: on a cache
// miss the pool reserves a slot and the caller connects outside the lock,
// then registers or aborts.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/shuttlehq/shuttle"
	"github.com/shuttlehq/shuttle/codec"
	"github.com/shuttlehq/shuttle/internal/utils"
	"github.com/shuttlehq/shuttle/logger"
	"github.com/shuttlehq/shuttle/rt"
)

const (
	// DefaultMaxPerOrigin bounds active+idle connections per origin.
	DefaultMaxPerOrigin = 6
	// DefaultIdleTimeout evicts idle connections, lazily or by sweep.
	DefaultIdleTimeout = 90 * time.Second
)

// Options The Pool instance options
type Options struct {
	MaxPerOrigin     int           `yaml:"max-per-origin"`
	MaxIdlePerOrigin int           `yaml:"max-idle-per-origin"`
	IdleTimeout      time.Duration `yaml:"idle-timeout"`
	// SweepInterval enables a background eviction task on the runtime.
	// Zero leaves eviction fully lazy.
	SweepInterval time.Duration `yaml:"sweep-interval"`
	// Block makes Checkout wait for capacity instead of failing with
	// ErrPoolExhausted.
	Block bool `yaml:"block"`
}

// Pool tracks connections per origin.
type Pool struct {
	opt Options

	mu      sync.Mutex
	idle    map[shuttle.Origin][]*Conn // most-recently-used last
	shared  map[shuttle.Origin][]*Conn // live multiplexed connections
	active  map[shuttle.Origin]int    // checked out, reserved and shared
	waiters map[shuttle.Origin][]chan struct{}
	closed  bool

	sweepCancel context.CancelFunc
}

// New returns a Pool. A positive SweepInterval spawns the eviction task on
// the current runtime.
func New(opt Options) *Pool {
	opt.MaxPerOrigin = utils.ZeroOr(opt.MaxPerOrigin, DefaultMaxPerOrigin)
	opt.MaxIdlePerOrigin = utils.ZeroOr(opt.MaxIdlePerOrigin, opt.MaxPerOrigin)
	opt.IdleTimeout = utils.ZeroOr(opt.IdleTimeout, DefaultIdleTimeout)

	p := &Pool{
		opt:     opt,
		idle:    make(map[shuttle.Origin][]*Conn),
		shared:  make(map[shuttle.Origin][]*Conn),
		active:  make(map[shuttle.Origin]int),
		waiters: make(map[shuttle.Origin][]chan struct{}),
	}
	if opt.SweepInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.sweepCancel = cancel
		r := rt.Current()
		r.Go(func() {
			for {
				if err := r.Sleep(ctx, opt.SweepInterval); err != nil {
					return
				}
				p.Sweep()
			}
		})
	}
	return p
}

// Checkout returns a pooled connection for origin, or (nil, nil) after
// reserving a slot: the caller must then connect and call Register or
// Abort. The want version narrows reuse; ProtoAuto accepts either.
func (p *Pool) Checkout(ctx context.Context, origin shuttle.Origin, want shuttle.Proto) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, shuttle.ErrPoolExhausted
		}
		stale := p.pruneLocked(origin, time.Now())

		// Shared multiplexed reuse first: no connection setup at all.
		if want != shuttle.ProtoHTTP1 {
			for _, c := range p.shared[origin] {
				if m, ok := c.codec.(codec.Multiplexed); ok && !c.dead && m.Reserve() {
					c.borrows++
					p.mu.Unlock()
					closeAll(stale)
					return c, nil
				}
			}
		}

		if want != shuttle.ProtoHTTP2 {
			if c := p.popIdleLocked(origin, &stale); c != nil {
				p.active[origin]++
				p.mu.Unlock()
				closeAll(stale)
				return c, nil
			}
		}

		if p.totalLocked(origin) < p.opt.MaxPerOrigin {
			p.active[origin]++ // reserve, released by Register or Abort
			p.mu.Unlock()
			closeAll(stale)
			return nil, nil
		}

		if !p.opt.Block {
			p.mu.Unlock()
			closeAll(stale)
			return nil, shuttle.ErrPoolExhausted
		}
		ready := make(chan struct{})
		p.waiters[origin] = append(p.waiters[origin], ready)
		p.mu.Unlock()
		closeAll(stale)

		select {
		case <-ready:
		case <-ctx.Done():
			p.dropWaiter(origin, ready)
			return nil, ctx.Err()
		}
	}
}

// Register turns a freshly negotiated codec into a checked-out connection,
// consuming the slot reserved by Checkout.
func (p *Pool) Register(origin shuttle.Origin, cdc codec.Codec) *Conn {
	c := &Conn{origin: origin, codec: cdc}
	if cdc.Proto() == shuttle.ProtoHTTP2 {
		c.shared = true
		c.borrows = 1
		p.mu.Lock()
		if p.closed {
			c.dead = true
		} else {
			p.shared[origin] = append(p.shared[origin], c)
		}
		p.mu.Unlock()
	}
	return c
}

// Abort releases a reserved slot after a failed connection attempt.
func (p *Pool) Abort(origin shuttle.Origin) {
	p.mu.Lock()
	p.active[origin]--
	p.notifyLocked(origin)
	p.mu.Unlock()
}

// Checkin returns a connection. Reusable connections join the idle list
// (h1) or stay shared (h2); anything else is closed and discarded.
func (p *Pool) Checkin(c *Conn, reusable bool) {
	if c == nil {
		return
	}
	var stale []*Conn
	p.mu.Lock()
	if c.shared {
		c.borrows--
		if !reusable || !c.codec.Reusable() {
			if !c.dead {
				c.dead = true
				p.removeSharedLocked(c)
			}
		}
		if c.dead && c.borrows <= 0 {
			p.active[c.origin]--
			stale = append(stale, c)
			p.notifyLocked(c.origin)
		} else if c.borrows == 0 {
			c.idleAt = time.Now()
		}
		p.mu.Unlock()
		closeAll(stale)
		return
	}

	p.active[c.origin]--
	if reusable && !p.closed && c.codec.Reusable() {
		c.idleAt = time.Now()
		l := append(p.idle[c.origin], c)
		if len(l) > p.opt.MaxIdlePerOrigin {
			stale = append(stale, l[0]) // least-recently-used first
			l = l[1:]
		}
		p.idle[c.origin] = l
	} else {
		stale = append(stale, c)
	}
	p.notifyLocked(c.origin)
	p.mu.Unlock()
	closeAll(stale)
}

// Sweep evicts idle connections past the idle timeout across all origins.
func (p *Pool) Sweep() {
	var stale []*Conn
	now := time.Now()
	p.mu.Lock()
	for origin := range p.idle {
		stale = append(stale, p.pruneLocked(origin, now)...)
	}
	for origin := range p.shared {
		stale = append(stale, p.pruneLocked(origin, now)...)
	}
	p.mu.Unlock()
	if len(stale) > 0 {
		logger.Debugf("pool: swept %d idle connections", len(stale))
	}
	closeAll(stale)
}

// Stats reports the active (checked out, reserved and shared) and idle
// connection counts for origin.
func (p *Pool) Stats(origin shuttle.Origin) (active, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[origin], len(p.idle[origin])
}

// Close discards every pooled connection and stops the sweep task.
func (p *Pool) Close() {
	if p.sweepCancel != nil {
		p.sweepCancel()
	}
	var stale []*Conn
	p.mu.Lock()
	p.closed = true
	for origin, l := range p.idle {
		stale = append(stale, l...)
		delete(p.idle, origin)
	}
	for origin, l := range p.shared {
		for _, c := range l {
			c.dead = true
			if c.borrows <= 0 {
				p.active[origin]--
				stale = append(stale, c)
			}
		}
		delete(p.shared, origin)
	}
	for origin, ws := range p.waiters {
		for _, w := range ws {
			close(w)
		}
		delete(p.waiters, origin)
	}
	p.mu.Unlock()
	closeAll(stale)
}

// totalLocked counts every connection attributed to origin: checked out,
// reserved, shared and idle.
func (p *Pool) totalLocked(origin shuttle.Origin) int {
	return p.active[origin] + len(p.idle[origin])
}

func (p *Pool) popIdleLocked(origin shuttle.Origin, stale *[]*Conn) *Conn {
	l := p.idle[origin]
	for len(l) > 0 {
		c := l[len(l)-1]
		l = l[:len(l)-1]
		p.idle[origin] = l
		if c.codec.Reusable() {
			return c
		}
		*stale = append(*stale, c)
	}
	return nil
}

// pruneLocked drops idle connections past the idle timeout, and shared
// connections that went dead or idled out with no borrower.
func (p *Pool) pruneLocked(origin shuttle.Origin, now time.Time) (stale []*Conn) {
	l := p.idle[origin][:0]
	for _, c := range p.idle[origin] {
		if now.Sub(c.idleAt) > p.opt.IdleTimeout || !c.codec.Reusable() {
			stale = append(stale, c)
			continue
		}
		l = append(l, c)
	}
	p.idle[origin] = l

	s := p.shared[origin][:0]
	for _, c := range p.shared[origin] {
		expired := c.borrows == 0 && (now.Sub(c.idleAt) > p.opt.IdleTimeout || !c.codec.Reusable())
		if expired {
			c.dead = true
			p.active[origin]--
			stale = append(stale, c)
			continue
		}
		s = append(s, c)
	}
	p.shared[origin] = s

	if len(stale) > 0 {
		p.notifyLocked(origin)
	}
	return stale
}

// removeSharedLocked splices a dead connection out of the shared list so
// no further checkout can borrow it.
func (p *Pool) removeSharedLocked(c *Conn) {
	l := p.shared[c.origin]
	for i, sc := range l {
		if sc == c {
			p.shared[c.origin] = append(l[:i], l[i+1:]...)
			return
		}
	}
}

func (p *Pool) notifyLocked(origin shuttle.Origin) {
	ws := p.waiters[origin]
	if len(ws) == 0 {
		return
	}
	close(ws[0])
	p.waiters[origin] = ws[1:]
}

func (p *Pool) dropWaiter(origin shuttle.Origin, ready chan struct{}) {
	p.mu.Lock()
	ws := p.waiters[origin]
	for i, w := range ws {
		if w == ready {
			p.waiters[origin] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func closeAll(conns []*Conn) {
	for _, c := range conns {
		_ = c.codec.Close()
	}
}
