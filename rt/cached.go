package rt

import (
	"context"
	"net"
	"time"

	"github.com/shuttlehq/shuttle/internal/utils"
	"github.com/spf13/afero"
)

// maxCachedAddrs bounds the resolved-address cache.
const maxCachedAddrs = 512

// Cached is a runtime variant with primitive DNS caching: it remembers the
// remote address of the first successful dial per host:port and reuses it,
// keeping the most recently used entries. The filesystem capability is
// injectable, which also makes it the runtime of choice for tests
// (afero.NewMemMapFs).
type Cached struct {
	dialer net.Dialer
	fs     afero.Fs
	addrs  *utils.LRUCache[string, string]
	handles
}

// NewCached returns a DNS-caching runtime over fs. A nil fs selects the OS
// filesystem.
func NewCached(fs afero.Fs) *Cached {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Cached{
		dialer: net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		fs:    fs,
		addrs: utils.NewLRUCache[string, string](maxCachedAddrs),
	}
}

func (c *Cached) Name() string { return "cached" }

func (c *Cached) Go(task func()) { go task() }

func (c *Cached) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cached) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if resolved, ok := c.addrs.Get(address); ok {
		conn, err := c.dialer.DialContext(ctx, network, resolved)
		if err == nil {
			return c.track(conn), nil
		}
		// Stale entry, fall through to a fresh resolve.
		c.addrs.Remove(address)
	}

	conn, err := c.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if remote, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if _, port, err := net.SplitHostPort(address); err == nil {
			c.addrs.Add(address, net.JoinHostPort(remote.IP.String(), port))
		}
	}
	return c.track(conn), nil
}

func (c *Cached) Listen(network, address string) (net.Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &countedListener{Listener: ln, h: &c.handles}, nil
}

func (c *Cached) Files() afero.Fs { return c.fs }

func (c *Cached) OpenHandles() int64 { return c.n.Load() }
