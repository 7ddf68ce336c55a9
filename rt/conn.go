package rt

import (
	"net"
	"sync"
	"sync/atomic"
)

// handles counts live sockets so leak checks can compare against a baseline.
type handles struct {
	n atomic.Int64
}

func (h *handles) track(c net.Conn) net.Conn {
	h.n.Add(1)
	return &countedConn{Conn: c, h: h}
}

type countedConn struct {
	net.Conn
	h    *handles
	once sync.Once
}

func (c *countedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.h.n.Add(-1) })
	return err
}

type countedListener struct {
	net.Listener
	h *handles
}

func (l *countedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return l.h.track(c), nil
}
