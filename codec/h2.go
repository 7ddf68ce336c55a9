package codec

import (
	"net"
	"net/http"

	"github.com/shuttlehq/shuttle"
	"golang.org/x/net/http2"
)

// h2 multiplexes concurrent streams over one connection through an
// x/net/http2 ClientConn. Stream-table mutation is serialized inside the
// ClientConn; this wrapper is safe for concurrent use.
type h2 struct {
	cc *http2.ClientConn
}

// NewHTTP2 binds the HTTP/2 codec to conn. cleartext allows h2c with prior
// knowledge on http:// origins.
func NewHTTP2(conn net.Conn, cleartext bool) (Codec, error) {
	t := &http2.Transport{AllowHTTP: cleartext}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &h2{cc: cc}, nil
}

func (c *h2) Proto() shuttle.Proto { return shuttle.ProtoHTTP2 }

func (c *h2) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.cc.RoundTrip(req)
}

func (c *h2) Reserve() bool { return c.cc.ReserveNewRequest() }

func (c *h2) Reusable() bool { return c.cc.CanTakeNewRequest() }

func (c *h2) Close() error { return c.cc.Close() }
