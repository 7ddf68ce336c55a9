package pool

import (
	"net/http"
	"time"

	"github.com/shuttlehq/shuttle"
	"github.com/shuttlehq/shuttle/codec"
)

// Conn is a pooled connection. While checked out it is lent exclusively to
// one caller (h1), or to many concurrent callers (h2); the pool owns it
// again after Checkin.
type Conn struct {
	origin shuttle.Origin
	codec  codec.Codec

	// guarded by the pool lock
	idleAt  time.Time
	shared  bool
	borrows int
	dead    bool
}

// Origin returns the connection target.
func (c *Conn) Origin() shuttle.Origin { return c.origin }

// Proto returns the negotiated protocol version.
func (c *Conn) Proto() shuttle.Proto { return c.codec.Proto() }

// RoundTrip performs one exchange over the connection.
func (c *Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.codec.RoundTrip(req)
}
