// Package codec binds an established connection to an HTTP transport codec.
// The wire framing itself is external: HTTP/1 framing comes from net/http
// request writing and response reading, HTTP/2 framing from
// golang.org/x/net/http2. This package only selects and tags the codec and
// reports reusability, leaving pooling policy to the caller.
package codec

import (
	"net/http"

	"github.com/shuttlehq/shuttle"
)

// Codec frames requests and responses on one connection.
type Codec interface {
	// Proto reports the bound protocol version.
	Proto() shuttle.Proto
	// RoundTrip sends the request and returns the response once its
	// headers arrive. The response body streams from the connection; an
	// HTTP/1 codec must not be used again until the body is drained.
	RoundTrip(req *http.Request) (*http.Response, error)
	// Reusable reports whether the connection may carry another request.
	// False after protocol errors or a Connection: close exchange.
	Reusable() bool
	Close() error
}

// Multiplexed is implemented by codecs that carry concurrent streams.
type Multiplexed interface {
	// Reserve claims a stream slot, honoring the peer-advertised
	// concurrency limit. A successful reservation is consumed by the next
	// RoundTrip.
	Reserve() bool
}
