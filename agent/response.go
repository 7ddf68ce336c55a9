package agent

import (
	"io"
	"net/http"

	"github.com/shuttlehq/shuttle"
)

// Response is a small wrapper around *http.Response. Its body is lazy:
// bytes stream from the connection through the decoder stack as they are
// read, and must be drained or closed for the connection to return to the
// pool.
type Response struct {
	*http.Response

	// Version that served the exchange.
	Version shuttle.Proto
}

// Bytes drains the body and returns it.
func (r *Response) Bytes() ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// Text drains the body and returns it as a string.
func (r *Response) Text() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}
