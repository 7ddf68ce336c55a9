package codec

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shuttlehq/shuttle"
)

// h1 frames one request/response exchange at a time over a single
// connection.
type h1 struct {
	conn net.Conn
	br   *bufio.Reader
	rx   *countingReader

	mu       sync.Mutex
	broken   bool
	sawClose bool
}

// NewHTTP1 binds the HTTP/1.1 codec to conn.
func NewHTTP1(conn net.Conn) Codec {
	rx := &countingReader{r: conn}
	return &h1{conn: conn, br: bufio.NewReader(rx), rx: rx}
}

func (c *h1) Proto() shuttle.Proto { return shuttle.ProtoHTTP1 }

func (c *h1) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetDeadline(deadline)

	// Cancelling the request mid-exchange tears the connection down; an
	// HTTP/1 stream cannot be abandoned at a known read position.
	headerDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.fail()
			_ = c.conn.Close()
		case <-headerDone:
		}
	}()

	before := c.rx.n.Load()
	err := req.Write(c.conn)
	if err != nil {
		close(headerDone)
		return nil, c.exchangeError(ctx, err, before)
	}

	resp, err := http.ReadResponse(c.br, req)
	close(headerDone)
	if err != nil {
		return nil, c.exchangeError(ctx, err, before)
	}
	if resp.Close {
		c.mu.Lock()
		c.sawClose = true
		c.mu.Unlock()
	}
	return resp, nil
}

func (c *h1) fail() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// exchangeError classifies a failed exchange. Context expiry wins over the
// I/O error it induced; a failure with zero response bytes received marks
// the connection stale.
func (c *h1) exchangeError(ctx context.Context, err error, rxBefore int64) error {
	c.fail()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if c.rx.n.Load() == rxBefore {
		return &staleConnError{err: err}
	}
	return err
}

func (c *h1) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.broken && !c.sawClose
}

func (c *h1) Close() error {
	c.fail()
	_ = c.conn.SetDeadline(time.Time{})
	return c.conn.Close()
}

// staleConnError marks an exchange that failed before any response byte
// arrived. Safe to retry on idempotent methods against a fresh connection.
type staleConnError struct {
	err error
}

func (e *staleConnError) Error() string { return "before response: " + e.err.Error() }

func (e *staleConnError) Unwrap() error { return e.err }

// Retryable reports whether err failed before any response bytes were
// received.
func Retryable(err error) bool {
	var stale *staleConnError
	return errors.As(err, &stale)
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
