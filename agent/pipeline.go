package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/shuttlehq/shuttle"
	"github.com/shuttlehq/shuttle/codec"
	"github.com/shuttlehq/shuttle/decode"
	"github.com/shuttlehq/shuttle/internal/utils"
	"github.com/shuttlehq/shuttle/pool"
)

// state of one logical request, redirect chain included. Every transition
// and its guard lives in the matching pipeline method.
type state uint8

const (
	stateStart state = iota
	stateCookieApply
	statePoolCheckout
	stateConnecting
	stateHandshaking
	stateSending
	stateStreamingBody
	stateCookieUpdate
	stateRedirect
	stateDone
	stateFailed
)

// redirectBodyLimit bounds how much of a redirect response body is drained
// to keep the connection reusable.
const redirectBodyLimit = 4 << 10

type pipeline struct {
	a   *agent
	req *Request

	ctx    context.Context
	cancel context.CancelFunc

	base         http.Header // original caller headers, reapplied per hop
	hop          *http.Request
	origin       shuttle.Origin
	raw          net.Conn // dialed, not yet negotiated
	conn         *pool.Conn
	tracked      *trackedBody
	resp         *http.Response
	version      shuttle.Proto
	maxRedirects int
	redirects    int
	retried      bool
	fresh        bool
	finished     atomic.Bool
	err          error
}

func newPipeline(a *agent, req *Request) *pipeline {
	return &pipeline{a: a, req: req}
}

func (p *pipeline) run() (*Response, error) {
	for st := stateStart; ; {
		switch st {
		case stateStart:
			st = p.start()
		case stateCookieApply:
			st = p.cookieApply()
		case statePoolCheckout:
			st = p.poolCheckout()
		case stateConnecting:
			st = p.connecting()
		case stateHandshaking:
			st = p.handshaking()
		case stateSending:
			st = p.sending()
		case stateStreamingBody:
			st = p.streamingBody()
		case stateCookieUpdate:
			st = p.cookieUpdate()
		case stateRedirect:
			st = p.redirect()
		case stateDone:
			return p.done()
		case stateFailed:
			p.abort()
			return nil, p.err
		}
	}
}

func (p *pipeline) start() state {
	origin, err := shuttle.OriginOf(p.req.URL)
	if err != nil {
		p.err = err
		return stateFailed
	}
	p.origin = origin
	p.base = p.req.Header.Clone()
	p.maxRedirects = p.req.MaxRedirects
	if p.maxRedirects == 0 {
		p.maxRedirects = p.a.opt.MaxRedirects
	}
	if p.maxRedirects < 0 {
		p.maxRedirects = 0
	}

	timeout := utils.ZeroOr(p.req.Timeout, p.a.opt.Timeout)
	p.ctx, p.cancel = context.WithTimeout(p.req.Context(), timeout)
	p.hop = p.req.Request.Clone(p.ctx)
	return stateCookieApply
}

func (p *pipeline) cookieApply() state {
	for _, c := range p.a.jar.Cookies(p.hop.URL) {
		p.hop.AddCookie(c)
	}
	return statePoolCheckout
}

func (p *pipeline) poolCheckout() state {
	conn, err := p.a.pool.Checkout(p.ctx, p.origin, p.a.opt.Proto)
	if err != nil {
		p.err = shuttle.AsTimeout("pool checkout", err)
		return stateFailed
	}
	if conn != nil {
		p.conn, p.fresh = conn, false
		return stateSending
	}
	// Slot reserved, establish the connection ourselves.
	return stateConnecting
}

func (p *pipeline) connecting() state {
	ctx, cancel := context.WithTimeout(p.ctx, p.a.opt.ConnectTimeout)
	defer cancel()
	raw, err := p.a.rtc.Dial(ctx, "tcp", p.origin.Addr())
	if err != nil {
		p.a.pool.Abort(p.origin)
		return p.fail(shuttle.AsTimeout("connect", &shuttle.ConnectError{Origin: p.origin, Err: err}), true)
	}
	p.raw = raw
	return stateHandshaking
}

func (p *pipeline) handshaking() state {
	ctx, cancel := context.WithTimeout(p.ctx, p.a.opt.ConnectTimeout)
	defer cancel()
	cdc, err := codec.Negotiate(ctx, p.raw, p.origin, codec.Config{Proto: p.a.opt.Proto, TLS: p.a.opt.TLS})
	p.raw = nil
	if err != nil {
		p.a.pool.Abort(p.origin)
		var mismatch *shuttle.ProtocolMismatchError
		// A protocol mismatch is configuration, not a transient fault.
		return p.fail(shuttle.AsTimeout("tls handshake", err), !errors.As(err, &mismatch))
	}
	p.conn = p.a.pool.Register(p.origin, cdc)
	p.fresh = true
	return stateSending
}

func (p *pipeline) sending() state {
	resp, err := p.conn.RoundTrip(p.hop.WithContext(p.ctx))
	if err != nil {
		p.a.pool.Checkin(p.conn, false)
		p.conn = nil
		// A reused connection failing before any response byte is the
		// classic stale-connection race. Once response bytes arrived the
		// failure is the exchange's own, reused connection or not.
		return p.fail(shuttle.AsTimeout("request", err), codec.Retryable(err))
	}
	p.version = p.conn.Proto()
	p.resp = resp
	return stateStreamingBody
}

func (p *pipeline) streamingBody() state {
	if bodyless(p.hop, p.resp) {
		// Release the zero-length stream (an h2 response carries cleanup
		// even with no bytes) before substituting the empty body.
		_ = p.resp.Body.Close()
		p.a.pool.Checkin(p.conn, true)
		p.conn = nil
		p.resp.Body = http.NoBody
		return stateCookieUpdate
	}

	conn := p.conn
	shared := conn.Proto() == shuttle.ProtoHTTP2
	p.tracked = &trackedBody{
		rc: p.resp.Body,
		onDone: func(drained bool) {
			// Abandoning an HTTP/1 body leaves the connection at an
			// unknown read position; it never goes back to the pool.
			// An HTTP/2 stream cancel does not poison the connection.
			p.a.pool.Checkin(conn, drained || shared)
			// The whole-request deadline covers body consumption, so the
			// context is only released once the final body settles; a
			// redirect hop body settling must keep it alive.
			if p.finished.Load() {
				p.cancel()
			}
		},
	}
	p.resp.Body = p.tracked
	p.conn = nil
	return stateCookieUpdate
}

func (p *pipeline) cookieUpdate() state {
	if cookies := p.resp.Cookies(); len(cookies) > 0 {
		p.a.jar.SetCookies(p.hop.URL, cookies)
	}
	if isRedirect(p.resp.StatusCode) && p.resp.Header.Get("Location") != "" {
		return stateRedirect
	}
	return stateDone
}

func (p *pipeline) redirect() state {
	p.redirects++
	if p.redirects > p.maxRedirects {
		p.err = &shuttle.RedirectError{Count: p.maxRedirects}
		return stateFailed
	}
	next, err := p.resp.Location()
	if err != nil {
		return stateDone
	}
	origin, err := shuttle.OriginOf(next)
	if err != nil {
		p.err = err
		return stateFailed
	}

	method := p.hop.Method
	var body io.ReadCloser
	var getBody func() (io.ReadCloser, error)
	var contentLength int64
	switch p.resp.StatusCode {
	case http.StatusFound, http.StatusSeeOther:
		// 303, and 302 per legacy browser behavior, downgrade to GET and
		// drop the body.
		if method != http.MethodGet && method != http.MethodHead {
			method = http.MethodGet
		}
	case http.StatusMovedPermanently, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if p.req.Body != nil && p.req.Body != http.NoBody {
			if p.req.GetBody == nil {
				p.err = fmt.Errorf("cannot replay request body on %d redirect", p.resp.StatusCode)
				return stateFailed
			}
			getBody = p.req.GetBody
			if body, err = getBody(); err != nil {
				p.err = err
				return stateFailed
			}
			contentLength = p.req.ContentLength
		}
	}

	p.drainHopBody()

	header := make(http.Header)
	if origin == p.origin || p.a.opt.ForwardHeaders {
		header = p.base.Clone()
		// The jar re-applies cookies for the new URL.
		header.Del("Cookie")
	} else {
		for k, v := range DefaultHeaders {
			if got := p.base.Get(k); got != "" {
				header.Set(k, got)
			} else {
				header.Set(k, v)
			}
		}
	}
	if body == nil {
		header.Del("Content-Type")
	}
	header.Del("Content-Length")

	hop := &http.Request{
		Method:        method,
		URL:           next,
		Header:        header,
		Body:          body,
		GetBody:       getBody,
		ContentLength: contentLength,
	}
	p.hop = hop.WithContext(p.ctx)
	p.origin = origin
	p.resp, p.tracked, p.fresh = nil, nil, false
	return stateCookieApply
}

func (p *pipeline) done() (*Response, error) {
	// Before the decoder touches the body: small bodies can settle inside
	// Wrap's detection reads.
	p.finished.Store(true)
	if p.hop.Method != http.MethodHead && p.resp.Body != http.NoBody {
		decoded, err := decode.Wrap(p.resp.Body, p.resp.Header, p.req.Encoding, p.a.opt.Decode)
		if err != nil {
			// Wrap closed the tracked body, discarding the connection.
			p.err = err
			p.abort()
			return nil, p.err
		}
		p.resp.Body = decoded
	} else {
		p.cancel()
	}
	return &Response{Response: p.resp, Version: p.version}, nil
}

func (p *pipeline) abort() {
	if p.raw != nil {
		_ = p.raw.Close()
		p.raw = nil
	}
	if p.tracked != nil && p.resp != nil && p.resp.Body == p.tracked {
		_ = p.tracked.Close()
	} else if p.conn != nil {
		p.a.pool.Checkin(p.conn, false)
		p.conn = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// fail retries once on a fresh connection for idempotent methods when the
// error happened at connection level, per configuration. Everything else
// terminates the state machine.
func (p *pipeline) fail(err error, connectionLevel bool) state {
	if connectionLevel && p.a.opt.RetryIdempotent && !p.retried &&
		idempotent(p.hop.Method) && p.ctx.Err() == nil {
		p.retried = true
		return statePoolCheckout
	}
	p.err = err
	return stateFailed
}

// drainHopBody consumes a bounded amount of a redirect response body so
// the connection can be reused, discarding it otherwise.
func (p *pipeline) drainHopBody() {
	if p.resp == nil || p.resp.Body == http.NoBody {
		return
	}
	_, _ = io.CopyN(io.Discard, p.resp.Body, redirectBodyLimit)
	_ = p.resp.Body.Close()
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func bodyless(req *http.Request, resp *http.Response) bool {
	return req.Method == http.MethodHead ||
		resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified
}

// trackedBody settles the pooled connection exactly once: checkin when the
// raw stream is fully drained, discard when abandoned early.
type trackedBody struct {
	rc     io.ReadCloser
	onDone func(drained bool)

	mu      sync.Mutex
	settled bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.settle(true)
	}
	return n, err
}

func (b *trackedBody) Close() error {
	err := b.rc.Close()
	b.settle(false)
	return err
}

func (b *trackedBody) settle(drained bool) {
	b.mu.Lock()
	if b.settled {
		b.mu.Unlock()
		return
	}
	b.settled = true
	b.mu.Unlock()
	b.onDone(drained)
}
