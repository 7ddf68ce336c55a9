// Package agent drives logical HTTP requests end to end: cookie apply,
// pool checkout, connect and handshake on a miss, send, response
// streaming through the decoder stack, cookie update and redirect
// following. Each request runs as an explicit state machine; see pipeline.go.
package agent

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/shuttlehq/shuttle"
	"github.com/shuttlehq/shuttle/cookie"
	"github.com/shuttlehq/shuttle/decode"
	"github.com/shuttlehq/shuttle/internal/utils"
	"github.com/shuttlehq/shuttle/pool"
	"github.com/shuttlehq/shuttle/rt"
)

// Agent http client interface
type Agent interface {
	// Get issues a GET to the specified URL string and optional headers.
	Get(url string, headers map[string]string) (*Response, error)
	// Post issues a POST to the specified URL string, body and optional headers.
	Post(url string, body any, headers map[string]string) (*Response, error)
	// Head issues a HEAD to the specified URL string and optional headers.
	Head(url string, headers map[string]string) (*Response, error)
	// Request sends request with specified method, url, body, headers; returns an HTTP response.
	Request(method, url string, body any, headers map[string]string) (*Response, error)
	// DoRequest sends an agent.Request and returns an HTTP response.
	DoRequest(*Request) (*Response, error)
	// Close discards pooled connections.
	Close() error
}

const (
	// DefaultMaxRedirects bounds a redirect chain.
	DefaultMaxRedirects = 10
	// DefaultTimeout whole-request timeout, body consumption included.
	DefaultTimeout = time.Minute
	// DefaultConnectTimeout bounds TCP connect plus TLS handshake.
	DefaultConnectTimeout = 30 * time.Second
)

// Options The Agent instance options
type Options struct {
	Proto           shuttle.Proto `yaml:"proto"`
	MaxRedirects    int           `yaml:"max-redirects"`
	RetryIdempotent bool          `yaml:"retry-idempotent"`
	// ForwardHeaders carries caller-set headers onto redirects that leave
	// the original origin. Off by default: only the default header set and
	// jar cookies cross origins.
	ForwardHeaders bool           `yaml:"forward-headers"`
	Timeout        time.Duration  `yaml:"timeout"`
	ConnectTimeout time.Duration  `yaml:"connect-timeout"`
	TLS            *tls.Config    `yaml:"-"`
	Jar            cookie.Jar     `yaml:"-"`
	Pool           pool.Options   `yaml:"pool"`
	Decode         decode.Options `yaml:"decode"`
}

type agent struct {
	opt  Options
	jar  cookie.Jar
	pool *pool.Pool
	rtc  rt.Runtime
}

// New returns a new Agent instance. A nil Jar gets a fresh in-memory jar,
// so independent agents never share cookie or pool state.
func New(opt Options) Agent {
	opt.MaxRedirects = utils.ZeroOr(opt.MaxRedirects, DefaultMaxRedirects)
	opt.Timeout = utils.ZeroOr(opt.Timeout, DefaultTimeout)
	opt.ConnectTimeout = utils.ZeroOr(opt.ConnectTimeout, DefaultConnectTimeout)

	jar := opt.Jar
	if jar == nil {
		jar = cookie.NewJar()
	}
	return &agent{
		opt:  opt,
		jar:  jar,
		pool: pool.New(opt.Pool),
		rtc:  rt.Current(),
	}
}

// Get issues a GET to the specified URL string and optional headers.
func (a *agent) Get(url string, headers map[string]string) (*Response, error) {
	return a.Request(http.MethodGet, url, nil, headers)
}

// Post issues a POST to the specified URL string, body and optional headers.
func (a *agent) Post(url string, body any, headers map[string]string) (*Response, error) {
	return a.Request(http.MethodPost, url, body, headers)
}

// Head issues a HEAD to the specified URL string and optional headers.
func (a *agent) Head(url string, headers map[string]string) (*Response, error) {
	return a.Request(http.MethodHead, url, nil, headers)
}

// Request sends request with specified method, url, body, headers; returns an HTTP response.
func (a *agent) Request(method, url string, body any, headers map[string]string) (*Response, error) {
	request, err := NewRequest(method, url, body, headers)
	if err != nil {
		return nil, err
	}
	return a.DoRequest(request)
}

// DoRequest sends an agent.Request and returns an HTTP response.
func (a *agent) DoRequest(req *Request) (*Response, error) {
	return newPipeline(a, req).run()
}

// Close discards pooled connections.
func (a *agent) Close() error {
	a.pool.Close()
	return nil
}
