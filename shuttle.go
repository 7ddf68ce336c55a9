// Package shuttle is a runtime-pluggable HTTP/1 and HTTP/2 client/server
// engine. It owns connection pooling, TLS/ALPN negotiation, redirects,
// cookies and body decoding; wire framing is delegated to net/http and
// golang.org/x/net/http2.
package shuttle

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Version of the engine, reported in the default User-Agent.
const Version = "0.3.1"

// Proto selects the HTTP protocol version for a connection.
type Proto uint8

const (
	// ProtoAuto negotiates the version via ALPN, falling back to HTTP/1.
	ProtoAuto Proto = iota
	// ProtoHTTP1 forces HTTP/1.1.
	ProtoHTTP1
	// ProtoHTTP2 forces HTTP/2 (over TLS via ALPN, or h2c prior knowledge).
	ProtoHTTP2
)

func (p Proto) String() string {
	switch p {
	case ProtoHTTP1:
		return "http/1.1"
	case ProtoHTTP2:
		return "h2"
	default:
		return "auto"
	}
}

// ALPN returns the protocol identifiers to offer during the TLS handshake.
func (p Proto) ALPN() []string {
	switch p {
	case ProtoHTTP1:
		return []string{"http/1.1"}
	case ProtoHTTP2:
		return []string{"h2"}
	default:
		return []string{"h2", "http/1.1"}
	}
}

// Origin identifies a distinct connection target. It is the pooling key:
// two URLs with equal Origin may share pooled connections.
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

// OriginOf derives the Origin of a parsed URL, filling in the default port.
func OriginOf(u *url.URL) (Origin, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	port := u.Port()
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return Origin{Scheme: scheme, Host: strings.ToLower(u.Hostname()), Port: port}, nil
}

// Addr returns the host:port dial address.
func (o Origin) Addr() string { return net.JoinHostPort(o.Host, o.Port) }

func (o Origin) String() string { return o.Scheme + "://" + o.Addr() }
