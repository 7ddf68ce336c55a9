package codec

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/shuttlehq/shuttle"
)

// Config controls protocol negotiation for new connections.
type Config struct {
	// Proto forces a version, or negotiates when ProtoAuto.
	Proto shuttle.Proto
	// TLS is the base client TLS configuration; ServerName and NextProtos
	// are filled in per origin when unset.
	TLS *tls.Config
}

// Negotiate upgrades conn for origin and binds the matching codec. On https
// origins the connection is upgraded to TLS and the ALPN result drives the
// version choice; without ALPN (or on cleartext origins) the configured
// version applies, HTTP/1 by default. The raw connection is closed on
// error.
func Negotiate(ctx context.Context, conn net.Conn, origin shuttle.Origin, cfg Config) (Codec, error) {
	if origin.Scheme != "https" {
		if cfg.Proto == shuttle.ProtoHTTP2 {
			return NewHTTP2(conn, true)
		}
		return NewHTTP1(conn), nil
	}

	tconf := cfg.TLS.Clone()
	if tconf == nil {
		tconf = &tls.Config{}
	}
	if tconf.ServerName == "" {
		tconf.ServerName = origin.Host
	}
	if len(tconf.NextProtos) == 0 {
		tconf.NextProtos = cfg.Proto.ALPN()
	}

	tc := tls.Client(conn, tconf)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &shuttle.TLSHandshakeError{Origin: origin, Err: err}
	}

	got := shuttle.ProtoHTTP1
	if tc.ConnectionState().NegotiatedProtocol == "h2" {
		got = shuttle.ProtoHTTP2
	}
	if cfg.Proto != shuttle.ProtoAuto && cfg.Proto != got {
		_ = tc.Close()
		return nil, &shuttle.ProtocolMismatchError{Want: cfg.Proto, Got: got}
	}
	if got == shuttle.ProtoHTTP2 {
		return NewHTTP2(tc, false)
	}
	return NewHTTP1(tc), nil
}
