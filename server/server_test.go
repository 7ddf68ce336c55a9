package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/shuttlehq/shuttle"
	"github.com/shuttlehq/shuttle/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, handler http.Handler, opt Options) *Server {
	t.Helper()
	if opt.Addr == "" {
		opt.Addr = "127.0.0.1:0"
	}
	srv, err := New(handler, opt)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func serverCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "shuttle test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, roots
}

func TestServeHTTP1(t *testing.T) {
	t.Parallel()
	srv := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}), Options{})

	ag := agent.New(agent.Options{})
	defer ag.Close()

	res, err := ag.Get("http://"+srv.Addr().String(), nil)
	require.NoError(t, err)
	assert.Equal(t, shuttle.ProtoHTTP1, res.Version)
	text, err := res.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestServeCleartextHTTP2(t *testing.T) {
	t.Parallel()
	srv := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, 2, r.ProtoMajor)
		_, _ = w.Write([]byte("h2c"))
	}), Options{})

	ag := agent.New(agent.Options{Proto: shuttle.ProtoHTTP2})
	defer ag.Close()

	res, err := ag.Get("http://"+srv.Addr().String(), nil)
	require.NoError(t, err)
	assert.Equal(t, shuttle.ProtoHTTP2, res.Version)
	text, err := res.Text()
	require.NoError(t, err)
	assert.Equal(t, "h2c", text)
}

func TestServeTLSNegotiatesHTTP2(t *testing.T) {
	t.Parallel()
	cert, roots := serverCert(t)
	srv := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("secure"))
	}), Options{TLS: &tls.Config{Certificates: []tls.Certificate{cert}}})

	ag := agent.New(agent.Options{TLS: &tls.Config{RootCAs: roots}})
	defer ag.Close()

	res, err := ag.Get("https://"+srv.Addr().String(), nil)
	require.NoError(t, err)
	assert.Equal(t, shuttle.ProtoHTTP2, res.Version)
	text, err := res.Text()
	require.NoError(t, err)
	assert.Equal(t, "secure", text)
}

func TestServeTLSWithHTTP2Disabled(t *testing.T) {
	t.Parallel()
	cert, roots := serverCert(t)
	srv := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("h1 only"))
	}), Options{TLS: &tls.Config{Certificates: []tls.Certificate{cert}}, DisableHTTP2: true})

	ag := agent.New(agent.Options{TLS: &tls.Config{RootCAs: roots}})
	defer ag.Close()

	res, err := ag.Get("https://"+srv.Addr().String(), nil)
	require.NoError(t, err)
	assert.Equal(t, shuttle.ProtoHTTP1, res.Version)
	_, _ = res.Bytes()
}

func TestGracefulShutdown(t *testing.T) {
	t.Parallel()
	srv := startServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("done"))
	}), Options{})

	ag := agent.New(agent.Options{})
	defer ag.Close()

	type result struct {
		text string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		res, err := ag.Get("http://"+srv.Addr().String(), nil)
		if err != nil {
			got <- result{err: err}
			return
		}
		text, err := res.Text()
		got <- result{text: text, err: err}
	}()

	// Shut down while the request is in flight; it must still complete.
	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "done", r.text)
}
