package rt

import (
	"context"
	"net"
	"time"

	"github.com/spf13/afero"
)

// Std is the default runtime: plain goroutines, net.Dialer and the OS
// filesystem.
type Std struct {
	dialer net.Dialer
	fs     afero.Fs
	handles
}

// NewStd returns the standard runtime.
func NewStd() *Std {
	return &Std{
		dialer: net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		fs: afero.NewOsFs(),
	}
}

func (s *Std) Name() string { return "std" }

func (s *Std) Go(task func()) { go task() }

func (s *Std) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Std) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	c, err := s.dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return s.track(c), nil
}

func (s *Std) Listen(network, address string) (net.Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &countedListener{Listener: ln, h: &s.handles}, nil
}

func (s *Std) Files() afero.Fs { return s.fs }

func (s *Std) OpenHandles() int64 { return s.n.Load() }
