//go:build !linux

package poller

import (
	"errors"
	"time"
)

// ErrUnsupported is returned on platforms without epoll.
var ErrUnsupported = errors.New("poller: platform not supported")

// Poller is unavailable on this platform.
type Poller struct{}

// New always fails with ErrUnsupported.
func New(maxEvents int) (*Poller, error) {
	return nil, ErrUnsupported
}

func (p *Poller) Add(fd int) error    { return ErrUnsupported }
func (p *Poller) Remove(fd int) error { return ErrUnsupported }
func (p *Poller) Wake() error         { return ErrUnsupported }
func (p *Poller) Close() error        { return nil }

func (p *Poller) Wait(dst []Event, timeout time.Duration) ([]Event, error) {
	return dst, ErrUnsupported
}
