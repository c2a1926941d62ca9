//go:build !linux

package dgram

import "net/netip"

// Socket is unavailable on this platform.
type Socket struct{}

// Bind always fails with ErrUnsupported.
func Bind(addr string, opts Options) (*Socket, error) {
	return nil, ErrUnsupported
}

func (s *Socket) FD() int                   { return -1 }
func (s *Socket) LocalAddr() netip.AddrPort { return netip.AddrPort{} }
func (s *Socket) GSO() bool                 { return false }
func (s *Socket) GRO() bool                 { return false }
func (s *Socket) Pacing() bool              { return false }
func (s *Socket) PacketInfo() bool          { return false }
func (s *Socket) Counters() Counters        { return Counters{} }
func (s *Socket) Close() error              { return nil }

func (s *Socket) ReceiveBatch() (*Batch, error) {
	return nil, ErrUnsupported
}

func (s *Socket) SendBatch(batch []Transmit, fail func(Transmit, error)) (int, error) {
	return 0, ErrUnsupported
}

func (s *Socket) DrainErrors(report func(dst netip.AddrPort, err error)) (int, error) {
	return 0, ErrUnsupported
}

// Probe reports no offload support.
func Probe() (Support, error) {
	return Support{}, ErrUnsupported
}
