// Package dgram moves UDP datagrams between the kernel and the reactor with
// as few system calls as the host allows.
//
// On send, consecutive chunks for one destination are coalesced into a
// single sendmsg carrying a UDP_SEGMENT control message (generic segmentation
// offload) whenever the kernel supports it. On receive, UDP_GRO lets the
// kernel merge same-flow datagrams into one buffer, which Batch splits back
// into the original datagrams.
//
// Would-block is never an error in this package: ReceiveBatch returns a nil
// batch and SendBatch stops early, leaving the unsent chunks in place for the
// next attempt.
//
// A Socket is owned by one reactor goroutine and is not safe for concurrent
// use.
package dgram

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

const (
	// DefaultMaxSegmentSize is the default largest UDP payload handed to or
	// accepted from the kernel when offload is not in play.
	DefaultMaxSegmentSize = 1452

	// maxGSOSegments caps the number of segments in one segmented send.
	maxGSOSegments = 64

	// maxReceiveBuffer holds the largest coalesced GRO delivery.
	maxReceiveBuffer = 1<<16 - 1
)

var (
	// ErrUnsupported is returned on platforms without the offload socket API.
	ErrUnsupported = errors.New("dgram: platform not supported")

	// ErrAddressFamily is reported for a destination the socket cannot reach.
	ErrAddressFamily = errors.New("dgram: destination address family mismatch")

	// ErrClosed is returned for operations on a closed socket.
	ErrClosed = errors.New("dgram: socket closed")
)

// Datagram is one received UDP payload.
type Datagram struct {
	Payload []byte

	// Remote is the sender address.
	Remote netip.AddrPort

	// Local is the address the datagram was sent to. For wildcard-bound
	// sockets it carries the packet's real destination address.
	Local netip.AddrPort

	// SegmentSize is the GRO segment size the datagram was delivered with, or
	// 0 when the kernel did not coalesce.
	SegmentSize int
}

// Transmit is an ordered list of payloads for one destination.
type Transmit struct {
	To netip.AddrPort

	// From optionally pins the source address on wildcard-bound sockets.
	From netip.Addr

	// At is the earliest departure time. The zero value sends immediately,
	// as does any time when the socket has no pacing support.
	At time.Time

	Chunks [][]byte
}

// Bytes returns the total payload size of t.
func (t Transmit) Bytes() int {
	n := 0
	for _, c := range t.Chunks {
		n += len(c)
	}
	return n
}

// Options configures Bind.
type Options struct {
	// MaxSegmentSize sizes the receive buffer when GRO is off and bounds GSO
	// segment sizes.
	MaxSegmentSize int

	DisableGSO    bool
	DisableGRO    bool
	DisablePacing bool

	// ReusePort sets SO_REUSEPORT so several reactors can share one address.
	ReusePort bool

	// ReceiveBuffer and SendBuffer set SO_RCVBUF/SO_SNDBUF when positive.
	ReceiveBuffer int
	SendBuffer    int
}

// Counters are cumulative per-socket system call statistics.
type Counters struct {
	RecvCalls      uint64
	SendCalls      uint64
	SegmentedSends uint64
	Truncated      uint64
}

// Support reports which offloads the host kernel accepts.
type Support struct {
	GSO    bool
	GRO    bool
	Pacing bool
}

// SourceAddr returns the local address the host routes through to reach
// remote. A connected UDP socket is enough for the kernel to pick it; no
// packet is sent.
func SourceAddr(remote netip.AddrPort) (netip.Addr, error) {
	c, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("no route to %s: %w", remote, err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

// Batch is the lazily split result of one receive call. It is consumed once
// through Next and stays valid only until the next ReceiveBatch on the same
// socket.
type Batch struct {
	buf    []byte
	seg    int
	off    int
	left   int
	remote netip.AddrPort
	local  netip.AddrPort
	gro    int
}

func newBatch(buf []byte, seg int, remote, local netip.AddrPort, gro int) *Batch {
	if seg <= 0 || seg > len(buf) {
		seg = len(buf)
	}
	left := 1
	if seg > 0 {
		left = (len(buf) + seg - 1) / seg
	}
	return &Batch{buf: buf, seg: seg, left: left, remote: remote, local: local, gro: gro}
}

// Len returns the number of datagrams still to be produced.
func (b *Batch) Len() int {
	return b.left
}

// Next returns the next datagram of the batch. Each payload is a fresh copy
// owned by the caller.
func (b *Batch) Next() (Datagram, bool) {
	if b.left == 0 {
		return Datagram{}, false
	}
	b.left--
	end := min(b.off+b.seg, len(b.buf))
	payload := make([]byte, end-b.off)
	copy(payload, b.buf[b.off:end])
	b.off = end
	return Datagram{
		Payload:     payload,
		Remote:      b.remote,
		Local:       b.local,
		SegmentSize: b.gro,
	}, true
}

// gsoRun returns how many leading chunks can travel in one segmented send:
// every chunk but the last must match the first chunk's size, the last may be
// shorter, and the run must respect the segment and byte limits.
func gsoRun(chunks [][]byte, maxSegments, maxBytes int) int {
	if len(chunks) == 0 {
		return 0
	}
	size := len(chunks[0])
	if size == 0 {
		return 1
	}
	total := size
	n := 1
	for n < len(chunks) && n < maxSegments {
		l := len(chunks[n])
		if l == 0 || l > size || total+l > maxBytes {
			break
		}
		total += l
		n++
		if l < size {
			break
		}
	}
	return n
}

// maxGSOBytes is the largest UDP payload one segmented send may carry.
func maxGSOBytes(v6 bool) int {
	if v6 {
		return 1<<16 - 1 - 8
	}
	return 1<<16 - 1 - 8 - 20
}

// SegmentsPerSend returns how many segments of segmentSize bytes one
// segmented send can carry to an IPv4 or IPv6 destination.
func SegmentsPerSend(segmentSize int, v6 bool) int {
	if segmentSize <= 0 {
		return 0
	}
	return min(maxGSOSegments, maxGSOBytes(v6)/segmentSize)
}
