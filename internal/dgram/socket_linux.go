//go:build linux

package dgram

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// Socket is a non-blocking UDP socket driven directly through recvmsg and
// sendmsg on its file descriptor.
type Socket struct {
	conn  *net.UDPConn
	fd    int
	local netip.AddrPort
	v6    bool

	gso     bool
	gro     bool
	pktinfo bool
	pacing  bool

	maxSegment int

	rbuf []byte
	roob []byte
	wbuf []byte
	woob []byte
	ebuf []byte
	eoob []byte

	counters Counters
	closed   bool

	// sendmsg is unix.SendmsgN, replaceable in tests.
	sendmsg func(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error)
}

// Bind opens a UDP socket on addr ("host:port") and enables the offloads
// allowed by opts and supported by the kernel.
func Bind(addr string, opts Options) (*Socket, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = setListenOptions(int(fd), opts)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)

	s := &Socket{
		conn:       conn,
		maxSegment: opts.MaxSegmentSize,
		sendmsg:    unix.SendmsgN,
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind %s: raw conn: %w", addr, err)
	}
	if err := raw.Control(func(fd uintptr) { s.fd = int(fd) }); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind %s: raw conn: %w", addr, err)
	}

	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind %s: getsockname: %w", addr, err)
	}
	_, s.v6 = sa.(*unix.SockaddrInet6)
	s.local = addrPortOf(sa)

	if !opts.DisableGSO {
		s.gso = gsoSupported(s.fd)
	}
	if !opts.DisableGRO {
		s.gro = unix.SetsockoptInt(s.fd, unix.IPPROTO_UDP, unix.UDP_GRO, 1) == nil
	}
	if !opts.DisablePacing {
		s.pacing = enableTxTime(s.fd)
	}
	s.enableRecvErr()
	if s.local.Addr().IsUnspecified() {
		s.pktinfo = s.enablePacketInfo()
	}

	rsize := s.maxSegment
	if s.gro {
		rsize = maxReceiveBuffer
	}
	s.rbuf = make([]byte, rsize)
	s.roob = make([]byte, receiveOOBSize())
	s.wbuf = make([]byte, 0, maxReceiveBuffer)
	s.woob = make([]byte, 0, unix.CmsgSpace(2)+unix.CmsgSpace(8)+receiveOOBSize())
	s.ebuf = make([]byte, s.maxSegment)
	s.eoob = make([]byte, 512)

	return s, nil
}

func setListenOptions(fd int, opts Options) error {
	if opts.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	}
	if opts.ReceiveBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReceiveBuffer); err != nil {
			return fmt.Errorf("set SO_RCVBUF: %w", err)
		}
	}
	if opts.SendBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer); err != nil {
			return fmt.Errorf("set SO_SNDBUF: %w", err)
		}
	}
	return nil
}

// gsoSupported reports whether the kernel knows UDP_SEGMENT.
func gsoSupported(fd int) bool {
	_, err := unix.GetsockoptInt(fd, unix.IPPROTO_UDP, unix.UDP_SEGMENT)
	return err == nil
}

// enableTxTime turns on SO_TXTIME with the monotonic clock so sends can
// carry an earliest departure time.
func enableTxTime(fd int) bool {
	// struct sock_txtime { clockid_t clockid; __u32 flags; }
	var cfg [8]byte
	binary.NativeEndian.PutUint32(cfg[0:], uint32(unix.CLOCK_MONOTONIC))
	return unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_TXTIME, string(cfg[:])) == nil
}

// enableRecvErr queues ICMP errors on the socket error queue together with
// the destination of the datagram that caused them.
func (s *Socket) enableRecvErr() {
	_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_IP, unix.IP_RECVERR, 1)
	if s.v6 {
		_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_RECVERR, 1)
	}
}

func (s *Socket) enablePacketInfo() bool {
	ok := ipv4.NewPacketConn(s.conn).SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true) == nil
	if s.v6 {
		ok = ipv6.NewPacketConn(s.conn).SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true) == nil && ok
	}
	return ok
}

func receiveOOBSize() int {
	return len(ipv4.NewControlMessage(ipv4.FlagDst|ipv4.FlagInterface)) +
		len(ipv6.NewControlMessage(ipv6.FlagDst|ipv6.FlagInterface)) +
		unix.CmsgSpace(4)
}

// FD returns the socket file descriptor for readiness registration.
func (s *Socket) FD() int { return s.fd }

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// GSO reports whether segmented sends are in use.
func (s *Socket) GSO() bool { return s.gso }

// GRO reports whether receive aggregation is enabled.
func (s *Socket) GRO() bool { return s.gro }

// Pacing reports whether sends honour Transmit.At.
func (s *Socket) Pacing() bool { return s.pacing }

// PacketInfo reports whether received datagrams carry their real
// destination address. Only wildcard-bound sockets enable it.
func (s *Socket) PacketInfo() bool { return s.pktinfo }

// Counters returns cumulative system call statistics.
func (s *Socket) Counters() Counters { return s.counters }

// Close releases the socket.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// ReceiveBatch performs one receive call. It returns a nil batch when no
// datagram is immediately available.
func (s *Socket) ReceiveBatch() (*Batch, error) {
	if s.closed {
		return nil, ErrClosed
	}
	for {
		s.counters.RecvCalls++
		n, oobn, flags, from, err := unix.Recvmsg(s.fd, s.rbuf, s.roob, 0)
		if err != nil {
			if isTransient(err) {
				return nil, nil
			}
			if isDestinationError(err) {
				// A pending ICMP error surfaced on the receive path. The
				// error queue carries its destination; keep reading.
				continue
			}
			return nil, fmt.Errorf("recvmsg: %w", err)
		}
		if flags&unix.MSG_TRUNC != 0 {
			s.counters.Truncated++
			continue
		}

		local := s.local
		gro := 0
		if oobn > 0 {
			gro, local = s.parseReceiveOOB(s.roob[:oobn])
		}
		return newBatch(s.rbuf[:n], gro, addrPortOf(from), local, gro), nil
	}
}

func (s *Socket) parseReceiveOOB(oob []byte) (int, netip.AddrPort) {
	local := s.local
	gro := 0

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err == nil {
		for _, m := range msgs {
			if m.Header.Level == unix.IPPROTO_UDP && m.Header.Type == unix.UDP_GRO && len(m.Data) >= 4 {
				gro = int(int32(binary.NativeEndian.Uint32(m.Data)))
			}
		}
	}

	if !s.pktinfo {
		return gro, local
	}
	var cm4 ipv4.ControlMessage
	if cm4.Parse(oob) == nil && cm4.Dst != nil {
		if a, ok := netip.AddrFromSlice(cm4.Dst); ok {
			return gro, netip.AddrPortFrom(a.Unmap(), s.local.Port())
		}
	}
	if s.v6 {
		var cm6 ipv6.ControlMessage
		if cm6.Parse(oob) == nil && cm6.Dst != nil {
			if a, ok := netip.AddrFromSlice(cm6.Dst); ok {
				return gro, netip.AddrPortFrom(a.Unmap(), s.local.Port())
			}
		}
	}
	return gro, local
}

// SendBatch transmits batch in order and returns how many transmits were
// fully handed to the kernel. On would-block it returns early with a nil
// error; the chunks of batch[sent] that already went out are trimmed so the
// caller can retry the remainder. Errors that belong to a single destination
// are passed to fail and the batch continues.
func (s *Socket) SendBatch(batch []Transmit, fail func(Transmit, error)) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	for i := range batch {
		t := &batch[i]
		sa, err := s.sockaddr(t.To)
		if err != nil {
			if fail != nil {
				fail(*t, err)
			}
			t.Chunks = nil
			continue
		}
		oob := s.sourceOOB(t.From)
		txtime := s.txTime(t.At)

		retried := false
		segment := s.gso
		for len(t.Chunks) > 0 {
			n := 1
			if segment {
				n = gsoRun(t.Chunks, maxGSOSegments, maxGSOBytes(s.v6))
			}
			err := s.write(t.Chunks[:n], sa, oob, txtime)
			switch {
			case err == nil:
				t.Chunks = t.Chunks[n:]
				retried = false
			case isTransient(err):
				return i, nil
			case n > 1 && errors.Is(err, unix.EIO):
				// The device cannot checksum segmented sends.
				s.gso = false
				segment = false
			case n > 1 && errors.Is(err, unix.EINVAL):
				// The segment size does not fit this path; send the rest of
				// the transmit unsegmented.
				segment = false
			case isDestinationError(err) && !retried:
				// The error may be a pending ICMP report for an earlier
				// datagram; it is cleared by reading it, so try once more.
				retried = true
			case errors.Is(err, unix.EBADF):
				return i, fmt.Errorf("sendmsg: %w", err)
			default:
				if fail != nil {
					fail(*t, err)
				}
				t.Chunks = nil
			}
		}
	}
	return len(batch), nil
}

func (s *Socket) write(chunks [][]byte, sa unix.Sockaddr, oob []byte, txtime uint64) error {
	s.counters.SendCalls++
	s.woob = append(s.woob[:0], oob...)
	if txtime != 0 {
		s.woob = appendTxTime(s.woob, txtime)
	}
	if len(chunks) == 1 {
		_, err := s.sendmsg(s.fd, chunks[0], s.woob, sa, 0)
		return err
	}

	s.wbuf = s.wbuf[:0]
	for _, c := range chunks {
		s.wbuf = append(s.wbuf, c...)
	}
	s.woob = appendSegmentSize(s.woob, uint16(len(chunks[0])))
	s.counters.SegmentedSends++
	_, err := s.sendmsg(s.fd, s.wbuf, s.woob, sa, 0)
	return err
}

// txTime converts a departure time into CLOCK_MONOTONIC nanoseconds for
// SCM_TXTIME. It returns 0 when pacing is off or at is not in the future.
func (s *Socket) txTime(at time.Time) uint64 {
	if !s.pacing || at.IsZero() {
		return 0
	}
	d := time.Until(at)
	if d <= 0 {
		return 0
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano()) + uint64(d)
}

// appendTxTime appends an SCM_TXTIME control message to b.
func appendTxTime(b []byte, ns uint64) []byte {
	start := len(b)
	b = append(b, make([]byte, unix.CmsgSpace(8))...)
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[start]))
	h.Level = unix.SOL_SOCKET
	h.Type = unix.SCM_TXTIME
	h.SetLen(unix.CmsgLen(8))
	binary.NativeEndian.PutUint64(b[start+unix.CmsgLen(0):], ns)
	return b
}

// appendSegmentSize appends a UDP_SEGMENT control message to b.
func appendSegmentSize(b []byte, size uint16) []byte {
	start := len(b)
	b = append(b, make([]byte, unix.CmsgSpace(2))...)
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[start]))
	h.Level = unix.IPPROTO_UDP
	h.Type = unix.UDP_SEGMENT
	h.SetLen(unix.CmsgLen(2))
	binary.NativeEndian.PutUint16(b[start+unix.CmsgLen(0):], size)
	return b
}

func (s *Socket) sourceOOB(from netip.Addr) []byte {
	if !s.pktinfo || !from.IsValid() {
		return nil
	}
	if from.Unmap().Is4() {
		return (&ipv4.ControlMessage{Src: net.IP(from.Unmap().AsSlice())}).Marshal()
	}
	return (&ipv6.ControlMessage{Src: net.IP(from.AsSlice())}).Marshal()
}

func (s *Socket) sockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if !addr.IsValid() {
		return nil, ErrAddressFamily
	}
	if !s.v6 {
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, ErrAddressFamily
		}
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, nil
}

// DrainErrors reads the socket error queue and reports every queued error
// with the destination of the datagram that caused it. It returns the number
// of errors read.
func (s *Socket) DrainErrors(report func(dst netip.AddrPort, err error)) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	count := 0
	for {
		_, oobn, _, from, err := unix.Recvmsg(s.fd, s.ebuf, s.eoob, unix.MSG_ERRQUEUE)
		if err != nil {
			if isTransient(err) {
				return count, nil
			}
			return count, fmt.Errorf("recvmsg errqueue: %w", err)
		}
		count++
		if report == nil {
			continue
		}
		if errno, ok := extendedErr(s.eoob[:oobn]); ok {
			report(addrPortOf(from), errno)
		}
	}
}

func extendedErr(oob []byte) (unix.Errno, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, m := range msgs {
		isV4 := m.Header.Level == unix.IPPROTO_IP && m.Header.Type == unix.IP_RECVERR
		isV6 := m.Header.Level == unix.IPPROTO_IPV6 && m.Header.Type == unix.IPV6_RECVERR
		if (isV4 || isV6) && len(m.Data) >= int(unsafe.Sizeof(unix.SockExtendedErr{})) {
			ee := (*unix.SockExtendedErr)(unsafe.Pointer(&m.Data[0]))
			return unix.Errno(ee.Errno), true
		}
	}
	return 0, false
}

func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOBUFS)
}

// isDestinationError reports errors that concern one peer rather than the
// socket.
func isDestinationError(err error) bool {
	return errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETUNREACH) ||
		errors.Is(err, unix.EMSGSIZE) ||
		errors.Is(err, unix.EACCES) ||
		errors.Is(err, unix.EPERM)
}

// Probe reports the offloads supported by the host kernel.
func Probe() (Support, error) {
	s, err := Bind("127.0.0.1:0", Options{})
	if err != nil {
		return Support{}, err
	}
	defer s.Close()
	return Support{GSO: s.gso, GRO: s.gro, Pacing: s.pacing}, nil
}
