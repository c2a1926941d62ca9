// Package engine defines the boundary between the I/O runtime and the QUIC
// protocol engine it drives.
//
// The runtime only ever calls Engine.Create, Conn.Receive and Conn.OnTimeout.
// Everything else an engine may offer is discovered through the optional
// interfaces in this package.
package engine

import (
	"net/netip"
	"time"

	"github.com/postalsys/quicloop/internal/dgram"
)

// Engine mints protocol connections.
type Engine interface {
	// Create returns a handle for a new connection between local and remote.
	// A non-nil error means the connection could not be created and nothing
	// is registered for it.
	Create(local, remote netip.AddrPort) (Conn, error)
}

// Conn is one protocol connection.
type Conn interface {
	// Receive processes one incoming datagram.
	Receive(d dgram.Datagram) Result

	// OnTimeout signals that the last requested deadline has passed.
	OnTimeout() Result
}

// Packet is one outgoing datagram requested by the engine.
type Packet struct {
	To netip.AddrPort

	// From pins the source address. When unset the connection's local
	// address is used.
	From netip.Addr

	// At asks the kernel not to send before the given time. It is honoured
	// only on sockets with pacing enabled.
	At time.Time

	Payload []byte
}

// Result is what the engine wants done after a Receive or OnTimeout call.
type Result struct {
	Outbound []Packet

	// Deadline is the next time the connection wants OnTimeout. The zero
	// value means no timer.
	Deadline time.Time

	// Terminal reports that the connection is closed or drained. Outbound
	// packets of a terminal result are still sent.
	Terminal bool
}

// Classifier is implemented by engines that route datagrams by a protocol
// level connection id instead of the address pair.
type Classifier interface {
	// ConnectionID extracts the routing key from a datagram. ok is false when
	// the datagram carries no usable id; the address pair is used instead.
	ConnectionID(d dgram.Datagram) (id []byte, ok bool)
}

// Starter is implemented by connections that have packets to send as soon as
// they are created, such as the first flight of a client handshake. It is
// only called for connections opened with an explicit connect.
type Starter interface {
	Start() Result
}

// Closer is implemented by connections that can produce a close sequence
// during graceful shutdown.
type Closer interface {
	Close() Result
}

// FailureHandler is implemented by connections that want to hear about
// datagrams the kernel could not deliver.
type FailureHandler interface {
	OnDeliveryFailure(to netip.AddrPort, err error)
}
