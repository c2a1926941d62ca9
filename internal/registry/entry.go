package registry

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/eapache/queue"

	"github.com/postalsys/quicloop/internal/engine"
)

// DropPolicy decides which packet a full outbound queue discards.
type DropPolicy int

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest DropPolicy = iota
	// DropNewest rejects the packet being enqueued.
	DropNewest
)

func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// ParseDropPolicy parses "drop-oldest" or "drop-newest".
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(s) {
	case "", "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("invalid drop policy: %s (must be drop-oldest or drop-newest)", s)
	}
}

// Entry is one live connection.
type Entry struct {
	ID      ID
	Conn    engine.Conn
	Created time.Time

	// Socket is the index of the reactor socket the connection lives on.
	Socket int

	// Peer is the remote address the connection last heard from.
	Peer netip.AddrPort

	// Source is the local address the peer last reached. Replies leave from
	// it when the socket is bound to the unspecified address.
	Source netip.Addr

	deadline time.Time
	outbound *queue.Queue
	maxQueue int
	policy   DropPolicy
	dropped  uint64
	terminal bool
	removed  bool
	touched  bool
}

func newEntry(id ID, conn engine.Conn, maxQueue int, policy DropPolicy) *Entry {
	return &Entry{
		ID:       id,
		Conn:     conn,
		Peer:     id.Remote,
		Source:   id.Local.Addr(),
		Created:  time.Now(),
		outbound: queue.New(),
		maxQueue: maxQueue,
		policy:   policy,
	}
}

// Deadline returns the deadline currently scheduled for the entry. It
// mirrors the scheduler record and does not own it.
func (e *Entry) Deadline() (time.Time, bool) {
	return e.deadline, !e.deadline.IsZero()
}

// SetDeadline records the scheduled deadline. The zero time means none.
func (e *Entry) SetDeadline(t time.Time) {
	e.deadline = t
}

// Enqueue appends p to the outbound queue. It reports false when the queue
// was full and a packet had to be discarded according to the drop policy.
func (e *Entry) Enqueue(p engine.Packet) bool {
	if e.maxQueue > 0 && e.outbound.Length() >= e.maxQueue {
		e.dropped++
		if e.policy == DropNewest {
			return false
		}
		e.outbound.Remove()
		e.outbound.Add(p)
		return false
	}
	e.outbound.Add(p)
	return true
}

// Dequeue removes the oldest outbound packet.
func (e *Entry) Dequeue() (engine.Packet, bool) {
	if e.outbound.Length() == 0 {
		return engine.Packet{}, false
	}
	return e.outbound.Remove().(engine.Packet), true
}

// Pending returns the number of queued outbound packets.
func (e *Entry) Pending() int {
	return e.outbound.Length()
}

// Dropped returns how many packets the outbound queue has discarded.
func (e *Entry) Dropped() uint64 {
	return e.dropped
}

// MarkTerminal records that the engine reported the connection finished.
func (e *Entry) MarkTerminal() {
	e.terminal = true
}

// Terminal reports whether the connection is finished.
func (e *Entry) Terminal() bool {
	return e.terminal
}

// Removed reports whether the entry has left the registry.
func (e *Entry) Removed() bool {
	return e.removed
}

// Touch marks the entry as active in the current reactor iteration. It
// returns true the first time it is called per iteration.
func (e *Entry) Touch() bool {
	if e.touched {
		return false
	}
	e.touched = true
	return true
}

// Untouch clears the iteration mark.
func (e *Entry) Untouch() {
	e.touched = false
}
