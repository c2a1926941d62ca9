// Package registry maps connection identities to their protocol engine
// handles.
//
// The registry is owned by one reactor goroutine and uses no locks. It also
// owns the rule that a removed connection can never fire a stale timeout:
// Remove cancels the connection's pending deadline in the same step.
package registry

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/postalsys/quicloop/internal/engine"
)

// ErrFull is returned when the connection limit is reached.
var ErrFull = errors.New("registry: connection limit reached")

// ID identifies a connection. Connections are keyed either by the address
// pair, with CID empty, or by a protocol connection id alone, with both
// addresses unset so that a peer may migrate.
type ID struct {
	Local  netip.AddrPort
	Remote netip.AddrPort
	CID    string
}

func (id ID) String() string {
	if id.CID == "" {
		return fmt.Sprintf("%s<->%s", id.Local, id.Remote)
	}
	return fmt.Sprintf("cid:%x", id.CID)
}

// Canceller cancels a pending deadline. The timeout scheduler satisfies it.
type Canceller interface {
	Cancel(ID)
}

// Config bounds the registry.
type Config struct {
	// MaxConnections caps live entries. Zero means unlimited.
	MaxConnections int

	// MaxOutboundQueue caps each entry's outbound queue. Zero means
	// unlimited.
	MaxOutboundQueue int

	// DropPolicy selects what a full outbound queue discards.
	DropPolicy DropPolicy
}

// Registry holds the live connections of one reactor.
type Registry struct {
	cfg     Config
	entries map[ID]*Entry
	timers  Canceller
}

// New creates a registry whose removals cancel deadlines through timers.
func New(cfg Config, timers Canceller) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: make(map[ID]*Entry),
		timers:  timers,
	}
}

// LookupOrCreate returns the entry for id, calling create to mint a new
// engine handle when none exists. created reports whether create ran
// successfully. On error nothing is inserted.
func (r *Registry) LookupOrCreate(id ID, create func() (engine.Conn, error)) (e *Entry, created bool, err error) {
	if e, ok := r.entries[id]; ok {
		return e, false, nil
	}
	if r.cfg.MaxConnections > 0 && len(r.entries) >= r.cfg.MaxConnections {
		return nil, false, ErrFull
	}

	conn, err := create()
	if err != nil {
		return nil, false, fmt.Errorf("create connection %s: %w", id, err)
	}
	if conn == nil {
		return nil, false, fmt.Errorf("create connection %s: engine returned no handle", id)
	}

	e = newEntry(id, conn, r.cfg.MaxOutboundQueue, r.cfg.DropPolicy)
	r.entries[id] = e
	return e, true, nil
}

// Get returns the entry for id.
func (r *Registry) Get(id ID) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Remove deletes the entry for id and cancels its pending deadline. It
// reports whether an entry was removed; removing twice is a no-op.
func (r *Registry) Remove(id ID) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)
	if r.timers != nil {
		r.timers.Cancel(id)
	}
	e.deadline = time.Time{}
	e.removed = true
	return true
}

// Range calls fn for every live entry until fn returns false. Entries may be
// removed from within fn.
func (r *Registry) Range(fn func(*Entry) bool) {
	for _, e := range r.entries {
		if !fn(e) {
			return
		}
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	return len(r.entries)
}
