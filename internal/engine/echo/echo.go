// Package echo is a minimal engine that returns every datagram to its sender.
// It stands in for a real QUIC engine in the quicloop binary and in tests.
//
// A connection closes after IdleTimeout without traffic, or when it receives
// the payload "close", which it answers with "bye".
package echo

import (
	"bytes"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/postalsys/quicloop/internal/dgram"
	"github.com/postalsys/quicloop/internal/engine"
)

var (
	closeRequest = []byte("close")
	closeReply   = []byte("bye")
)

// Config configures the echo engine.
type Config struct {
	IdleTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine creates echo connections.
type Engine struct {
	cfg     Config
	created atomic.Int64
}

// New creates an echo engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg}
}

// Created returns how many connections the engine has minted.
func (e *Engine) Created() int64 {
	return e.created.Load()
}

// Create implements engine.Engine.
func (e *Engine) Create(local, remote netip.AddrPort) (engine.Conn, error) {
	e.created.Add(1)
	return &Conn{engine: e, local: local, remote: remote}, nil
}

// Conn is one echo connection.
type Conn struct {
	engine   *Engine
	local    netip.AddrPort
	remote   netip.AddrPort
	failures int
}

// Receive implements engine.Conn.
func (c *Conn) Receive(d dgram.Datagram) engine.Result {
	if bytes.Equal(d.Payload, closeRequest) {
		return c.Close()
	}
	return engine.Result{
		Outbound: []engine.Packet{c.packet(d.Payload)},
		Deadline: c.idleDeadline(),
	}
}

// OnTimeout implements engine.Conn. The only timer is the idle timer.
func (c *Conn) OnTimeout() engine.Result {
	return engine.Result{Terminal: true}
}

// Close implements engine.Closer.
func (c *Conn) Close() engine.Result {
	return engine.Result{
		Outbound: []engine.Packet{c.packet(closeReply)},
		Terminal: true,
	}
}

// OnDeliveryFailure implements engine.FailureHandler.
func (c *Conn) OnDeliveryFailure(to netip.AddrPort, err error) {
	c.failures++
}

// Failures returns the number of reported delivery failures.
func (c *Conn) Failures() int {
	return c.failures
}

func (c *Conn) packet(payload []byte) engine.Packet {
	p := engine.Packet{To: c.remote, Payload: payload}
	if c.local.Addr().IsValid() && !c.local.Addr().IsUnspecified() {
		p.From = c.local.Addr()
	}
	return p
}

func (c *Conn) idleDeadline() time.Time {
	if c.engine.cfg.IdleTimeout <= 0 {
		return time.Time{}
	}
	return c.engine.cfg.Now().Add(c.engine.cfg.IdleTimeout)
}
