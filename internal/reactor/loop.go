package reactor

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/postalsys/quicloop/internal/dgram"
	"github.com/postalsys/quicloop/internal/engine"
	"github.com/postalsys/quicloop/internal/logging"
	"github.com/postalsys/quicloop/internal/poller"
	"github.com/postalsys/quicloop/internal/recovery"
	"github.com/postalsys/quicloop/internal/registry"
)

// Loop is the view of a reactor available to functions passed to Submit.
// Its methods run on the loop goroutine and must not be retained or called
// from anywhere else.
type Loop struct {
	r *Reactor
}

// Connect opens a connection from local to remote. An invalid local picks
// the first socket. A local address with only the port set, or a socket bound
// to the unspecified address, is matched by port. On a wildcard socket the
// connection is keyed by the source address the host routes through, which
// is where the peer's replies arrive.
func (l *Loop) Connect(local, remote netip.AddrPort) (registry.ID, error) {
	idx, local, err := l.r.socketFor(local, remote)
	if err != nil {
		return registry.ID{}, err
	}
	e, err := l.r.driver.Connect(idx, local, remote)
	if err != nil {
		return registry.ID{}, err
	}
	return e.ID, nil
}

// Send queues payload for the connection id, addressed to the peer it last
// heard from. Ownership of payload passes to the reactor.
func (l *Loop) Send(id registry.ID, payload []byte) error {
	e, ok := l.r.conns.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	if !l.r.driver.Send(e, engine.Packet{To: e.Peer, Payload: payload}) {
		return fmt.Errorf("reactor: packet for %s dropped", id)
	}
	return nil
}

// Close asks the connection for its close sequence. The entry is removed
// once the sequence has been flushed.
func (l *Loop) Close(id registry.ID) error {
	e, ok := l.r.conns.Get(id)
	if !ok {
		return ErrUnknownConnection
	}
	l.r.driver.Close(e)
	return nil
}

// Connections returns the number of registered connections.
func (l *Loop) Connections() int {
	return l.r.conns.Len()
}

// SetAppTimeout makes the next wait return after at most d. It lasts for one
// iteration; call it again from the iteration hook to keep it. When called
// more than once in an iteration the earliest time wins.
func (l *Loop) SetAppTimeout(d time.Duration) {
	at := time.Now().Add(d)
	if l.r.appAt.IsZero() || at.Before(l.r.appAt) {
		l.r.appAt = at
	}
}

// Register watches fd for readability and calls fn on the loop whenever it
// is ready. The reactor never reads from or closes fd; fn must consume
// whatever made it ready, or the next wait reports it again.
func (l *Loop) Register(fd int, fn func(*Loop, poller.Event)) error {
	r := l.r
	if _, ok := r.byFD[fd]; ok {
		return fmt.Errorf("%w: %d", ErrRegistered, fd)
	}
	if _, ok := r.external[fd]; ok {
		return fmt.Errorf("%w: %d", ErrRegistered, fd)
	}
	if err := r.poller.Add(fd); err != nil {
		return fmt.Errorf("reactor: register %d: %w", fd, err)
	}
	r.external[fd] = fn
	return nil
}

// Unregister stops watching a descriptor added with Register.
func (l *Loop) Unregister(fd int) error {
	r := l.r
	if _, ok := r.external[fd]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSource, fd)
	}
	delete(r.external, fd)
	if err := r.poller.Remove(fd); err != nil {
		return fmt.Errorf("reactor: unregister %d: %w", fd, err)
	}
	return nil
}

func (r *Reactor) dispatchExternal(ev poller.Event) {
	fn, ok := r.external[ev.FD]
	if !ok {
		return
	}
	if err := recovery.Call(r.logger, "reactor.ExternalEvent", func() { fn(r.loop, ev) }); err != nil {
		r.metrics.RecordEnginePanic()
	}
}

// socketFor picks the socket that sends to remote from local and returns the
// local address the connection will be keyed by.
func (r *Reactor) socketFor(local, remote netip.AddrPort) (int, netip.AddrPort, error) {
	idx, key, err := r.matchSocket(local)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	s := r.sockets[idx]
	if key.Addr().IsUnspecified() && s.PacketInfo() {
		// Received datagrams carry their real destination, so the key
		// must too or the peer's reply would open a second connection.
		src, err := dgram.SourceAddr(remote)
		if err != nil {
			return 0, netip.AddrPort{}, fmt.Errorf("reactor: %w", err)
		}
		key = netip.AddrPortFrom(src, s.LocalAddr().Port())
	}
	return idx, key, nil
}

func (r *Reactor) matchSocket(local netip.AddrPort) (int, netip.AddrPort, error) {
	if !local.IsValid() {
		return 0, r.sockets[0].LocalAddr(), nil
	}
	for i, s := range r.sockets {
		if s.LocalAddr() == local {
			return i, local, nil
		}
	}
	for i, s := range r.sockets {
		la := s.LocalAddr()
		if la.Port() != local.Port() {
			continue
		}
		if la.Addr().IsUnspecified() {
			return i, local, nil
		}
		if local.Addr().IsUnspecified() {
			return i, la, nil
		}
	}
	return 0, netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNoSocket, local)
}

// Submit queues fn to run on the loop goroutine and wakes the loop. It fails
// with ErrClosed once shutdown has begun.
func (r *Reactor) Submit(fn func(*Loop)) error {
	r.mu.Lock()
	if r.ingressDone {
		r.mu.Unlock()
		return ErrClosed
	}
	r.ingress = append(r.ingress, fn)
	r.mu.Unlock()

	if err := r.poller.Wake(); err != nil {
		return fmt.Errorf("reactor: wake: %w", err)
	}
	return nil
}

// Connect opens a connection from another goroutine and waits for the loop
// to register it.
func (r *Reactor) Connect(ctx context.Context, local, remote netip.AddrPort) (registry.ID, error) {
	type result struct {
		id  registry.ID
		err error
	}
	ch := make(chan result, 1)
	err := r.Submit(func(l *Loop) {
		id, err := l.Connect(local, remote)
		ch <- result{id, err}
	})
	if err != nil {
		return registry.ID{}, err
	}

	select {
	case res := <-ch:
		return res.id, res.err
	case <-ctx.Done():
		return registry.ID{}, ctx.Err()
	}
}

// Enqueue queues payload for connection id from another goroutine. Delivery
// problems found on the loop are logged, not returned.
func (r *Reactor) Enqueue(id registry.ID, payload []byte) error {
	return r.Submit(func(l *Loop) {
		if err := l.Send(id, payload); err != nil {
			r.logger.Debug("enqueue failed", logging.KeyConnID, id.String(), logging.KeyError, err)
		}
	})
}

// runIngress runs the functions submitted since the last call.
func (r *Reactor) runIngress() {
	r.mu.Lock()
	cmds := r.ingress
	r.ingress = r.spare[:0]
	r.mu.Unlock()

	for _, fn := range cmds {
		if err := recovery.Call(r.logger, "reactor.Submit", func() { fn(r.loop) }); err != nil {
			r.metrics.RecordEnginePanic()
		}
	}
	clear(cmds)
	r.spare = cmds[:0]
}

func (r *Reactor) closeIngress() {
	r.mu.Lock()
	r.ingressDone = true
	r.mu.Unlock()
}
