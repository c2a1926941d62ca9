package reactor

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/postalsys/quicloop/internal/dgram"
	"github.com/postalsys/quicloop/internal/logging"
	"github.com/postalsys/quicloop/internal/metrics"
	"github.com/postalsys/quicloop/internal/registry"
)

// outgoing is one transmit waiting for its socket, with the connection it
// belongs to so that send errors can be reported back.
type outgoing struct {
	entry *registry.Entry
	tx    dgram.Transmit
}

// receive drains readable sockets round-robin, one batch per socket per
// turn, until every socket would block or the packet budget is spent.
// Sockets still holding data are reported again by the next wait.
func (r *Reactor) receive() int {
	budget := r.cfg.MaxPacketsPerIteration
	received := 0
	n := len(r.sockets)
	start := r.rotate % n
	r.rotate++

	for budget > 0 {
		progressed := false
		for k := 0; k < n && budget > 0; k++ {
			idx := (start + k) % n
			if !r.readable[idx] {
				continue
			}
			got, err := r.receiveBatch(idx)
			if err != nil {
				r.recvErr.Error("receive failed", logging.KeySocket, idx, logging.KeyError, err)
				r.readable[idx] = false
				continue
			}
			if got == 0 {
				r.readable[idx] = false
				continue
			}
			progressed = true
			budget -= got
			received += got
		}
		if !progressed {
			break
		}
	}
	// Level-triggered readiness brings back any socket left unread.
	clear(r.readable)
	return received
}

// receiveBatch reads one batch from socket idx and dispatches it. It returns
// the number of datagrams read, zero when the socket would block.
func (r *Reactor) receiveBatch(idx int) (int, error) {
	b, err := r.sockets[idx].ReceiveBatch()
	if err != nil || b == nil {
		return 0, err
	}

	count := b.Len()
	var current *registry.Entry
	r.run = r.run[:0]
	for {
		dg, ok := b.Next()
		if !ok {
			break
		}
		e, err := r.driver.Route(idx, dg)
		if err != nil {
			continue
		}
		if e != current && len(r.run) > 0 {
			r.driver.OnDatagrams(current, r.run)
			r.run = r.run[:0]
		}
		current = e
		r.run = append(r.run, dg)
	}
	if len(r.run) > 0 {
		r.driver.OnDatagrams(current, r.run)
	}
	clear(r.run)
	r.run = r.run[:0]
	return count, nil
}

// flush queues the outbound packets of every connection touched since the
// last flush behind its socket's backlog, sends as much as the sockets
// accept, and removes connections that finished.
func (r *Reactor) flush() error {
	r.active = r.driver.TakeActive(r.active[:0])
	for _, e := range r.active {
		if e.Removed() || e.Pending() == 0 {
			continue
		}
		r.txs = r.driver.DrainOutbound(r.txs[:0], e)
		for _, tx := range r.txs {
			r.pending[e.Socket] = append(r.pending[e.Socket], outgoing{entry: e, tx: tx})
		}
	}
	clear(r.txs)

	var err error
	for idx := range r.sockets {
		if serr := r.send(idx); serr != nil && err == nil {
			err = serr
		}
	}

	for _, e := range r.active {
		if e.Terminal() && !e.Removed() {
			r.driver.Release(e, r.reason)
		}
	}
	clear(r.active)
	return err
}

// send writes the backlog of socket idx in order. Consecutive transmits of
// one connection go down in a single batch. On would-block the unsent rest
// stays queued and the next wait does not block.
func (r *Reactor) send(idx int) error {
	q := r.pending[idx]
	if len(q) == 0 {
		return nil
	}
	s := r.sockets[idx]
	gso := s.GSO()

	i := 0
	var err error
	for i < len(q) {
		e := q[i].entry
		j := i + 1
		for j < len(q) && q[j].entry == e {
			j++
		}

		r.txs = r.txs[:0]
		for k := i; k < j; k++ {
			r.txs = append(r.txs, q[k].tx)
		}
		before, beforeBytes := chunkStats(r.txs)
		failed, failedBytes := 0, 0

		sent, serr := s.SendBatch(r.txs, func(tx dgram.Transmit, ferr error) {
			failed += len(tx.Chunks)
			failedBytes += tx.Bytes()
			if errors.Is(ferr, dgram.ErrAddressFamily) {
				r.metrics.RecordDrop(metrics.DropFamily, len(tx.Chunks))
			}
			r.driver.DeliveryFailure(e, tx.To, ferr)
		})

		left, leftBytes := chunkStats(r.txs[sent:])
		r.metrics.RecordSent(before-left-failed, beforeBytes-leftBytes-failedBytes)

		if serr != nil {
			// The socket is unusable; nothing queued on it can go out.
			err = fmt.Errorf("socket %d: %w", idx, serr)
			rest, _ := chunkStats(transmitsOf(q[j:]))
			r.metrics.RecordDrop(metrics.DropUndelivered, left+rest)
			i = len(q)
			break
		}
		if sent < len(r.txs) {
			for k := sent; k < len(r.txs); k++ {
				q[i+k].tx = r.txs[k]
			}
			i += sent
			break
		}
		i = j
	}
	clear(r.txs)
	r.txs = r.txs[:0]

	n := copy(q, q[i:])
	clear(q[n:])
	r.pending[idx] = q[:n]

	if gso && !s.GSO() {
		r.metrics.RecordGSODisabled()
		r.logger.Warn("segmentation offload disabled after send error", logging.KeySocket, idx)
	}
	return err
}

func chunkStats(txs []dgram.Transmit) (n, bytes int) {
	for _, tx := range txs {
		n += len(tx.Chunks)
		bytes += tx.Bytes()
	}
	return n, bytes
}

// backlogged reports whether any socket holds unsent transmits.
func (r *Reactor) backlogged() bool {
	for _, q := range r.pending {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

func (r *Reactor) backlogCount() int {
	n := 0
	for _, q := range r.pending {
		c, _ := chunkStats(transmitsOf(q))
		n += c
	}
	return n
}

func transmitsOf(q []outgoing) []dgram.Transmit {
	txs := make([]dgram.Transmit, len(q))
	for i, o := range q {
		txs[i] = o.tx
	}
	return txs
}

// drainErrors reads the error queue of socket idx and reports each failed
// destination to the connection that sent to it. A socket whose error
// queue cannot be read stays in error under level-triggered polling, so
// that failure stops the loop.
func (r *Reactor) drainErrors(idx int) error {
	s := r.sockets[idx]
	_, err := s.DrainErrors(func(dst netip.AddrPort, derr error) {
		r.driver.DeliveryFailure(r.owner(idx, dst), dst, derr)
	})
	if err != nil {
		return fmt.Errorf("socket %d: %w", idx, err)
	}
	return nil
}

// owner finds the connection on socket idx that talks to dst.
func (r *Reactor) owner(idx int, dst netip.AddrPort) *registry.Entry {
	if e, ok := r.conns.Get(registry.ID{Local: r.sockets[idx].LocalAddr(), Remote: dst}); ok {
		return e
	}
	var found *registry.Entry
	r.conns.Range(func(e *registry.Entry) bool {
		if e.Socket == idx && e.Peer == dst {
			found = e
			return false
		}
		return true
	})
	return found
}

// recordCounters moves socket counter deltas into metrics.
func (r *Reactor) recordCounters() {
	for i, s := range r.sockets {
		c := s.Counters()
		last := r.counters[i]
		r.metrics.RecordSyscalls(c.RecvCalls-last.RecvCalls, c.SendCalls-last.SendCalls, c.SegmentedSends-last.SegmentedSends)
		if d := c.Truncated - last.Truncated; d > 0 {
			r.metrics.RecordDrop(metrics.DropTruncated, int(d))
		}
		r.counters[i] = c
	}
}
