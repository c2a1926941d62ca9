// Package driver is the only code that calls into the protocol engine.
//
// The reactor hands the driver decoded datagrams and expired deadlines; the
// driver routes them to connection handles, applies what the engine returns
// to the timeout scheduler and the per-connection outbound queues, and turns
// queued packets into transmits for the socket layer. Like the reactor that
// owns it, a Driver is used from a single goroutine.
package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/postalsys/quicloop/internal/dgram"
	"github.com/postalsys/quicloop/internal/engine"
	"github.com/postalsys/quicloop/internal/logging"
	"github.com/postalsys/quicloop/internal/metrics"
	"github.com/postalsys/quicloop/internal/recovery"
	"github.com/postalsys/quicloop/internal/registry"
	"github.com/postalsys/quicloop/internal/timeout"
)

// ErrPanic wraps engine panics returned from Route and Connect.
var ErrPanic = errors.New("driver: engine panicked")

// Close reasons reported to metrics and logs.
const (
	ReasonTerminal = "terminal"
	ReasonPanic    = "panic"
	ReasonShutdown = "shutdown"
)

// Options configures a Driver.
type Options struct {
	// MaxSegmentSize is the largest payload the driver accepts from the
	// engine. Larger packets are dropped.
	MaxSegmentSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Driver connects one reactor's registry and scheduler to the engine.
type Driver struct {
	engine     engine.Engine
	classifier engine.Classifier
	conns      *registry.Registry
	timers     *timeout.Scheduler[registry.ID]
	maxSegment int

	logger  *slog.Logger
	warn    *logging.Limited
	metrics *metrics.Metrics

	active []*registry.Entry
}

// New creates a driver for eng over the given registry and scheduler.
func New(eng engine.Engine, conns *registry.Registry, timers *timeout.Scheduler[registry.ID], opts Options) *Driver {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = dgram.DefaultMaxSegmentSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	logger := opts.Logger.With(logging.KeyComponent, "driver")
	d := &Driver{
		engine:     eng,
		conns:      conns,
		timers:     timers,
		maxSegment: opts.MaxSegmentSize,
		logger:     logger,
		warn:       logging.NewLimited(logger, time.Second, 10),
		metrics:    opts.Metrics,
	}
	if c, ok := eng.(engine.Classifier); ok {
		d.classifier = c
	}
	return d
}

// Identify returns the registry key for an incoming datagram. Engines that
// classify by connection id are asked first; the address pair is the
// fallback.
func (d *Driver) Identify(dg dgram.Datagram) registry.ID {
	if d.classifier != nil {
		var (
			cid []byte
			ok  bool
		)
		err := recovery.Call(d.logger, "engine.ConnectionID", func() {
			cid, ok = d.classifier.ConnectionID(dg)
		})
		if err != nil {
			d.metrics.RecordEnginePanic()
		} else if ok && len(cid) > 0 {
			return registry.ID{CID: string(cid)}
		}
	}
	return registry.ID{Local: dg.Local, Remote: dg.Remote}
}

// Route returns the connection entry for an incoming datagram on socket,
// creating it through the engine when none exists. A non-nil error means the
// datagram has no connection and must be dropped.
func (d *Driver) Route(socket int, dg dgram.Datagram) (*registry.Entry, error) {
	e, err := d.lookupOrCreate(d.Identify(dg), dg.Local, dg.Remote)
	if err != nil {
		d.metrics.RecordDrop(metrics.DropNoConn, 1)
		return nil, err
	}
	// Replies leave through the socket that last heard from the peer.
	e.Socket = socket
	e.Peer = dg.Remote
	e.Source = dg.Local.Addr()
	return e, nil
}

// Connect opens a connection to remote from local on socket. An existing
// connection with the same identity is returned as is.
func (d *Driver) Connect(socket int, local, remote netip.AddrPort) (*registry.Entry, error) {
	id := registry.ID{Local: local, Remote: remote}
	if e, ok := d.conns.Get(id); ok {
		return e, nil
	}

	e, err := d.lookupOrCreate(id, local, remote)
	if err != nil {
		return nil, err
	}
	e.Socket = socket
	e.Source = local.Addr()

	if s, ok := e.Conn.(engine.Starter); ok {
		d.call(e, "engine.Start", s.Start)
	}
	return e, nil
}

func (d *Driver) lookupOrCreate(id registry.ID, local, remote netip.AddrPort) (*registry.Entry, error) {
	var panicErr error
	e, created, err := d.conns.LookupOrCreate(id, func() (engine.Conn, error) {
		var (
			conn engine.Conn
			cerr error
		)
		panicErr = recovery.Call(d.logger, "engine.Create", func() {
			conn, cerr = d.engine.Create(local, remote)
		})
		if panicErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrPanic, panicErr)
		}
		return conn, cerr
	})
	switch {
	case panicErr != nil:
		d.metrics.RecordEnginePanic()
		d.metrics.RecordCreateFailure(ReasonPanic)
		return nil, err
	case errors.Is(err, registry.ErrFull):
		d.metrics.RecordCreateFailure("limit")
		d.warn.Warn("connection limit reached", logging.KeyConnID, id.String())
		return nil, err
	case err != nil:
		d.metrics.RecordCreateFailure("engine")
		d.warn.Warn("engine refused connection", logging.KeyConnID, id.String(), logging.KeyError, err)
		return nil, err
	}

	if created {
		d.metrics.RecordConnectionCreated()
		d.logger.Debug("connection created",
			logging.KeyConnID, id.String(),
			logging.KeyLocalAddr, local.String(),
			logging.KeyRemoteAddr, remote.String())
	}
	return e, nil
}

// OnDatagrams hands datagrams to the entry's engine handle in order and
// applies each result. Datagrams arriving for a terminal connection are
// dropped.
func (d *Driver) OnDatagrams(e *registry.Entry, dgs []dgram.Datagram) {
	for _, dg := range dgs {
		if e.Terminal() || e.Removed() {
			d.metrics.RecordDrop(metrics.DropNoConn, 1)
			continue
		}
		d.metrics.RecordReceived(1, len(dg.Payload))
		d.call(e, "engine.Receive", func() engine.Result {
			return e.Conn.Receive(dg)
		})
	}
}

// OnTimeout signals an expired deadline to the entry's engine handle.
func (d *Driver) OnTimeout(e *registry.Entry) {
	if e.Terminal() || e.Removed() {
		return
	}
	e.SetDeadline(time.Time{})
	d.call(e, "engine.OnTimeout", e.Conn.OnTimeout)
}

// Close asks the entry's engine handle for its close sequence and marks the
// entry terminal. Handles without a close sequence are simply marked.
func (d *Driver) Close(e *registry.Entry) {
	if e.Removed() {
		return
	}
	if c, ok := e.Conn.(engine.Closer); ok && !e.Terminal() {
		d.call(e, "engine.Close", c.Close)
	}
	d.terminate(e)
}

// Send queues one packet for the entry outside of any engine callback.
// It reports false if a packet was dropped, which under the drop-oldest
// policy is an older one.
func (d *Driver) Send(e *registry.Entry, p engine.Packet) bool {
	if e.Removed() {
		return false
	}
	ok := d.enqueue(e, p)
	d.markActive(e)
	return ok
}

// DeliveryFailure reports a per-destination error for a packet sent on
// behalf of e. e may be nil when the error could not be attributed to a
// connection.
func (d *Driver) DeliveryFailure(e *registry.Entry, to netip.AddrPort, err error) {
	d.metrics.RecordDeliveryFailure()

	if e != nil && !e.Removed() {
		if fh, ok := e.Conn.(engine.FailureHandler); ok {
			perr := recovery.Call(d.logger, "engine.OnDeliveryFailure", func() {
				fh.OnDeliveryFailure(to, err)
			})
			if perr != nil {
				d.fail(e)
			}
			return
		}
	}
	d.warn.Warn("datagram not delivered",
		logging.KeyRemoteAddr, to.String(),
		logging.KeyError, err)
}

// DrainOutbound moves every queued packet of e into transmits appended to
// dst. Consecutive packets with the same destination, source and departure
// time share one transmit so the socket layer can segment them. Packets
// without a source leave from the entry's Source.
func (d *Driver) DrainOutbound(dst []dgram.Transmit, e *registry.Entry) []dgram.Transmit {
	start := len(dst)
	for {
		p, ok := e.Dequeue()
		if !ok {
			return dst
		}
		from := p.From
		if !from.IsValid() && e.Source.IsValid() && !e.Source.IsUnspecified() {
			from = e.Source
		}
		if n := len(dst); n > start && dst[n-1].To == p.To && dst[n-1].From == from && dst[n-1].At.Equal(p.At) {
			dst[n-1].Chunks = append(dst[n-1].Chunks, p.Payload)
			continue
		}
		dst = append(dst, dgram.Transmit{
			To:     p.To,
			From:   from,
			At:     p.At,
			Chunks: [][]byte{p.Payload},
		})
	}
}

// TakeActive appends the entries touched since the last call to dst and
// resets the set.
func (d *Driver) TakeActive(dst []*registry.Entry) []*registry.Entry {
	for _, e := range d.active {
		e.Untouch()
	}
	dst = append(dst, d.active...)
	clear(d.active)
	d.active = d.active[:0]
	return dst
}

// Release removes e from the registry. Its pending deadline is cancelled in
// the same step.
func (d *Driver) Release(e *registry.Entry, reason string) {
	if !d.conns.Remove(e.ID) {
		return
	}
	d.metrics.RecordConnectionClosed(reason)
	if n := e.Pending(); n > 0 {
		d.metrics.RecordDrop(metrics.DropUndelivered, n)
	}
	d.logger.Debug("connection removed",
		logging.KeyConnID, e.ID.String(),
		logging.KeyReason, reason,
		logging.KeyDuration, time.Since(e.Created).Round(time.Millisecond))
}

// call runs one engine callback for e and applies its result. A panicking
// callback leaves the connection terminal with nothing queued from it.
func (d *Driver) call(e *registry.Entry, name string, fn func() engine.Result) {
	var res engine.Result
	err := recovery.Call(d.logger, name, func() {
		res = fn()
	})
	if err != nil {
		d.fail(e)
		return
	}
	d.apply(e, res)
}

func (d *Driver) apply(e *registry.Entry, res engine.Result) {
	for _, p := range res.Outbound {
		d.enqueue(e, p)
	}
	d.markActive(e)

	switch {
	case res.Terminal:
		d.terminate(e)
	case res.Deadline.IsZero():
		d.timers.Cancel(e.ID)
		e.SetDeadline(time.Time{})
	default:
		d.timers.Schedule(e.ID, res.Deadline)
		e.SetDeadline(res.Deadline)
	}
}

func (d *Driver) enqueue(e *registry.Entry, p engine.Packet) bool {
	if len(p.Payload) > d.maxSegment {
		d.metrics.RecordDrop(metrics.DropOversized, 1)
		d.warn.Warn("dropping oversized packet",
			logging.KeyConnID, e.ID.String(),
			logging.KeyBytes, len(p.Payload))
		return false
	}
	if !p.To.IsValid() {
		d.metrics.RecordDrop(metrics.DropFamily, 1)
		return false
	}
	if !e.Enqueue(p) {
		d.metrics.RecordDrop(metrics.DropQueueFull, 1)
		return false
	}
	return true
}

func (d *Driver) terminate(e *registry.Entry) {
	e.MarkTerminal()
	d.timers.Cancel(e.ID)
	e.SetDeadline(time.Time{})
	d.markActive(e)
}

func (d *Driver) fail(e *registry.Entry) {
	d.metrics.RecordEnginePanic()
	// Drop whatever the handle queued before it broke.
	for e.Pending() > 0 {
		e.Dequeue()
	}
	d.terminate(e)
}

func (d *Driver) markActive(e *registry.Entry) {
	if e.Touch() {
		d.active = append(d.active, e)
	}
}
