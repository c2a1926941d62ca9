// Package reactor runs the event loop that owns a set of UDP sockets.
//
// One Reactor is one goroutine. It waits for readiness or the next
// connection deadline, reads datagrams in batches, lets the driver hand them
// to the engine, fires expired deadlines and flushes whatever the engine
// queued. Sockets, registry, scheduler and driver are touched only by that
// goroutine; other goroutines talk to it through Submit and the helpers
// built on it.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/quicloop/internal/dgram"
	"github.com/postalsys/quicloop/internal/driver"
	"github.com/postalsys/quicloop/internal/engine"
	"github.com/postalsys/quicloop/internal/logging"
	"github.com/postalsys/quicloop/internal/metrics"
	"github.com/postalsys/quicloop/internal/poller"
	"github.com/postalsys/quicloop/internal/recovery"
	"github.com/postalsys/quicloop/internal/registry"
	"github.com/postalsys/quicloop/internal/timeout"
)

var (
	// ErrClosed is returned for requests made after shutdown began.
	ErrClosed = errors.New("reactor: closed")

	// ErrStarted is returned when Run is called more than once.
	ErrStarted = errors.New("reactor: already started")

	// ErrNoSocket is returned by Connect when no socket can send from the
	// requested local address.
	ErrNoSocket = errors.New("reactor: no socket for local address")

	// ErrUnknownConnection is returned by Loop.Send and Loop.Close for
	// identities that are not registered.
	ErrUnknownConnection = errors.New("reactor: unknown connection")

	// ErrRegistered is returned by Loop.Register for a descriptor the
	// reactor already watches.
	ErrRegistered = errors.New("reactor: descriptor already registered")

	// ErrUnknownSource is returned by Loop.Unregister for descriptors that
	// were not registered through Loop.Register.
	ErrUnknownSource = errors.New("reactor: unknown event source")
)

// Default configuration values.
const (
	DefaultMaxPacketsPerIteration = 256
	DefaultPollIntervalCap        = time.Second
	DefaultDrainTimeout           = 2 * time.Second
	DefaultMaxOutboundQueue       = 1024
)

// Config configures a Reactor.
type Config struct {
	// Listen holds the local addresses to bind, one socket each.
	Listen []string

	MaxSegmentSize int

	// MaxPacketsPerIteration bounds how many datagrams one iteration reads
	// before it turns to timers and sends.
	MaxPacketsPerIteration int

	// PollIntervalCap bounds how long one wait may block. Zero blocks until
	// a socket, a deadline or a wake-up needs attention.
	PollIntervalCap time.Duration

	MaxConnections   int
	MaxOutboundQueue int
	DropPolicy       registry.DropPolicy

	ReceiveBuffer int
	SendBuffer    int
	DisableGSO    bool
	DisableGRO    bool
	ReusePort     bool

	// DisablePacing leaves SO_TXTIME off so Packet.At is ignored.
	DisablePacing bool

	// DrainTimeout bounds how long shutdown keeps retrying blocked sends of
	// close sequences.
	DrainTimeout time.Duration
}

// Option configures optional Reactor dependencies.
type Option func(*Reactor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reactor) { r.logger = logger }
}

// WithMetrics sets the metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reactor) { r.metrics = m }
}

// WithIterationHook runs fn on the loop once per iteration, after received
// datagrams and external events are handled and before deadlines fire. It is
// the place to call Loop.SetAppTimeout.
func WithIterationHook(fn func(*Loop)) Option {
	return func(r *Reactor) { r.hook = fn }
}

// WithShard labels the reactor with its index inside a Group.
func WithShard(shard int) Option {
	return func(r *Reactor) { r.shard = shard }
}

// Reactor is a single-threaded event loop over one or more sockets.
type Reactor struct {
	id    string
	shard int
	cfg   Config

	logger  *slog.Logger
	recvErr *logging.Limited
	metrics *metrics.Metrics

	sockets []*dgram.Socket
	byFD    map[int]int
	poller  *poller.Poller
	timers  *timeout.Scheduler[registry.ID]
	conns   *registry.Registry
	driver  *driver.Driver
	loop    *Loop
	hook    func(*Loop)

	// external event sources, keyed by descriptor
	external map[int]func(*Loop, poller.Event)

	// loop goroutine state
	events   []poller.Event
	readable []bool
	rotate   int
	pending  [][]outgoing
	run      []dgram.Datagram
	expired  []registry.ID
	active   []*registry.Entry
	txs      []dgram.Transmit
	counters []dgram.Counters
	reason   string
	appAt    time.Time

	// ingress
	mu          sync.Mutex
	ingress     []func(*Loop)
	spare       []func(*Loop)
	ingressDone bool

	started  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	stats    statsCell
}

// New binds every listen address and prepares the poller. Nothing runs
// until Run is called.
func New(cfg Config, eng engine.Engine, opts ...Option) (*Reactor, error) {
	if len(cfg.Listen) == 0 {
		return nil, errors.New("reactor: no listen addresses")
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = dgram.DefaultMaxSegmentSize
	}
	if cfg.MaxPacketsPerIteration <= 0 {
		cfg.MaxPacketsPerIteration = DefaultMaxPacketsPerIteration
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	r := &Reactor{
		id:     uuid.NewString(),
		cfg:    cfg,
		byFD:     make(map[int]int),
		external: make(map[int]func(*Loop, poller.Event)),
		timers:   timeout.New[registry.ID](),
		done:   make(chan struct{}),
		reason: driver.ReasonTerminal,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	if r.metrics == nil {
		r.metrics = metrics.Default()
	}
	r.logger = r.logger.With(logging.KeyComponent, "reactor", logging.KeyReactor, r.id[:8], logging.KeyShard, r.shard)
	r.recvErr = logging.NewLimited(r.logger, time.Second, 5)

	p, err := poller.New(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}
	r.poller = p

	for _, addr := range cfg.Listen {
		s, err := dgram.Bind(addr, dgram.Options{
			MaxSegmentSize: cfg.MaxSegmentSize,
			DisableGSO:     cfg.DisableGSO,
			DisableGRO:     cfg.DisableGRO,
			DisablePacing:  cfg.DisablePacing,
			ReusePort:      cfg.ReusePort,
			ReceiveBuffer:  cfg.ReceiveBuffer,
			SendBuffer:     cfg.SendBuffer,
		})
		if err != nil {
			r.release()
			return nil, fmt.Errorf("reactor: %w", err)
		}
		if err := r.poller.Add(s.FD()); err != nil {
			s.Close()
			r.release()
			return nil, fmt.Errorf("reactor: register %s: %w", addr, err)
		}
		r.byFD[s.FD()] = len(r.sockets)
		r.sockets = append(r.sockets, s)
		r.logger.Info("socket bound",
			logging.KeySocket, len(r.sockets)-1,
			logging.KeyLocalAddr, s.LocalAddr().String(),
			"gso", s.GSO(),
			"gro", s.GRO(),
			"pacing", s.Pacing())
	}

	r.readable = make([]bool, len(r.sockets))
	r.pending = make([][]outgoing, len(r.sockets))
	r.counters = make([]dgram.Counters, len(r.sockets))

	r.conns = registry.New(registry.Config{
		MaxConnections:   cfg.MaxConnections,
		MaxOutboundQueue: cfg.MaxOutboundQueue,
		DropPolicy:       cfg.DropPolicy,
	}, r.timers)
	r.driver = driver.New(eng, r.conns, r.timers, driver.Options{
		MaxSegmentSize: cfg.MaxSegmentSize,
		Logger:         r.logger,
		Metrics:        r.metrics,
	})
	r.loop = &Loop{r: r}
	r.publishStats()
	return r, nil
}

// ID returns the reactor's instance id.
func (r *Reactor) ID() string { return r.id }

// LocalAddrs returns the bound address of every socket, in listen order.
func (r *Reactor) LocalAddrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, len(r.sockets))
	for i, s := range r.sockets {
		addrs[i] = s.LocalAddr()
	}
	return addrs
}

// Done is closed once the reactor has shut down and released its sockets.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Run runs the loop on the calling goroutine until ctx is cancelled or
// Shutdown is called, then closes every connection and releases the sockets.
// It returns a non-nil error only when the loop could not continue.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer close(r.done)

	// The loop makes many short system calls; keeping it on one thread
	// keeps it off the scheduler's migration path.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, r.requestStop)
	defer stop()

	r.logger.Info("reactor started", "sockets", len(r.sockets))

	var err error
	for !r.stopping.Load() {
		if err = r.iterate(); err != nil {
			r.logger.Error("reactor failed", logging.KeyError, err)
			break
		}
	}

	r.drain()
	r.release()
	r.logger.Info("reactor stopped")
	return err
}

// Shutdown stops the loop and waits until it has drained, or until ctx is
// done. A reactor that never ran just releases its sockets.
func (r *Reactor) Shutdown(ctx context.Context) error {
	if r.started.CompareAndSwap(false, true) {
		r.closeIngress()
		r.release()
		close(r.done)
		return nil
	}
	r.requestStop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) requestStop() {
	if r.stopping.CompareAndSwap(false, true) {
		r.poller.Wake()
	}
}

// iterate runs one pass of the loop.
func (r *Reactor) iterate() error {
	r.runIngress()

	wait := r.waitTimeout(time.Now())
	r.appAt = time.Time{}
	events, err := r.poller.Wait(r.events[:0], wait)
	if err != nil {
		return err
	}
	r.events = events

	for _, ev := range events {
		idx, ok := r.byFD[ev.FD]
		if !ok {
			r.dispatchExternal(ev)
			continue
		}
		if ev.Error {
			if err := r.drainErrors(idx); err != nil {
				return err
			}
		}
		if ev.Readable {
			r.readable[idx] = true
		}
	}

	received := r.receive()
	r.runIngress()
	if r.hook != nil {
		if err := recovery.Call(r.logger, "reactor.IterationHook", func() { r.hook(r.loop) }); err != nil {
			r.metrics.RecordEnginePanic()
		}
	}
	r.expire(time.Now())
	if err := r.flush(); err != nil {
		return err
	}

	r.metrics.RecordIteration(received, r.timers.Len())
	r.recordCounters()
	r.publishStats()
	return nil
}

// waitTimeout returns how long the next wait may block. Negative means
// until something happens. The application timeout counts as one more
// deadline.
func (r *Reactor) waitTimeout(now time.Time) time.Duration {
	if r.backlogged() {
		return 0
	}
	limit := r.cfg.PollIntervalCap

	next, ok := r.timers.Next()
	if !r.appAt.IsZero() && (!ok || r.appAt.Before(next)) {
		next, ok = r.appAt, true
	}
	if !ok {
		if limit > 0 {
			return limit
		}
		return -1
	}
	d := next.Sub(now)
	if d <= 0 {
		return 0
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// expire delivers every deadline that is due.
func (r *Reactor) expire(now time.Time) {
	r.expired = r.timers.AppendExpired(r.expired[:0], now)
	for _, id := range r.expired {
		if e, ok := r.conns.Get(id); ok {
			r.driver.OnTimeout(e)
		}
	}
	if n := len(r.expired); n > 0 {
		r.metrics.RecordTimeouts(n)
	}
}

// drain runs the shutdown sequence: stop reading, ask every connection for
// its close sequence, and flush until the sends go through or DrainTimeout
// passes.
func (r *Reactor) drain() {
	r.closeIngress()
	r.runIngress()
	r.reason = driver.ReasonShutdown

	for _, s := range r.sockets {
		r.poller.Remove(s.FD())
	}
	for fd := range r.external {
		r.poller.Remove(fd)
	}
	clear(r.external)

	n := r.conns.Len()
	r.conns.Range(func(e *registry.Entry) bool {
		r.driver.Close(e)
		return true
	})
	if err := r.flush(); err != nil {
		r.logger.Warn("flush during shutdown failed", logging.KeyError, err)
	}

	deadline := time.Now().Add(r.cfg.DrainTimeout)
	for r.backlogged() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
		if err := r.flush(); err != nil {
			break
		}
	}
	if left := r.backlogCount(); left > 0 {
		r.metrics.RecordDrop(metrics.DropUndelivered, left)
		r.logger.Warn("shutdown left datagrams unsent", logging.KeyCount, left)
	}

	// Anything the engine refused to finish goes now.
	r.conns.Range(func(e *registry.Entry) bool {
		r.driver.Release(e, driver.ReasonShutdown)
		return true
	})
	r.recordCounters()
	r.publishStats()
	r.logger.Info("connections closed", logging.KeyCount, n)
}

// release closes the sockets and the poller.
func (r *Reactor) release() {
	for _, s := range r.sockets {
		if err := s.Close(); err != nil {
			r.logger.Debug("socket close failed", logging.KeyError, err)
		}
	}
	if r.poller != nil {
		r.poller.Close()
	}
}
