//go:build linux

package poller

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const defaultMaxEvents = 128

// testHookWakeDrained runs between the eventfd read and the flag reset.
var testHookWakeDrained func(*Poller)

// Poller is an epoll set with a built-in wake source. Wait and the
// registration methods belong to the owning goroutine; Wake may be called
// from anywhere.
type Poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	// wakePending coalesces concurrent Wake calls into one eventfd write.
	wakePending atomic.Bool
	closed      atomic.Bool
}

// New creates a poller reporting up to maxEvents descriptors per Wait.
func New(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd, unix.EPOLLIN); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// Add registers fd for read readiness. Errors are always reported.
func (p *Poller) Add(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN)
}

// Remove unregisters fd.
func (p *Poller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	if p.closed.Load() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl %d: %w", fd, err)
	}
	return nil
}

// Wake interrupts a blocked or upcoming Wait.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.wakePending.CompareAndSwap(false, true) {
		return nil
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		p.wakePending.Store(false)
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Wait blocks for at most timeout and appends the ready descriptors to dst.
// A negative timeout blocks until something happens and zero only polls.
// Wake-ups are consumed internally and produce no event. An interrupted wait
// returns no events and no error.
func (p *Poller) Wait(dst []Event, timeout time.Duration) ([]Event, error) {
	if p.closed.Load() {
		return dst, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return dst, nil
		}
		return dst, fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		dst = append(dst, Event{
			FD:       fd,
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Error:    ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return dst, nil
}

// drainWake empties the eventfd before clearing wakePending. A Wake that
// lands in between finds the flag still set and writes nothing, which is
// fine: the caller runs its pending work after Wait returns.
func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			break
		}
	}
	if testHookWakeDrained != nil {
		testHookWakeDrained(p)
	}
	p.wakePending.Store(false)
}

// Close releases the epoll set and the wake source. Registered descriptors
// are not closed.
func (p *Poller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := unix.Close(p.wakefd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return err
}
