// Package poller waits for socket readiness and explicit wake-ups.
//
// On Linux it is a level-triggered epoll set plus an eventfd. Other
// platforms get a stub that fails at construction.
package poller

import (
	"errors"
	"math"
	"time"
)

// ErrClosed is returned when the poller has been closed.
var ErrClosed = errors.New("poller: closed")

// Event reports the readiness of one registered descriptor.
type Event struct {
	FD       int
	Readable bool
	Writable bool

	// Error is set for EPOLLERR and EPOLLHUP. For UDP sockets with error
	// queues enabled it means queued delivery errors are waiting.
	Error bool
}

// timeoutMillis converts a wait duration into the millisecond argument of
// epoll_wait. Negative blocks, zero polls, and positive durations round up
// so a sub-millisecond deadline does not spin.
func timeoutMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
