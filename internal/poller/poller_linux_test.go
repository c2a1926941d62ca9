//go:build linux

package poller

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := New(16)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func udpFD(t *testing.T, c *net.UDPConn) int {
	t.Helper()
	raw, err := c.SyscallConn()
	if err != nil {
		t.Fatal(err)
	}
	var fd int
	raw.Control(func(s uintptr) { fd = int(s) })
	return fd
}

func TestWait_TimesOut(t *testing.T) {
	p := newPoller(t)

	start := time.Now()
	events, err := p.Wait(nil, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Wait() = %v, want no events", events)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Wait() returned after %v, expected to block about 20ms", elapsed)
	}
}

func TestWait_ReadableSocket(t *testing.T) {
	p := newPoller(t)

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	fd := udpFD(t, conn)

	if err := p.Add(fd); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	sender, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()
	if _, err := sender.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	events, err := p.Wait(nil, time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(events) != 1 || events[0].FD != fd || !events[0].Readable {
		t.Fatalf("Wait() = %+v, want readable fd %d", events, fd)
	}

	// Level triggered: unread data is reported again.
	events, _ = p.Wait(nil, 0)
	if len(events) != 1 {
		t.Errorf("second Wait() = %+v, want the socket again", events)
	}

	if err := p.Remove(fd); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	events, _ = p.Wait(nil, 0)
	if len(events) != 0 {
		t.Errorf("Wait() after Remove = %+v, want none", events)
	}
}

func TestWake_InterruptsWait(t *testing.T) {
	p := newPoller(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		for i := 0; i < 3; i++ {
			if err := p.Wake(); err != nil {
				t.Errorf("Wake() error = %v", err)
			}
		}
	}()

	start := time.Now()
	events, err := p.Wait(nil, -1)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("wake produced events %+v", events)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Wait() was not interrupted")
	}
	wg.Wait()
	p.Wait(nil, 0)

	// Wakes were consumed, so nothing is pending.
	start = time.Now()
	p.Wait(nil, 10*time.Millisecond)
	if time.Since(start) < 5*time.Millisecond {
		t.Error("stale wake-up was not drained")
	}
}

func TestClosed(t *testing.T) {
	p, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := p.Wait(nil, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait() after Close = %v, want ErrClosed", err)
	}
	if err := p.Wake(); !errors.Is(err, ErrClosed) {
		t.Errorf("Wake() after Close = %v, want ErrClosed", err)
	}
}

func TestWake_DuringDrainIsNotLost(t *testing.T) {
	p := newPoller(t)

	testHookWakeDrained = func(p *Poller) {
		// A wake racing the drain must not leave the flag stuck.
		if err := p.Wake(); err != nil {
			t.Errorf("Wake() during drain error = %v", err)
		}
	}
	t.Cleanup(func() { testHookWakeDrained = nil })

	if err := p.Wake(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Wait(nil, 0); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	testHookWakeDrained = nil

	if p.wakePending.Load() {
		t.Fatal("wakePending still set after drain")
	}

	if err := p.Wake(); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := p.Wait(nil, 500*time.Millisecond); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Wait() blocked %v after Wake, want immediate return", elapsed)
	}
}

func TestWake_ConcurrentWithWait(t *testing.T) {
	p := newPoller(t)

	const rounds = 2000
	var posted atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			posted.Add(1)
			if err := p.Wake(); err != nil {
				t.Errorf("Wake() error = %v", err)
				return
			}
			if i%64 == 0 {
				time.Sleep(50 * time.Microsecond)
			}
		}
	}()

	for {
		seen := posted.Load()
		if seen == rounds {
			break
		}
		start := time.Now()
		if _, err := p.Wait(nil, time.Second); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		if time.Since(start) >= time.Second && posted.Load() > seen {
			t.Fatalf("Wait() slept through wake-ups (%d posted before, %d after)", seen, posted.Load())
		}
	}
	<-done
}
