package echo

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/postalsys/quicloop/internal/dgram"
	"github.com/postalsys/quicloop/internal/engine"
)

var (
	local  = netip.MustParseAddrPort("192.0.2.10:4433")
	remote = netip.MustParseAddrPort("198.51.100.7:50000")
)

func TestConn_EchoesAndArmsIdleTimer(t *testing.T) {
	now := time.Unix(1000, 0)
	e := New(Config{IdleTimeout: 30 * time.Second, Now: func() time.Time { return now }})

	c, err := e.Create(local, remote)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.Created() != 1 {
		t.Errorf("Created() = %d, want 1", e.Created())
	}

	res := c.Receive(dgram.Datagram{Payload: []byte("hi"), Remote: remote, Local: local})
	if res.Terminal {
		t.Error("echo result should not be terminal")
	}
	if len(res.Outbound) != 1 {
		t.Fatalf("Outbound = %d packets, want 1", len(res.Outbound))
	}
	p := res.Outbound[0]
	if p.To != remote || string(p.Payload) != "hi" || p.From != local.Addr() {
		t.Errorf("packet = %+v", p)
	}
	if want := now.Add(30 * time.Second); !res.Deadline.Equal(want) {
		t.Errorf("Deadline = %v, want %v", res.Deadline, want)
	}
}

func TestConn_CloseRequest(t *testing.T) {
	e := New(Config{})
	c, _ := e.Create(local, remote)

	res := c.Receive(dgram.Datagram{Payload: []byte("close")})
	if !res.Terminal {
		t.Error("close request should be terminal")
	}
	if len(res.Outbound) != 1 || string(res.Outbound[0].Payload) != "bye" {
		t.Errorf("Outbound = %+v, want single bye", res.Outbound)
	}
	if !res.Deadline.IsZero() {
		t.Error("terminal result should not arm a timer")
	}
}

func TestConn_TimeoutIsTerminal(t *testing.T) {
	c, _ := New(Config{}).Create(local, remote)
	if res := c.OnTimeout(); !res.Terminal {
		t.Error("OnTimeout should close an idle echo connection")
	}
}

func TestConn_OptionalInterfaces(t *testing.T) {
	c, _ := New(Config{}).Create(netip.MustParseAddrPort("0.0.0.0:4433"), remote)

	closer, ok := c.(engine.Closer)
	if !ok {
		t.Fatal("echo conn should implement engine.Closer")
	}
	res := closer.Close()
	if res.Outbound[0].From.IsValid() {
		t.Error("wildcard local address should leave From unset")
	}

	fh, ok := c.(engine.FailureHandler)
	if !ok {
		t.Fatal("echo conn should implement engine.FailureHandler")
	}
	fh.OnDeliveryFailure(remote, errors.New("refused"))
	if got := c.(*Conn).Failures(); got != 1 {
		t.Errorf("Failures() = %d, want 1", got)
	}
}
