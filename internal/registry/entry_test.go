package registry

import (
	"testing"

	"github.com/postalsys/quicloop/internal/engine"
)

func packet(b byte) engine.Packet {
	return engine.Packet{Payload: []byte{b}}
}

func drain(e *Entry) []byte {
	var out []byte
	for {
		p, ok := e.Dequeue()
		if !ok {
			return out
		}
		out = append(out, p.Payload[0])
	}
}

func TestEntry_QueueIsFIFO(t *testing.T) {
	e := newEntry(testID(1), &stubConn{}, 0, DropOldest)
	for b := byte(1); b <= 5; b++ {
		if !e.Enqueue(packet(b)) {
			t.Fatalf("Enqueue(%d) dropped on unbounded queue", b)
		}
	}
	if e.Pending() != 5 {
		t.Errorf("Pending() = %d, want 5", e.Pending())
	}
	if got := string(drain(e)); got != "\x01\x02\x03\x04\x05" {
		t.Errorf("dequeue order = %v", []byte(got))
	}
}

func TestEntry_DropPolicies(t *testing.T) {
	tests := []struct {
		policy DropPolicy
		want   []byte
	}{
		{DropOldest, []byte{3, 4, 5}},
		{DropNewest, []byte{1, 2, 3}},
	}

	for _, tc := range tests {
		t.Run(tc.policy.String(), func(t *testing.T) {
			e := newEntry(testID(1), &stubConn{}, 3, tc.policy)
			for b := byte(1); b <= 5; b++ {
				e.Enqueue(packet(b))
			}
			if e.Dropped() != 2 {
				t.Errorf("Dropped() = %d, want 2", e.Dropped())
			}
			got := drain(e)
			if string(got) != string(tc.want) {
				t.Errorf("queue = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseDropPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DropPolicy
		wantErr bool
	}{
		{"", DropOldest, false},
		{"drop-oldest", DropOldest, false},
		{"DROP-NEWEST", DropNewest, false},
		{"newest", DropNewest, false},
		{"random", DropOldest, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDropPolicy(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseDropPolicy(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseDropPolicy(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestEntry_TouchOncePerIteration(t *testing.T) {
	e := newEntry(testID(1), &stubConn{}, 0, DropOldest)
	if !e.Touch() {
		t.Error("first Touch() = false")
	}
	if e.Touch() {
		t.Error("second Touch() = true")
	}
	e.Untouch()
	if !e.Touch() {
		t.Error("Touch() after Untouch() = false")
	}
}
