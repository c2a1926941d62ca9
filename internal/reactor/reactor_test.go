package reactor

import (
	"testing"
	"time"

	"github.com/postalsys/quicloop/internal/dgram"
	"github.com/postalsys/quicloop/internal/registry"
	"github.com/postalsys/quicloop/internal/timeout"
)

func TestWaitTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	id := registry.ID{CID: "a"}

	tests := []struct {
		name     string
		limit    time.Duration
		deadline time.Duration // relative to now; zero means no timer
		backlog  bool
		want     time.Duration
		app      time.Duration // relative to now; zero means unset
	}{
		{"idle blocks", 0, 0, false, -1, 0},
		{"idle capped", 50 * time.Millisecond, 0, false, 50 * time.Millisecond, 0},
		{"deadline before cap", 50 * time.Millisecond, 10 * time.Millisecond, false, 10 * time.Millisecond, 0},
		{"deadline after cap", 50 * time.Millisecond, 2 * time.Second, false, 50 * time.Millisecond, 0},
		{"deadline without cap", 0, 2 * time.Second, false, 2 * time.Second, 0},
		{"deadline passed", 50 * time.Millisecond, -time.Second, false, 0, 0},
		{"deadline now", 0, 1, false, time.Nanosecond, 0},
		{"backlog polls", 0, 0, true, 0, 0},
		{"app timeout alone", 0, 0, false, 20 * time.Millisecond, 20 * time.Millisecond},
		{"app timeout before deadline", 0, time.Second, false, 20 * time.Millisecond, 20 * time.Millisecond},
		{"deadline before app timeout", 0, 5 * time.Millisecond, false, 5 * time.Millisecond, time.Second},
		{"app timeout capped", 50 * time.Millisecond, 0, false, 50 * time.Millisecond, time.Second},
		{"backlog beats app timeout", 0, 0, true, 0, time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &Reactor{
				cfg:     Config{PollIntervalCap: tc.limit},
				timers:  timeout.New[registry.ID](),
				pending: make([][]outgoing, 1),
			}
			if tc.deadline != 0 {
				r.timers.Schedule(id, now.Add(tc.deadline))
			}
			if tc.app != 0 {
				r.appAt = now.Add(tc.app)
			}
			if tc.backlog {
				r.pending[0] = append(r.pending[0], outgoing{tx: dgram.Transmit{Chunks: [][]byte{{1}}}})
			}
			if got := r.waitTimeout(now); got != tc.want {
				t.Errorf("waitTimeout() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestChunkStats(t *testing.T) {
	n, bytes := chunkStats([]dgram.Transmit{
		{Chunks: [][]byte{make([]byte, 10), make([]byte, 5)}},
		{Chunks: [][]byte{make([]byte, 7)}},
		{},
	})
	if n != 3 || bytes != 22 {
		t.Errorf("chunkStats() = %d, %d; want 3, 22", n, bytes)
	}
}
