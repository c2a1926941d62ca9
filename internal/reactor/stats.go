package reactor

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of one reactor, safe to read from any goroutine.
type Stats struct {
	ID          string    `json:"id"`
	Shard       int       `json:"shard"`
	Sockets     []Socket  `json:"sockets"`
	Connections int       `json:"connections"`
	Timers      int       `json:"timers"`
	Backlog     int       `json:"backlog"`
	Running     bool      `json:"running"`
	Updated     time.Time `json:"updated"`
}

// Socket describes one bound socket.
type Socket struct {
	Address string `json:"address"`
	GSO     bool   `json:"gso"`
	GRO     bool   `json:"gro"`
	Pacing  bool   `json:"pacing"`
}

type statsCell struct {
	v atomic.Pointer[Stats]
}

// Stats returns the snapshot taken at the end of the last loop iteration.
func (r *Reactor) Stats() Stats {
	if s := r.stats.v.Load(); s != nil {
		st := *s
		st.Running = r.started.Load() && !r.stopping.Load()
		select {
		case <-r.done:
			st.Running = false
		default:
		}
		return st
	}
	return Stats{ID: r.id, Shard: r.shard}
}

func (r *Reactor) publishStats() {
	st := &Stats{
		ID:          r.id,
		Shard:       r.shard,
		Sockets:     make([]Socket, len(r.sockets)),
		Connections: r.conns.Len(),
		Timers:      r.timers.Len(),
		Updated:     time.Now(),
	}
	for _, q := range r.pending {
		st.Backlog += len(q)
	}
	for i, s := range r.sockets {
		st.Sockets[i] = Socket{Address: s.LocalAddr().String(), GSO: s.GSO(), GRO: s.GRO(), Pacing: s.Pacing()}
	}
	r.stats.v.Store(st)
}
