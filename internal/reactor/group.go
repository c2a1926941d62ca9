package reactor

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/quicloop/internal/engine"
	"github.com/postalsys/quicloop/internal/recovery"
)

// Group runs several reactors over the same listen addresses. With more
// than one reactor the sockets are bound with SO_REUSEPORT and the kernel
// spreads incoming flows across them, so each connection stays on one
// reactor. The engine is shared and must accept concurrent Create calls.
type Group struct {
	reactors []*Reactor
}

// NewGroup creates workers reactors. If any of them fails to bind, the ones
// already created are released.
func NewGroup(cfg Config, eng engine.Engine, workers int, opts ...Option) (*Group, error) {
	if workers < 1 {
		workers = 1
	}
	if workers > 1 {
		cfg.ReusePort = true
	}

	g := &Group{}
	for i := 0; i < workers; i++ {
		shardOpts := append(append([]Option(nil), opts...), WithShard(i))
		r, err := New(cfg, eng, shardOpts...)
		if err != nil {
			g.Shutdown(context.Background())
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		g.reactors = append(g.reactors, r)
	}
	return g, nil
}

// Reactors returns the group's reactors in shard order.
func (g *Group) Reactors() []*Reactor {
	return g.reactors
}

// Run runs every reactor on its own goroutine until ctx is cancelled. When
// one reactor fails the others are shut down and the first error is
// returned.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range g.reactors {
		r := r
		eg.Go(func() error {
			var err error
			if perr := recovery.Call(r.logger, "reactor.Run", func() { err = r.Run(ctx) }); perr != nil {
				return perr
			}
			return err
		})
	}
	return eg.Wait()
}

// Shutdown stops every reactor and waits for them to drain.
func (g *Group) Shutdown(ctx context.Context) error {
	var errs []error
	for _, r := range g.reactors {
		if err := r.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reactor %s: %w", r.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of every reactor.
func (g *Group) Stats() []Stats {
	stats := make([]Stats, len(g.reactors))
	for i, r := range g.reactors {
		stats[i] = r.Stats()
	}
	return stats
}
