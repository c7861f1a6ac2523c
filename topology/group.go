package topology

import (
	"context"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Group is one member's handle on a process subgroup. All members share the
// same underlying state; each holds its own rank within the group.
//
// Barrier and Broadcast are collectives: every member of the group must call
// them, in the same order, or the callers block until the context is
// cancelled. This is a documented precondition, not something the group can
// enforce.
type Group struct {
	rank  int
	state *groupState
}

// groupState is the shared side of a Group.
type groupState struct {
	name string
	size int

	barrier barrier

	mu   sync.Mutex
	slot []byte // broadcast payload in flight
}

func newGroupState(name string, size int) *groupState {
	return &groupState{
		name:    name,
		size:    size,
		barrier: newBarrier(size),
	}
}

// Rank of this member within the group.
func (g *Group) Rank() int { return g.rank }

// Size of the group.
func (g *Group) Size() int { return g.state.size }

// Name of the group, for diagnostics.
func (g *Group) Name() string { return g.state.name }

// Barrier blocks until every member of the group has called it.
func (g *Group) Barrier(ctx context.Context) error {
	if err := g.state.barrier.wait(ctx); err != nil {
		return errors.WithMessagef(err, "barrier on group %q (rank %d)", g.state.name, g.rank)
	}
	return nil
}

// Broadcast sends src's data to every member and returns each member's own
// copy. Every member must call it with the same src; the data argument is only
// read on the src rank.
func (g *Group) Broadcast(ctx context.Context, src int, data []byte) ([]byte, error) {
	if src < 0 || src >= g.state.size {
		exceptions.Panicf("topology.Group(%q).Broadcast: src rank %d out of range [0, %d)", g.state.name, src, g.state.size)
	}
	st := g.state
	if g.rank == src {
		st.mu.Lock()
		st.slot = slices.Clone(data)
		st.mu.Unlock()
	}
	// First barrier publishes the payload, second one holds the slot stable
	// until every member has copied it out.
	if err := g.Barrier(ctx); err != nil {
		return nil, err
	}
	st.mu.Lock()
	out := slices.Clone(st.slot)
	st.mu.Unlock()
	if err := g.Barrier(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// barrier is a reusable generation barrier.
type barrier struct {
	n  int
	mu *sync.Mutex
	ch *chan struct{}
	in *int
}

func newBarrier(n int) barrier {
	ch := make(chan struct{})
	count := 0
	return barrier{n: n, mu: &sync.Mutex{}, ch: &ch, in: &count}
}

func (b barrier) wait(ctx context.Context) error {
	b.mu.Lock()
	ch := *b.ch
	*b.in++
	if *b.in == b.n {
		// Last arrival releases this generation and resets for the next.
		*b.in = 0
		*b.ch = make(chan struct{})
		close(ch)
	}
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
