// Package randstate captures, synchronizes and compares random-generator
// states, so that stochastic layers (e.g. dropout masks) can be made
// deterministic across tensor-parallel replicas while data-parallel replicas
// stay independent -- and so that each rank's generators can be restored
// bit-identically from a checkpoint.
//
// Generator handles are explicit: Capture and Restore take any generator
// implementing binary marshalling (math/rand/v2's PCG and ChaCha8 qualify),
// not an ambient process-wide source.
package randstate

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/gomlx/distckpt/topology"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Source is a random generator whose state can be exported and re-imported.
type Source interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// State is an opaque snapshot of a generator plus a flag recording whether it
// was forced identical across a process subgroup ("synced") or is local to its
// rank. Equality is value equality of the state bytes and the flag.
type State struct {
	Bits   []byte
	Synced bool
}

// Capture snapshots the generator's current state as a local (un-synced) State.
func Capture(src Source) (State, error) {
	bits, err := src.MarshalBinary()
	if err != nil {
		return State{}, errors.Wrap(err, "randstate.Capture: failed to marshal generator state")
	}
	return State{Bits: bits}, nil
}

// Restore loads the snapshot back into the generator.
func (s State) Restore(dst Source) error {
	return errors.Wrap(dst.UnmarshalBinary(s.Bits), "randstate.State.Restore: failed to unmarshal generator state")
}

// Equal reports value equality.
func (s State) Equal(other State) bool {
	return s.Synced == other.Synced && bytes.Equal(s.Bits, other.Bits)
}

// String implements fmt.Stringer.
func (s State) String() string {
	kind := "local"
	if s.Synced {
		kind = "synced"
	}
	return fmt.Sprintf("RandomState(%s, %d bytes)", kind, len(s.Bits))
}

// Synced clones the reference rank's state (the lowest rank of the group, by
// convention) to every member and returns the now-identical state, marked as
// synced.
//
// This is a collective: every member of the group must call it, or the callers
// block until ctx is cancelled.
func Synced(ctx context.Context, state State, group *topology.Group) (State, error) {
	const referenceRank = 0
	bits, err := group.Broadcast(ctx, referenceRank, state.Bits)
	if err != nil {
		return State{}, errors.WithMessage(err, "randstate.Synced: broadcast of reference state failed")
	}
	return State{Bits: bits, Synced: true}, nil
}

// States is a name-keyed, insertion-ordered collection of random states. It is
// the unit saved and loaded per rank: names like "tp-synced" or "local" are
// stable identifiers matched between save and load.
type States struct {
	m *orderedmap.OrderedMap[string, State]
}

// NewStates creates an empty collection.
func NewStates() *States {
	return &States{m: orderedmap.New[string, State]()}
}

// Set stores (or replaces) the state under name.
func (s *States) Set(name string, state State) {
	s.m.Set(name, state)
}

// Get returns the state stored under name.
func (s *States) Get(name string) (State, bool) {
	return s.m.Get(name)
}

// Len is the number of named states.
func (s *States) Len() int { return s.m.Len() }

// Names lists the state names in insertion order.
func (s *States) Names() []string {
	names := make([]string, 0, s.m.Len())
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Equal compares two collections: same name sets, equal states. On mismatch
// the returned string describes the first differing name.
func (s *States) Equal(other *States) (bool, string) {
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		otherState, found := other.m.Get(pair.Key)
		if !found {
			return false, fmt.Sprintf("random state %q missing from second collection", pair.Key)
		}
		if !pair.Value.Equal(otherState) {
			return false, fmt.Sprintf("random state %q differs: %s vs %s", pair.Key, pair.Value, otherState)
		}
	}
	for pair := other.m.Oldest(); pair != nil; pair = pair.Next() {
		if _, found := s.m.Get(pair.Key); !found {
			return false, fmt.Sprintf("random state %q missing from first collection", pair.Key)
		}
	}
	return true, ""
}

// Item is the external form of one named state, used for serialization.
type Item struct {
	Name   string
	Bits   []byte
	Synced bool
}

// Items exports the collection in insertion order.
func (s *States) Items() []Item {
	items := make([]Item, 0, s.m.Len())
	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		items = append(items, Item{Name: pair.Key, Bits: pair.Value.Bits, Synced: pair.Value.Synced})
	}
	return items
}

// FromItems rebuilds a collection from its external form.
func FromItems(items []Item) *States {
	s := NewStates()
	for _, item := range items {
		s.Set(item.Name, State{Bits: item.Bits, Synced: item.Synced})
	}
	return s
}
