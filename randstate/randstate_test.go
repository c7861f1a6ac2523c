package randstate

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/distckpt/topology"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCaptureRestore(t *testing.T) {
	gen := rand.NewPCG(17, 43)
	state, err := Capture(gen)
	require.NoError(t, err)
	require.False(t, state.Synced)

	want := gen.Uint64()
	// Restoring rewinds the generator to the captured point.
	require.NoError(t, state.Restore(gen))
	require.Equal(t, want, gen.Uint64())

	// Capture is a snapshot: advancing the generator does not change it.
	state2, err := Capture(gen)
	require.NoError(t, err)
	require.False(t, state.Equal(state2))
}

func TestSynced(t *testing.T) {
	mesh := topology.NewMesh(1, 2, 1)
	err := topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		// Each rank seeds its generator differently.
		gen := rand.NewPCG(uint64(procs.TP.Rank()+1), 7)
		local, err := Capture(gen)
		if err != nil {
			return err
		}
		synced, err := Synced(ctx, local, procs.TP)
		if err != nil {
			return err
		}
		if !synced.Synced {
			return errors.New("state returned by Synced is not marked synced")
		}

		// The synced state must match rank 0's local bits on every member.
		reference, err := Capture(rand.NewPCG(1, 7))
		if err != nil {
			return err
		}
		if !bytes.Equal(reference.Bits, synced.Bits) {
			return errors.Errorf("rank %d: synced bits differ from the reference rank's", procs.TP.Rank())
		}
		if procs.TP.Rank() != 0 && local.Equal(synced) {
			return errors.New("non-reference rank kept its local state after syncing")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestStatesEqual(t *testing.T) {
	build := func(seed uint64) *States {
		s := NewStates()
		gen := rand.NewPCG(seed, 0)
		state, err := Capture(gen)
		require.NoError(t, err)
		s.Set("local", state)
		state.Synced = true
		s.Set("tp-synced", state)
		return s
	}
	a := build(3)
	b := build(3)
	equal, diff := a.Equal(b)
	require.True(t, equal, diff)
	require.Equal(t, []string{"local", "tp-synced"}, a.Names())

	c := build(4)
	equal, _ = a.Equal(c)
	require.False(t, equal)

	b.Set("extra", State{Bits: []byte{1}})
	equal, diff = a.Equal(b)
	require.False(t, equal)
	require.Contains(t, diff, "missing from first")
}

func TestStatesItemsRoundTrip(t *testing.T) {
	s := NewStates()
	gen := rand.NewPCG(11, 13)
	state, err := Capture(gen)
	require.NoError(t, err)
	s.Set("local", state)
	s.Set("synced", State{Bits: state.Bits, Synced: true})

	restored := FromItems(s.Items())
	equal, diff := s.Equal(restored)
	require.True(t, equal, diff)
}
