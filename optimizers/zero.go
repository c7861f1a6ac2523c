package optimizers

import (
	"context"

	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/distckpt/topology"
	"github.com/pkg/errors"
)

// Partition assigns each parameter to exactly one owning data-parallel rank:
// contiguous ranges of the registration order, balanced by cumulative element
// count. It is a pure function of the ordered (name, size) list and dpSize, so
// save and load agree on ownership as long as the dp group size is unchanged.
func Partition(params []*NamedParam, dpSize int) []int {
	total := 0
	for _, param := range params {
		total += param.Value.Shape().Size()
	}
	owners := make([]int, len(params))
	if total == 0 {
		return owners
	}
	offset := 0
	for i, param := range params {
		// A parameter belongs to the rank whose [r*total/dpSize, ...) bucket
		// contains its start offset.
		owner := offset * dpSize / total
		if owner > dpSize-1 {
			owner = dpSize - 1
		}
		owners[i] = owner
		offset += param.Value.Shape().Size()
	}
	return owners
}

// Zero shards an optimizer's state across the data-parallel group by
// parameter ownership: each rank runs the inner optimizer over only the
// parameters it owns, and checkpoints only those slots. Additional keys
// contributed by wrappers follow the same partition as the slots they
// annotate.
//
// The partition is only valid for the dp group size it was computed with;
// loading a checkpoint saved under a different dp size is unsupported and is
// rejected by the checkpoint reader before any state is copied.
type Zero struct {
	dp     *topology.Group
	params []*NamedParam
	owners []int
	owned  []*NamedParam
	inner  *Named
}

// NewZero partitions params across the dp group and builds the inner
// optimizer over this rank's share.
func NewZero(params []*NamedParam, builder Builder, dp *topology.Group) *Zero {
	owners := Partition(params, dp.Size())
	opt := &Zero{
		dp:     dp,
		params: params,
		owners: owners,
	}
	for i, param := range params {
		if owners[i] == dp.Rank() {
			opt.owned = append(opt.owned, param)
		}
	}
	opt.inner = builder.Build(opt.owned)
	return opt
}

// Owned returns the parameters this rank's shard of the optimizer updates.
func (opt *Zero) Owned() []*NamedParam { return opt.owned }

// Owner returns the dp rank owning the named parameter.
func (opt *Zero) Owner(name string) (int, bool) {
	for i, param := range opt.params {
		if param.Name == name {
			return opt.owners[i], true
		}
	}
	return 0, false
}

// DPSize is the data-parallel group size the partition was computed for.
func (opt *Zero) DPSize() int { return opt.dp.Size() }

// Step updates this rank's owned parameters. The updated values are only
// local; call SyncParams afterwards to re-replicate them across the dp group.
func (opt *Zero) Step() error { return opt.inner.Step() }

// ZeroGrad clears every parameter's gradient slot, owned or not.
func (opt *Zero) ZeroGrad() {
	for _, param := range opt.params {
		param.Grad = nil
	}
}

// SyncParams broadcasts each parameter from its owner so all dp ranks hold
// identical values again. Collective over the dp group: every member must
// call it after each Step.
func (opt *Zero) SyncParams(ctx context.Context) error {
	for i, param := range opt.params {
		var payload []byte
		if opt.owners[i] == opt.dp.Rank() {
			param.Value.ConstBytes(func(data []byte) {
				payload = append(payload, data...)
			})
		}
		received, err := opt.dp.Broadcast(ctx, opt.owners[i], payload)
		if err != nil {
			return errors.WithMessagef(err, "optimizers.Zero.SyncParams: parameter %q", param.Name)
		}
		if opt.owners[i] != opt.dp.Rank() {
			param.Value.MutableBytes(func(dst []byte) {
				copy(dst, received)
			})
		}
	}
	return nil
}

// StateDict returns only the slots of this rank's owned parameters.
func (opt *Zero) StateDict() *statedict.Dict { return opt.inner.StateDict() }

// LoadStateDict restores this rank's shard. Entries for parameters owned by
// other ranks are rejected: a shard file addressed to this rank must only
// carry its own slots.
func (opt *Zero) LoadStateDict(sd *statedict.Dict) error {
	if state, found := sd.GetDict(statedict.Path{StateKey}); found {
		for _, name := range state.Keys() {
			owner, known := opt.Owner(name)
			if !known {
				return errors.Errorf("optimizers.Zero.LoadStateDict: state entry %q does not match any registered parameter", name)
			}
			if owner != opt.dp.Rank() {
				return errors.Errorf("optimizers.Zero.LoadStateDict: state entry %q is owned by dp rank %d, not this rank (%d)",
					name, owner, opt.dp.Rank())
			}
		}
	}
	return opt.inner.LoadStateDict(sd)
}

// AdditionalKeys implements Optimizer.
func (opt *Zero) AdditionalKeys() []string { return opt.inner.AdditionalKeys() }

// Descriptor implements Optimizer.
func (opt *Zero) Descriptor(path statedict.Path) (sharding.Descriptor, error) {
	return opt.inner.Descriptor(path)
}
