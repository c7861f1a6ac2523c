// Package optimizers implements the optimizer-side state the checkpoint
// engine persists: a named AdamW optimizer, an fp32 gradient-accumulator
// wrapper that contributes additional state-dict keys, and a ZeRO translator
// that partitions optimizer state across data-parallel ranks by parameter
// ownership.
//
// Every optimizer-like component exposes the same capability set --
// StateDict/LoadStateDict/AdditionalKeys/Descriptor -- and the checkpoint
// writer/reader depends only on that, not on the concrete wrapper.
package optimizers

import (
	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// NamedParam is one named model parameter registered with an optimizer: its
// current value, the gradient slot filled by the caller between steps, and the
// sharding of the value across the tensor-parallel group.
type NamedParam struct {
	Name  string
	Value *tensors.Tensor
	Grad  *tensors.Tensor
	Desc  sharding.Descriptor
}

// StateKey is the top-level state-dict key holding the per-parameter slots.
const StateKey = "state"

// Slot names within one parameter's state sub-dict.
const (
	SlotStep     = "step"
	SlotExpAvg   = "exp_avg"
	SlotExpAvgSq = "exp_avg_sq"
)

// Optimizer is the uniform capability surface of every optimizer-like
// component, plain or wrapped.
type Optimizer interface {
	// StateDict returns the optimizer's state as a named container: the
	// per-parameter slots under StateKey, plus one top-level sub-dict per
	// additional key.
	StateDict() *statedict.Dict

	// LoadStateDict reconstructs the optimizer's state from a container with
	// the same layout. The set of additional keys must match AdditionalKeys
	// exactly.
	LoadStateDict(sd *statedict.Dict) error

	// AdditionalKeys names the top-level state-dict keys contributed by
	// wrapping components, beyond StateKey. Fixed per configuration.
	AdditionalKeys() []string

	// Descriptor returns the sharding of the state entry at path, for the
	// checkpoint writer.
	Descriptor(path statedict.Path) (sharding.Descriptor, error)
}

// Builder constructs fresh Named optimizers with a fixed configuration. It is
// passed by value, so the same builder constructs both the live optimizer and
// a freshly-initialized instance for comparison or reload.
type Builder struct {
	Config AdamWConfig
}

// Build creates a new optimizer over params.
func (b Builder) Build(params []*NamedParam) *Named {
	return NewNamed(params, b.Config)
}

func descriptorForSlot(params map[string]*NamedParam, path statedict.Path) (sharding.Descriptor, error) {
	if len(path) == 3 && path[0] == StateKey {
		param, found := params[path[1]]
		if !found {
			return sharding.Descriptor{}, errors.Wrapf(statedict.ErrUnknownKey, "optimizer state %q refers to unknown parameter %q", path, path[1])
		}
		if path[2] == SlotStep {
			// The step counter is a replicated scalar.
			return sharding.Unsharded(stepShape()), nil
		}
		return param.Desc, nil
	}
	if len(path) == 2 {
		// Additional keys hold one buffer per parameter, sharded like it.
		param, found := params[path[1]]
		if !found {
			return sharding.Descriptor{}, errors.Wrapf(statedict.ErrUnknownKey, "optimizer state %q refers to unknown parameter %q", path, path[1])
		}
		return param.Desc, nil
	}
	return sharding.Descriptor{}, errors.Wrapf(statedict.ErrUnknownKey, "no sharding descriptor for state entry %q", path)
}
