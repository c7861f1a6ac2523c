package optimizers

import (
	"math"

	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// AdamWConfig holds the AdamW hyperparameters.
type AdamWConfig struct {
	LearningRate float64
	Beta1, Beta2 float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamWConfig mirrors the usual AdamW defaults.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 1e-3,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  1e-2,
	}
}

// Named is an AdamW optimizer whose state is keyed by stable parameter names
// rather than positional indices, so it can be checkpointed and restored
// against a model built independently on each rank.
type Named struct {
	config AdamWConfig
	params []*NamedParam
	byName map[string]*NamedParam

	// slots are created on a parameter's first update.
	slots map[string]*paramSlots
}

// paramSlots is the per-parameter AdamW state.
type paramSlots struct {
	step             int64
	expAvg, expAvgSq *tensors.Tensor
}

// NewNamed creates an AdamW optimizer over the given parameters. Parameter
// names must be unique; only float32 parameters are supported.
func NewNamed(params []*NamedParam, config AdamWConfig) *Named {
	opt := &Named{
		config: config,
		params: params,
		byName: make(map[string]*NamedParam, len(params)),
		slots:  make(map[string]*paramSlots),
	}
	for _, param := range params {
		opt.byName[param.Name] = param
	}
	return opt
}

// Params returns the registered parameters, in registration order.
func (opt *Named) Params() []*NamedParam { return opt.params }

// Step applies one AdamW update to every parameter with a gradient set,
// creating the moment slots on first use.
func (opt *Named) Step() error {
	for _, param := range opt.params {
		if param.Grad == nil {
			continue
		}
		if dtype := param.Value.DType(); dtype != dtypes.Float32 {
			return errors.Errorf("optimizers.Named: parameter %q has dtype %s, only Float32 is supported", param.Name, dtype)
		}
		slots := opt.slots[param.Name]
		if slots == nil {
			slots = &paramSlots{
				expAvg:   tensors.FromShape(param.Value.Shape().Clone()),
				expAvgSq: tensors.FromShape(param.Value.Shape().Clone()),
			}
			opt.slots[param.Name] = slots
		}
		slots.step++
		opt.applyUpdate(param, slots)
	}
	return nil
}

func (opt *Named) applyUpdate(param *NamedParam, slots *paramSlots) {
	c := opt.config
	biasCorr1 := 1 - math.Pow(c.Beta1, float64(slots.step))
	biasCorr2 := 1 - math.Pow(c.Beta2, float64(slots.step))
	grad := tensors.CopyFlatData[float32](param.Grad)
	tensors.MutableFlatData[float32](param.Value, func(values []float32) {
		tensors.MutableFlatData[float32](slots.expAvg, func(m []float32) {
			tensors.MutableFlatData[float32](slots.expAvgSq, func(v []float32) {
				for i, g := range grad {
					g64 := float64(g)
					m64 := c.Beta1*float64(m[i]) + (1-c.Beta1)*g64
					v64 := c.Beta2*float64(v[i]) + (1-c.Beta2)*g64*g64
					m[i], v[i] = float32(m64), float32(v64)
					update := (m64 / biasCorr1) / (math.Sqrt(v64/biasCorr2) + c.Epsilon)
					p64 := float64(values[i])
					p64 -= c.LearningRate * (update + c.WeightDecay*p64)
					values[i] = float32(p64)
				}
			})
		})
	})
}

// ZeroGrad clears every parameter's gradient slot.
func (opt *Named) ZeroGrad() {
	for _, param := range opt.params {
		param.Grad = nil
	}
}

// StateDict returns {"state": {param-name: {"step", "exp_avg", "exp_avg_sq"}}}
// with parameters in registration order. Parameters never stepped have no
// entry, matching a freshly-created optimizer.
func (opt *Named) StateDict() *statedict.Dict {
	sd := statedict.New()
	state := sd.Sub(StateKey)
	for _, param := range opt.params {
		slots, found := opt.slots[param.Name]
		if !found {
			continue
		}
		sub := state.Sub(param.Name)
		mustSet(sub, statedict.Path{SlotStep}, tensors.FromScalar(slots.step))
		mustSet(sub, statedict.Path{SlotExpAvg}, slots.expAvg)
		mustSet(sub, statedict.Path{SlotExpAvgSq}, slots.expAvgSq)
	}
	return sd
}

// LoadStateDict replaces the optimizer's slots with the ones in sd. Every
// entry must refer to a registered parameter and carry the parameter's shape.
func (opt *Named) LoadStateDict(sd *statedict.Dict) error {
	state, found := sd.GetDict(statedict.Path{StateKey})
	if !found {
		return errors.Errorf("optimizers.Named.LoadStateDict: state dict has no %q entry", StateKey)
	}
	newSlots := make(map[string]*paramSlots, state.Len())
	for _, name := range state.Keys() {
		param, registered := opt.byName[name]
		if !registered {
			return errors.Errorf("optimizers.Named.LoadStateDict: state entry %q does not match any registered parameter", name)
		}
		sub, isDict := state.GetDict(statedict.Path{name})
		if !isDict {
			return errors.Errorf("optimizers.Named.LoadStateDict: state entry %q is not a sub-dict", name)
		}
		slots := &paramSlots{}
		stepT, found := sub.Get(statedict.Path{SlotStep})
		if !found {
			return errors.Errorf("optimizers.Named.LoadStateDict: state entry %q is missing %q", name, SlotStep)
		}
		slots.step = tensors.ToScalar[int64](stepT)
		for slotName, dst := range map[string]**tensors.Tensor{
			SlotExpAvg:   &slots.expAvg,
			SlotExpAvgSq: &slots.expAvgSq,
		} {
			t, found := sub.Get(statedict.Path{slotName})
			if !found {
				return errors.Errorf("optimizers.Named.LoadStateDict: state entry %q is missing %q", name, slotName)
			}
			if !t.Shape().Equal(param.Value.Shape()) {
				return errors.Errorf("optimizers.Named.LoadStateDict: slot %s.%s has shape %s, parameter has shape %s",
					name, slotName, t.Shape(), param.Value.Shape())
			}
			*dst = t
		}
		newSlots[name] = slots
	}
	opt.slots = newSlots
	return nil
}

// AdditionalKeys implements Optimizer: a plain optimizer contributes none.
func (opt *Named) AdditionalKeys() []string { return nil }

// Descriptor implements Optimizer.
func (opt *Named) Descriptor(path statedict.Path) (sharding.Descriptor, error) {
	return descriptorForSlot(opt.byName, path)
}

func stepShape() shapes.Shape {
	return shapes.Make(dtypes.Int64)
}

// mustSet is for dict layouts built by the optimizer itself, where a path
// conflict is a programming error.
func mustSet(d *statedict.Dict, path statedict.Path, t *tensors.Tensor) {
	if err := d.Set(path, t); err != nil {
		panic(err)
	}
}
