package optimizers

import (
	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// FP32Key is the additional state-dict key contributed by the gradient
// accumulator: one fp32 master copy per parameter.
const FP32Key = "fp32"

// GradAccumulator keeps an fp32 master copy of every parameter and accumulates
// gradients into it across micro-batches. The master copies are optimizer
// state in their own right: they must be checkpointed and restored alongside
// the optimizer's primary slots, under the FP32Key additional key.
type GradAccumulator struct {
	params  []*NamedParam
	masters []*NamedParam
}

// NewGradAccumulator builds the accumulator and its master copies.
func NewGradAccumulator(params []*NamedParam) (*GradAccumulator, error) {
	acc := &GradAccumulator{params: params}
	for _, param := range params {
		if dtype := param.Value.DType(); dtype != dtypes.Float32 {
			return nil, errors.Errorf("optimizers.NewGradAccumulator: parameter %q has dtype %s, only Float32 is supported", param.Name, dtype)
		}
		acc.masters = append(acc.masters, &NamedParam{
			Name:  param.Name,
			Value: param.Value.LocalClone(),
			Desc:  param.Desc,
		})
	}
	return acc, nil
}

// Masters returns the fp32 master parameters, aliasing the accumulator's own.
func (acc *GradAccumulator) Masters() []*NamedParam { return acc.masters }

// Accumulate adds each parameter's current gradient into its master's
// gradient buffer.
func (acc *GradAccumulator) Accumulate() {
	for i, param := range acc.params {
		if param.Grad == nil {
			continue
		}
		master := acc.masters[i]
		if master.Grad == nil {
			master.Grad = tensors.FromShape(param.Value.Shape().Clone())
		}
		grad := tensors.CopyFlatData[float32](param.Grad)
		tensors.MutableFlatData[float32](master.Grad, func(buf []float32) {
			for j, g := range grad {
				buf[j] += g
			}
		})
	}
}

// SyncBack copies the updated master values into the live parameters, after an
// optimizer step on the masters.
func (acc *GradAccumulator) SyncBack() {
	for i, param := range acc.params {
		master := acc.masters[i]
		master.Value.ConstBytes(func(src []byte) {
			param.Value.MutableBytes(func(dst []byte) {
				copy(dst, src)
			})
		})
	}
}

// FromGradAccumulator wraps a Named optimizer so that updates run on the
// accumulator's fp32 masters, and the masters ride along in the state dict as
// an additional key.
type FromGradAccumulator struct {
	accum *GradAccumulator
	inner *Named
}

// NewFromGradAccumulator builds the accumulator over params and the inner
// optimizer over its fp32 masters.
func NewFromGradAccumulator(params []*NamedParam, builder Builder) (*FromGradAccumulator, error) {
	accum, err := NewGradAccumulator(params)
	if err != nil {
		return nil, err
	}
	return &FromGradAccumulator{
		accum: accum,
		inner: builder.Build(accum.Masters()),
	}, nil
}

// Accumulator exposes the wrapped gradient accumulator.
func (opt *FromGradAccumulator) Accumulator() *GradAccumulator { return opt.accum }

// Step accumulates the pending gradients, updates the masters and copies them
// back into the live parameters.
func (opt *FromGradAccumulator) Step() error {
	opt.accum.Accumulate()
	if err := opt.inner.Step(); err != nil {
		return err
	}
	opt.accum.SyncBack()
	return nil
}

// ZeroGrad clears the parameters' and masters' gradient slots.
func (opt *FromGradAccumulator) ZeroGrad() {
	for _, param := range opt.accum.params {
		param.Grad = nil
	}
	for _, master := range opt.accum.masters {
		master.Grad = nil
	}
}

// StateDict returns the inner optimizer's state plus the fp32 masters under
// the FP32Key additional key.
func (opt *FromGradAccumulator) StateDict() *statedict.Dict {
	sd := opt.inner.StateDict()
	fp32 := sd.Sub(FP32Key)
	for _, master := range opt.accum.masters {
		mustSet(fp32, statedict.Path{master.Name}, master.Value)
	}
	return sd
}

// LoadStateDict restores the inner optimizer's slots and copies the persisted
// fp32 masters in place. The FP32Key entry must be present and cover exactly
// the registered parameters: the additional-key set is fixed per configuration.
func (opt *FromGradAccumulator) LoadStateDict(sd *statedict.Dict) error {
	if err := opt.inner.LoadStateDict(sd); err != nil {
		return err
	}
	fp32, found := sd.GetDict(statedict.Path{FP32Key})
	if !found {
		return errors.Errorf("optimizers.FromGradAccumulator.LoadStateDict: state dict has no %q entry", FP32Key)
	}
	for _, master := range opt.accum.masters {
		t, found := fp32.Get(statedict.Path{master.Name})
		if !found {
			return errors.Errorf("optimizers.FromGradAccumulator.LoadStateDict: %q is missing master copy for parameter %q", FP32Key, master.Name)
		}
		if !t.Shape().Equal(master.Value.Shape()) {
			return errors.Errorf("optimizers.FromGradAccumulator.LoadStateDict: master copy %q has shape %s, parameter has shape %s",
				master.Name, t.Shape(), master.Value.Shape())
		}
		t.ConstBytes(func(src []byte) {
			master.Value.MutableBytes(func(dst []byte) {
				copy(dst, src)
			})
		})
	}
	for _, name := range fp32.Keys() {
		if !slices.ContainsFunc(opt.accum.masters, func(m *NamedParam) bool { return m.Name == name }) {
			return errors.Errorf("optimizers.FromGradAccumulator.LoadStateDict: %q entry %q does not match any registered parameter", FP32Key, name)
		}
	}
	return nil
}

// AdditionalKeys implements Optimizer.
func (opt *FromGradAccumulator) AdditionalKeys() []string { return []string{FP32Key} }

// Descriptor implements Optimizer.
func (opt *FromGradAccumulator) Descriptor(path statedict.Path) (sharding.Descriptor, error) {
	if len(path) == 2 && path[0] == FP32Key {
		return descriptorForSlot(opt.inner.byName, path)
	}
	return opt.inner.Descriptor(path)
}
