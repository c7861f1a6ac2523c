package optimizers

import (
	"context"
	"strings"
	"testing"

	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/distckpt/topology"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
)

func testParams(scale float32) []*NamedParam {
	weight := tensors.FromFlatDataAndDimensions([]float32{scale, 2 * scale, 3 * scale, 4 * scale, 5 * scale, 6 * scale}, 2, 3)
	bias := tensors.FromFlatDataAndDimensions([]float32{scale, -scale}, 2)
	return []*NamedParam{
		{Name: "dense.weight", Value: weight, Desc: sharding.Unsharded(weight.Shape())},
		{Name: "dense.bias", Value: bias, Desc: sharding.Unsharded(bias.Shape())},
	}
}

// setGrads fills every parameter's gradient with a deterministic value.
func setGrads(params []*NamedParam, seed float32) {
	for i, param := range params {
		grad := make([]float32, param.Value.Shape().Size())
		for j := range grad {
			grad[j] = seed + float32(i) + float32(j)*0.25
		}
		param.Grad = tensors.FromFlatDataAndDimensions(grad, param.Value.Shape().Dimensions...)
	}
}

func trainSteps(opt interface {
	Step() error
	ZeroGrad()
}, params []*NamedParam, steps int) error {
	for step := range steps {
		setGrads(params, float32(step+1))
		if err := opt.Step(); err != nil {
			return err
		}
		opt.ZeroGrad()
	}
	return nil
}

func TestNamedStep(t *testing.T) {
	params := testParams(1)
	initial := tensors.CopyFlatData[float32](params[0].Value)
	opt := NewNamed(params, DefaultAdamWConfig())
	require.NoError(t, trainSteps(opt, params, 3))

	require.NotEqual(t, initial, tensors.CopyFlatData[float32](params[0].Value),
		"three AdamW steps must move the weights")

	sd := opt.StateDict()
	state, found := sd.GetDict(statedict.Path{StateKey})
	require.True(t, found)
	require.Equal(t, []string{"dense.weight", "dense.bias"}, state.Keys())
	stepT, found := sd.Get(statedict.Path{StateKey, "dense.bias", SlotStep})
	require.True(t, found)
	require.Equal(t, int64(3), tensors.ToScalar[int64](stepT))
}

func TestNamedStateDictRoundTrip(t *testing.T) {
	params := testParams(1)
	opt := NewNamed(params, DefaultAdamWConfig())
	require.NoError(t, trainSteps(opt, params, 3))

	fresh := NewNamed(params, DefaultAdamWConfig())
	equal, _ := statedict.Equal(opt.StateDict(), fresh.StateDict())
	require.False(t, equal, "freshly created optimizer must not match a stepped one")

	require.NoError(t, fresh.LoadStateDict(opt.StateDict()))
	equal, diff := statedict.Equal(opt.StateDict(), fresh.StateDict())
	require.True(t, equal, diff)
}

func TestNamedLoadRejectsUnknownParam(t *testing.T) {
	params := testParams(1)
	opt := NewNamed(params, DefaultAdamWConfig())
	require.NoError(t, trainSteps(opt, params, 1))
	sd := opt.StateDict()

	other := NewNamed(testParams(1)[:1], DefaultAdamWConfig())
	require.ErrorContains(t, other.LoadStateDict(sd), "does not match any registered parameter")
}

func TestPartition(t *testing.T) {
	params := testParams(1) // sizes 6 and 2
	require.Equal(t, []int{0, 0}, Partition(params, 1))
	// 8 elements over 2 ranks: weight starts at 0 -> rank 0, bias starts at
	// 6 -> 6*2/8 = rank 1.
	require.Equal(t, []int{0, 1}, Partition(params, 2))
	// Determinism.
	require.Equal(t, Partition(params, 2), Partition(params, 2))
	require.Equal(t, []int{0, 0}, Partition(params, 1))
	require.Empty(t, Partition(nil, 2))
}

func TestZeroStepAndSync(t *testing.T) {
	mesh := topology.NewMesh(2, 1, 1)
	err := topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		params := testParams(1)
		opt := NewZero(params, Builder{Config: DefaultAdamWConfig()}, procs.DP)
		if len(opt.Owned()) != 1 {
			return errors.Errorf("each of the 2 dp ranks owns one of the 2 parameters, rank %d owns %d", procs.DP.Rank(), len(opt.Owned()))
		}

		for step := range 3 {
			setGrads(params, float32(step+1))
			if err := opt.Step(); err != nil {
				return err
			}
			if err := opt.SyncParams(ctx); err != nil {
				return err
			}
			opt.ZeroGrad()
		}

		// After SyncParams all ranks hold the same parameter values as a
		// plain optimizer run over the full set.
		reference := testParams(1)
		refOpt := NewNamed(reference, DefaultAdamWConfig())
		if err := trainSteps(refOpt, reference, 3); err != nil {
			return err
		}
		for i, param := range params {
			if !slices.Equal(tensors.CopyFlatData[float32](reference[i].Value),
				tensors.CopyFlatData[float32](param.Value)) {
				return errors.Errorf("parameter %q diverged from the replicated reference", param.Name)
			}
		}

		// The state dict only carries the owned slots.
		state, found := opt.StateDict().GetDict(statedict.Path{StateKey})
		if !found || state.Len() != 1 {
			return errors.Errorf("state dict must carry exactly the owned slots, got:\n%s", opt.StateDict())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestZeroLoadRejectsForeignSlots(t *testing.T) {
	mesh := topology.NewMesh(2, 1, 1)
	err := topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		params := testParams(1)
		opt := NewZero(params, Builder{Config: DefaultAdamWConfig()}, procs.DP)
		setGrads(params, 1)
		if err := opt.Step(); err != nil {
			return err
		}

		foreign := statedict.New()
		other := "dense.weight"
		if procs.DP.Rank() == 0 {
			other = "dense.bias"
		}
		if err := foreign.Sub(StateKey).Sub(other).Set(statedict.Path{SlotStep}, tensors.FromScalar(int64(1))); err != nil {
			return err
		}
		if err := opt.LoadStateDict(foreign); err == nil || !strings.Contains(err.Error(), "not this rank") {
			return errors.Errorf("want foreign-slot rejection, got %v", err)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestFromGradAccumulator(t *testing.T) {
	params := testParams(1)
	opt, err := NewFromGradAccumulator(params, Builder{Config: DefaultAdamWConfig()})
	require.NoError(t, err)
	require.NotEmpty(t, opt.AdditionalKeys())

	require.NoError(t, trainSteps(opt, params, 3))

	sd := opt.StateDict()
	fp32, found := sd.GetDict(statedict.Path{FP32Key})
	require.True(t, found)
	require.Equal(t, 2, fp32.Len())

	// Masters track the live parameters after SyncBack.
	master, found := sd.Get(statedict.Path{FP32Key, "dense.weight"})
	require.True(t, found)
	require.Equal(t, tensors.CopyFlatData[float32](params[0].Value), tensors.CopyFlatData[float32](master))

	freshParams := testParams(1)
	fresh, err := NewFromGradAccumulator(freshParams, Builder{Config: DefaultAdamWConfig()})
	require.NoError(t, err)
	equal, _ := statedict.Equal(sd, fresh.StateDict())
	require.False(t, equal)

	require.NoError(t, fresh.LoadStateDict(sd))
	equal, diff := statedict.Equal(sd, fresh.StateDict())
	require.True(t, equal, diff)
}
