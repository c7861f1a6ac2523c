package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/distckpt/topology"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack"
)

const (
	testRows = 8
	testCols = 4
)

// testModel is a Source over two keys: "embed.weight", an 8x4 matrix sharded
// along dim 0 across tensor-parallel ranks, and "head.bias", an unsharded
// per-pipeline-stage vector.
type testModel struct {
	sd    *statedict.Dict
	descs map[string]sharding.Descriptor
}

func (m *testModel) StateDict() *statedict.Dict { return m.sd }

func (m *testModel) Descriptor(path statedict.Path) (sharding.Descriptor, error) {
	desc, found := m.descs[path.String()]
	if !found {
		return sharding.Descriptor{}, pkgerrors.Wrapf(statedict.ErrUnknownKey, "model has no entry %q", path)
	}
	return desc, nil
}

// newTestModel builds the rank-local model state. Values are a deterministic
// function of the global element position and the pipeline stage (never of
// the dp rank, weights are dp-replicated), offset by base so two models
// built with different bases hold different data.
//
// Runs inside launched rank goroutines, so it panics on fixture errors
// instead of using the testing API.
func newTestModel(procs *topology.Procs, base float32) *testModel {
	tpSize := procs.Mesh.TPSize
	tpRank := procs.TP.Rank()
	pp := float32(procs.Coord.PP)
	rowsPerRank := testRows / tpSize

	weight := make([]float32, rowsPerRank*testCols)
	for i := range rowsPerRank {
		globalRow := tpRank*rowsPerRank + i
		for j := range testCols {
			weight[i*testCols+j] = base + 10000*pp + float32(globalRow*testCols+j)
		}
	}
	chunks := make([]int, tpSize)
	for i := range chunks {
		chunks[i] = rowsPerRank
	}
	weightDesc := must.M1(sharding.Contiguous(shapes.Make(dtypes.Float32, testRows, testCols), 0, chunks, tpRank))

	bias := make([]float32, testCols)
	for j := range bias {
		bias[j] = base + 1000*pp + 0.5*float32(j)
	}
	biasT := tensors.FromFlatDataAndDimensions(bias, testCols)

	m := &testModel{
		sd: statedict.New(),
		descs: map[string]sharding.Descriptor{
			"embed.weight": weightDesc,
			"head.bias":    sharding.Unsharded(biasT.Shape()),
		},
	}
	must.M(m.sd.Set(statedict.Path{"embed", "weight"},
		tensors.FromFlatDataAndDimensions(weight, rowsPerRank, testCols)))
	must.M(m.sd.Set(statedict.Path{"head", "bias"}, biasT))
	return m
}

// saveTestWeights writes a weight checkpoint for the whole mesh and returns
// after every rank has finished writing.
func saveTestWeights(t *testing.T, mesh topology.Mesh, root string, base float32) {
	require.NoError(t, topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		if err := SaveWeights(newTestModel(procs, base), procs, root); err != nil {
			return err
		}
		return procs.World.Barrier(ctx)
	}))
}

func meshName(m topology.Mesh) string {
	return fmt.Sprintf("dp=%d-tp=%d-pp=%d", m.DPSize, m.TPSize, m.PPSize)
}

func TestWeightsRoundTrip(t *testing.T) {
	meshes := []topology.Mesh{
		topology.NewMesh(1, 1, 1),
		topology.NewMesh(2, 1, 1),
		topology.NewMesh(1, 2, 1),
		topology.NewMesh(1, 1, 2),
		topology.NewMesh(2, 2, 2),
	}
	for _, mesh := range meshes {
		t.Run(meshName(mesh), func(t *testing.T) {
			root := t.TempDir()
			saveTestWeights(t, mesh, root, 1)
			require.NoError(t, topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
				want := newTestModel(procs, 1)
				dst := newTestModel(procs, -7)
				// The destination must start out different from the saved
				// state, or the comparison below proves nothing. Only
				// meaningful for non-empty models.
				if dst.sd.NumLeaves() > 0 {
					if equal, _ := statedict.Equal(want.sd, dst.sd); equal {
						return pkgerrors.Errorf("rank %s: destination model already matches the saved state before loading", procs.Coord)
					}
				}
				if err := LoadWeights(dst, procs, root); err != nil {
					return err
				}
				if equal, diff := statedict.Equal(want.sd, dst.sd); !equal {
					return pkgerrors.Errorf("rank %s: loaded weights differ: %s", procs.Coord, diff)
				}
				return nil
			}))
		})
	}
}

func TestWeightsEmptyModelRoundTrip(t *testing.T) {
	mesh := topology.NewMesh(1, 1, 1)
	root := t.TempDir()
	empty := func() *testModel { return &testModel{sd: statedict.New()} }
	require.NoError(t, topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		if err := SaveWeights(empty(), procs, root); err != nil {
			return err
		}
		return LoadWeights(empty(), procs, root)
	}))
}

func TestLoadTopologyMismatch(t *testing.T) {
	root := t.TempDir()
	saveTestWeights(t, topology.NewMesh(1, 2, 1), root, 1)

	require.NoError(t, topology.Launch(topology.NewMesh(1, 1, 1), func(ctx context.Context, procs *topology.Procs) error {
		err := LoadWeights(newTestModel(procs, 0), procs, root)
		if !pkgerrors.Is(err, ErrTopologyMismatch) {
			return pkgerrors.Errorf("want topology mismatch, got %v", err)
		}
		return nil
	}))
}

func TestLoadVersionMismatch(t *testing.T) {
	mesh := topology.NewMesh(1, 1, 1)
	root := t.TempDir()
	saveTestWeights(t, mesh, root, 1)

	// Rewrite the root manifest claiming a future format version.
	data, err := msgpack.Marshal(&manifest{Version: 99, DPSize: 1, TPSize: 1, PPSize: 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, manifestFileName), data, 0666))

	require.NoError(t, topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		err := LoadWeights(newTestModel(procs, 0), procs, root)
		if !pkgerrors.Is(err, sharding.ErrVersionMismatch) {
			return pkgerrors.Errorf("want version mismatch, got %v", err)
		}
		return nil
	}))
}

func TestLoadCorruptMetadataIsolated(t *testing.T) {
	mesh := topology.NewMesh(1, 1, 1)
	root := t.TempDir()
	saveTestWeights(t, mesh, root, 1)

	metaName := filepath.Join(root, weightsDirName, "embed", "weight", "tp-0-pp-0"+metaSuffix)
	require.NoError(t, os.WriteFile(metaName, []byte("not msgpack"), 0666))

	require.NoError(t, topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		want := newTestModel(procs, 1)
		dst := newTestModel(procs, -3)
		err := LoadWeights(dst, procs, root)
		if !pkgerrors.Is(err, sharding.ErrCorruptMetadata) {
			return pkgerrors.Errorf("want corrupt metadata, got %v", err)
		}
		// The healthy sibling key must still have been restored, and the
		// corrupt key's destination left untouched.
		wantBias, _ := want.sd.Get(statedict.Path{"head", "bias"})
		gotBias, _ := dst.sd.Get(statedict.Path{"head", "bias"})
		if !equalTensors(wantBias, gotBias) {
			return pkgerrors.New("sibling key was not restored")
		}
		untouched := newTestModel(procs, -3)
		wantWeight, _ := untouched.sd.Get(statedict.Path{"embed", "weight"})
		gotWeight, _ := dst.sd.Get(statedict.Path{"embed", "weight"})
		if !equalTensors(wantWeight, gotWeight) {
			return pkgerrors.New("corrupt key's destination was modified")
		}
		return nil
	}))
}

func TestLoadMissingKey(t *testing.T) {
	mesh := topology.NewMesh(1, 1, 1)
	root := t.TempDir()
	saveTestWeights(t, mesh, root, 1)
	require.NoError(t, os.RemoveAll(filepath.Join(root, weightsDirName, "head")))

	require.NoError(t, topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		strict := newTestModel(procs, -3)
		if err := LoadWeights(strict, procs, root); !pkgerrors.Is(err, ErrMissingKey) {
			return pkgerrors.Errorf("strict: want missing key, got %v", err)
		}

		lenient := newTestModel(procs, -3)
		if err := LoadWeightsOptions(lenient, procs, root, LoadOptions{Lenient: true}); err != nil {
			return pkgerrors.WithMessage(err, "lenient")
		}
		want := newTestModel(procs, 1)
		wantWeight, _ := want.sd.Get(statedict.Path{"embed", "weight"})
		gotWeight, _ := lenient.sd.Get(statedict.Path{"embed", "weight"})
		if !equalTensors(wantWeight, gotWeight) {
			return pkgerrors.New("lenient: present key was not restored")
		}
		untouched := newTestModel(procs, -3)
		wantBias, _ := untouched.sd.Get(statedict.Path{"head", "bias"})
		gotBias, _ := lenient.sd.Get(statedict.Path{"head", "bias"})
		if !equalTensors(wantBias, gotBias) {
			return pkgerrors.New("lenient: missing key's destination was modified")
		}
		return nil
	}))
}

func TestLoadUnexpectedKey(t *testing.T) {
	mesh := topology.NewMesh(1, 1, 1)
	root := t.TempDir()
	saveTestWeights(t, mesh, root, 1)

	require.NoError(t, topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		// A destination that only knows about the weight entry.
		full := newTestModel(procs, -3)
		weight, _ := full.sd.Get(statedict.Path{"embed", "weight"})
		narrow := &testModel{sd: statedict.New(), descs: full.descs}
		if err := narrow.sd.Set(statedict.Path{"embed", "weight"}, weight); err != nil {
			return err
		}
		if err := LoadWeights(narrow, procs, root); !pkgerrors.Is(err, ErrUnexpectedKey) {
			return pkgerrors.Errorf("strict: want unexpected key, got %v", err)
		}
		return LoadWeightsOptions(narrow, procs, root, LoadOptions{Lenient: true})
	}))
}

func TestLoadShapeMismatch(t *testing.T) {
	mesh := topology.NewMesh(1, 1, 1)
	root := t.TempDir()
	saveTestWeights(t, mesh, root, 1)

	require.NoError(t, topology.Launch(mesh, func(ctx context.Context, procs *topology.Procs) error {
		bent := newTestModel(procs, -3)
		short := tensors.FromFlatDataAndDimensions(make([]float32, 2), 2)
		if err := bent.sd.Set(statedict.Path{"head", "bias"}, short); err != nil {
			return err
		}
		bent.descs["head.bias"] = sharding.Unsharded(short.Shape())
		err := LoadWeights(bent, procs, root)
		if !pkgerrors.Is(err, ErrShapeMismatch) {
			return pkgerrors.Errorf("want shape mismatch, got %v", err)
		}
		return nil
	}))
}

func equalTensors(a, b *tensors.Tensor) bool {
	if a == nil || b == nil || !a.Shape().Equal(b.Shape()) {
		return false
	}
	identical := false
	a.ConstBytes(func(aBytes []byte) {
		b.ConstBytes(func(bBytes []byte) {
			identical = bytes.Equal(aBytes, bBytes)
		})
	})
	return identical
}
