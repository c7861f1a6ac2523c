package checkpoint

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/distckpt/topology"
	"github.com/gomlx/gomlx/types/tensors"
	pkgerrors "github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// OptimizerSource is the capability surface the checkpoint engine needs from
// any optimizer-like component: the generic Source plus the additional-keys
// enumeration contributed by wrappers and a way to rebuild state on load.
type OptimizerSource interface {
	Source

	// AdditionalKeys names the top-level state-dict keys beyond the primary
	// "state" sub-dict. The set is fixed per optimizer configuration and must
	// be identical between save and load.
	AdditionalKeys() []string

	// LoadStateDict replaces the optimizer's state with a container
	// reconstructed from the checkpoint.
	LoadStateDict(sd *statedict.Dict) error
}

// DPSharded is implemented by optimizers whose state is partitioned across
// the data-parallel group (ZeRO). Plain optimizers, whose state is replicated
// across dp, do not implement it.
type DPSharded interface {
	DPSize() int
}

// StateKey is the primary state-dict key every optimizer carries.
// It matches optimizers.StateKey without importing that package.
const StateKey = "state"

// optimizerManifest records the save-time optimizer format, so loading into a
// differently-sharded optimizer fails up front instead of resurrecting the
// wrong slots.
type optimizerManifest struct {
	Sharded        bool
	AdditionalKeys []string
}

// optimizerCoord names optimizer shard files: ZeRO-sharded state is addressed
// by the full coordinate, replicated state only by (tp, pp).
func optimizerCoord(coord topology.Coord, sharded bool) string {
	if sharded {
		return coord.String()
	}
	return weightCoord(coord)
}

// SaveOptimizer persists the optimizer state this rank owns: the per-parameter
// slots under "state" plus every additional key contributed by wrappers. For a
// plain optimizer only dp rank 0 writes (the state is replicated across dp);
// for a ZeRO-sharded optimizer every dp rank writes its owned slots.
func SaveOptimizer(opt OptimizerSource, procs *topology.Procs, root string) error {
	if err := writeRootManifest(procs, root); err != nil {
		return err
	}
	_, sharded := opt.(DPSharded)
	if err := writeOptimizerManifest(opt, procs, root, sharded); err != nil {
		return err
	}
	if !sharded && procs.DP.Rank() != 0 {
		return nil
	}
	coordStr := optimizerCoord(procs.Coord, sharded)
	sd := opt.StateDict()
	klog.V(1).Infof("rank %s: saving %d optimizer shards to %q (sharded=%v)", procs.Coord, sd.NumLeaves(), root, sharded)

	var group errgroup.Group
	for treePath, tensor := range sd.Leaves() {
		group.Go(func() error {
			desc, err := opt.Descriptor(treePath)
			if err != nil {
				return pkgerrors.WithMessagef(err, "optimizer key %q", treePath)
			}
			err = writeShard(keyDir(root, optimizerDirName, treePath), coordStr, tensor, desc)
			return pkgerrors.WithMessagef(err, "optimizer key %q", treePath)
		})
	}
	return group.Wait()
}

func writeOptimizerManifest(opt OptimizerSource, procs *topology.Procs, root string, sharded bool) error {
	if procs.Coord != (topology.Coord{}) {
		return nil
	}
	dir := filepath.Join(root, optimizerDirName)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return pkgerrors.Wrapf(err, "failed to create optimizer directory %q", dir)
	}
	keys := slices.Clone(opt.AdditionalKeys())
	slices.Sort(keys)
	data, err := msgpack.Marshal(&optimizerManifest{Sharded: sharded, AdditionalKeys: keys})
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode optimizer manifest")
	}
	fileName := filepath.Join(dir, manifestFileName)
	return pkgerrors.Wrapf(os.WriteFile(fileName, data, 0666), "failed to write optimizer manifest %q", fileName)
}

func readOptimizerManifest(root string) (optimizerManifest, error) {
	fileName := filepath.Join(root, optimizerDirName, manifestFileName)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return optimizerManifest{}, pkgerrors.Wrapf(err, "failed to read optimizer manifest %q", fileName)
	}
	var m optimizerManifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return optimizerManifest{}, pkgerrors.Wrapf(sharding.ErrCorruptMetadata, "failed to decode optimizer manifest %q: %v", fileName, err)
	}
	return m, nil
}

// LoadOptimizer rebuilds this rank's optimizer state from the checkpoint and
// hands it to the optimizer's LoadStateDict, under the strict policy.
//
// The optimizer format (plain vs ZeRO-sharded), the additional-key set and
// the grid must all match the saving run; any difference fails before state
// reconstruction starts. Saving with a ZeRO-sharded optimizer and loading
// into a plain one (or vice versa) is out of contract and rejected here.
func LoadOptimizer(opt OptimizerSource, procs *topology.Procs, root string) error {
	return LoadOptimizerOptions(opt, procs, root, LoadOptions{})
}

// LoadOptimizerOptions is LoadOptimizer with an explicit policy.
func LoadOptimizerOptions(opt OptimizerSource, procs *topology.Procs, root string, opts LoadOptions) error {
	if err := checkManifest(root, procs.Mesh); err != nil {
		return err
	}
	saved, err := readOptimizerManifest(root)
	if err != nil {
		return err
	}
	_, sharded := opt.(DPSharded)
	if saved.Sharded != sharded {
		return pkgerrors.Wrapf(ErrTopologyMismatch, "optimizer state was saved %s but is being loaded %s; resharding optimizer checkpoints is not supported",
			formatName(saved.Sharded), formatName(sharded))
	}
	keys := slices.Clone(opt.AdditionalKeys())
	slices.Sort(keys)
	if !slices.Equal(saved.AdditionalKeys, keys) {
		return pkgerrors.Wrapf(ErrTopologyMismatch, "optimizer state was saved with additional keys %v, loader expects %v",
			saved.AdditionalKeys, keys)
	}

	coordStr := optimizerCoord(procs.Coord, sharded)
	stored, err := listShardKeys(root, optimizerDirName, coordStr)
	if err != nil {
		return err
	}

	// The reconstructed container always carries the fixed top-level
	// sub-dicts, so an optimizer with no stepped parameters loads as a valid
	// empty state.
	sd := statedict.New()
	sd.Sub(StateKey)
	for _, key := range keys {
		sd.Sub(key)
	}
	var failures []error
	for _, treePath := range stored {
		if err := reconstructShard(opt, sd, treePath, root, coordStr); err != nil {
			if pkgerrors.Is(err, ErrUnexpectedKey) && opts.Lenient {
				klog.Warningf("rank %s: %v", procs.Coord, err)
				continue
			}
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		// Reconstruction is incomplete: report what failed without applying a
		// partial state to the destination optimizer.
		return errors.Join(failures...)
	}
	return opt.LoadStateDict(sd)
}

// reconstructShard creates the tensor for one stored key from its metadata
// and reads the shard bytes into it.
func reconstructShard(opt OptimizerSource, sd *statedict.Dict, treePath statedict.Path, root, coordStr string) error {
	dir := keyDir(root, optimizerDirName, treePath)
	meta, err := readShardMetadata(dir, coordStr)
	if err != nil {
		return pkgerrors.WithMessagef(err, "optimizer key %q", treePath)
	}
	expected, err := opt.Descriptor(treePath)
	if pkgerrors.Is(err, statedict.ErrUnknownKey) {
		return pkgerrors.Wrapf(ErrUnexpectedKey, "optimizer key %q: %v", treePath, err)
	}
	if err != nil {
		return pkgerrors.WithMessagef(err, "optimizer key %q", treePath)
	}
	if !meta.Desc.UnshardedShape.Equal(expected.UnshardedShape) {
		return pkgerrors.Wrapf(ErrShapeMismatch, "optimizer key %q: checkpoint has logical shape %s, optimizer expects %s",
			treePath, meta.Desc.UnshardedShape, expected.UnshardedShape)
	}
	dst := tensors.FromShape(meta.Desc.LocalShape())
	if err := readShardInto(dir, coordStr, dst); err != nil {
		return pkgerrors.WithMessagef(err, "optimizer key %q", treePath)
	}
	return pkgerrors.WithMessagef(sd.Set(treePath, dst), "optimizer key %q", treePath)
}

func formatName(sharded bool) string {
	if sharded {
		return "ZeRO-sharded"
	}
	return "replicated"
}
