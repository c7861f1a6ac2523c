package checkpoint

import (
	"errors"
	"sync"

	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/distckpt/topology"
	"github.com/gomlx/gomlx/types/tensors"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Source supplies an enumerable, ordered set of named tensors with their
// sharding, for the current rank's owned state. Model adapters implement it
// for weights; every optimizer wrapper implements it (and more) for its state.
//
// On load the same container is the destination: decoded shard bytes are
// copied into its tensors in place.
type Source interface {
	// StateDict returns the named tensors. The checkpoint engine never
	// mutates the structure, only (on load) the tensor contents.
	StateDict() *statedict.Dict

	// Descriptor returns the sharding of the entry at path. A path with no
	// entry is reported wrapping statedict.ErrUnknownKey, so the reader can
	// treat it as an unexpected checkpoint key rather than a hard failure.
	Descriptor(path statedict.Path) (sharding.Descriptor, error)
}

// SaveWeights persists the model's weight shards for this rank. Weights are
// replicated across the data-parallel axis, so only dp rank 0 of each (tp, pp)
// writes; other dp ranks return immediately.
//
// Writes of independent keys run in parallel; no cross-rank synchronization
// happens here. Callers that need every rank finished must barrier explicitly
// afterwards.
func SaveWeights(model Source, procs *topology.Procs, root string) error {
	if err := writeRootManifest(procs, root); err != nil {
		return err
	}
	if procs.DP.Rank() != 0 {
		return nil
	}
	coordStr := weightCoord(procs.Coord)
	sd := model.StateDict()
	klog.V(1).Infof("rank %s: saving %d weight shards to %q", procs.Coord, sd.NumLeaves(), root)

	var group errgroup.Group
	for treePath, tensor := range sd.Leaves() {
		group.Go(func() error {
			desc, err := model.Descriptor(treePath)
			if err != nil {
				return pkgerrors.WithMessagef(err, "weights key %q", treePath)
			}
			err = writeShard(keyDir(root, weightsDirName, treePath), coordStr, tensor, desc)
			return pkgerrors.WithMessagef(err, "weights key %q", treePath)
		})
	}
	return group.Wait()
}

// LoadWeights restores this rank's weight shards into the model's tensors in
// place, under the strict policy: any missing or unexpected key fails the
// load. See LoadWeightsOptions for the lenient policy.
func LoadWeights(model Source, procs *topology.Procs, root string) error {
	return LoadWeightsOptions(model, procs, root, LoadOptions{})
}

// LoadWeightsOptions is LoadWeights with an explicit policy.
//
// Topology and format-version mismatches abort before any tensor is touched.
// A failure on one key (corrupt metadata, shape mismatch) does not stop the
// other keys from loading; the aggregated error reports every key that was
// not restored.
func LoadWeightsOptions(model Source, procs *topology.Procs, root string, opts LoadOptions) error {
	if err := checkManifest(root, procs.Mesh); err != nil {
		return err
	}
	coordStr := weightCoord(procs.Coord)
	sd := model.StateDict()

	var mu sync.Mutex
	var failures []error
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, err)
	}

	var group errgroup.Group
	for treePath, tensor := range sd.Leaves() {
		group.Go(func() error {
			err := loadShard(model, treePath, tensor, root, weightsDirName, coordStr)
			if err == nil {
				return nil
			}
			if pkgerrors.Is(err, ErrMissingKey) && opts.Lenient {
				klog.Warningf("rank %s: %v", procs.Coord, err)
				return nil
			}
			fail(err)
			return nil
		})
	}
	_ = group.Wait() // Errors all go through fail.

	if err := checkUnexpectedKeys(sd, root, weightsDirName, coordStr, opts, procs.Coord); err != nil {
		fail(err)
	}
	return errors.Join(failures...)
}

// loadShard restores one key: decode and validate metadata, then copy the
// shard bytes into the destination tensor.
func loadShard(src Source, treePath statedict.Path, dst *tensors.Tensor, root, section, coordStr string) error {
	dir := keyDir(root, section, treePath)
	meta, err := readShardMetadata(dir, coordStr)
	if err != nil {
		return pkgerrors.WithMessagef(err, "key %q", treePath)
	}
	expected, err := src.Descriptor(treePath)
	if err != nil {
		return pkgerrors.WithMessagef(err, "key %q", treePath)
	}
	if !meta.Desc.UnshardedShape.Equal(expected.UnshardedShape) {
		return pkgerrors.Wrapf(ErrShapeMismatch, "key %q: checkpoint has logical shape %s, destination expects %s",
			treePath, meta.Desc.UnshardedShape, expected.UnshardedShape)
	}
	if localShape := meta.Desc.LocalShape(); !localShape.Equal(dst.Shape()) {
		return pkgerrors.Wrapf(ErrShapeMismatch, "key %q: checkpoint shard has local shape %s, destination tensor is %s",
			treePath, localShape, dst.Shape())
	}
	return pkgerrors.WithMessagef(readShardInto(dir, coordStr, dst), "key %q", treePath)
}

// checkUnexpectedKeys reports shard files for this coordinate that have no
// entry in the destination container.
func checkUnexpectedKeys(sd *statedict.Dict, root, section, coordStr string, opts LoadOptions, coord topology.Coord) error {
	stored, err := listShardKeys(root, section, coordStr)
	if err != nil {
		return err
	}
	var failures []error
	for _, treePath := range stored {
		if _, found := sd.Get(treePath); found {
			continue
		}
		err := pkgerrors.Wrapf(ErrUnexpectedKey, "checkpoint key %q has no destination entry", treePath)
		if opts.Lenient {
			klog.Warningf("rank %s: %v", coord, err)
			continue
		}
		failures = append(failures, err)
	}
	return errors.Join(failures...)
}

// writeRootManifest is done once per checkpoint, by the origin coordinate.
func writeRootManifest(procs *topology.Procs, root string) error {
	if procs.Coord != (topology.Coord{}) {
		return nil
	}
	return writeManifest(root, procs.Mesh)
}
