package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/distckpt/randstate"
	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/topology"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"k8s.io/klog/v2"
)

// Random states are tiny and opaque, so unlike weights and optimizer state
// they are not stored as sharded tensors: each rank serializes its whole
// collection into one msgpack file named by its full coordinate. Restoring a
// synced state therefore reloads exactly the bits this coordinate saved, and
// no cross-rank exchange happens on either side.

func randomFileName(root string, coord topology.Coord) string {
	return filepath.Join(root, randomDirName, fmt.Sprintf("%s.mpack", coord))
}

// SaveRandomStates persists this rank's collection of named generator states.
func SaveRandomStates(states *randstate.States, procs *topology.Procs, root string) error {
	if err := writeRootManifest(procs, root); err != nil {
		return err
	}
	dir := filepath.Join(root, randomDirName)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create random-state directory %q", dir)
	}
	data, err := msgpack.Marshal(states.Items())
	if err != nil {
		return errors.Wrap(err, "failed to encode random states")
	}
	fileName := randomFileName(root, procs.Coord)
	klog.V(1).Infof("rank %s: saving %d random states to %q", procs.Coord, states.Len(), fileName)
	return errors.Wrapf(os.WriteFile(fileName, data, 0666), "failed to write random states %q", fileName)
}

// LoadRandomStates rebuilds the collection of named generator states this
// coordinate saved. The grid must match the saving run: a coordinate that did
// not exist at save time has no file, which surfaces as ErrTopologyMismatch
// via the manifest check before any file is touched.
func LoadRandomStates(procs *topology.Procs, root string) (*randstate.States, error) {
	if err := checkManifest(root, procs.Mesh); err != nil {
		return nil, err
	}
	fileName := randomFileName(root, procs.Coord)
	data, err := os.ReadFile(fileName)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrMissingKey, "no random states stored for coordinate %s", procs.Coord)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read random states %q", fileName)
	}
	var items []randstate.Item
	if err := msgpack.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrapf(sharding.ErrCorruptMetadata, "failed to decode random states %q: %v", fileName, err)
	}
	return randstate.FromItems(items), nil
}
