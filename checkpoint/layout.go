// Package checkpoint persists and restores the sharded state of a model, its
// optimizer and per-rank random states, under a versioned on-disk layout keyed
// by process topology coordinates.
//
// Layout under a checkpoint root:
//
//	manifest.mpack                      format version + dp/tp/pp grid sizes
//	weights/<key path>/<coord>.bin      raw shard bytes, one per owning rank
//	weights/<key path>/<coord>.meta     flat string-keyed sharding metadata
//	optimizer/manifest.mpack            optimizer format (plain vs ZeRO-sharded)
//	optimizer/<key path>/<coord>.bin    optimizer slots and additional keys
//	random/<coord>.mpack                per-rank named random states
//
// Each rank reads and writes only files named by its own coordinate, so ranks
// never contend on a file. The engine imposes no barrier after a save; callers
// that need all ranks finished before a dependent step issue one explicitly on
// their world group.
package checkpoint

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/distckpt/topology"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// DirPermMode is the directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

const (
	manifestFileName = "manifest.mpack"
	weightsDirName   = "weights"
	optimizerDirName = "optimizer"
	randomDirName    = "random"

	shardSuffix = ".bin"
	metaSuffix  = ".meta"
)

// manifest records the save-time format version and grid, so a load can
// detect version and topology mismatches before touching any tensor.
type manifest struct {
	Version                int
	DPSize, TPSize, PPSize int
}

func writeManifest(root string, mesh topology.Mesh) error {
	if err := os.MkdirAll(root, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint root %q", root)
	}
	data, err := msgpack.Marshal(&manifest{
		Version: sharding.CheckpointVersion,
		DPSize:  mesh.DPSize,
		TPSize:  mesh.TPSize,
		PPSize:  mesh.PPSize,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint manifest")
	}
	fileName := filepath.Join(root, manifestFileName)
	return errors.Wrapf(os.WriteFile(fileName, data, 0666), "failed to write checkpoint manifest %q", fileName)
}

func decodeManifest(fileName string, data []byte) (manifest, error) {
	var m manifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return manifest{}, errors.Wrapf(sharding.ErrCorruptMetadata, "failed to decode checkpoint manifest %q: %v", fileName, err)
	}
	return m, nil
}

// checkManifest validates the stored format version and grid against the
// current run. Called by every load before any I/O on tensor files.
func checkManifest(root string, mesh topology.Mesh) error {
	fileName := filepath.Join(root, manifestFileName)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to read checkpoint manifest %q", fileName)
	}
	m, err := decodeManifest(fileName, data)
	if err != nil {
		return err
	}
	if m.Version != sharding.CheckpointVersion {
		return errors.Wrapf(sharding.ErrVersionMismatch, "checkpoint has version %d, reader supports version %d", m.Version, sharding.CheckpointVersion)
	}
	if m.DPSize != mesh.DPSize || m.TPSize != mesh.TPSize || m.PPSize != mesh.PPSize {
		return errors.Wrapf(ErrTopologyMismatch, "checkpoint was saved on a dp=%d/tp=%d/pp=%d grid, current grid is dp=%d/tp=%d/pp=%d",
			m.DPSize, m.TPSize, m.PPSize, mesh.DPSize, mesh.TPSize, mesh.PPSize)
	}
	return nil
}

// weightCoord names weight shard files: weights are replicated across the
// data-parallel axis, so only (tp, pp) address them.
func weightCoord(c topology.Coord) string {
	return fmt.Sprintf("tp-%d-pp-%d", c.TP, c.PP)
}

// keyDir is the directory of one tensor key's shards.
func keyDir(root, section string, treePath statedict.Path) string {
	return filepath.Join(root, section, filepath.Join(treePath...))
}

// writeShard persists one tensor's raw bytes plus its metadata sidecar under
// dir, named by coordStr.
func writeShard(dir, coordStr string, t *tensors.Tensor, desc sharding.Descriptor) error {
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create shard directory %q", dir)
	}
	record := sharding.NewMetadata(desc).ToStringMap()
	metaBytes, err := msgpack.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to encode shard metadata record")
	}
	metaName := filepath.Join(dir, coordStr+metaSuffix)
	if err := os.WriteFile(metaName, metaBytes, 0666); err != nil {
		return errors.Wrapf(err, "failed to write shard metadata %q", metaName)
	}
	shardName := filepath.Join(dir, coordStr+shardSuffix)
	t.ConstBytes(func(data []byte) {
		err = os.WriteFile(shardName, data, 0666)
	})
	return errors.Wrapf(err, "failed to write shard %q", shardName)
}

// readShardMetadata decodes the sidecar of one shard.
func readShardMetadata(dir, coordStr string) (sharding.Metadata, error) {
	metaName := filepath.Join(dir, coordStr+metaSuffix)
	data, err := os.ReadFile(metaName)
	if err != nil {
		if os.IsNotExist(err) {
			return sharding.Metadata{}, errors.Wrapf(ErrMissingKey, "no shard metadata %q", metaName)
		}
		return sharding.Metadata{}, errors.Wrapf(err, "failed to read shard metadata %q", metaName)
	}
	var record map[string]string
	if err := msgpack.Unmarshal(data, &record); err != nil {
		return sharding.Metadata{}, errors.Wrapf(sharding.ErrCorruptMetadata, "failed to decode shard metadata %q: %v", metaName, err)
	}
	meta, err := sharding.MetadataFromStringMap(record)
	return meta, errors.WithMessagef(err, "shard metadata %q", metaName)
}

// readShardInto copies one shard's bytes into the destination tensor, which
// must already have the shard's local shape.
func readShardInto(dir, coordStr string, dst *tensors.Tensor) error {
	shardName := filepath.Join(dir, coordStr+shardSuffix)
	data, err := os.ReadFile(shardName)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrMissingKey, "no shard file %q", shardName)
		}
		return errors.Wrapf(err, "failed to read shard %q", shardName)
	}
	if want := int(dst.Shape().Memory()); len(data) != want {
		return errors.Errorf("shard %q holds %d bytes, destination shape %s needs %d", shardName, len(data), dst.Shape(), want)
	}
	dst.MutableBytes(func(raw []byte) {
		copy(raw, data)
	})
	return nil
}

// listShardKeys walks a section directory and returns the key paths of every
// leaf directory holding a shard file for coordStr. A missing section
// directory is an empty checkpoint, not an error.
func listShardKeys(root, section, coordStr string) ([]statedict.Path, error) {
	sectionDir := filepath.Join(root, section)
	if _, err := os.Stat(sectionDir); os.IsNotExist(err) {
		return nil, nil
	}
	var keys []statedict.Path
	err := filepath.WalkDir(sectionDir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != coordStr+shardSuffix {
			return nil
		}
		rel, err := filepath.Rel(sectionDir, filepath.Dir(name))
		if err != nil {
			return err
		}
		keys = append(keys, statedict.Path(strings.Split(rel, string(filepath.Separator))))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list shards under %q", sectionDir)
	}
	return keys, nil
}
