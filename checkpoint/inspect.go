package checkpoint

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/distckpt/sharding"
	"github.com/gomlx/distckpt/statedict"
	"github.com/gomlx/distckpt/topology"
	"github.com/pkg/errors"
)

// ShardInfo describes one shard file of a checkpoint, for inspection tools.
type ShardInfo struct {
	// Key is the flattened container path, e.g. "embed.weight" or
	// "state.embed.weight.exp_avg".
	Key statedict.Path

	// Coord is the owning coordinate as encoded in the file name ("tp-0-pp-1"
	// for dp-replicated sections, "dp-0-tp-0-pp-1" for ZeRO-sharded ones).
	Coord string

	// Desc is the decoded sharding metadata of the shard.
	Desc sharding.Metadata

	// SizeBytes is the size of the raw shard file.
	SizeBytes int64
}

// Summary is the full inspection of a checkpoint root, across all
// coordinates. Built by Inspect without requiring a process grid.
type Summary struct {
	Version int
	Mesh    topology.Mesh

	Weights []ShardInfo

	// HasOptimizer reports whether an optimizer section was saved.
	HasOptimizer     bool
	OptimizerSharded bool
	AdditionalKeys   []string
	Optimizer        []ShardInfo

	// RandomCoords lists the coordinates that saved random states.
	RandomCoords []string
}

// Inspect reads a checkpoint's manifests and shard metadata, without loading
// any tensor data.
func Inspect(root string) (*Summary, error) {
	fileName := filepath.Join(root, manifestFileName)
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint manifest %q", fileName)
	}
	m, err := decodeManifest(fileName, data)
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		Version: m.Version,
		Mesh:    topology.Mesh{DPSize: m.DPSize, TPSize: m.TPSize, PPSize: m.PPSize},
	}

	if summary.Weights, err = inspectSection(root, weightsDirName); err != nil {
		return nil, err
	}
	if summary.Optimizer, err = inspectSection(root, optimizerDirName); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(root, optimizerDirName, manifestFileName)); err == nil {
		om, err := readOptimizerManifest(root)
		if err != nil {
			return nil, err
		}
		summary.HasOptimizer = true
		summary.OptimizerSharded = om.Sharded
		summary.AdditionalKeys = om.AdditionalKeys
	}

	randomDir := filepath.Join(root, randomDirName)
	entries, err := os.ReadDir(randomDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to list random states %q", randomDir)
	}
	for _, entry := range entries {
		summary.RandomCoords = append(summary.RandomCoords, strings.TrimSuffix(entry.Name(), ".mpack"))
	}
	return summary, nil
}

// inspectSection collects every shard of a section, across all coordinates.
func inspectSection(root, section string) ([]ShardInfo, error) {
	sectionDir := filepath.Join(root, section)
	if _, err := os.Stat(sectionDir); os.IsNotExist(err) {
		return nil, nil
	}
	var shards []ShardInfo
	err := filepath.WalkDir(sectionDir, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), shardSuffix) {
			return nil
		}
		coordStr := strings.TrimSuffix(d.Name(), shardSuffix)
		dir := filepath.Dir(name)
		meta, err := readShardMetadata(dir, coordStr)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sectionDir, dir)
		if err != nil {
			return err
		}
		shards = append(shards, ShardInfo{
			Key:       statedict.Path(strings.Split(rel, string(filepath.Separator))),
			Coord:     coordStr,
			Desc:      meta,
			SizeBytes: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect section %q", sectionDir)
	}
	return shards, nil
}
