// Package sharding describes how a logical (unsharded) tensor is split into
// the physical per-rank chunks stored in a checkpoint, and provides the
// versioned metadata codec that persists that description as a flat
// string-to-string record (suitable for file attributes or sidecar files).
package sharding

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// NoSplitDim marks a Descriptor of a tensor that is not sharded: every rank
// holds the full tensor.
const NoSplitDim = -1

// Slice is a half-open index range [Start, End) along one axis.
type Slice struct {
	Start, End int
}

// Len of the slice.
func (s Slice) Len() int { return s.End - s.Start }

// String implements fmt.Stringer.
func (s Slice) String() string { return fmt.Sprintf("%d:%d", s.Start, s.End) }

// SlicePair maps a range of this rank's local chunk onto the corresponding
// range of the logical tensor, along the split axis. A descriptor with more
// than one pair describes a non-contiguous gather pattern.
type SlicePair struct {
	Local, Global Slice
}

// String implements fmt.Stringer.
func (p SlicePair) String() string { return fmt.Sprintf("%s>%s", p.Local, p.Global) }

// Descriptor is a pure-data description of one rank's chunk of a logical
// tensor: the axis it is split along (or NoSplitDim), how the local chunk maps
// into the logical tensor, and the logical tensor's full shape.
type Descriptor struct {
	SplitDim       int
	Pairs          []SlicePair
	UnshardedShape shapes.Shape
}

// Unsharded returns the descriptor of a tensor fully owned by every rank: the
// trivial identity mapping onto the whole tensor.
func Unsharded(shape shapes.Shape) Descriptor {
	size := 0
	if shape.Rank() > 0 {
		size = shape.Dimensions[0]
	}
	return Descriptor{
		SplitDim:       NoSplitDim,
		Pairs:          []SlicePair{{Local: Slice{0, size}, Global: Slice{0, size}}},
		UnshardedShape: shape,
	}
}

// Contiguous returns the descriptor for rank's chunk when shape is split along
// splitDim into len(chunks) contiguous blocks of the given sizes. The chunk
// sizes must tile the split axis exactly.
func Contiguous(shape shapes.Shape, splitDim int, chunks []int, rank int) (Descriptor, error) {
	if splitDim < 0 || splitDim >= shape.Rank() {
		return Descriptor{}, errors.Errorf("sharding.Contiguous: split dim %d out of range for shape %s", splitDim, shape)
	}
	if rank < 0 || rank >= len(chunks) {
		return Descriptor{}, errors.Errorf("sharding.Contiguous: rank %d out of range for %d chunks", rank, len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += c
	}
	if total != shape.Dimensions[splitDim] {
		return Descriptor{}, errors.Errorf("sharding.Contiguous: chunks %v sum to %d, but shape %s has dimension %d along axis %d",
			chunks, total, shape, shape.Dimensions[splitDim], splitDim)
	}
	start := 0
	for _, c := range chunks[:rank] {
		start += c
	}
	length := chunks[rank]
	return Descriptor{
		SplitDim:       splitDim,
		Pairs:          []SlicePair{{Local: Slice{0, length}, Global: Slice{start, start + length}}},
		UnshardedShape: shape,
	}, nil
}

// IsSharded reports whether the tensor is actually split across ranks.
func (d Descriptor) IsSharded() bool { return d.SplitDim != NoSplitDim }

// LocalShape derives the shape of this rank's chunk from the descriptor.
func (d Descriptor) LocalShape() shapes.Shape {
	if !d.IsSharded() {
		return d.UnshardedShape.Clone()
	}
	localDim := 0
	for _, p := range d.Pairs {
		localDim += p.Local.Len()
	}
	local := d.UnshardedShape.Clone()
	local.Dimensions[d.SplitDim] = localDim
	return local
}

// Equal reports whether two descriptors describe the same placement.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.SplitDim == other.SplitDim &&
		slices.Equal(d.Pairs, other.Pairs) &&
		d.UnshardedShape.Equal(other.UnshardedShape)
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	if !d.IsSharded() {
		return fmt.Sprintf("unsharded %s", d.UnshardedShape)
	}
	pairs := make([]string, len(d.Pairs))
	for i, p := range d.Pairs {
		pairs[i] = p.String()
	}
	return fmt.Sprintf("split dim %d of %s, pairs %s", d.SplitDim, d.UnshardedShape, strings.Join(pairs, ";"))
}

// Validate checks the tiling invariant for the descriptors of all ranks of one
// logical tensor: restricted to the split axis, their global ranges must tile
// [0, UnshardedShape[SplitDim]) exactly, with no gaps or overlaps.
func Validate(descs []Descriptor) error {
	if len(descs) == 0 {
		return errors.New("sharding.Validate: no descriptors given")
	}
	first := descs[0]
	for i, d := range descs {
		if d.SplitDim != first.SplitDim || !d.UnshardedShape.Equal(first.UnshardedShape) {
			return errors.Errorf("sharding.Validate: descriptor %d (%s) disagrees with descriptor 0 (%s)", i, d, first)
		}
		if len(d.Pairs) == 0 {
			return errors.Errorf("sharding.Validate: descriptor %d (%s) has no slice pairs", i, d)
		}
	}
	if !first.IsSharded() {
		// Replicated tensors are each a full copy; nothing to tile.
		return nil
	}
	var all []Slice
	for _, d := range descs {
		for _, p := range d.Pairs {
			if p.Local.Len() != p.Global.Len() {
				return errors.Errorf("sharding.Validate: pair %s maps ranges of different lengths", p)
			}
			all = append(all, p.Global)
		}
	}
	slices.SortFunc(all, func(a, b Slice) int { return a.Start - b.Start })
	pos := 0
	for _, s := range all {
		if s.Start != pos {
			return errors.Errorf("sharding.Validate: global ranges have a gap or overlap at index %d (next range %s)", pos, s)
		}
		pos = s.End
	}
	if dim := first.UnshardedShape.Dimensions[first.SplitDim]; pos != dim {
		return errors.Errorf("sharding.Validate: global ranges cover [0, %d) but the split axis has dimension %d", pos, dim)
	}
	return nil
}
