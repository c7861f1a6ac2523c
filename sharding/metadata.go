package sharding

import (
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// CheckpointVersion is the current on-disk metadata format. It is bumped on
// any incompatible layout change; readers refuse records of other versions.
const CheckpointVersion = 1

// Error kinds for decoding metadata records. They are fatal for the tensor
// whose record failed, but must not abort loading of independent tensors.
// Match with errors.Is.
var (
	// ErrVersionMismatch: the record's format version is one this reader does
	// not support.
	ErrVersionMismatch = errors.New("checkpoint metadata version mismatch")

	// ErrCorruptMetadata: the record is malformed (missing key, or a value
	// that fails to parse).
	ErrCorruptMetadata = errors.New("corrupt checkpoint metadata")
)

// Metadata wraps a tensor's sharding Descriptor with the format version it was
// written under.
type Metadata struct {
	Version int
	Desc    Descriptor
}

// NewMetadata wraps a descriptor under the current CheckpointVersion.
func NewMetadata(desc Descriptor) Metadata {
	return Metadata{Version: CheckpointVersion, Desc: desc}
}

// Keys of the flat record. Values are all plain strings.
const (
	metaKeyVersion  = "version"
	metaKeySplitDim = "split_dim"
	metaKeyPairs    = "local_global_slice_pairs"
	metaKeyDType    = "dtype"
	metaKeyShape    = "unsharded_shape"
)

// ToStringMap encodes the metadata as a flat string-keyed record. It is a pure
// function of the metadata: it does not mutate it, and equal metadata encode
// to equal records.
func (m Metadata) ToStringMap() map[string]string {
	pairs := make([]string, len(m.Desc.Pairs))
	for i, p := range m.Desc.Pairs {
		pairs[i] = p.String()
	}
	dims := make([]string, m.Desc.UnshardedShape.Rank())
	for i, d := range m.Desc.UnshardedShape.Dimensions {
		dims[i] = strconv.Itoa(d)
	}
	return map[string]string{
		metaKeyVersion:  strconv.Itoa(m.Version),
		metaKeySplitDim: strconv.Itoa(m.Desc.SplitDim),
		metaKeyPairs:    strings.Join(pairs, ";"),
		metaKeyDType:    m.Desc.UnshardedShape.DType.String(),
		metaKeyShape:    strings.Join(dims, ","),
	}
}

// MetadataFromStringMap decodes a record produced by ToStringMap, such that
// MetadataFromStringMap(m.ToStringMap()) == m for every valid m.
//
// An unsupported version fails with ErrVersionMismatch; a malformed record
// fails with ErrCorruptMetadata.
func MetadataFromStringMap(record map[string]string) (Metadata, error) {
	var meta Metadata

	versionStr, err := recordValue(record, metaKeyVersion)
	if err != nil {
		return meta, err
	}
	meta.Version, err = strconv.Atoi(versionStr)
	if err != nil {
		return meta, corruptf("version %q is not numeric", versionStr)
	}
	if meta.Version != CheckpointVersion {
		return meta, errors.Wrapf(ErrVersionMismatch, "record has version %d, reader supports version %d", meta.Version, CheckpointVersion)
	}

	splitDimStr, err := recordValue(record, metaKeySplitDim)
	if err != nil {
		return meta, err
	}
	meta.Desc.SplitDim, err = strconv.Atoi(splitDimStr)
	if err != nil {
		return meta, corruptf("split_dim %q is not numeric", splitDimStr)
	}

	pairsStr, err := recordValue(record, metaKeyPairs)
	if err != nil {
		return meta, err
	}
	for _, pairStr := range strings.Split(pairsStr, ";") {
		pair, err := parseSlicePair(pairStr)
		if err != nil {
			return meta, err
		}
		meta.Desc.Pairs = append(meta.Desc.Pairs, pair)
	}

	dtypeStr, err := recordValue(record, metaKeyDType)
	if err != nil {
		return meta, err
	}
	dtype, err := dtypes.DTypeString(dtypeStr)
	if err != nil {
		return meta, corruptf("unknown dtype %q", dtypeStr)
	}
	shapeStr, err := recordValue(record, metaKeyShape)
	if err != nil {
		return meta, err
	}
	var dims []int
	if shapeStr != "" {
		for _, dimStr := range strings.Split(shapeStr, ",") {
			dim, err := strconv.Atoi(dimStr)
			if err != nil {
				return meta, corruptf("shape dimension %q is not numeric", dimStr)
			}
			dims = append(dims, dim)
		}
	}
	meta.Desc.UnshardedShape = shapes.Make(dtype, dims...)
	return meta, nil
}

func recordValue(record map[string]string, key string) (string, error) {
	value, found := record[key]
	if !found {
		return "", corruptf("missing required key %q", key)
	}
	return value, nil
}

func parseSlicePair(pairStr string) (pair SlicePair, err error) {
	localStr, globalStr, found := strings.Cut(pairStr, ">")
	if !found {
		return pair, corruptf("slice pair %q is missing the %q separator", pairStr, ">")
	}
	pair.Local, err = parseSlice(localStr)
	if err != nil {
		return pair, err
	}
	pair.Global, err = parseSlice(globalStr)
	return pair, err
}

func parseSlice(sliceStr string) (s Slice, err error) {
	startStr, endStr, found := strings.Cut(sliceStr, ":")
	if !found {
		return s, corruptf("slice %q is missing the %q separator", sliceStr, ":")
	}
	s.Start, err = strconv.Atoi(startStr)
	if err != nil {
		return s, corruptf("slice start %q is not numeric", startStr)
	}
	s.End, err = strconv.Atoi(endStr)
	if err != nil {
		return s, corruptf("slice end %q is not numeric", endStr)
	}
	return s, nil
}

func corruptf(format string, args ...any) error {
	return errors.Wrapf(ErrCorruptMetadata, format, args...)
}
