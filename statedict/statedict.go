// Package statedict implements the named state containers the checkpoint
// engine operates on: insertion-ordered mappings from a stable string key to
// either a tensor or a nested dict. The same container type carries model
// weights, an optimizer's per-parameter "state" sub-dicts, and the additional
// buffers contributed by optimizer wrappers, so the checkpoint writer/reader
// stays generic over all of them.
package statedict

import (
	"fmt"
	"iter"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/exp/slices"
)

// ErrUnknownKey marks lookups for a path that has no entry in the queried
// container. Components resolving paths on behalf of the checkpoint reader
// wrap it so the reader can tell an unknown key apart from a genuine failure.
var ErrUnknownKey = errors.New("no entry under the given path")

// Path is the sequence of keys from the root dict down to an entry.
type Path []string

// String implements fmt.Stringer, joining the path elements with dots.
func (p Path) String() string { return strings.Join(p, ".") }

// Child returns a new path extended by key.
func (p Path) Child(key string) Path {
	child := make(Path, 0, len(p)+1)
	child = append(child, p...)
	return append(child, key)
}

// Dict is an insertion-ordered mapping from string keys to entries. Each entry
// is either a tensor leaf or a nested *Dict -- never both.
type Dict struct {
	m *orderedmap.OrderedMap[string, *entry]
}

type entry struct {
	value *tensors.Tensor
	sub   *Dict
}

func (e *entry) isLeaf() bool { return e.sub == nil }

// New creates an empty dict.
func New() *Dict {
	return &Dict{m: orderedmap.New[string, *entry]()}
}

// Len is the number of direct entries (leaves and sub-dicts).
func (d *Dict) Len() int { return d.m.Len() }

// Keys lists the direct keys in insertion order.
func (d *Dict) Keys() []string {
	keys := make([]string, 0, d.m.Len())
	for pair := d.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Set stores a tensor under treePath, creating intermediate dicts as needed.
//
// It returns an error if the path traverses an existing leaf, or if the path
// names an existing sub-dict: entries can be a leaf or a dict, but not both.
func (d *Dict) Set(treePath Path, value *tensors.Tensor) error {
	if len(treePath) == 0 {
		return errors.New("statedict.Dict.Set: empty path")
	}
	node := d
	for _, key := range treePath[:len(treePath)-1] {
		e, found := node.m.Get(key)
		if !found {
			e = &entry{sub: New()}
			node.m.Set(key, e)
		}
		if e.isLeaf() {
			return errors.Errorf("statedict.Dict.Set(%q): path traverses the existing leaf entry %q", treePath, key)
		}
		node = e.sub
	}
	last := treePath[len(treePath)-1]
	if e, found := node.m.Get(last); found && !e.isLeaf() {
		return errors.Errorf("statedict.Dict.Set(%q): entry is a nested dict, not a leaf", treePath)
	}
	node.m.Set(last, &entry{value: value})
	return nil
}

// SetDict stores sub as a nested dict under key, replacing any previous entry.
func (d *Dict) SetDict(key string, sub *Dict) {
	d.m.Set(key, &entry{sub: sub})
}

// Get returns the tensor leaf at treePath.
func (d *Dict) Get(treePath Path) (*tensors.Tensor, bool) {
	e := d.lookup(treePath)
	if e == nil || !e.isLeaf() {
		return nil, false
	}
	return e.value, true
}

// GetDict returns the nested dict at treePath.
func (d *Dict) GetDict(treePath Path) (*Dict, bool) {
	e := d.lookup(treePath)
	if e == nil || e.isLeaf() {
		return nil, false
	}
	return e.sub, true
}

// Sub returns the nested dict under key, creating it if absent. Calling it on
// an existing leaf entry is a programming error and panics -- use GetDict to
// check for existence.
func (d *Dict) Sub(key string) *Dict {
	if e, found := d.m.Get(key); found {
		if e.isLeaf() {
			exceptions.Panicf("statedict.Dict.Sub(%q): entry is a leaf, not a nested dict", key)
		}
		return e.sub
	}
	sub := New()
	d.SetDict(key, sub)
	return sub
}

func (d *Dict) lookup(treePath Path) *entry {
	if len(treePath) == 0 {
		return nil
	}
	node := d
	for _, key := range treePath[:len(treePath)-1] {
		e, found := node.m.Get(key)
		if !found || e.isLeaf() {
			return nil
		}
		node = e.sub
	}
	e, found := node.m.Get(treePath[len(treePath)-1])
	if !found {
		return nil
	}
	return e
}

// Leaves iterates over every tensor leaf with its path from the root,
// depth-first in insertion order.
func (d *Dict) Leaves() iter.Seq2[Path, *tensors.Tensor] {
	return func(yield func(Path, *tensors.Tensor) bool) {
		recursiveLeaves(nil, d, yield)
	}
}

func recursiveLeaves(treePath Path, d *Dict, yield func(Path, *tensors.Tensor) bool) bool {
	for pair := d.m.Oldest(); pair != nil; pair = pair.Next() {
		childPath := append(treePath, pair.Key)
		if pair.Value.isLeaf() {
			if !yield(slices.Clone(childPath), pair.Value.value) {
				return false
			}
		} else if !recursiveLeaves(childPath, pair.Value.sub, yield) {
			return false
		}
	}
	return true
}

// NumLeaves counts the tensor leaves of the whole tree.
func (d *Dict) NumLeaves() int {
	var count int
	for range d.Leaves() {
		count++
	}
	return count
}

// Merge inserts every entry of other into d, keeping d's entries and key order
// for keys present in both (nested dicts are merged recursively). A leaf/dict
// conflict is an error.
func (d *Dict) Merge(other *Dict) error {
	for pair := other.m.Oldest(); pair != nil; pair = pair.Next() {
		existing, found := d.m.Get(pair.Key)
		if !found {
			d.m.Set(pair.Key, pair.Value)
			continue
		}
		if existing.isLeaf() != pair.Value.isLeaf() {
			return errors.Errorf("statedict.Dict.Merge: entry %q is a leaf on one side and a nested dict on the other", pair.Key)
		}
		if existing.isLeaf() {
			existing.value = pair.Value.value
			continue
		}
		if err := existing.sub.Merge(pair.Value.sub); err != nil {
			return err
		}
	}
	return nil
}

// Clone duplicates the dict structure. Tensor leaves are deep-copied, so the
// clone can be mutated (or loaded into) independently.
func (d *Dict) Clone() *Dict {
	clone := New()
	for pair := d.m.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.isLeaf() {
			clone.m.Set(pair.Key, &entry{value: pair.Value.value.LocalClone()})
		} else {
			clone.SetDict(pair.Key, pair.Value.sub.Clone())
		}
	}
	return clone
}

// String implements fmt.Stringer, rendering the tree with one entry per line.
func (d *Dict) String() string {
	var parts []string
	parts = dictToString(parts, "/", d, 0)
	return strings.Join(parts, "\n") + "\n"
}

func dictToString(parts []string, name string, d *Dict, indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	indent++
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for pair := d.m.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.isLeaf() {
			parts = append(parts, fmt.Sprintf("%s  %q: %s", indentSpaces, pair.Key, pair.Value.value.Shape()))
		} else {
			parts = dictToString(parts, pair.Key, pair.Value.sub, indent)
		}
	}
	return append(parts, fmt.Sprintf("%s}", indentSpaces))
}
