package statedict

import (
	"bytes"
	"fmt"
)

// Equal is the round-trip correctness predicate: it reports whether a and b
// have the same key sets and, for every key, bit-identical tensor values
// (recursively for nested dicts). Insertion order is not significant.
//
// Two empty dicts are trivially equal. On mismatch, the returned string
// describes the first differing key.
func Equal(a, b *Dict) (bool, string) {
	return equalAt(nil, a, b)
}

func equalAt(treePath Path, a, b *Dict) (bool, string) {
	for pair := a.m.Oldest(); pair != nil; pair = pair.Next() {
		childPath := treePath.Child(pair.Key)
		other, found := b.m.Get(pair.Key)
		if !found {
			return false, fmt.Sprintf("key %q missing from second dict", childPath)
		}
		if pair.Value.isLeaf() != other.isLeaf() {
			return false, fmt.Sprintf("key %q is a leaf in one dict and a nested dict in the other", childPath)
		}
		if !pair.Value.isLeaf() {
			if equal, diff := equalAt(childPath, pair.Value.sub, other.sub); !equal {
				return false, diff
			}
			continue
		}
		aT, bT := pair.Value.value, other.value
		if !aT.Shape().Equal(bT.Shape()) {
			return false, fmt.Sprintf("key %q has shape %s in first dict and %s in second", childPath, aT.Shape(), bT.Shape())
		}
		identical := false
		aT.ConstBytes(func(aBytes []byte) {
			bT.ConstBytes(func(bBytes []byte) {
				identical = bytes.Equal(aBytes, bBytes)
			})
		})
		if !identical {
			return false, fmt.Sprintf("key %q has different values: %s vs %s", childPath, aT, bT)
		}
	}
	for pair := b.m.Oldest(); pair != nil; pair = pair.Next() {
		if _, found := a.m.Get(pair.Key); !found {
			return false, fmt.Sprintf("key %q missing from first dict", treePath.Child(pair.Key))
		}
	}
	return true, ""
}
