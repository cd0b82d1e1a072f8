// Package generics has small generic helpers the stdlib lacks.
package generics

import (
	"cmp"
	"iter"
	"maps"
	"slices"
)

// SortedKeys iterates over the keys of m in sorted order. Convenient
// for deterministic logging, not tuned for speed.
func SortedKeys[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq[K] {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return slices.Values(keys)
}

// SortedKeysAndValues iterates over the entries of m ordered by key.
func SortedKeysAndValues[M interface{ ~map[K]V }, K cmp.Ordered, V any](m M) iter.Seq2[K, V] {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return func(yield func(K, V) bool) {
		for _, key := range keys {
			if !yield(key, m[key]) {
				return
			}
		}
	}
}
