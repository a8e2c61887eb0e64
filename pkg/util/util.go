package util

import (
	"golang.org/x/exp/constraints"
)

// ReverseG returns a reversed copy of arr; the input stays untouched.
func ReverseG[T any](arr []T) []T {
	out := make([]T, len(arr))
	for i, v := range arr {
		out[len(arr)-1-i] = v
	}
	return out
}

// SortedKeys returns the keys of m in ascending order. Map iteration order is
// not deterministic in Go, every planner loop that must be replayable walks
// its tables through this.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	insertionSort(keys)
	return keys
}

func insertionSort[K constraints.Ordered](arr []K) {
	for i := 1; i < len(arr); i++ {
		for j := i; j > 0 && arr[j] < arr[j-1]; j-- {
			arr[j], arr[j-1] = arr[j-1], arr[j]
		}
	}
}

func MinOf[K constraints.Ordered](arr []K) K {
	best := arr[0]
	for _, v := range arr[1:] {
		if v < best {
			best = v
		}
	}
	return best
}
