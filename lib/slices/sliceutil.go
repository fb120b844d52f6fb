// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package slices

import (
	"sort"

	"golang.org/x/exp/constraints"
)

func Contains[T comparable](needle T, haystack []T) bool {
	for _, straw := range haystack {
		if needle == straw {
			return true
		}
	}
	return false
}

func RemoveAll[T comparable](haystack []T, needle T) []T {
	for i, straw := range haystack {
		if needle == straw {
			return append(
				haystack[:i],
				RemoveAll(haystack[i+1:], needle)...)
		}
	}
	return haystack
}

func RemoveAllFunc[T any](haystack []T, f func(T) bool) []T {
	for i, straw := range haystack {
		if f(straw) {
			return append(
				haystack[:i],
				RemoveAllFunc(haystack[i+1:], f)...)
		}
	}
	return haystack
}

func Reverse[T any](slice []T) {
	for i := 0; i < len(slice)/2; i++ {
		j := (len(slice) - 1) - i
		slice[i], slice[j] = slice[j], slice[i]
	}
}

func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func Sort[T constraints.Ordered](slice []T) {
	sort.Slice(slice, func(i, j int) bool {
		return slice[i] < slice[j]
	})
}

// Search does a binary search over haystack, which must be ordered
// such that fn returns a non-increasing sequence of values as it is
// called left-to-right (think "needle minus straw"):
//
//	+ + + + 0 - - - -
//
// It returns the index where fn returns 0, or (0, false) if no such
// index exists.
func Search[T any](haystack []T, fn func(T) int) (int, bool) {
	lo, hi := 0, len(haystack)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch c := fn(haystack[mid]); {
		case c == 0:
			return mid, true
		case c > 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false
}

// SearchHighest is like Search, but returns the right-most index for
// which fn returns a value >=0, rather than requiring an exact match
// of 0.
func SearchHighest[T any](haystack []T, fn func(T) int) (int, bool) {
	lo, hi := 0, len(haystack)
	best, ok := 0, false
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if fn(haystack[mid]) >= 0 {
			best, ok = mid, true
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return best, ok
}
