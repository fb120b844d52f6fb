// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cacheindex is the arena-style interval index for "things
// keyed by a byte range". Within this module its one user is the
// extent reconciler's corrupt-block registry. It is a typed wrapper
// around an interval tree, generalizing the single untyped
// cache-extent lookup the reference checker used into one generic
// container parameterized on the record type each caller stores.
package cacheindex

import (
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

// Record is anything that can be indexed by a half-open byte range
// [Start, Start+Size). Size must be >= 1; a zero-size record cannot be
// located by Find (nothing contains an empty range).
type Record interface {
	CacheKey() (start uint64, size uint64)
}

// Tree is an ordered index of Records keyed by their CacheKey byte
// range. The zero Tree is ready to use.
type Tree[R Record] struct {
	inner containers.IntervalTree[containers.NativeOrdered[uint64], R]
	init  bool
}

func nativeRange(r Record) (lo, hi containers.NativeOrdered[uint64]) {
	start, size := r.CacheKey()
	return containers.NativeOrdered[uint64]{Val: start}, containers.NativeOrdered[uint64]{Val: start + size}
}

func (t *Tree[R]) ensureInit() {
	if t.init {
		return
	}
	t.inner.MinFn = func(r R) containers.NativeOrdered[uint64] { lo, _ := nativeRange(r); return lo }
	t.inner.MaxFn = func(r R) containers.NativeOrdered[uint64] { _, hi := nativeRange(r); return hi }
	t.init = true
}

// InsertUnique inserts rec, and returns an error if rec's range
// overlaps any record already present — mirroring insert_cache_extent's
// refusal to silently clobber an existing entry.
func (t *Tree[R]) InsertUnique(rec R) error {
	t.ensureInit()
	start, size := rec.CacheKey()
	if size == 0 {
		return fmt.Errorf("cacheindex: cannot insert a zero-size record at %v", start)
	}
	if _, ok := t.Find(start, size); ok {
		return fmt.Errorf("cacheindex: range [%v, %v) overlaps an existing entry", start, start+size)
	}
	t.inner.Insert(rec)
	return nil
}

// Find returns the first record (in key order) whose range overlaps
// [start, start+size), or false if none does.
func (t *Tree[R]) Find(start, size uint64) (R, bool) {
	t.ensureInit()
	if size == 0 {
		size = 1
	}
	lo := containers.NativeOrdered[uint64]{Val: start}
	hi := containers.NativeOrdered[uint64]{Val: start + size}
	matches := t.inner.SearchAll(func(k containers.NativeOrdered[uint64]) int {
		switch {
		case k.Cmp(hi) >= 0:
			return -1
		case k.Cmp(lo) <= 0:
			return 1
		default:
			return 0
		}
	})
	var zero R
	if len(matches) == 0 {
		return zero, false
	}
	best := matches[0]
	bestStart, _ := best.CacheKey()
	for _, m := range matches[1:] {
		mStart, _ := m.CacheKey()
		if mStart < bestStart {
			best, bestStart = m, mStart
		}
	}
	return best, true
}

// FindFirst returns the lowest-keyed record whose range starts at or
// after start, or false if the index is empty past that point.
func (t *Tree[R]) FindFirst(start uint64) (R, bool) {
	t.ensureInit()
	lo := containers.NativeOrdered[uint64]{Val: start}
	matches := t.inner.SearchAll(func(k containers.NativeOrdered[uint64]) int {
		if k.Cmp(lo) < 0 {
			return 1
		}
		return 0
	})
	var best R
	var bestStart uint64
	found := false
	for _, m := range matches {
		mStart, _ := m.CacheKey()
		if mStart < start {
			continue
		}
		if !found || mStart < bestStart {
			best, bestStart, found = m, mStart, true
		}
	}
	return best, found
}

// Next returns the record immediately after cur in key order, or
// false if cur is the last entry.
func (t *Tree[R]) Next(cur R) (R, bool) {
	start, size := cur.CacheKey()
	return t.FindFirst(start + size)
}

// Remove deletes rec from the index. It is a no-op if rec (by its
// exact range) is not present.
func (t *Tree[R]) Remove(rec R) {
	t.ensureInit()
	start, size := rec.CacheKey()
	t.inner.Delete(
		containers.NativeOrdered[uint64]{Val: start},
		containers.NativeOrdered[uint64]{Val: start + size},
	)
}

// All returns every record in key order. Intended for end-of-walk
// reporting passes, not for hot paths.
func (t *Tree[R]) All() []R {
	t.ensureInit()
	return t.inner.SearchAll(func(containers.NativeOrdered[uint64]) int { return 0 })
}
