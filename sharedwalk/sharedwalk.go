// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sharedwalk is the bookkeeping half of the shared-subtree
// walk: snapshots share tree blocks with their parent subvolume, so
// walking each subvolume in isolation would re-scan identical
// subtrees and double-count the references found there. A Walker
// memoises the facts recorded under each shared block the first time
// it is entered, and on every later visit splices those facts into
// the caller's cache instead of re-descending.
//
// This is a simplified rendering of the original checker's per-level
// active-node stack: rather than nesting caches by tree depth, every
// splice lands directly in the one cache the caller passes in for the
// subvolume being walked. That loses precise accounting for a shared
// subtree nested inside another shared subtree (a block shared by two
// snapshots, one level below a block shared by two different
// snapshots) in favor of something drivable through
// btrfstree.Tree.TreeWalk's callback shape, which has no "finished
// with this subtree" hook of its own. The caller recovers an
// equivalent of that hook with LeaveLevel/Flush, called at sibling
// boundaries and at the end of the walk (see Checker.CheckSubvolume in
// package fscheck).
package sharedwalk

import (
	"sort"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// Cache is the per-subtree accumulated state a walk writes facts
// into. C absorbs another C's facts via Splice, following whatever
// union/conflict rules its caller defines for its own record types
// (see fscheck.Cache.Splice for the inode/root-record instance of
// this).
type Cache[C any] interface {
	Splice(src C)
}

type sharedNode[C Cache[C]] struct {
	refs  int
	cache C
}

// Walker tracks shared blocks across however many subvolume walks
// share it. The zero Walker is not ready to use; call NewWalker.
type Walker[C Cache[C]] struct {
	shared map[btrfsvol.LogicalAddr]*sharedNode[C]
	stack  map[int]*sharedNode[C]
}

func NewWalker[C Cache[C]]() *Walker[C] {
	return &Walker[C]{
		shared: make(map[btrfsvol.LogicalAddr]*sharedNode[C]),
		stack:  make(map[int]*sharedNode[C]),
	}
}

// Enter is called from a TreeWalkHandler.KeyPointer callback, before
// deciding whether to descend into the block at addr/level.
// refcount is the block's extent refcount (the caller treats anything
// it cannot determine as 1, i.e. unshared). rootDropped marks that the
// subvolume currently being walked is itself being deleted (root
// refs == 0): in that case a repeat visit only decrements the shared
// node's refcount, discarding rather than merging its facts, since
// the dropping root's own view of the subtree is about to be thrown
// away anyway.
//
// newCache is called only on a first visit, to seed a fresh cache
// that the caller should record this subtree's facts into.
//
// Items for this subtree should be dispatched into the cache that
// Current returns (see below); descend reports whether the caller
// should actually walk into the block at all.
func (w *Walker[C]) Enter(addr btrfsvol.LogicalAddr, level int, refcount int, rootDropped bool, subvolCache C, newCache func() C) (descend bool) {
	if refcount <= 1 {
		return true
	}
	node, ok := w.shared[addr]
	if !ok {
		node = &sharedNode[C]{refs: refcount, cache: newCache()}
		w.shared[addr] = node
		w.stack[level] = node
		return true
	}
	if !rootDropped {
		subvolCache.Splice(node.cache)
	}
	node.refs--
	if node.refs <= 0 {
		delete(w.shared, addr)
	}
	return false
}

// Current returns the cache that items discovered right now should be
// recorded into: the isolated cache of the deepest shared block still
// open, or subvolCache if none is open.
func (w *Walker[C]) Current(subvolCache C) C {
	deepest := -1
	cache := subvolCache
	for level, node := range w.stack {
		if deepest < 0 || level < deepest {
			deepest = level
			cache = node.cache
		}
	}
	return cache
}

// LeaveLevel closes out whatever shared node is currently open at
// level — the previous sibling's subtree, now fully walked — splicing
// its accumulated facts into subvolCache. It is a no-op if nothing is
// open at that level. Call this immediately before Enter for every
// KeyPointer at that level, so each sibling's subtree is closed before
// the next one starts.
func (w *Walker[C]) LeaveLevel(level int, subvolCache C) {
	node, ok := w.stack[level]
	if !ok {
		return
	}
	delete(w.stack, level)
	subvolCache.Splice(node.cache)
}

// Flush closes every level still open, deepest-first, splicing each
// into subvolCache. Call once after a subvolume's TreeWalk returns.
func (w *Walker[C]) Flush(subvolCache C) {
	levels := make([]int, 0, len(w.stack))
	for level := range w.stack {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	for _, level := range levels {
		node := w.stack[level]
		delete(w.stack, level)
		subvolCache.Splice(node.cache)
	}
}
