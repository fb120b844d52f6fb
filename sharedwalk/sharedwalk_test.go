// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package sharedwalk_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/sharedwalk"
)

// counterCache records how many times a distinct fact was seen;
// Splice unions the sets, mirroring how fscheck.Cache unions
// per-inode flags on merge.
type counterCache struct {
	seen map[string]bool
}

func newCounterCache() *counterCache { return &counterCache{seen: map[string]bool{}} }

func (c *counterCache) Splice(src *counterCache) {
	for k := range src.seen {
		c.seen[k] = true
	}
}

func TestEnterFirstVisitDescendsAndCreatesCache(t *testing.T) {
	w := sharedwalk.NewWalker[*counterCache]()
	subvol := newCounterCache()
	descend := w.Enter(btrfsvol.LogicalAddr(1000), 1, 2, false, subvol, newCounterCache)
	require.True(t, descend)

	cur := w.Current(subvol)
	cur.seen["fact-from-subtree"] = true

	w.LeaveLevel(1, subvol)
	require.True(t, subvol.seen["fact-from-subtree"], "leaving should splice the isolated cache into the subvolume cache")
}

func TestEnterSecondVisitSkipsAndSplices(t *testing.T) {
	w := sharedwalk.NewWalker[*counterCache]()
	subvolA := newCounterCache()
	require.True(t, w.Enter(btrfsvol.LogicalAddr(2000), 1, 2, false, subvolA, newCounterCache))
	w.Current(subvolA).seen["shared-fact"] = true
	w.LeaveLevel(1, subvolA)

	subvolB := newCounterCache()
	descend := w.Enter(btrfsvol.LogicalAddr(2000), 1, 2, false, subvolB, newCounterCache)
	require.False(t, descend, "a block already fully accounted for should not be re-walked")
	require.True(t, subvolB.seen["shared-fact"], "the second visit should inherit facts recorded on the first")
}

func TestEnterRootDroppedDiscardsRatherThanSplices(t *testing.T) {
	w := sharedwalk.NewWalker[*counterCache]()
	subvolA := newCounterCache()
	require.True(t, w.Enter(btrfsvol.LogicalAddr(3000), 1, 2, false, subvolA, newCounterCache))
	w.Current(subvolA).seen["shared-fact"] = true
	w.LeaveLevel(1, subvolA)

	subvolB := newCounterCache()
	descend := w.Enter(btrfsvol.LogicalAddr(3000), 1, 2, true, subvolB, newCounterCache)
	require.False(t, descend)
	require.Empty(t, subvolB.seen, "a root being dropped should not inherit facts from the shared node it is discarding")
}

func TestUnsharedBlockAlwaysDescends(t *testing.T) {
	w := sharedwalk.NewWalker[*counterCache]()
	subvol := newCounterCache()
	require.True(t, w.Enter(btrfsvol.LogicalAddr(4000), 0, 1, false, subvol, newCounterCache))
	require.True(t, w.Enter(btrfsvol.LogicalAddr(4000), 0, 1, false, subvol, newCounterCache), "refcount<=1 never memoises")
}

func TestFlushClosesRemainingLevelsDeepestFirst(t *testing.T) {
	w := sharedwalk.NewWalker[*counterCache]()
	subvol := newCounterCache()
	require.True(t, w.Enter(btrfsvol.LogicalAddr(5000), 1, 2, false, subvol, newCounterCache))
	w.Current(subvol).seen["level-1"] = true
	require.True(t, w.Enter(btrfsvol.LogicalAddr(5100), 2, 2, false, subvol, newCounterCache))
	w.Current(subvol).seen["level-2"] = true

	w.Flush(subvol)
	require.True(t, subvol.seen["level-1"])
	require.True(t, subvol.seen["level-2"])
}
