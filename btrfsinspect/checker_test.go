// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsinspect_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/btrfsinspect"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// fakeKP is one interior slot: the address/level a KeyPointer callback
// should see, plus the leaf items behind it. TreeWalk only hands those
// items to the caller if the KeyPointer callback returns true (i.e.
// chooses to descend) — mirroring how a real Tree only reads a child
// node when told to recurse.
type fakeKP struct {
	addr  btrfsvol.LogicalAddr
	level uint8
	items []btrfstree.Item
}

// fakeTree is a flat two-level stand-in for a real B+ tree: a fixed
// set of top-level items (as if at the tree root) plus a fixed set of
// interior slots, each pointing at a leaf's worth of items. Enough to
// drive both fscheck.Checker.CheckSubvolume and btrfsinspect's own
// observeSubvolume pass without a real on-disk tree.
type fakeTree struct {
	items []btrfstree.Item
	kps   []fakeKP
}

func (t *fakeTree) TreeWalk(_ context.Context, cbs btrfstree.TreeWalkHandler) {
	for _, item := range t.items {
		if cbs.Item != nil {
			cbs.Item(nil, item)
		}
	}
	for _, kp := range t.kps {
		descend := true
		if cbs.KeyPointer != nil {
			path := btrfstree.Path{btrfstree.PathKP{ToAddr: kp.addr, ToLevel: kp.level}}
			descend = cbs.KeyPointer(path, btrfstree.KeyPointer{BlockPtr: kp.addr})
		}
		if !descend {
			continue
		}
		for _, item := range kp.items {
			if cbs.Item != nil {
				cbs.Item(nil, item)
			}
		}
	}
}

func (t *fakeTree) TreeLookup(context.Context, btrfsprim.Key) (btrfstree.Item, error) {
	panic("not used by this test")
}
func (t *fakeTree) TreeSearch(context.Context, btrfstree.TreeSearcher) (btrfstree.Item, error) {
	panic("not used by this test")
}
func (t *fakeTree) TreeRange(context.Context, func(btrfstree.Item) bool) error {
	panic("not used by this test")
}
func (t *fakeTree) TreeSubrange(context.Context, int, btrfstree.TreeSearcher, func(btrfstree.Item) bool) error {
	panic("not used by this test")
}
func (t *fakeTree) TreeCheckOwner(context.Context, bool, btrfsprim.ObjID, btrfsprim.Generation) error {
	panic("not used by this test")
}

type fakeForrest struct {
	trees map[btrfsprim.ObjID]*fakeTree
}

func (f *fakeForrest) ForrestLookup(_ context.Context, treeID btrfsprim.ObjID) (btrfstree.Tree, error) {
	tree, ok := f.trees[treeID]
	if !ok {
		tree = &fakeTree{}
	}
	return tree, nil
}

func rootItem(id btrfsprim.ObjID, refs int32) btrfstree.Item {
	return btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: id, ItemType: btrfsprim.ROOT_ITEM_KEY},
		Body: btrfsitem.Root{Refs: refs},
	}
}

func extentItem(start uint64, size uint64, refs int64) btrfstree.Item {
	return btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(start), ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: size},
		Body: btrfsitem.Extent{Head: btrfsitem.ExtentHeader{Refs: refs}},
	}
}

func treeBlockRefItem(addr uint64, owner btrfsprim.ObjID) btrfstree.Item {
	return btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(addr), ItemType: btrfsprim.TREE_BLOCK_REF_KEY, Offset: uint64(owner)},
		Body: btrfsitem.Empty{},
	}
}

func inodeItem(ino btrfsprim.ObjID) btrfstree.Item {
	return btrfstree.Item{
		Key:  btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.INODE_ITEM_KEY},
		Body: btrfsitem.Inode{Mode: btrfsitem.StatMode(0100644), NLink: 1},
	}
}

// TestSharedSubvolumeBlockIsNotDoubleScanned builds two subvolumes
// (256 and 257, as if 257 were a snapshot of 256) that share one
// metadata block holding an inode record, with the extent tree
// declaring that block's refcount as 2 via two TREE_BLOCK_REF
// backrefs (one per owning root) — the scenario-6 "shared block"
// setup from the cross-checker's testable properties. It exercises
// the full wiring end to end: extentcheck.Reconciler.Refcount feeds
// fscheck.Checker's dedup decision, so the shared block's items are
// only dispatched once, yet both subvolumes' caches end up holding
// the record via sharedwalk's splice.
func TestSharedSubvolumeBlockIsNotDoubleScanned(t *testing.T) {
	const sharedAddr = uint64(4096)
	const sharedIno = btrfsprim.ObjID(258)

	sharedKP := fakeKP{
		addr:  btrfsvol.LogicalAddr(sharedAddr),
		level: 0,
		items: []btrfstree.Item{inodeItem(sharedIno)},
	}

	forrest := &fakeForrest{trees: map[btrfsprim.ObjID]*fakeTree{
		btrfsprim.ROOT_TREE_OBJECTID: {items: []btrfstree.Item{
			rootItem(256, 1),
			rootItem(257, 1),
		}},
		btrfsprim.EXTENT_TREE_OBJECTID: {items: []btrfstree.Item{
			extentItem(sharedAddr, 16384, 2),
			treeBlockRefItem(sharedAddr, 256),
			treeBlockRefItem(sharedAddr, 257),
		}},
		btrfsprim.FS_TREE_OBJECTID: {},
		256:                        {kps: []fakeKP{sharedKP}},
		257:                        {kps: []fakeKP{sharedKP}},
	}}

	checker := btrfsinspect.NewChecker(forrest)
	report, err := checker.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.ExtentRecs, 1)
	extRec := report.ExtentRecs[0]
	require.EqualValues(t, 2, extRec.ExtentItemRefs)
	require.EqualValues(t, 2, extRec.Refs(), "both owning roots' TREE_BLOCK_REF backrefs should sum to the declared refcount")
	require.True(t, extRec.AllBackpointersChecked())
	require.True(t, extRec.Complete())

	var subA, subB *btrfsinspect.SubvolumeReport
	for i := range report.Subvolumes {
		switch report.Subvolumes[i].TreeID {
		case 256:
			subA = &report.Subvolumes[i]
		case 257:
			subB = &report.Subvolumes[i]
		}
	}
	require.NotNil(t, subA, "subvolume 256 should be in the report")
	require.NotNil(t, subB, "subvolume 257 should be in the report")

	recA := subA.Cache.Inodes[sharedIno]
	recB := subB.Cache.Inodes[sharedIno]
	require.NotNil(t, recA, "the shared block's inode should surface in subvolume 256's cache")
	require.NotNil(t, recB, "the shared block's inode should surface in subvolume 257's cache via sharedwalk splice, not a re-walk")

	require.True(t, report.Clean(), "a consistent shared block across two subvolumes should report clean")
}
