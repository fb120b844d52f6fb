// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package extentcheck_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/extentcheck"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// fakeTree is a flat bag of items, enough to drive Reconciler.Run
// (which only calls TreeWalk) without a real on-disk extent tree.
type fakeTree struct {
	items []btrfstree.Item
}

func (t *fakeTree) TreeWalk(_ context.Context, cbs btrfstree.TreeWalkHandler) {
	for _, item := range t.items {
		cbs.Item(nil, item)
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
	tree *fakeTree
}

func (f *fakeForrest) ForrestLookup(context.Context, btrfsprim.ObjID) (btrfstree.Tree, error) {
	return f.tree, nil
}

func extentItem(start uint64, size uint64, refs int64) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: btrfsprim.ObjID(start), ItemType: btrfsprim.EXTENT_ITEM_KEY, Offset: size},
		Body: btrfsitem.Extent{
			Head: btrfsitem.ExtentHeader{Refs: refs},
		},
	}
}

func extentDataRefItem(start uint64, root, owner btrfsprim.ObjID, offset uint64, count int32) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: btrfsprim.ObjID(start), ItemType: btrfsprim.EXTENT_DATA_REF_KEY},
		Body: btrfsitem.ExtentDataRef{
			Root:     root,
			ObjectID: owner,
			Offset:   int64(offset),
			Count:    count,
		},
	}
}

func runReconcile(t *testing.T, items []btrfstree.Item) *extentcheck.Reconciler {
	t.Helper()
	forrest := &fakeForrest{tree: &fakeTree{items: items}}
	r := extentcheck.NewReconciler(forrest)
	require.NoError(t, r.Run(context.Background()))
	return r
}

func TestCleanDataExtentReconciles(t *testing.T) {
	const start = uint64(1048576)
	r := runReconcile(t, []btrfstree.Item{
		extentItem(start, 4096, 1),
		extentDataRefItem(start, btrfsprim.FS_TREE_OBJECTID, 257, 0, 1),
	})
	r.ObserveFileExtent(btrfsprim.FS_TREE_OBJECTID, 257, 0, btrfsvol.LogicalAddr(start), 0, 4096)

	recs := r.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, rec.ExtentItemRefs, rec.Refs())
	require.True(t, rec.AllBackpointersChecked())
	require.Empty(t, rec.Diagnose())
}

func TestMissingBackrefInExtentTree(t *testing.T) {
	const start = uint64(1048576)
	r := runReconcile(t, []btrfstree.Item{
		extentItem(start, 4096, 1),
	})
	// A file-extent scan finds a reference the extent tree never declared.
	r.ObserveFileExtent(btrfsprim.FS_TREE_OBJECTID, 257, 0, btrfsvol.LogicalAddr(start), 0, 4096)

	recs := r.Records()
	require.Len(t, recs, 1)
	rec := recs[0]

	require.False(t, rec.AllBackpointersChecked(), "a found_ref with no declaring extent-tree entry must not satisfy its backref")

	problems := rec.Diagnose()
	require.NotEmpty(t, problems)
	var found bool
	for _, p := range problems {
		if p != "" {
			found = true
		}
	}
	require.True(t, found)

	var bref *extentcheck.Backref
	for _, b := range rec.Backrefs {
		bref = b
	}
	require.NotNil(t, bref)
	require.False(t, bref.FoundExtentTree, "backref %+v should report not found in extent tree", bref.Key)
	require.True(t, bref.FoundRef)
}

func TestDeclaredBackrefNeverObservedIsUnsatisfied(t *testing.T) {
	const start = uint64(2097152)
	r := runReconcile(t, []btrfstree.Item{
		extentItem(start, 4096, 1),
		extentDataRefItem(start, btrfsprim.FS_TREE_OBJECTID, 257, 0, 1),
	})
	// No ObserveFileExtent call: the extent tree declares a ref that no
	// fs-tree scan ever reached.
	recs := r.Records()
	require.Len(t, recs, 1)
	rec := recs[0]

	require.False(t, rec.AllBackpointersChecked())
	require.False(t, rec.Complete())
	require.NotEmpty(t, rec.Diagnose())
}

func TestTreeBlockBackrefWeight(t *testing.T) {
	const addr = uint64(4096)
	r := runReconcile(t, []btrfstree.Item{
		extentItem(addr, 16384, 1),
		{
			Key:  btrfsprim.Key{ObjectID: btrfsprim.ObjID(addr), ItemType: btrfsprim.TREE_BLOCK_REF_KEY, Offset: uint64(btrfsprim.FS_TREE_OBJECTID)},
			Body: btrfsitem.Empty{},
		},
	})
	r.ObserveTreeBlock(btrfsvol.LogicalAddr(addr), btrfsprim.FS_TREE_OBJECTID, 0, false)

	recs := r.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	require.EqualValues(t, 1, rec.Refs())
	require.Equal(t, rec.ExtentItemRefs, rec.Refs())
	require.True(t, rec.AllBackpointersChecked())
}

func TestCleanWalkRecordsNoCorruptBlocks(t *testing.T) {
	forrest := &fakeForrest{tree: &fakeTree{}}
	r := extentcheck.NewReconciler(forrest)
	require.NoError(t, r.Run(context.Background()))
	require.Empty(t, r.CorruptBlocks())
}
