// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fscheck_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/fscheck"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
)

// fakeTree is a flat bag of items, enough to drive Checker.CheckSubvolume
// (which only calls TreeWalk) without a real on-disk tree.
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

func inodeItem(ino btrfsprim.ObjID, mode uint32, nlink int32, size, nbytes int64) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.INODE_ITEM_KEY},
		Body: btrfsitem.Inode{
			Mode:     btrfsitem.StatMode(mode),
			NLink:    nlink,
			Size:     size,
			NumBytes: nbytes,
		},
	}
}

func dirIndexItem(dir btrfsprim.ObjID, index uint64, target btrfsprim.ObjID, name string) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: dir, ItemType: btrfsprim.DIR_INDEX_KEY, Offset: index},
		Body: btrfsitem.DirEntry{
			Location: btrfsprim.Key{ObjectID: target, ItemType: btrfsprim.INODE_ITEM_KEY},
			Type:     btrfsitem.FT_REG_FILE,
			Name:     []byte(name),
		},
	}
}

func fileExtentItem(ino btrfsprim.ObjID, offset uint64, numBytes int64) btrfstree.Item {
	return btrfstree.Item{
		Key: btrfsprim.Key{ObjectID: ino, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: offset},
		Body: btrfsitem.FileExtent{
			Type: btrfsitem.FILE_EXTENT_REG,
			BodyExtent: btrfsitem.FileExtentExtent{
				DiskByteNr: 1,
				NumBytes:   numBytes,
			},
		},
	}
}

func runCheck(t *testing.T, items []btrfstree.Item) *fscheck.Cache {
	t.Helper()
	forrest := &fakeForrest{tree: &fakeTree{items: items}}
	checker := fscheck.NewChecker(forrest, nil)
	cache, err := checker.CheckSubvolume(context.Background(), btrfsprim.FS_TREE_OBJECTID, false)
	require.NoError(t, err)
	return cache
}

func TestMissingOrphanItem(t *testing.T) {
	cache := runCheck(t, []btrfstree.Item{inodeItem(257, 0100644, 0, 0, 0)})
	rec := cache.Inodes[257]
	require.NotNil(t, rec)
	require.True(t, rec.Errors.Has(fscheck.I_ERR_NO_ORPHAN_ITEM))
}

func TestOrphanItemClearsTheFlag(t *testing.T) {
	cache := runCheck(t, []btrfstree.Item{
		inodeItem(257, 0100644, 0, 0, 0),
		{Key: btrfsprim.Key{ObjectID: 257, ItemType: btrfsprim.ORPHAN_ITEM_KEY}, Body: btrfsitem.Empty{}},
	})
	rec := cache.Inodes[257]
	require.False(t, rec.Errors.Has(fscheck.I_ERR_NO_ORPHAN_ITEM))
}

func TestDuplicateDirIndex(t *testing.T) {
	cache := runCheck(t, []btrfstree.Item{
		inodeItem(256, 040755, 1, 0, 0),
		inodeItem(257, 0100644, 1, 0, 0),
		dirIndexItem(256, 2, 257, "a"),
		dirIndexItem(256, 2, 257, "a"),
	})
	var found bool
	for _, b := range cache.Inodes[257].Backrefs {
		if b.Errors.Has(fscheck.REF_ERR_DUP_DIR_INDEX) {
			found = true
		}
	}
	require.True(t, found, "the second DIR_INDEX at the same (dir,offset) should flag REF_ERR_DUP_DIR_INDEX")
}

func TestFileExtentGap(t *testing.T) {
	cache := runCheck(t, []btrfstree.Item{
		inodeItem(257, 0100644, 1, 8192, 4096),
		fileExtentItem(257, 0, 4096),
	})
	rec := cache.Inodes[257]
	require.True(t, rec.Errors.Has(fscheck.I_ERR_FILE_EXTENT_DISCOUNT))
}

func TestCleanFileHasNoErrors(t *testing.T) {
	cache := runCheck(t, []btrfstree.Item{
		inodeItem(257, 0100644, 1, 4096, 4096),
		fileExtentItem(257, 0, 4096),
	})
	rec := cache.Inodes[257]
	require.Equal(t, fscheck.InodeErrBits(0), rec.Errors)
}
