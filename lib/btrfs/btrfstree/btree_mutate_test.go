// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// fakeNodeWriter is an in-memory NodeWriter: it keeps the whole address
// space in a map rather than on a real block device, just enough to
// drive MutableTree through inserts, splits, deletes, and merges.
type fakeNodeWriter struct {
	sb    btrfstree.Superblock
	nodes map[btrfsvol.LogicalAddr]*btrfstree.Node
	refs  map[btrfsvol.LogicalAddr]uint32
	next  btrfsvol.LogicalAddr
	gen   btrfsprim.Generation
}

func newFakeNodeWriter(nodeSize uint32) *fakeNodeWriter {
	return &fakeNodeWriter{
		sb: btrfstree.Superblock{
			NodeSize:     nodeSize,
			ChecksumType: btrfssum.TYPE_CRC32,
		},
		nodes: make(map[btrfsvol.LogicalAddr]*btrfstree.Node),
		refs:  make(map[btrfsvol.LogicalAddr]uint32),
		next:  1,
		gen:   1,
	}
}

func (fw *fakeNodeWriter) Superblock() (*btrfstree.Superblock, error) {
	sb := fw.sb
	return &sb, nil
}

func (fw *fakeNodeWriter) AcquireNode(_ context.Context, addr btrfsvol.LogicalAddr, _ btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	node, ok := fw.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("fakeNodeWriter: no such node: %v", addr)
	}
	return node, nil
}

func (fw *fakeNodeWriter) ReleaseNode(*btrfstree.Node) {}

func (fw *fakeNodeWriter) CurrentGeneration() btrfsprim.Generation { return fw.gen }

func (fw *fakeNodeWriter) BlockRefs(_ context.Context, addr btrfsvol.LogicalAddr) (uint32, error) {
	return fw.refs[addr], nil
}

func (fw *fakeNodeWriter) AllocNode(_ context.Context, owner btrfsprim.ObjID, level uint8) (*btrfstree.Node, error) {
	addr := fw.next
	fw.next++
	node := &btrfstree.Node{
		Size:         fw.sb.NodeSize,
		ChecksumType: fw.sb.ChecksumType,
		Head: btrfstree.NodeHeader{
			Addr:       addr,
			Owner:      owner,
			Generation: fw.gen,
			Level:      level,
		},
	}
	fw.nodes[addr] = node
	fw.refs[addr] = 1
	return node, nil
}

func (fw *fakeNodeWriter) WriteNode(_ context.Context, node *btrfstree.Node) error {
	fw.nodes[node.Head.Addr] = node
	if _, ok := fw.refs[node.Head.Addr]; !ok {
		fw.refs[node.Head.Addr] = 1
	}
	return nil
}

func (fw *fakeNodeWriter) FreeNode(_ context.Context, addr btrfsvol.LogicalAddr) error {
	delete(fw.nodes, addr)
	delete(fw.refs, addr)
	return nil
}

var _ btrfstree.NodeWriter = (*fakeNodeWriter)(nil)

func newTestTree(nodeSize uint32) (*btrfstree.MutableTree, *fakeNodeWriter) {
	fw := newFakeNodeWriter(nodeSize)
	tree := &btrfstree.MutableTree{
		NW:   fw,
		Root: btrfstree.TreeRoot{ID: btrfsprim.FS_TREE_OBJECTID},
	}
	return tree, fw
}

func orphanKey(objID uint64) btrfsprim.Key {
	return btrfsprim.Key{ObjectID: btrfsprim.ObjID(objID), ItemType: btrfsprim.ORPHAN_ITEM_KEY}
}

func TestMutableTreeInsertAndSplit(t *testing.T) {
	ctx := context.Background()
	// Small enough that a leaf only holds a handful of Empty items,
	// so inserting 10 forces at least one split and a root growth.
	tree, _ := newTestTree(256)

	const n = 10
	for i := uint64(1); i <= n; i++ {
		err := tree.InsertItem(ctx, btrfstree.Item{Key: orphanKey(i), Body: btrfsitem.Empty{}})
		require.NoError(t, err)
	}

	require.Greater(t, tree.Root.Level, uint8(0), "root should have grown past a single leaf")

	for i := uint64(1); i <= n; i++ {
		item, err := tree.TreeLookup(ctx, orphanKey(i))
		require.NoError(t, err)
		require.Equal(t, orphanKey(i), item.Key)
	}

	var seen []btrfsprim.Key
	err := tree.TreeRange(ctx, func(item btrfstree.Item) bool {
		seen = append(seen, item.Key)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, n)
	for i, key := range seen {
		require.Equal(t, orphanKey(uint64(i+1)), key)
	}
}

func TestMutableTreeInsertDuplicateKeyFails(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(4096)

	require.NoError(t, tree.InsertItem(ctx, btrfstree.Item{Key: orphanKey(1), Body: btrfsitem.Empty{}}))
	err := tree.InsertItem(ctx, btrfstree.Item{Key: orphanKey(1), Body: btrfsitem.Empty{}})
	require.Error(t, err)
}

func TestMutableTreeDeleteAndMerge(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(256)

	const n = 12
	for i := uint64(1); i <= n; i++ {
		require.NoError(t, tree.InsertItem(ctx, btrfstree.Item{Key: orphanKey(i), Body: btrfsitem.Empty{}}))
	}
	require.Greater(t, tree.Root.Level, uint8(0))

	// Delete all but the first and last couple of items; this walks
	// the sparse-node merge/rebalance path in DeleteItems/mergeSparse.
	for i := uint64(3); i <= n-2; i++ {
		require.NoError(t, tree.DeleteItems(ctx, orphanKey(i), 1))
	}

	for i := uint64(3); i <= n-2; i++ {
		_, err := tree.TreeLookup(ctx, orphanKey(i))
		require.Truef(t, errors.Is(err, btrfstree.ErrNoItem), "key %v: got %v", i, err)
	}
	for _, i := range []uint64{1, 2, n - 1, n} {
		item, err := tree.TreeLookup(ctx, orphanKey(i))
		require.NoError(t, err)
		require.Equal(t, orphanKey(i), item.Key)
	}
}

func TestMutableTreeDeleteToEmpty(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(4096)

	require.NoError(t, tree.InsertItem(ctx, btrfstree.Item{Key: orphanKey(1), Body: btrfsitem.Empty{}}))
	require.NoError(t, tree.DeleteItems(ctx, orphanKey(1), 1))

	_, err := tree.TreeLookup(ctx, orphanKey(1))
	require.True(t, errors.Is(err, btrfstree.ErrNoItem))
}

// blob wraps bs as an opaque flat-byte item body (btrfsitem.Error is
// the one item type whose wire encoding is exactly its raw bytes, with
// no header of its own), so split/resize offsets below can be read
// directly as byte offsets into the payload.
func blob(bs string) btrfsitem.Item {
	return btrfsitem.Error{Dat: []byte(bs)}
}

func TestMutableTreeSplitItem(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(4096)

	key := btrfsprim.Key{ObjectID: 5, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: 0}
	require.NoError(t, tree.InsertItem(ctx, btrfstree.Item{Key: key, Body: blob("helloworld")}))

	newKey := btrfsprim.Key{ObjectID: 5, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: 1}
	require.NoError(t, tree.SplitItem(ctx, key, newKey, len("hello")))

	lo, err := tree.TreeLookup(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), lo.Body.(btrfsitem.Error).Dat)

	hi, err := tree.TreeLookup(ctx, newKey)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), hi.Body.(btrfsitem.Error).Dat)
}

func TestMutableTreeExtendAndTruncateItem(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(4096)

	key := btrfsprim.Key{ObjectID: 7, ItemType: btrfsprim.EXTENT_DATA_KEY, Offset: 0}
	require.NoError(t, tree.InsertItem(ctx, btrfstree.Item{Key: key, Body: blob("abc")}))

	require.NoError(t, tree.ExtendItem(ctx, key, 3))
	grown, err := tree.TreeLookup(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("abc\x00\x00\x00"), grown.Body.(btrfsitem.Error).Dat)

	require.NoError(t, tree.TruncateItem(ctx, key, 1, true))
	shrunk, err := tree.TreeLookup(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), shrunk.Body.(btrfsitem.Error).Dat)
}

func TestMutableTreeSetItemKey(t *testing.T) {
	ctx := context.Background()
	tree, _ := newTestTree(4096)

	require.NoError(t, tree.InsertItem(ctx, btrfstree.Item{Key: orphanKey(2), Body: btrfsitem.Empty{}}))
	require.NoError(t, tree.InsertItem(ctx, btrfstree.Item{Key: orphanKey(4), Body: btrfsitem.Empty{}}))

	require.NoError(t, tree.SetItemKey(ctx, orphanKey(2), orphanKey(3)))
	_, err := tree.TreeLookup(ctx, orphanKey(2))
	require.True(t, errors.Is(err, btrfstree.ErrNoItem))
	item, err := tree.TreeLookup(ctx, orphanKey(3))
	require.NoError(t, err)
	require.Equal(t, orphanKey(3), item.Key)

	// Re-keying past the next item's key is rejected.
	err = tree.SetItemKey(ctx, orphanKey(3), orphanKey(5))
	require.Error(t, err)
}
