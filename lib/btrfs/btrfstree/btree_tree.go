// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"fmt"
	"math"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/slices"
)

// RawTree implements the Tree interface directly atop a NodeSource,
// without any reconciliation of cross-tree backreferences; it is the
// raw, as-stored-on-disk view of a single tree.
type RawTree struct {
	NodeSource
	Root TreeRoot
}

var _ Tree = (*RawTree)(nil)

func (tree *RawTree) rootPath() Path {
	return Path{PathRoot{
		Tree:         tree,
		TreeID:       tree.Root.ID,
		ToAddr:       tree.Root.RootNode,
		ToGeneration: tree.Root.Generation,
		ToLevel:      tree.Root.Level,
	}}
}

// TreeCheckOwner implements Tree.
//
// A node belongs to this tree if its .Owner is this tree's ID;
// relocated subtrees (owned by TREE_RELOC_OBJECTID) are accepted
// without further verification, matching how reading tolerates the
// relocation dance.
func (tree *RawTree) TreeCheckOwner(_ context.Context, failOpen bool, owner btrfsprim.ObjID, _ btrfsprim.Generation) error {
	if owner == tree.Root.ID || owner == btrfsprim.TREE_RELOC_OBJECTID {
		return nil
	}
	if failOpen {
		return nil
	}
	return fmt.Errorf("claimed owner=%v does not match tree=%v", owner, tree.Root.ID)
}

// TreeLookup implements Tree.
func (tree *RawTree) TreeLookup(ctx context.Context, key btrfsprim.Key) (Item, error) {
	item, err := tree.TreeSearch(ctx, SearchExactKey(key))
	if err != nil {
		return Item{}, fmt.Errorf("item with key=%v: %w", key, err)
	}
	return item, nil
}

// TreeSearch implements Tree.
func (tree *RawTree) TreeSearch(ctx context.Context, search TreeSearcher) (Item, error) {
	node, err := tree.searchLeaf(ctx, search)
	if err != nil {
		return Item{}, err
	}
	defer tree.ReleaseNode(node)
	slot, ok := slices.Search(node.BodyLeaf, func(item Item) int {
		return search.Search(item.Key, item.BodySize)
	})
	if !ok {
		return Item{}, fmt.Errorf("search=%v: %w", search, ErrNoItem)
	}
	return node.BodyLeaf[slot], nil
}

// searchLeaf walks from the tree root to the leaf node that may contain
// an item matching search.
func (tree *RawTree) searchLeaf(ctx context.Context, search TreeSearcher) (*Node, error) {
	if tree.Root.RootNode == 0 {
		return nil, ErrNoItem
	}
	path := tree.rootPath()
	for {
		addr, exp, ok := path.NodeExpectations(ctx, false)
		if !ok || addr == 0 {
			return nil, ErrNoItem
		}
		node, err := tree.AcquireNode(ctx, addr, exp)
		if err != nil {
			return nil, err
		}
		if node.Head.Level == 0 {
			return node, nil
		}
		lastGood, ok := slices.SearchHighest(node.BodyInterior, func(kp KeyPointer) int {
			return slices.Min(search.Search(kp.Key, math.MaxUint32), 0)
		})
		if !ok {
			tree.ReleaseNode(node)
			return nil, ErrNoItem
		}
		toMaxKey := exp.MaxItem.Val
		if lastGood+1 < len(node.BodyInterior) {
			toMaxKey = node.BodyInterior[lastGood+1].Key.Mm()
		}
		path = append(path, PathKP{
			FromTree:     node.Head.Owner,
			FromSlot:     lastGood,
			ToAddr:       node.BodyInterior[lastGood].BlockPtr,
			ToGeneration: node.BodyInterior[lastGood].Generation,
			ToMinKey:     node.BodyInterior[lastGood].Key,
			ToMaxKey:     toMaxKey,
			ToLevel:      node.Head.Level - 1,
		})
		tree.ReleaseNode(node)
	}
}

// TreeRange implements Tree.
func (tree *RawTree) TreeRange(ctx context.Context, handleFn func(Item) bool) error {
	return tree.TreeSubrange(ctx, 0, matchAll{}, handleFn)
}

type matchAll struct{}

func (matchAll) String() string                  { return "(all)" }
func (matchAll) Search(btrfsprim.Key, uint32) int { return 0 }

// TreeSubrange implements Tree.
func (tree *RawTree) TreeSubrange(ctx context.Context, min int, search TreeSearcher, handleFn func(Item) bool) error {
	cnt := 0
	cont := true
	tree.TreeWalk(ctx, TreeWalkHandler{
		Item: func(_ Path, item Item) {
			if !cont || search.Search(item.Key, item.BodySize) != 0 {
				return
			}
			cnt++
			if !handleFn(item) {
				cont = false
			}
		},
	})
	if cnt < min {
		return fmt.Errorf("only found %d items, wanted at least %d: %w", cnt, min, ErrNoItem)
	}
	return nil
}

// TreeWalk implements Tree.
func (tree *RawTree) TreeWalk(ctx context.Context, cbs TreeWalkHandler) {
	if tree.Root.RootNode == 0 {
		return
	}
	tree.treeWalk(ctx, tree.rootPath(), cbs)
}

func (tree *RawTree) treeWalk(ctx context.Context, path Path, cbs TreeWalkHandler) {
	if ctx.Err() != nil {
		return
	}
	addr, exp, ok := path.NodeExpectations(ctx, false)
	if !ok || addr == 0 {
		return
	}

	node, err := tree.AcquireNode(ctx, addr, exp)
	if err != nil {
		if node != nil && cbs.BadNode != nil {
			if !cbs.BadNode(path, node, err) {
				tree.ReleaseNode(node)
				return
			}
		} else {
			return
		}
	}
	defer tree.ReleaseNode(node)
	if cbs.Node != nil {
		cbs.Node(path, node)
	}
	if ctx.Err() != nil {
		return
	}

	if node.Head.Level > 0 {
		for i, kp := range node.BodyInterior {
			toMaxKey := exp.MaxItem.Val
			if i+1 < len(node.BodyInterior) {
				toMaxKey = node.BodyInterior[i+1].Key.Mm()
			}
			kpPath := append(path, PathKP{
				FromTree:     node.Head.Owner,
				FromSlot:     i,
				ToAddr:       kp.BlockPtr,
				ToGeneration: kp.Generation,
				ToMinKey:     kp.Key,
				ToMaxKey:     toMaxKey,
				ToLevel:      node.Head.Level - 1,
			})
			recurse := true
			if cbs.KeyPointer != nil {
				recurse = cbs.KeyPointer(kpPath, kp)
			}
			if recurse {
				tree.treeWalk(ctx, kpPath, cbs)
			}
			if ctx.Err() != nil {
				return
			}
		}
	} else {
		for i, item := range node.BodyLeaf {
			itemPath := append(path, PathItem{
				FromTree: node.Head.Owner,
				FromSlot: i,
				ToKey:    item.Key,
			})
			if _, isErr := item.Body.(btrfsitem.Error); isErr {
				if cbs.BadItem != nil {
					cbs.BadItem(itemPath, item)
				}
			} else if cbs.Item != nil {
				cbs.Item(itemPath, item)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}
