// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"fmt"
	"reflect"

	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/slices"
)

// reencodeItemBody unmarshals raw into a fresh value of the same
// concrete type as orig (mirroring how btrfsitem.UnmarshalItem
// dispatches on the original item's type), for use after resizing or
// splitting an item's raw encoding.
func reencodeItemBody(orig btrfsitem.Item, raw []byte) (btrfsitem.Item, error) {
	ptr := reflect.New(reflect.TypeOf(orig))
	if _, err := binstruct.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface().(btrfsitem.Item), nil
}

// NodeWriter extends NodeSource with the operations needed to mutate
// a tree in place: allocating fresh blocks for copy-on-write, persisting
// a dirty node, and freeing a block that no longer has a live reference.
//
// Ref tracking is deliberately coarse: whether a block may be written
// in place is decided from its generation and flags alone (see
// cowNode), and BlockRefs is only asked, once a block has been copied,
// whether the old copy is still referenced elsewhere (refs>1) or can
// be freed; the fine-grained backref accounting that decides
// *why* a block has the refcount it does belongs to the extent-reference
// reconciler, not the tree engine.
type NodeWriter interface {
	NodeSource

	// CurrentGeneration reports the transaction generation that a node
	// must already carry to be eligible for an in-place (non-COW) write.
	CurrentGeneration() btrfsprim.Generation

	// BlockRefs reports the current reference count of the block at addr.
	BlockRefs(ctx context.Context, addr btrfsvol.LogicalAddr) (uint32, error)

	// AllocNode reserves and zeroes a fresh block sized for this
	// filesystem, to be used at the given tree and level.
	AllocNode(ctx context.Context, owner btrfsprim.ObjID, level uint8) (*Node, error)

	// WriteNode persists node's current in-memory contents,
	// recalculating its checksum and bumping its refcount bookkeeping
	// as appropriate for a freshly-written block.
	WriteNode(ctx context.Context, node *Node) error

	// FreeNode releases addr.  MutableTree calls it while the block
	// still counts the reference being dropped: cowNode frees a block
	// whose BlockRefs is 1, and dropEmptyNode and collapseRoot free
	// blocks without consulting BlockRefs.
	FreeNode(ctx context.Context, addr btrfsvol.LogicalAddr) error
}

// MutableTree is a single COW B+ tree open for mutation: insertion,
// deletion, resizing of items, and the split/merge/rebalance bookkeeping
// those require to keep the tree's invariants intact.
//
// Unlike RawTree, a MutableTree's Root can change out from under it (an
// insert that overflows the root grows the tree by one level); callers
// that need the current root should read .Root after each mutating call
// rather than caching it.
type MutableTree struct {
	NW   NodeWriter
	Root TreeRoot
}

var _ Tree = (*MutableTree)(nil)

func (tree *MutableTree) asRaw() *RawTree {
	return &RawTree{NodeSource: tree.NW, Root: tree.Root}
}

func (tree *MutableTree) TreeCheckOwner(ctx context.Context, failOpen bool, owner btrfsprim.ObjID, gen btrfsprim.Generation) error {
	return tree.asRaw().TreeCheckOwner(ctx, failOpen, owner, gen)
}

func (tree *MutableTree) TreeLookup(ctx context.Context, key btrfsprim.Key) (Item, error) {
	return tree.asRaw().TreeLookup(ctx, key)
}

func (tree *MutableTree) TreeSearch(ctx context.Context, search TreeSearcher) (Item, error) {
	return tree.asRaw().TreeSearch(ctx, search)
}

func (tree *MutableTree) TreeRange(ctx context.Context, handleFn func(Item) bool) error {
	return tree.asRaw().TreeRange(ctx, handleFn)
}

func (tree *MutableTree) TreeSubrange(ctx context.Context, min int, search TreeSearcher, handleFn func(Item) bool) error {
	return tree.asRaw().TreeSubrange(ctx, min, search, handleFn)
}

func (tree *MutableTree) TreeWalk(ctx context.Context, cbs TreeWalkHandler) {
	tree.asRaw().TreeWalk(ctx, cbs)
}

func itemEncodedSize(item Item) int {
	bs, err := binstruct.Marshal(item.Body)
	if err != nil {
		// An item that was successfully decoded from disk always
		// re-encodes; a failure here means the item was synthesized
		// incorrectly by the caller.
		panic(fmt.Errorf("btrfstree: could not measure item %v: %w", item.Key, err))
	}
	return itemHeaderSize + len(bs)
}

func nodeUsedSpace(node *Node) int {
	used := 0
	switch {
	case node.Head.Level > 0:
		used = len(node.BodyInterior) * keyPointerSize
	default:
		for _, item := range node.BodyLeaf {
			used += itemEncodedSize(item)
		}
	}
	return used
}

func nodeCapacity(node *Node) int {
	return int(node.Size) - nodeHeaderSize
}

// search descends from the tree root to the leaf that key belongs in,
// recording the path as it goes.
//
//   - insLen>0 primes the walk to expect an insertion of roughly that
//     many additional bytes at the destination leaf: nodes that are
//     already full enough that the insertion obviously wouldn't fit are
//     split on the way down, so the caller never has to re-descend.
//   - insLen<0 primes the walk to expect a deletion: nodes that are
//     already sparse enough to be a merge candidate are pushed into a
//     sibling (or merged away) on the way down, for the same reason.
//   - cow, if true, copy-on-writes every node visited into the current
//     transaction.
//
// found reports whether a leaf item with exactly this key exists.
func (tree *MutableTree) search(ctx context.Context, key btrfsprim.Key, insLen int, cow bool) (Path, bool, error) {
	if tree.Root.RootNode == 0 {
		if !cow {
			return nil, false, ErrNoItem
		}
		node, err := tree.NW.AllocNode(ctx, tree.Root.ID, 0)
		if err != nil {
			return nil, false, fmt.Errorf("search: allocate root: %w", err)
		}
		if err := tree.NW.WriteNode(ctx, node); err != nil {
			return nil, false, fmt.Errorf("search: write new root: %w", err)
		}
		tree.Root.RootNode = node.Head.Addr
		tree.Root.Level = 0
		tree.Root.Generation = node.Head.Generation
		tree.NW.ReleaseNode(node)

		// A freshly allocated root is a leaf with zero items, which
		// NodeExpectations.Check rejects outright ("has no items");
		// it would never survive the AcquireNode below.  Since we
		// just created it, there's nothing useful that loop could
		// discover anyway: short-circuit straight to "insert at
		// slot 0 of this leaf".
		return Path{
			PathRoot{
				Tree:         tree,
				TreeID:       tree.Root.ID,
				ToAddr:       tree.Root.RootNode,
				ToGeneration: tree.Root.Generation,
				ToLevel:      tree.Root.Level,
			},
			PathItem{
				FromTree: tree.Root.ID,
				FromSlot: 0,
				ToKey:    key,
			},
		}, false, nil
	}

	path := Path{PathRoot{
		Tree:         tree,
		TreeID:       tree.Root.ID,
		ToAddr:       tree.Root.RootNode,
		ToGeneration: tree.Root.Generation,
		ToLevel:      tree.Root.Level,
	}}

	for {
		addr, exp, ok := path.NodeExpectations(ctx, false)
		if !ok || addr == 0 {
			return nil, false, ErrNoItem
		}
		node, err := tree.NW.AcquireNode(ctx, addr, exp)
		if err != nil {
			return nil, false, err
		}

		if cow {
			node, err = tree.cowNode(ctx, path, node)
			if err != nil {
				return nil, false, err
			}
		}

		if insLen > 0 && nodeCapacity(node)-nodeUsedSpace(node) < insLen {
			var splitErr error
			path, node, splitErr = tree.splitFull(ctx, path, node)
			if splitErr != nil {
				tree.NW.ReleaseNode(node)
				return nil, false, splitErr
			}
			// The key may now belong in the new sibling; re-descend
			// from the parent, which points at both halves.
			tree.NW.ReleaseNode(node)
			path = path.Parent()
			continue
		} else if insLen < 0 && node.Head.Level > 0 && len(node.BodyInterior) <= int(node.MaxItems())/4 {
			var mergeErr error
			path, node, mergeErr = tree.mergeSparse(ctx, path, node)
			if mergeErr != nil {
				tree.NW.ReleaseNode(node)
				return nil, false, mergeErr
			}
			if node == nil {
				// Merged away; re-descend from the parent.
				path = path.Parent()
				continue
			}
		}

		if node.Head.Level == 0 {
			slot, found := slices.Search(node.BodyLeaf, func(item Item) int { return key.Compare(item.Key) })
			if !found {
				pred, ok := slices.SearchHighest(node.BodyLeaf, func(item Item) int {
					if item.Key.Compare(key) <= 0 {
						return 1
					}
					return -1
				})
				slot = 0
				if ok {
					slot = pred + 1
				}
			}
			path = append(path, PathItem{
				FromTree: node.Head.Owner,
				FromSlot: slot,
				ToKey:    key,
			})
			tree.NW.ReleaseNode(node)
			return path, found, nil
		}

		slot, ok := slices.SearchHighest(node.BodyInterior, func(kp KeyPointer) int {
			if kp.Key.Compare(key) <= 0 {
				return 1
			}
			return -1
		})
		if !ok {
			slot = 0
		}
		toMaxKey := exp.MaxItem.Val
		if slot+1 < len(node.BodyInterior) {
			toMaxKey = node.BodyInterior[slot+1].Key.Mm()
		}
		path = append(path, PathKP{
			FromTree:     node.Head.Owner,
			FromSlot:     slot,
			ToAddr:       node.BodyInterior[slot].BlockPtr,
			ToGeneration: node.BodyInterior[slot].Generation,
			ToMinKey:     node.BodyInterior[slot].Key,
			ToMaxKey:     toMaxKey,
			ToLevel:      node.Head.Level - 1,
		})
		tree.NW.ReleaseNode(node)
	}
}

// cowNode ensures the node at the end of path is safe to write in
// place, cloning it into a new block if not, and fixing up the
// key-pointer (or root) that pointed at it.
//
// A block is eligible for in-place write iff its generation is the
// current transaction's and it carries neither WRITTEN nor (for
// non-relocation trees) RELOC.  Otherwise it is cloned: the clone
// inherits the contents but gets a new address, generation, and
// (if the tree being mutated isn't the original owner) owner.  The
// old block's reference count determines its fate: if it is still
// referenced elsewhere (refs>1) it is left alone once the pointer to
// it is swapped out here; otherwise it is freed.
func (tree *MutableTree) cowNode(ctx context.Context, path Path, node *Node) (*Node, error) {
	current := tree.NW.CurrentGeneration()
	relocOK := node.Head.Owner == btrfsprim.TREE_RELOC_OBJECTID
	if node.Head.Generation == current && !node.Head.Flags.Has(NodeWritten) && (relocOK || !node.Head.Flags.Has(NodeReloc)) {
		return node, nil
	}

	clone, err := tree.NW.AllocNode(ctx, tree.Root.ID, node.Head.Level)
	if err != nil {
		return node, fmt.Errorf("cow: allocate replacement for %v: %w", node.Head.Addr, err)
	}
	oldAddr := node.Head.Addr
	clone.Head.Owner = tree.Root.ID
	clone.Head.BackrefRev = MixedBackrefRev
	clone.BodyInterior = append([]KeyPointer(nil), node.BodyInterior...)
	clone.BodyLeaf = append([]Item(nil), node.BodyLeaf...)
	if err := tree.NW.WriteNode(ctx, clone); err != nil {
		return node, fmt.Errorf("cow: write replacement for %v: %w", oldAddr, err)
	}

	switch last := path[len(path)-1].(type) {
	case PathRoot:
		tree.Root.RootNode = clone.Head.Addr
		tree.Root.Generation = clone.Head.Generation
	case PathKP:
		parentPath := path.Parent()
		parentNode, err := tree.reacquireWritable(ctx, parentPath)
		if err != nil {
			return node, fmt.Errorf("cow: re-acquire parent of %v: %w", oldAddr, err)
		}
		parentNode.BodyInterior[last.FromSlot].BlockPtr = clone.Head.Addr
		parentNode.BodyInterior[last.FromSlot].Generation = clone.Head.Generation
		if err := tree.NW.WriteNode(ctx, parentNode); err != nil {
			tree.NW.ReleaseNode(parentNode)
			return node, fmt.Errorf("cow: rewrite parent of %v: %w", oldAddr, err)
		}
		tree.NW.ReleaseNode(parentNode)
	default:
		panic(fmt.Errorf("should not happen: unexpected PathElem type: %T", last))
	}

	refs, err := tree.NW.BlockRefs(ctx, oldAddr)
	if err != nil {
		return node, fmt.Errorf("cow: query refs of %v: %w", oldAddr, err)
	}
	if refs <= 1 {
		if err := tree.NW.FreeNode(ctx, oldAddr); err != nil {
			return node, fmt.Errorf("cow: free %v: %w", oldAddr, err)
		}
	}

	tree.NW.ReleaseNode(node)
	return clone, nil
}

// reacquireWritable re-reads the node at the end of path without any
// particular expectations, for use immediately after a child's
// cowNode call has already verified the parent is on this path.
func (tree *MutableTree) reacquireWritable(ctx context.Context, path Path) (*Node, error) {
	addr, exp, ok := path.NodeExpectations(ctx, true)
	if !ok {
		return nil, fmt.Errorf("reacquireWritable: %v does not address a node", path)
	}
	return tree.NW.AcquireNode(ctx, addr, exp)
}

// InsertItem places a single item at the key it carries.  It is an
// error (a programmer error, per the documented precondition that keys
// are unique) for an item with that key to already exist.
func (tree *MutableTree) InsertItem(ctx context.Context, item Item) error {
	return tree.InsertItems(ctx, []Item{item})
}

// InsertItems places one or more items, which must be presented in
// strictly increasing key order and must not collide with any key
// already in the leaf they land in (they are assumed to all belong to
// the same leaf; callers inserting into disjoint regions should call
// InsertItems once per region).
func (tree *MutableTree) InsertItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	insLen := 0
	for _, item := range items {
		insLen += itemEncodedSize(item)
	}

	path, found, err := tree.search(ctx, items[0].Key, insLen, true)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	if found {
		return fmt.Errorf("insert: item with key=%v already exists", items[0].Key)
	}
	leafPath := path.Parent()
	slot := path[len(path)-1].(PathItem).FromSlot

	leafNode, err := tree.reacquireWritable(ctx, leafPath)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	leafNode.BodyLeaf = append(leafNode.BodyLeaf, items...)
	copy(leafNode.BodyLeaf[slot+len(items):], leafNode.BodyLeaf[slot:])
	copy(leafNode.BodyLeaf[slot:], items)

	if err := tree.fixUpAndWrite(ctx, leafPath, leafNode); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// DeleteItems removes the nr items starting at key (which must exist)
// from the leaf it is found in.
//
// If the leaf's occupancy falls below a quarter of its capacity, an
// attempt is made to push its remaining contents into a sibling; an
// emptied leaf is freed and its parent pointer removed.
func (tree *MutableTree) DeleteItems(ctx context.Context, key btrfsprim.Key, nr int) error {
	path, found, err := tree.search(ctx, key, -1, true)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if !found {
		return fmt.Errorf("delete: %w", ErrNoItem)
	}
	leafPath := path.Parent()
	slot := path[len(path)-1].(PathItem).FromSlot

	leafNode, err := tree.reacquireWritable(ctx, leafPath)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if slot+nr > len(leafNode.BodyLeaf) {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("delete: slot=%v nr=%v exceeds leaf with %v items", slot, nr, len(leafNode.BodyLeaf))
	}
	leafNode.BodyLeaf = append(leafNode.BodyLeaf[:slot], leafNode.BodyLeaf[slot+nr:]...)

	if len(leafNode.BodyLeaf) == 0 {
		_, _, err := tree.dropEmptyNode(ctx, leafPath, leafNode)
		return err
	}

	if nodeUsedSpace(leafNode) < nodeCapacity(leafNode)/4 {
		var err error
		leafPath, leafNode, err = tree.mergeSparse(ctx, leafPath, leafNode)
		if err != nil {
			tree.NW.ReleaseNode(leafNode)
			return fmt.Errorf("delete: %w", err)
		}
		if leafNode == nil {
			// mergeSparse fully emptied and freed this node.
			return nil
		}
	}

	if err := tree.fixUpAndWrite(ctx, leafPath, leafNode); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// TruncateItem shrinks item's stored size to newSize bytes; if
// fromEnd is true, the bytes are dropped from the end of the existing
// encoding rather than the front.
//
// Only FileExtent-like inline bodies make sense to truncate from the
// front (which would also require fixing up the item's key offset and
// internal extent pointers); that case is not yet needed by any caller
// and is rejected rather than silently mishandled.
func (tree *MutableTree) TruncateItem(ctx context.Context, key btrfsprim.Key, newSize int, fromEnd bool) error {
	if !fromEnd {
		return fmt.Errorf("truncate %v: front-truncation requires item-specific offset fix-up, not supported", key)
	}
	return tree.resizeItemBody(ctx, key, func(body []byte) ([]byte, error) {
		if newSize > len(body) {
			return nil, fmt.Errorf("truncate %v: new size %v is larger than current size %v", key, newSize, len(body))
		}
		return body[:newSize], nil
	})
}

// ExtendItem grows item's stored size by extra bytes, appended to the
// end of the existing encoding (the caller is responsible for filling
// in the new tail before the item is next read back meaningfully).
func (tree *MutableTree) ExtendItem(ctx context.Context, key btrfsprim.Key, extra int) error {
	return tree.resizeItemBody(ctx, key, func(body []byte) ([]byte, error) {
		return append(body, make([]byte, extra)...), nil
	})
}

func (tree *MutableTree) resizeItemBody(ctx context.Context, key btrfsprim.Key, resize func([]byte) ([]byte, error)) error {
	path, found, err := tree.search(ctx, key, 0, true)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoItem
	}
	leafPath := path.Parent()
	slot := path[len(path)-1].(PathItem).FromSlot

	leafNode, err := tree.reacquireWritable(ctx, leafPath)
	if err != nil {
		return err
	}

	oldBody := leafNode.BodyLeaf[slot].Body
	rawOld, err := binstruct.Marshal(oldBody)
	if err != nil {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("resize %v: re-encode old body: %w", key, err)
	}
	rawNew, err := resize(rawOld)
	if err != nil {
		tree.NW.ReleaseNode(leafNode)
		return err
	}
	newBody, err := reencodeItemBody(oldBody, rawNew)
	if err != nil {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("resize %v: %w", key, err)
	}
	leafNode.BodyLeaf[slot].Body = newBody
	leafNode.BodyLeaf[slot].BodySize = uint32(len(rawNew))

	if err := tree.fixUpAndWrite(ctx, leafPath, leafNode); err != nil {
		return fmt.Errorf("resize %v: %w", key, err)
	}
	return nil
}

// SplitItem splits the single item at key into two adjacent items
// sharing the leaf: the bytes before splitOffset keep key, and the
// remaining bytes are placed under newKey (which must sort immediately
// after key).
func (tree *MutableTree) SplitItem(ctx context.Context, key btrfsprim.Key, newKey btrfsprim.Key, splitOffset int) error {
	if newKey.Compare(key) <= 0 {
		return fmt.Errorf("split %v: new key %v does not sort after it", key, newKey)
	}
	path, found, err := tree.search(ctx, key, itemHeaderSize, true)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoItem
	}
	leafPath := path.Parent()
	slot := path[len(path)-1].(PathItem).FromSlot

	leafNode, err := tree.reacquireWritable(ctx, leafPath)
	if err != nil {
		return err
	}
	rawOld, err := binstruct.Marshal(leafNode.BodyLeaf[slot].Body)
	if err != nil {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("split %v: %w", key, err)
	}
	if splitOffset < 0 || splitOffset > len(rawOld) {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("split %v: offset %v out of range [0,%v]", key, splitOffset, len(rawOld))
	}

	origBody := leafNode.BodyLeaf[slot].Body
	lo, err := reencodeItemBody(origBody, rawOld[:splitOffset])
	if err != nil {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("split %v: %w", key, err)
	}
	hi, err := reencodeItemBody(origBody, rawOld[splitOffset:])
	if err != nil {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("split %v: %w", key, err)
	}

	leafNode.BodyLeaf[slot] = Item{Key: key, Body: lo, BodySize: uint32(splitOffset)}
	newItem := Item{Key: newKey, Body: hi, BodySize: uint32(len(rawOld) - splitOffset)}
	leafNode.BodyLeaf = append(leafNode.BodyLeaf, Item{})
	copy(leafNode.BodyLeaf[slot+2:], leafNode.BodyLeaf[slot+1:])
	leafNode.BodyLeaf[slot+1] = newItem

	if err := tree.fixUpAndWrite(ctx, leafPath, leafNode); err != nil {
		return fmt.Errorf("split %v: %w", key, err)
	}
	return nil
}

// SetItemKey re-keys the item at oldKey to newKey, which must lie
// strictly between oldKey's neighbours in the leaf.
func (tree *MutableTree) SetItemKey(ctx context.Context, oldKey, newKey btrfsprim.Key) error {
	path, found, err := tree.search(ctx, oldKey, 0, true)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoItem
	}
	leafPath := path.Parent()
	slot := path[len(path)-1].(PathItem).FromSlot

	leafNode, err := tree.reacquireWritable(ctx, leafPath)
	if err != nil {
		return err
	}
	if slot > 0 && leafNode.BodyLeaf[slot-1].Key.Compare(newKey) >= 0 {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("set key %v->%v: does not sort after preceding item %v", oldKey, newKey, leafNode.BodyLeaf[slot-1].Key)
	}
	if slot+1 < len(leafNode.BodyLeaf) && leafNode.BodyLeaf[slot+1].Key.Compare(newKey) <= 0 {
		tree.NW.ReleaseNode(leafNode)
		return fmt.Errorf("set key %v->%v: does not sort before following item %v", oldKey, newKey, leafNode.BodyLeaf[slot+1].Key)
	}
	leafNode.BodyLeaf[slot].Key = newKey

	if err := tree.fixUpAndWrite(ctx, leafPath, leafNode); err != nil {
		return fmt.Errorf("set key %v->%v: %w", oldKey, newKey, err)
	}
	return nil
}

// fixUpAndWrite writes node back, then walks parent keys up the path
// fixing up any ancestor whose slot-0 pointer now has a stale key,
// stopping at the first ancestor whose slot is non-zero.
func (tree *MutableTree) fixUpAndWrite(ctx context.Context, path Path, node *Node) error {
	if err := tree.NW.WriteNode(ctx, node); err != nil {
		tree.NW.ReleaseNode(node)
		return fmt.Errorf("write: %w", err)
	}
	newFirstKey, ok := node.MinItem()
	tree.NW.ReleaseNode(node)
	if !ok {
		return nil
	}
	return tree.fixParentKeys(ctx, path, newFirstKey)
}

func (tree *MutableTree) fixParentKeys(ctx context.Context, path Path, firstKey btrfsprim.Key) error {
	for len(path) > 0 {
		switch last := path[len(path)-1].(type) {
		case PathRoot:
			return nil
		case PathKP:
			if last.FromSlot != 0 {
				return nil
			}
			parentPath := path.Parent()
			parentNode, err := tree.reacquireWritable(ctx, parentPath)
			if err != nil {
				return fmt.Errorf("fix up parent keys: %w", err)
			}
			parentNode.BodyInterior[0].Key = firstKey
			if err := tree.NW.WriteNode(ctx, parentNode); err != nil {
				tree.NW.ReleaseNode(parentNode)
				return fmt.Errorf("fix up parent keys: %w", err)
			}
			tree.NW.ReleaseNode(parentNode)
			path = parentPath
		default:
			panic(fmt.Errorf("should not happen: unexpected PathElem type: %T", last))
		}
	}
	return nil
}

// splitFull splits node (already established to be too full for an
// upcoming insertion) by moving its upper half into a new sibling and
// linking the sibling into the parent; growing the tree by a level via
// insertNewRoot if node is currently the root.
//
// It returns the (possibly now-deeper) path to node and the node
// itself, re-acquired, so the caller's descent can continue.
func (tree *MutableTree) splitFull(ctx context.Context, path Path, node *Node) (Path, *Node, error) {
	if len(path) == 1 {
		if err := tree.insertNewRoot(ctx, node); err != nil {
			return path, node, err
		}
		path = Path{
			PathRoot{
				Tree:         tree,
				TreeID:       tree.Root.ID,
				ToAddr:       tree.Root.RootNode,
				ToGeneration: tree.Root.Generation,
				ToLevel:      tree.Root.Level,
			},
			PathKP{
				FromTree:     tree.Root.ID,
				FromSlot:     0,
				ToAddr:       node.Head.Addr,
				ToGeneration: node.Head.Generation,
				ToMinKey:     mustMinItem(node),
				ToMaxKey:     btrfsprim.MaxKey,
				ToLevel:      node.Head.Level,
			},
		}
	}

	sibling, err := tree.NW.AllocNode(ctx, node.Head.Owner, node.Head.Level)
	if err != nil {
		return path, node, fmt.Errorf("split: allocate sibling: %w", err)
	}
	sibling.Head.Owner = node.Head.Owner
	sibling.Head.BackrefRev = MixedBackrefRev

	if node.Head.Level > 0 {
		mid := (len(node.BodyInterior) + 1) / 2
		sibling.BodyInterior = append([]KeyPointer(nil), node.BodyInterior[mid:]...)
		node.BodyInterior = node.BodyInterior[:mid]
	} else {
		mid := (len(node.BodyLeaf) + 1) / 2
		sibling.BodyLeaf = append([]Item(nil), node.BodyLeaf[mid:]...)
		node.BodyLeaf = node.BodyLeaf[:mid]
	}

	if err := tree.NW.WriteNode(ctx, sibling); err != nil {
		return path, node, fmt.Errorf("split: write sibling: %w", err)
	}
	if err := tree.NW.WriteNode(ctx, node); err != nil {
		return path, node, fmt.Errorf("split: write %v: %w", node.Head.Addr, err)
	}

	parentPath := path.Parent()
	parentNode, err := tree.reacquireWritable(ctx, parentPath)
	if err != nil {
		return path, node, fmt.Errorf("split: re-acquire parent: %w", err)
	}
	slot := path[len(path)-1].(PathKP).FromSlot
	siblingMinKey := mustMinItem(sibling)
	newKP := KeyPointer{Key: siblingMinKey, BlockPtr: sibling.Head.Addr, Generation: sibling.Head.Generation}
	parentNode.BodyInterior = append(parentNode.BodyInterior, KeyPointer{})
	copy(parentNode.BodyInterior[slot+2:], parentNode.BodyInterior[slot+1:])
	parentNode.BodyInterior[slot+1] = newKP
	if err := tree.NW.WriteNode(ctx, parentNode); err != nil {
		tree.NW.ReleaseNode(parentNode)
		return path, node, fmt.Errorf("split: write parent: %w", err)
	}
	tree.NW.ReleaseNode(parentNode)
	tree.NW.ReleaseNode(sibling)

	return path, node, nil
}

// insertNewRoot grows the tree by one level: a fresh interior node is
// allocated pointing at the old root (now a non-root node at the same
// level), and becomes the new root.
func (tree *MutableTree) insertNewRoot(ctx context.Context, oldRoot *Node) error {
	newRoot, err := tree.NW.AllocNode(ctx, tree.Root.ID, oldRoot.Head.Level+1)
	if err != nil {
		return fmt.Errorf("grow tree: allocate new root: %w", err)
	}
	newRoot.Head.Owner = tree.Root.ID
	newRoot.Head.BackrefRev = MixedBackrefRev
	newRoot.BodyInterior = []KeyPointer{{
		Key:        mustMinItem(oldRoot),
		BlockPtr:   oldRoot.Head.Addr,
		Generation: oldRoot.Head.Generation,
	}}
	if err := tree.NW.WriteNode(ctx, newRoot); err != nil {
		return fmt.Errorf("grow tree: write new root: %w", err)
	}
	tree.Root.RootNode = newRoot.Head.Addr
	tree.Root.Level = newRoot.Head.Level
	tree.Root.Generation = newRoot.Head.Generation
	tree.NW.ReleaseNode(newRoot)
	return nil
}

// mergeSparse attempts to relieve a node that has fallen below the
// quarter-full threshold by folding it into a sibling; if node is the
// root and ends up with a single child, the tree shrinks by a level.
//
// If node was consumed entirely into a sibling, the returned *Node is
// nil and the caller must not touch it further.
func (tree *MutableTree) mergeSparse(ctx context.Context, path Path, node *Node) (Path, *Node, error) {
	if len(path) == 1 {
		if node.Head.Level > 0 && len(node.BodyInterior) == 1 {
			return tree.collapseRoot(ctx, path, node)
		}
		return path, node, nil
	}

	parentPath := path.Parent()
	parentNode, err := tree.reacquireWritable(ctx, parentPath)
	if err != nil {
		return path, node, fmt.Errorf("merge: re-acquire parent: %w", err)
	}
	slot := path[len(path)-1].(PathKP).FromSlot

	if slot > 0 {
		leftAddr := parentNode.BodyInterior[slot-1].BlockPtr
		leftPath := append(append(Path{}, parentPath...), PathKP{
			FromTree: parentNode.Head.Owner, FromSlot: slot - 1,
			ToAddr: leftAddr, ToLevel: node.Head.Level,
		})
		left, err := tree.NW.AcquireNode(ctx, leftAddr, NodeExpectations{})
		if err == nil {
			left, err = tree.cowNode(ctx, leftPath, left)
		}
		if err == nil && mergeInto(left, node) {
			if err := tree.NW.WriteNode(ctx, left); err == nil {
				tree.NW.ReleaseNode(parentNode)
				return tree.dropEmptyNode(ctx, path, node)
			}
		}
		if left != nil {
			tree.NW.ReleaseNode(left)
		}
	}

	if slot+1 < len(parentNode.BodyInterior) {
		rightAddr := parentNode.BodyInterior[slot+1].BlockPtr
		rightPath := append(append(Path{}, parentPath...), PathKP{
			FromTree: parentNode.Head.Owner, FromSlot: slot + 1,
			ToAddr: rightAddr, ToLevel: node.Head.Level,
		})
		right, err := tree.NW.AcquireNode(ctx, rightAddr, NodeExpectations{})
		if err == nil {
			right, err = tree.cowNode(ctx, rightPath, right)
		}
		if err == nil && mergeInto(node, right) {
			if err := tree.NW.WriteNode(ctx, node); err == nil {
				tree.NW.ReleaseNode(right)
				tree.NW.ReleaseNode(parentNode)
				return tree.dropEmptyNode(ctx, rightPath, nil)
			}
		}
		if right != nil {
			tree.NW.ReleaseNode(right)
		}
	}

	tree.NW.ReleaseNode(parentNode)
	return path, node, nil
}

// mergeInto tries to move all of src's contents onto the end of dst,
// reporting whether they fit.
func mergeInto(dst, src *Node) bool {
	if dst.Head.Level != src.Head.Level {
		panic("should not happen: merging nodes at different levels")
	}
	if nodeUsedSpace(dst)+nodeUsedSpace(src) > nodeCapacity(dst) {
		return false
	}
	if dst.Head.Level > 0 {
		dst.BodyInterior = append(dst.BodyInterior, src.BodyInterior...)
		src.BodyInterior = nil
	} else {
		dst.BodyLeaf = append(dst.BodyLeaf, src.BodyLeaf...)
		src.BodyLeaf = nil
	}
	return true
}

// dropEmptyNode frees an emptied node and removes its pointer from the
// parent, then walks up fixing up any now-stale parent keys.  If the
// sibling-emptying caller already wrote the merged-into node, node may
// be nil (nothing further to free here besides the pointer removal);
// otherwise node is freed.
func (tree *MutableTree) dropEmptyNode(ctx context.Context, path Path, node *Node) (Path, *Node, error) {
	last, ok := path[len(path)-1].(PathKP)
	if !ok {
		// The root itself emptied out; nothing to unlink.
		if node != nil {
			tree.NW.ReleaseNode(node)
		}
		return path, nil, nil
	}
	addr := last.ToAddr
	if node != nil {
		tree.NW.ReleaseNode(node)
	}
	if err := tree.NW.FreeNode(ctx, addr); err != nil {
		return path, nil, fmt.Errorf("drop empty node %v: %w", addr, err)
	}

	parentPath := path.Parent()
	parentNode, err := tree.reacquireWritable(ctx, parentPath)
	if err != nil {
		return path, nil, fmt.Errorf("drop empty node: re-acquire parent: %w", err)
	}
	slot := last.FromSlot
	parentNode.BodyInterior = append(parentNode.BodyInterior[:slot], parentNode.BodyInterior[slot+1:]...)

	if len(parentNode.BodyInterior) == 0 {
		return tree.dropEmptyNode(ctx, parentPath, parentNode)
	}

	if err := tree.fixUpAndWrite(ctx, parentPath, parentNode); err != nil {
		return path, nil, fmt.Errorf("drop empty node: %w", err)
	}
	return path, nil, nil
}

// collapseRoot handles the case where the root has been reduced to a
// single child: that child becomes the new root, shrinking the tree
// by one level.
func (tree *MutableTree) collapseRoot(ctx context.Context, path Path, root *Node) (Path, *Node, error) {
	onlyChild := root.BodyInterior[0]
	tree.Root.RootNode = onlyChild.BlockPtr
	tree.Root.Level = root.Head.Level - 1
	tree.Root.Generation = onlyChild.Generation
	if err := tree.NW.FreeNode(ctx, root.Head.Addr); err != nil {
		return path, root, fmt.Errorf("collapse root: %w", err)
	}
	tree.NW.ReleaseNode(root)
	newPath := Path{PathRoot{
		Tree: tree, TreeID: tree.Root.ID,
		ToAddr: tree.Root.RootNode, ToGeneration: tree.Root.Generation, ToLevel: tree.Root.Level,
	}}
	child, err := tree.NW.AcquireNode(ctx, onlyChild.BlockPtr, NodeExpectations{})
	if err != nil {
		return newPath, nil, fmt.Errorf("collapse root: re-read new root: %w", err)
	}
	return newPath, child, nil
}

func mustMinItem(node *Node) btrfsprim.Key {
	key, ok := node.MinItem()
	if !ok {
		panic(fmt.Errorf("should not happen: node@%v has no items", node.Head.Addr))
	}
	return key
}
