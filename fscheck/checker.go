// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fscheck is the filesystem-tree cross-checker: for each
// reachable subvolume (and the root tree itself) it walks every item,
// building up per-inode and per-root records, then reconciles those
// records against each other (isize vs. accumulated directory-entry
// bytes, nbytes vs. found extent bytes, extent coverage vs. isize, and
// so on) to surface the set of anomalies a consistent filesystem must
// not have. Link counts are not reconciled: nlink is never compared
// with the number of directory entries found, and
// I_ERR_LINK_COUNT_WRONG is never set.
package fscheck

import (
	"context"
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/errcode"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/sharedwalk"
)

// RefLookup resolves a tree block's extent refcount, so the walk
// knows whether a block is shared with another subvolume (refcount >
// 1) and should be deduplicated via the shared-subtree walker. A nil
// RefLookup (the zero Checker) is equivalent to "every block has
// refcount 1" — no deduplication, every subvolume walked in full.
type RefLookup func(addr btrfsvol.LogicalAddr) int

// Checker drives the fs-tree cross-check across however many
// subvolumes are fed to it via CheckSubvolume, sharing one
// shared-subtree walker so blocks common to a subvolume and its
// snapshot are only scanned once.
type Checker struct {
	Forrest btrfstree.Forrest
	Refs    RefLookup

	walker *sharedwalk.Walker[*Cache]
}

func NewChecker(forrest btrfstree.Forrest, refs RefLookup) *Checker {
	return &Checker{
		Forrest: forrest,
		Refs:    refs,
		walker:  sharedwalk.NewWalker[*Cache](),
	}
}

func (c *Checker) refcount(addr btrfsvol.LogicalAddr) int {
	if c.Refs == nil {
		return 1
	}
	return c.Refs(addr)
}

// CheckSubvolume walks the tree identified by treeID, returning a
// fresh Cache holding every inode/root record the walk (and any
// shared-subtree splices from previously-checked subvolumes) produced.
// rootDropped should be true when checking a root whose ROOT_ITEM.Refs
// is zero (the subvolume is pending deletion) — see sharedwalk.Enter.
func (c *Checker) CheckSubvolume(ctx context.Context, treeID btrfsprim.ObjID, rootDropped bool) (*Cache, error) {
	tree, err := c.Forrest.ForrestLookup(ctx, treeID)
	if err != nil {
		return nil, fmt.Errorf("fscheck: looking up tree %v: %w", treeID, err)
	}

	cache := NewCache()
	tree.TreeWalk(ctx, btrfstree.TreeWalkHandler{
		KeyPointer: func(path btrfstree.Path, _ btrfstree.KeyPointer) bool {
			addr, level := pathKP(path)
			c.walker.LeaveLevel(level, cache)
			return c.walker.Enter(addr, level, c.refcount(addr), rootDropped, cache, NewCache)
		},
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			dispatchItem(c.walker.Current(cache), item)
		},
	})
	c.walker.Flush(cache)

	reconcile(cache)
	return cache, nil
}

// pathKP pulls the address and level a KeyPointer callback's Path
// points to: the on-disk KeyPointer itself only carries the key and
// block pointer, not the level, which is derived from the containing
// node and lives on the Path's trailing PathKP element instead.
func pathKP(path btrfstree.Path) (btrfsvol.LogicalAddr, int) {
	if len(path) == 0 {
		return 0, 0
	}
	if elem, ok := path[len(path)-1].(btrfstree.PathKP); ok {
		return elem.ToAddr, int(elem.ToLevel)
	}
	return 0, 0
}

func dispatchItem(cache *Cache, item btrfstree.Item) {
	key := item.Key
	switch body := item.Body.(type) {
	case btrfsitem.Inode:
		rec := cache.Inode(key.ObjectID)
		if rec.FoundInodeItem {
			rec.Errors |= I_ERR_DUP_INODE_ITEM
			break
		}
		rec.FoundInodeItem = true
		rec.NLink = uint32(body.NLink)
		rec.IMode = uint32(body.Mode)
		rec.ISize = uint64(body.Size)
		rec.NBytes = uint64(body.NumBytes)
		rec.NoDataSum = body.Flags.Has(btrfsitem.INODE_NODATASUM)
		if body.NLink == 0 {
			rec.Errors |= I_ERR_NO_ORPHAN_ITEM
		}

	case btrfsitem.Empty:
		if key.ItemType == btrfsprim.ORPHAN_ITEM_KEY {
			cache.Inode(key.ObjectID).Errors &^= I_ERR_NO_ORPHAN_ITEM
		}

	case btrfsitem.InodeRef:
		rec := cache.Inode(key.ObjectID)
		name := string(body.Name)
		bref := rec.backref(btrfsprim.ObjID(key.Offset), name)
		if bref.FoundInodeRef {
			bref.Errors |= REF_ERR_DUP_INODE_REF
		}
		bref.FoundInodeRef = true
		if bref.Index != 0 && bref.Index != uint64(body.Index) {
			bref.Errors |= REF_ERR_INDEX_UNMATCH
		}
		bref.Index = uint64(body.Index)
		if len(body.Name) > btrfsitem.MaxNameLen {
			bref.Errors |= REF_ERR_NAME_TOO_LONG
		}

	case btrfsitem.DirEntry:
		dispatchDirEntry(cache, key, body)

	case btrfsitem.FileExtent:
		dispatchFileExtent(cache, key, body)

	case btrfsitem.Root:
		cache.Root(key.ObjectID).FoundRootItem = true

	case btrfsitem.RootRef:
		dispatchRootRef(cache, key, body)
	}
}

// dispatchRootRef handles both ROOT_REF (stored on the parent
// subvolume, key.offset = child subvolume id) and ROOT_BACKREF
// (stored on the child, key.offset = parent subvolume id): both
// describe the same edge, just keyed from either end, so each side
// only flags the half it observed directly.
func dispatchRootRef(cache *Cache, key btrfsprim.Key, body btrfsitem.RootRef) {
	switch key.ItemType {
	case btrfsprim.ROOT_REF_KEY:
		child := cache.Root(btrfsprim.ObjID(key.Offset))
		child.FoundRef = true
		bref := child.backref(key.ObjectID)
		bref.FoundForwardRef = true
		bref.Dir = body.DirID
		bref.Index = uint64(body.Sequence)
		bref.Name = string(body.Name)
	case btrfsprim.ROOT_BACKREF_KEY:
		child := cache.Root(key.ObjectID)
		bref := child.backref(btrfsprim.ObjID(key.Offset))
		bref.FoundBackRef = true
		bref.Dir = body.DirID
		bref.Index = uint64(body.Sequence)
		bref.Name = string(body.Name)
	}
}

func dispatchDirEntry(cache *Cache, key btrfsprim.Key, body btrfsitem.DirEntry) {
	dir := cache.Inode(key.ObjectID)
	name := string(body.Name)
	dir.FoundSize += uint64(len(body.Name))

	target := body.Location.ObjectID
	bref := cache.Inode(target).backref(key.ObjectID, name)
	bref.FileType = body.Type

	switch key.ItemType {
	case btrfsprim.DIR_ITEM_KEY:
		if bref.FoundDirItem {
			bref.Errors |= REF_ERR_DUP_DIR_ITEM
		}
		bref.FoundDirItem = true
	case btrfsprim.DIR_INDEX_KEY:
		if bref.FoundDirIndex {
			bref.Errors |= REF_ERR_DUP_DIR_INDEX
		}
		bref.FoundDirIndex = true
		if bref.Index != 0 && bref.Index != key.Offset {
			bref.Errors |= REF_ERR_INDEX_UNMATCH
		}
		bref.Index = key.Offset
	}

	if len(body.Name) > btrfsitem.MaxNameLen {
		bref.Errors |= REF_ERR_NAME_TOO_LONG
	}
}

func dispatchFileExtent(cache *Cache, key btrfsprim.Key, body btrfsitem.FileExtent) {
	rec := cache.Inode(key.ObjectID)
	rec.FoundFileExtent = true

	if rec.ExtentStart == noExtentStart {
		rec.ExtentStart = key.Offset
		rec.ExtentEnd = key.Offset
	} else if rec.ExtentEnd > key.Offset {
		rec.Errors |= I_ERR_FILE_EXTENT_OVERLAP
	} else if rec.ExtentEnd < key.Offset && rec.ExtentEnd < rec.FirstExtentGap {
		rec.FirstExtentGap = rec.ExtentEnd
	}

	switch body.Type {
	case btrfsitem.FILE_EXTENT_INLINE:
		if len(body.BodyInline) == 0 {
			rec.Errors |= I_ERR_BAD_FILE_EXTENT
		}
		rec.FoundSize += uint64(body.RAMBytes)
		rec.ExtentEnd = key.Offset + uint64(body.RAMBytes)
	case btrfsitem.FILE_EXTENT_REG, btrfsitem.FILE_EXTENT_PREALLOC:
		numBytes := uint64(body.BodyExtent.NumBytes)
		if numBytes == 0 {
			rec.Errors |= I_ERR_BAD_FILE_EXTENT
		}
		if body.Type == btrfsitem.FILE_EXTENT_REG && body.BodyExtent.DiskByteNr != 0 {
			rec.FoundSize += numBytes
		}
		rec.ExtentEnd = key.Offset + numBytes
	default:
		rec.Errors |= I_ERR_BAD_FILE_EXTENT
	}
}

// POSIX st_mode file-type bits, as stored in Inode.Mode.
const (
	statIFMT = 0170000
	statIFDIR = 0040000
)

// reconcile applies the per-inode end-of-walk checks from the
// cross-checker's "Reconciliation" rule: directory isize vs. found
// directory-entry bytes, file nbytes vs. found extent bytes, and
// extent-coverage gaps against isize.
func reconcile(cache *Cache) {
	for _, rec := range cache.Inodes {
		isDir := rec.FoundInodeItem && rec.IMode&statIFMT == statIFDIR
		switch {
		case isDir:
			if rec.FoundSize != rec.ISize {
				rec.Errors |= I_ERR_DIR_ISIZE_WRONG
			}
			if rec.FoundFileExtent {
				rec.Errors |= I_ERR_ODD_FILE_EXTENT
			}
		case rec.FoundInodeItem:
			if rec.FoundSize != rec.NBytes {
				rec.Errors |= I_ERR_FILE_NBYTES_WRONG
			}
			if rec.FoundDirItem {
				rec.Errors |= I_ERR_ODD_DIR_ITEM
			}
			if rec.NLink > 0 && rec.ExtentEnd != noExtentStart &&
				(rec.ExtentEnd < rec.ISize || rec.FirstExtentGap < rec.ISize) {
				rec.Errors |= I_ERR_FILE_EXTENT_DISCOUNT
			}
			if rec.FoundCsumItem && rec.NoDataSum {
				rec.Errors |= I_ERR_ODD_CSUM_ITEM
			}
			if rec.SomeCsumMissing && !rec.NoDataSum {
				rec.Errors |= I_ERR_SOME_CSUM_MISSING
			}
		}
	}
	for _, rec := range cache.Roots {
		if !rec.FoundRootItem {
			continue // only a dangling backref exists; reported via the backref itself
		}
		for _, bref := range rec.Backrefs {
			if !bref.FoundBackRef {
				bref.Errors |= ROOT_ERR_NO_BACK_REF
			}
			if !bref.FoundForwardRef {
				bref.Errors |= ROOT_ERR_NO_FORWARD_REF
			}
		}
	}
}

// AsError folds an inode record's error bitmap (and every backref's)
// into a single errcode error, or nil if the record is clean.
func (r *InodeRecord) AsError() error {
	if r.Errors == 0 {
		allClean := true
		for _, bref := range r.Backrefs {
			if bref.Errors != 0 {
				allClean = false
				break
			}
		}
		if allClean {
			return nil
		}
	}
	return errcode.Wrap(errcode.KindInodeInconsistency,
		fmt.Errorf("inode %v: %v", r.Ino, r.Errors))
}

// AsError folds one inode-backref's error bitmap into an errcode
// error, or nil if clean.
func (b *InodeBackref) AsError(ino btrfsprim.ObjID) error {
	if b.Errors == 0 {
		return nil
	}
	return errcode.Wrap(errcode.KindBackrefInconsistency,
		fmt.Errorf("inode %v backref from dir %v name %q: %v", ino, b.Dir, b.Name, b.Errors))
}
