// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fscheck

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

// noExtentStart marks InodeRecord.ExtentStart as not yet initialized
// (and FirstExtentGap as no gap seen), mirroring the original
// checker's use of -1. ExtentEnd starts at 0.
const noExtentStart = ^uint64(0)

// backrefKey identifies one directory-entry edge pointing at an
// inode: the directory it lives in, plus the name used there.
type backrefKey struct {
	Dir  btrfsprim.ObjID
	Name string
}

// InodeBackref is one edge from a directory entry to the inode that
// owns this record, accumulated from whichever of DIR_ITEM,
// DIR_INDEX, and INODE_REF is found for it.
type InodeBackref struct {
	Dir      btrfsprim.ObjID
	Index    uint64
	Name     string
	FileType btrfsitem.FileType

	FoundDirItem  bool
	FoundDirIndex bool
	FoundInodeRef bool

	Errors BackrefErrBits
}

// InodeRecord accumulates every fact the fs-tree walk finds about one
// (subvolume, inode) pair, across however many items reference it.
type InodeRecord struct {
	Ino btrfsprim.ObjID

	FoundInodeItem  bool
	FoundDirItem    bool
	FoundFileExtent bool
	FoundCsumItem   bool
	SomeCsumMissing bool
	NoDataSum       bool

	NLink     uint32
	IMode     uint32
	ISize     uint64
	NBytes    uint64
	FoundLink uint32
	FoundSize uint64

	ExtentStart    uint64
	ExtentEnd      uint64
	FirstExtentGap uint64

	Errors InodeErrBits

	Backrefs map[backrefKey]*InodeBackref
}

func newInodeRecord(ino btrfsprim.ObjID) *InodeRecord {
	return &InodeRecord{
		Ino:            ino,
		ExtentStart:    noExtentStart,
		FirstExtentGap: noExtentStart,
		Backrefs:       make(map[backrefKey]*InodeBackref),
	}
}

func (r *InodeRecord) backref(dir btrfsprim.ObjID, name string) *InodeBackref {
	key := backrefKey{Dir: dir, Name: name}
	bref, ok := r.Backrefs[key]
	if !ok {
		bref = &InodeBackref{Dir: dir, Name: name}
		r.Backrefs[key] = bref
	}
	return bref
}

// Clean reports whether the record is free of any recorded error and
// every backref it carries is fully satisfied (all of found_dir_item/
// found_dir_index/found_inode_ref present for each). A clean record
// can be freed eagerly, per the "Reconciliation" rule in the
// filesystem-tree cross-checker.
func (r *InodeRecord) Clean() bool {
	if r.Errors != 0 {
		return false
	}
	for _, bref := range r.Backrefs {
		if bref.Errors != 0 {
			return false
		}
		if !bref.FoundDirItem || !bref.FoundDirIndex || !bref.FoundInodeRef {
			return false
		}
	}
	return true
}

// RootBackref is one ROOT_REF/ROOT_BACKREF edge from a parent
// subvolume's directory entry to the child subvolume this record
// describes.
type RootBackref struct {
	RefRoot   btrfsprim.ObjID
	Dir       btrfsprim.ObjID
	Index     uint64
	Name      string
	Errors    RootErrBits

	FoundDirItem   bool
	FoundDirIndex  bool
	FoundBackRef   bool
	FoundForwardRef bool
	Reachable      bool
}

// RootRecord accumulates facts about one subvolume/tree root found
// while cross-checking the root tree.
type RootRecord struct {
	ObjectID      btrfsprim.ObjID
	FoundRootItem bool
	FoundRef      bool
	Backrefs      map[btrfsprim.ObjID]*RootBackref
}

func newRootRecord(id btrfsprim.ObjID) *RootRecord {
	return &RootRecord{ObjectID: id, Backrefs: make(map[btrfsprim.ObjID]*RootBackref)}
}

func (r *RootRecord) backref(refRoot btrfsprim.ObjID) *RootBackref {
	bref, ok := r.Backrefs[refRoot]
	if !ok {
		bref = &RootBackref{RefRoot: refRoot}
		r.Backrefs[refRoot] = bref
	}
	return bref
}

// Cache is the per-subvolume-walk working set: every inode and root
// record discovered so far. It implements sharedwalk.Cache[*Cache],
// letting a single walker memoise shared blocks across multiple
// subvolume walks sharing a Checker.
type Cache struct {
	Inodes map[btrfsprim.ObjID]*InodeRecord
	Roots  map[btrfsprim.ObjID]*RootRecord
}

func NewCache() *Cache {
	return &Cache{
		Inodes: make(map[btrfsprim.ObjID]*InodeRecord),
		Roots:  make(map[btrfsprim.ObjID]*RootRecord),
	}
}

func (c *Cache) Inode(ino btrfsprim.ObjID) *InodeRecord {
	rec, ok := c.Inodes[ino]
	if !ok {
		rec = newInodeRecord(ino)
		c.Inodes[ino] = rec
	}
	return rec
}

func (c *Cache) Root(id btrfsprim.ObjID) *RootRecord {
	rec, ok := c.Roots[id]
	if !ok {
		rec = newRootRecord(id)
		c.Roots[id] = rec
	}
	return rec
}

// Splice implements sharedwalk.Cache: it absorbs src's records into
// c, following merge_inode_recs for any inode record present in both.
func (c *Cache) Splice(src *Cache) {
	for ino, srec := range src.Inodes {
		if drec, ok := c.Inodes[ino]; ok {
			mergeInodeRecs(drec, srec)
		} else {
			c.Inodes[ino] = srec
		}
	}
	for id, srec := range src.Roots {
		if drec, ok := c.Roots[id]; ok {
			mergeRootRecs(drec, srec)
		} else {
			c.Roots[id] = srec
		}
	}
}

// mergeInodeRecs implements the "Splice" merge rules from the
// shared-subtree walker: union the found_* flags, keep the lower
// first_extent_gap, detect overlap/extend the extent-range union, sum
// found_size/found_link, and flag DUP_INODE_ITEM if both sides
// recorded the inode item independently.
func mergeInodeRecs(dst, src *InodeRecord) {
	dst.FoundDirItem = dst.FoundDirItem || src.FoundDirItem
	dst.FoundFileExtent = dst.FoundFileExtent || src.FoundFileExtent
	dst.FoundCsumItem = dst.FoundCsumItem || src.FoundCsumItem
	dst.SomeCsumMissing = dst.SomeCsumMissing || src.SomeCsumMissing

	if src.FirstExtentGap < dst.FirstExtentGap {
		dst.FirstExtentGap = src.FirstExtentGap
	}
	dst.FoundLink += src.FoundLink
	dst.FoundSize += src.FoundSize

	switch {
	case src.ExtentStart == noExtentStart:
		// nothing to merge in
	case dst.ExtentStart == noExtentStart:
		dst.ExtentStart, dst.ExtentEnd = src.ExtentStart, src.ExtentEnd
	default:
		if dst.ExtentEnd > src.ExtentStart {
			dst.Errors |= I_ERR_FILE_EXTENT_OVERLAP
		} else if dst.ExtentEnd < src.ExtentStart && dst.ExtentEnd < dst.FirstExtentGap {
			dst.FirstExtentGap = dst.ExtentEnd
		}
		if src.ExtentEnd > dst.ExtentEnd {
			dst.ExtentEnd = src.ExtentEnd
		}
	}

	if dst.FoundInodeItem && src.FoundInodeItem {
		dst.Errors |= I_ERR_DUP_INODE_ITEM
	} else if src.FoundInodeItem {
		dst.FoundInodeItem = true
		dst.NLink, dst.IMode, dst.ISize, dst.NBytes, dst.NoDataSum =
			src.NLink, src.IMode, src.ISize, src.NBytes, src.NoDataSum
	}

	dst.Errors |= src.Errors
	for key, sbref := range src.Backrefs {
		if dbref, ok := dst.Backrefs[key]; ok {
			dbref.FoundDirItem = dbref.FoundDirItem || sbref.FoundDirItem
			dbref.FoundDirIndex = dbref.FoundDirIndex || sbref.FoundDirIndex
			dbref.FoundInodeRef = dbref.FoundInodeRef || sbref.FoundInodeRef
			dbref.Errors |= sbref.Errors
		} else {
			dst.Backrefs[key] = sbref
		}
	}
}

func mergeRootRecs(dst, src *RootRecord) {
	dst.FoundRootItem = dst.FoundRootItem || src.FoundRootItem
	dst.FoundRef = dst.FoundRef || src.FoundRef
	for id, sbref := range src.Backrefs {
		if dbref, ok := dst.Backrefs[id]; ok {
			dbref.FoundDirItem = dbref.FoundDirItem || sbref.FoundDirItem
			dbref.FoundDirIndex = dbref.FoundDirIndex || sbref.FoundDirIndex
			dbref.FoundBackRef = dbref.FoundBackRef || sbref.FoundBackRef
			dbref.FoundForwardRef = dbref.FoundForwardRef || sbref.FoundForwardRef
			dbref.Reachable = dbref.Reachable || sbref.Reachable
			dbref.Errors |= sbref.Errors
		} else {
			dst.Backrefs[id] = sbref
		}
	}
}
