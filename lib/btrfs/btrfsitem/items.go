// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"
	"reflect"

	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfssum"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

type Type = btrfsprim.ItemType

// Local unqualified aliases for the ItemType values that inline-ref
// dispatch code (see item_extent.go) switches on.
const (
	TREE_BLOCK_REF_KEY   = btrfsprim.TREE_BLOCK_REF_KEY
	SHARED_BLOCK_REF_KEY = btrfsprim.SHARED_BLOCK_REF_KEY
	EXTENT_DATA_REF_KEY  = btrfsprim.EXTENT_DATA_REF_KEY
	SHARED_DATA_REF_KEY  = btrfsprim.SHARED_DATA_REF_KEY
)

// Item is the decoded body of a leaf item; the concrete type is chosen by
// UnmarshalItem based on the item's composite key.
type Item interface {
	isItem()
}

// Error wraps a payload that failed to decode; rather than returning a
// separate error value, UnmarshalItem returns an Error item so a single
// pass over a leaf can still visit every item and accumulate diagnostics.
type Error struct {
	Dat []byte
	Err error
}

func (Error) isItem() {}

func (o Error) MarshalBinary() ([]byte, error) {
	return o.Dat, nil
}

func (o *Error) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = dat
	return len(dat), nil
}

func (Inode) isItem()           {}
func (InodeRef) isItem()        {}
func (DirEntry) isItem()        {}
func (Empty) isItem()           {}
func (FileExtent) isItem()      {}
func (ExtentCSum) isItem()      {}
func (Root) isItem()            {}
func (RootRef) isItem()         {}
func (Extent) isItem()          {}
func (ExtentDataRef) isItem()   {}
func (ExtentRefV0) isItem()     {}
func (SharedDataRef) isItem()   {}
func (BlockGroup) isItem()      {}
func (DevExtent) isItem()       {}
func (Dev) isItem()             {}
func (Chunk) isItem()           {}
func (FreeSpaceHeader) isItem() {}

var keytype2gotype = map[btrfsprim.ItemType]reflect.Type{
	btrfsprim.INODE_ITEM_KEY:       reflect.TypeOf(Inode{}),
	btrfsprim.INODE_REF_KEY:        reflect.TypeOf(InodeRef{}),
	btrfsprim.XATTR_ITEM_KEY:       reflect.TypeOf(DirEntry{}),
	btrfsprim.ORPHAN_ITEM_KEY:      reflect.TypeOf(Empty{}),
	btrfsprim.DIR_ITEM_KEY:         reflect.TypeOf(DirEntry{}),
	btrfsprim.DIR_INDEX_KEY:        reflect.TypeOf(DirEntry{}),
	btrfsprim.EXTENT_DATA_KEY:      reflect.TypeOf(FileExtent{}),
	btrfsprim.EXTENT_CSUM_KEY:      reflect.TypeOf(ExtentCSum{}),
	btrfsprim.ROOT_ITEM_KEY:        reflect.TypeOf(Root{}),
	btrfsprim.ROOT_BACKREF_KEY:     reflect.TypeOf(RootRef{}),
	btrfsprim.ROOT_REF_KEY:         reflect.TypeOf(RootRef{}),
	btrfsprim.EXTENT_ITEM_KEY:      reflect.TypeOf(Extent{}),
	btrfsprim.METADATA_ITEM_KEY:    reflect.TypeOf(Extent{}),
	btrfsprim.TREE_BLOCK_REF_KEY:   reflect.TypeOf(Empty{}),
	btrfsprim.EXTENT_DATA_REF_KEY:  reflect.TypeOf(ExtentDataRef{}),
	btrfsprim.EXTENT_REF_V0_KEY:    reflect.TypeOf(ExtentRefV0{}),
	btrfsprim.SHARED_BLOCK_REF_KEY: reflect.TypeOf(Empty{}),
	btrfsprim.SHARED_DATA_REF_KEY:  reflect.TypeOf(SharedDataRef{}),
	btrfsprim.BLOCK_GROUP_ITEM_KEY: reflect.TypeOf(BlockGroup{}),
	btrfsprim.DEV_EXTENT_KEY:       reflect.TypeOf(DevExtent{}),
	btrfsprim.DEV_ITEM_KEY:         reflect.TypeOf(Dev{}),
	btrfsprim.CHUNK_ITEM_KEY:       reflect.TypeOf(Chunk{}),
}

var untypedObjID2gotype = map[btrfsprim.ObjID]reflect.Type{
	btrfsprim.FREE_SPACE_OBJECTID: reflect.TypeOf(FreeSpaceHeader{}),
}

// UnmarshalItem decodes a leaf item's raw bytes into the concrete Item type
// indicated by key, dispatching on key.ItemType (or, for UNTYPED_KEY items,
// on key.ObjectID).
func UnmarshalItem(key btrfsprim.Key, csumType btrfssum.CSumType, dat []byte) Item {
	var gotyp reflect.Type
	if key.ItemType == btrfsprim.UNTYPED_KEY {
		var ok bool
		gotyp, ok = untypedObjID2gotype[key.ObjectID]
		if !ok {
			return Error{
				Dat: dat,
				Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v, ObjectID:%v}, dat): unknown object ID for untyped item",
					key.ItemType, key.ObjectID),
			}
		}
	} else {
		var ok bool
		gotyp, ok = keytype2gotype[key.ItemType]
		if !ok {
			return Error{
				Dat: dat,
				Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): unknown item type", key.ItemType),
			}
		}
	}
	retPtr := reflect.New(gotyp)
	switch typed := retPtr.Interface().(type) {
	case *ExtentCSum:
		typed.ChecksumSize = csumType.Size()
		typed.Addr = btrfsvol.LogicalAddr(key.Offset)
	}
	n, err := binstruct.Unmarshal(dat, retPtr.Interface())
	if err != nil {
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): %w", key.ItemType, err),
		}
	}
	if n < len(dat) {
		return Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): left over data: got %v bytes but only consumed %v",
				key.ItemType, len(dat), n),
		}
	}
	return retPtr.Elem().Interface().(Item)
}
