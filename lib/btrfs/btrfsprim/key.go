// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsprim

import (
	"fmt"
	"math"
	"time"

	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/containers"
)

// Generation is a transaction ID; every tree mutation is tagged with the
// generation of the transaction that performed it.
type Generation uint64

// ItemType is the second component of the 136-bit composite key
// (objectid, type, offset) that every item in the filesystem is addressed
// by. The numeric values match the on-disk encoding.
type ItemType uint8

const (
	UNTYPED_KEY       = ItemType(0)
	INODE_ITEM_KEY    = ItemType(1)
	INODE_REF_KEY     = ItemType(12)
	INODE_EXTREF_KEY  = ItemType(13)
	XATTR_ITEM_KEY    = ItemType(24)
	ORPHAN_ITEM_KEY   = ItemType(48)
	DIR_LOG_ITEM_KEY  = ItemType(60)
	DIR_LOG_INDEX_KEY = ItemType(72)
	DIR_ITEM_KEY      = ItemType(84)
	DIR_INDEX_KEY     = ItemType(96)
	EXTENT_DATA_KEY   = ItemType(108)

	EXTENT_CSUM_KEY = ItemType(128)

	ROOT_ITEM_KEY     = ItemType(132)
	ROOT_BACKREF_KEY  = ItemType(144)
	ROOT_REF_KEY      = ItemType(156)
	EXTENT_ITEM_KEY   = ItemType(168)
	METADATA_ITEM_KEY = ItemType(169)

	TREE_BLOCK_REF_KEY  = ItemType(176)
	EXTENT_DATA_REF_KEY = ItemType(178)
	EXTENT_REF_V0_KEY   = ItemType(180) // legacy, pre-mixed-backref format
	SHARED_BLOCK_REF_KEY = ItemType(182)
	SHARED_DATA_REF_KEY  = ItemType(184)

	BLOCK_GROUP_ITEM_KEY = ItemType(192)

	DEV_EXTENT_KEY = ItemType(204)
	DEV_ITEM_KEY   = ItemType(216)
	CHUNK_ITEM_KEY = ItemType(228)

	MAX_KEY = ItemType(255)
)

var itemTypeNames = map[ItemType]string{
	UNTYPED_KEY:          "UNTYPED",
	INODE_ITEM_KEY:       "INODE_ITEM",
	INODE_REF_KEY:        "INODE_REF",
	INODE_EXTREF_KEY:     "INODE_EXTREF",
	XATTR_ITEM_KEY:       "XATTR_ITEM",
	ORPHAN_ITEM_KEY:      "ORPHAN_ITEM",
	DIR_LOG_ITEM_KEY:     "DIR_LOG_ITEM",
	DIR_LOG_INDEX_KEY:    "DIR_LOG_INDEX",
	DIR_ITEM_KEY:         "DIR_ITEM",
	DIR_INDEX_KEY:        "DIR_INDEX",
	EXTENT_DATA_KEY:      "EXTENT_DATA",
	EXTENT_CSUM_KEY:      "EXTENT_CSUM",
	ROOT_ITEM_KEY:        "ROOT_ITEM",
	ROOT_BACKREF_KEY:     "ROOT_BACKREF",
	ROOT_REF_KEY:         "ROOT_REF",
	EXTENT_ITEM_KEY:      "EXTENT_ITEM",
	METADATA_ITEM_KEY:    "METADATA_ITEM",
	TREE_BLOCK_REF_KEY:   "TREE_BLOCK_REF",
	EXTENT_DATA_REF_KEY:  "EXTENT_DATA_REF",
	EXTENT_REF_V0_KEY:    "EXTENT_REF_V0",
	SHARED_BLOCK_REF_KEY: "SHARED_BLOCK_REF",
	SHARED_DATA_REF_KEY:  "SHARED_DATA_REF",
	BLOCK_GROUP_ITEM_KEY: "BLOCK_GROUP_ITEM",
	DEV_EXTENT_KEY:       "DEV_EXTENT",
	DEV_ITEM_KEY:         "DEV_ITEM",
	CHUNK_ITEM_KEY:       "CHUNK_ITEM",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_KEY.%d", uint8(t))
}

// Key is the 136-bit composite ordering key used throughout the forest of
// B+ trees: (objectid, type, offset), strictly ascending within a leaf.
type Key struct {
	ObjectID      ObjID    `bin:"off=0x0, siz=0x8"` // each tree has its own set of object IDs
	ItemType      ItemType `bin:"off=0x8, siz=0x1"`
	Offset        uint64   `bin:"off=0x9, siz=0x8"` // meaning depends on ItemType
	binstruct.End `bin:"off=0x11"`
}

const MaxOffset uint64 = math.MaxUint64

const MAX_OBJECTID = ObjID(math.MaxUint64)

var MaxKey = Key{
	ObjectID: MAX_OBJECTID,
	ItemType: MAX_KEY,
	Offset:   MaxOffset,
}

// Format mimics btrfs_print_key(), rendering tree-specific object IDs (e.g.
// the ROOT_TREE's offset-is-really-an-ObjID convention).
func (key Key) Format(tree ObjID) string {
	switch tree {
	case UUID_TREE_OBJECTID:
		return fmt.Sprintf("(%v %v %#08x)", key.ObjectID.Format(tree), key.ItemType, key.Offset)
	case ROOT_TREE_OBJECTID, QUOTA_TREE_OBJECTID:
		return fmt.Sprintf("(%v %v %v)", key.ObjectID.Format(tree), key.ItemType, ObjID(key.Offset).Format(tree))
	default:
		if key.Offset == math.MaxUint64 {
			return fmt.Sprintf("(%v %v -1)", key.ObjectID.Format(tree), key.ItemType)
		}
		return fmt.Sprintf("(%v %v %v)", key.ObjectID.Format(tree), key.ItemType, key.Offset)
	}
}

func (key Key) String() string {
	return key.Format(0)
}

// Mm returns the key immediately preceding key in composite-key order
// (saturating at the zero key).
func (key Key) Mm() Key {
	switch {
	case key.Offset > 0:
		key.Offset--
	case key.ItemType > 0:
		key.ItemType--
		key.Offset = MaxOffset
	case key.ObjectID > 0:
		key.ObjectID--
		key.ItemType = MAX_KEY
		key.Offset = MaxOffset
	}
	return key
}

// Pp returns the key immediately following key in composite-key order
// (saturating at MaxKey).
func (key Key) Pp() Key {
	switch {
	case key.Offset < MaxOffset:
		key.Offset++
	case key.ItemType < MAX_KEY:
		key.ItemType++
		key.Offset = 0
	case key.ObjectID < MAX_OBJECTID:
		key.ObjectID++
		key.ItemType = 0
		key.Offset = 0
	}
	return key
}

func compareUint[T ~uint8 | ~uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Compare implements the strict lexicographic ordering over
// (objectid, type, offset) that the whole forest of trees is keyed by.
func (a Key) Compare(b Key) int {
	if d := compareUint(uint64(a.ObjectID), uint64(b.ObjectID)); d != 0 {
		return d
	}
	if d := compareUint(uint8(a.ItemType), uint8(b.ItemType)); d != 0 {
		return d
	}
	return compareUint(a.Offset, b.Offset)
}

// Cmp is an alias for Compare so that Key satisfies containers.Ordered[Key].
func (a Key) Cmp(b Key) int { return a.Compare(b) }

var _ containers.Ordered[Key] = Key{}

// Time is the on-disk (seconds, nanoseconds) timestamp pair used by inode
// and root items.
type Time struct {
	Sec           int64  `bin:"off=0x0, siz=0x8"`
	NSec          uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End `bin:"off=0xc"`
}

func (t Time) ToStd() time.Time {
	return time.Unix(t.Sec, int64(t.NSec))
}
