// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

// key.objectid = laddr of the extent being referenced
// key.offset = hash of (root, objectid, offset) -- see btrfsitem.ExtentDataRef
type ExtentDataRef struct { // EXTENT_DATA_REF=178
	Root          btrfsprim.ObjID `bin:"off=0, siz=8"` // subvolume owning the reference
	ObjectID      btrfsprim.ObjID `bin:"off=8, siz=8"` // owning inode
	Offset        int64           `bin:"off=16, siz=8"` // byte offset of the data within the inode, minus the extent's internal offset
	Count         int32           `bin:"off=24, siz=4"`
	binstruct.End `bin:"off=28"`
}
