// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
)

// ExtentRefV0 is the pre-mixed-backref-revision encoding of a data backref:
// on very old filesystems (MIXED_BACKREF incompat bit unset) extent backrefs
// for file data were keyed as (extent laddr, EXTENT_REF_V0, hash) rather
// than as EXTENT_DATA_REF items, and carried root/generation/objectid/offset
// inline instead of letting the extent-item's inline refs encode them. The
// reconciler still has to recognize this format and flag it, per the legacy
// v0 note.
type ExtentRefV0 struct { // EXTENT_REF_V0=180
	Root          btrfsprim.ObjID      `bin:"off=0x0,  siz=0x8"`
	Generation    btrfsprim.Generation `bin:"off=0x8,  siz=0x8"`
	ObjectID      btrfsprim.ObjID      `bin:"off=0x10, siz=0x8"`
	Count         int32                `bin:"off=0x18, siz=0x4"`
	binstruct.End `bin:"off=0x1c"`
}
