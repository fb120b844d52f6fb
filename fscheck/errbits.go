// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fscheck

import "git.lukeshu.com/btrfs-progs-ng/lib/fmtutil"

// InodeErrBits is the I_ERR_* bitmap: anomalies recorded against an
// inode record as the fs tree is walked.
type InodeErrBits uint32

const (
	I_ERR_NO_INODE_ITEM InodeErrBits = 1 << iota
	I_ERR_NO_ORPHAN_ITEM
	I_ERR_DUP_INODE_ITEM
	I_ERR_DUP_DIR_ITEM
	I_ERR_ODD_DIR_ITEM
	I_ERR_DIR_ISIZE_WRONG
	I_ERR_FILE_EXTENT_DISCOUNT
	I_ERR_ODD_FILE_EXTENT
	I_ERR_BAD_FILE_EXTENT
	I_ERR_FILE_EXTENT_OVERLAP
	I_ERR_FILE_NBYTES_WRONG
	I_ERR_ODD_CSUM_ITEM
	I_ERR_SOME_CSUM_MISSING
	I_ERR_LINK_COUNT_WRONG
	I_ERR_DUP_INODE_ITEM_ROOT
)

var inodeErrNames = []string{
	"NO_INODE_ITEM",
	"NO_ORPHAN_ITEM",
	"DUP_INODE_ITEM",
	"DUP_DIR_ITEM",
	"ODD_DIR_ITEM",
	"DIR_ISIZE_WRONG",
	"FILE_EXTENT_DISCOUNT",
	"ODD_FILE_EXTENT",
	"BAD_FILE_EXTENT",
	"FILE_EXTENT_OVERLAP",
	"FILE_NBYTES_WRONG",
	"ODD_CSUM_ITEM",
	"SOME_CSUM_MISSING",
	"LINK_COUNT_WRONG",
	"DUP_INODE_ITEM_ROOT",
}

func (b InodeErrBits) Has(req InodeErrBits) bool { return b&req == req }
func (b InodeErrBits) String() string            { return fmtutil.BitfieldString(b, inodeErrNames, fmtutil.HexLower) }

// BackrefErrBits is the REF_ERR_* bitmap: anomalies recorded against
// one inode-backref (a single directory-entry-to-inode edge).
type BackrefErrBits uint32

const (
	REF_ERR_DUP_DIR_INDEX BackrefErrBits = 1 << iota
	REF_ERR_DUP_DIR_ITEM
	REF_ERR_DUP_INODE_REF
	REF_ERR_INDEX_UNMATCH
	REF_ERR_FILETYPE_UNMATCH
	REF_ERR_NAME_TOO_LONG
	REF_ERR_NO_DIR_ITEM
	REF_ERR_NO_DIR_INDEX
	REF_ERR_NO_INODE_REF
)

var backrefErrNames = []string{
	"DUP_DIR_INDEX",
	"DUP_DIR_ITEM",
	"DUP_INODE_REF",
	"INDEX_UNMATCH",
	"FILETYPE_UNMATCH",
	"NAME_TOO_LONG",
	"NO_DIR_ITEM",
	"NO_DIR_INDEX",
	"NO_INODE_REF",
}

func (b BackrefErrBits) Has(req BackrefErrBits) bool { return b&req == req }
func (b BackrefErrBits) String() string {
	return fmtutil.BitfieldString(b, backrefErrNames, fmtutil.HexLower)
}

// RootErrBits is the root-record analog, covering anomalies found
// while cross-checking ROOT_REF/ROOT_BACKREF pairs.
type RootErrBits uint32

const (
	ROOT_ERR_NO_ROOT_ITEM RootErrBits = 1 << iota
	ROOT_ERR_NO_BACK_REF
	ROOT_ERR_NO_FORWARD_REF
	ROOT_ERR_NOT_REACHABLE
)

var rootErrNames = []string{
	"NO_ROOT_ITEM",
	"NO_BACK_REF",
	"NO_FORWARD_REF",
	"NOT_REACHABLE",
}

func (b RootErrBits) Has(req RootErrBits) bool { return b&req == req }
func (b RootErrBits) String() string           { return fmtutil.BitfieldString(b, rootErrNames, fmtutil.HexLower) }
