// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsinspect

import (
	"context"
	"fmt"
	"os"

	"git.lukeshu.com/btrfs-progs-ng/lib/binstruct"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
	"git.lukeshu.com/btrfs-progs-ng/lib/diskio"
)

// SuperblockAddrs are the physical offsets at which a copy of the
// superblock is written; the first one that both fits on the device
// and validates is used unless the caller names a specific one.
var SuperblockAddrs = []btrfsvol.PhysicalAddr{
	0x00_0001_0000, // 64KiB
	0x00_0400_0000, // 64MiB
	0x40_0000_0000, // 256GiB
}

// lvNodeSource adapts a btrfsvol.LogicalVolume into a
// btrfstree.NodeSource, the external collaborator boundary
// SPEC_FULL.md §10.3/§12 calls out: device/superblock opening itself
// is out of scope, this is the thin adapter the CLI needs to get from
// a device path to something that satisfies btrfstree.Forrest.
type lvNodeSource struct {
	lv *btrfsvol.LogicalVolume[*diskio.OSFile[btrfsvol.PhysicalAddr]]
	sb btrfstree.Superblock
}

func (ns *lvNodeSource) Superblock() (*btrfstree.Superblock, error) {
	sb := ns.sb
	return &sb, nil
}

func (ns *lvNodeSource) AcquireNode(_ context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	return btrfstree.ReadNode[btrfsvol.LogicalAddr](ns.lv, ns.sb, addr, exp)
}

func (ns *lvNodeSource) ReleaseNode(node *btrfstree.Node) {
	node.Free()
}

var _ btrfstree.NodeSource = (*lvNodeSource)(nil)

// Forrest is a read-only Forrest backed by a single-device (or
// single-device-as-seen-so-far) btrfs filesystem opened from a raw
// device file.
type Forrest struct {
	dev *diskio.OSFile[btrfsvol.PhysicalAddr]
	ns  *lvNodeSource
}

var _ btrfstree.Forrest = (*Forrest)(nil)

// readSuperblock reads and validates the superblock at physical
// address addr, following Superblock.ValidateChecksum (§12's
// "superblock mirror" bootstrap).
func readSuperblock(dev *diskio.OSFile[btrfsvol.PhysicalAddr], addr btrfsvol.PhysicalAddr) (btrfstree.Superblock, error) {
	var sb btrfstree.Superblock
	buf := make([]byte, binstruct.StaticSize(sb))
	if _, err := dev.ReadAt(buf, addr); err != nil {
		return sb, fmt.Errorf("superblock@%v: %w", addr, err)
	}
	if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
		return sb, fmt.Errorf("superblock@%v: %w", addr, err)
	}
	if err := sb.ValidateChecksum(); err != nil {
		return sb, fmt.Errorf("superblock@%v: %w", addr, err)
	}
	return sb, nil
}

// OpenDevice opens the single-device btrfs filesystem at path,
// bootstraps the chunk-tree mapping (sys_chunk_array, then a full
// walk of the chunk tree itself, mirroring the reference pack's
// FS.initDev), and returns a Forrest ready to be handed to
// fscheck/extentcheck. superIndex selects which of SuperblockAddrs to
// read; -1 means "try each until one validates", matching the
// reference pack's multi-mirror fallback.
func OpenDevice(ctx context.Context, path string, superIndex int) (*Forrest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dev := &diskio.OSFile[btrfsvol.PhysicalAddr]{File: f}

	var sb btrfstree.Superblock
	switch {
	case superIndex >= 0:
		if superIndex >= len(SuperblockAddrs) {
			dev.Close()
			return nil, fmt.Errorf("superblock index %d out of range (have %d mirrors)", superIndex, len(SuperblockAddrs))
		}
		sb, err = readSuperblock(dev, SuperblockAddrs[superIndex])
		if err != nil {
			dev.Close()
			return nil, err
		}
	default:
		var lastErr error
		found := false
		for _, addr := range SuperblockAddrs {
			sb, lastErr = readSuperblock(dev, addr)
			if lastErr == nil {
				found = true
				break
			}
		}
		if !found {
			dev.Close()
			return nil, fmt.Errorf("no valid superblock: %w", lastErr)
		}
	}

	var lv btrfsvol.LogicalVolume[*diskio.OSFile[btrfsvol.PhysicalAddr]]
	if err := lv.AddPhysicalVolume(sb.DevItem.DevID, dev); err != nil {
		dev.Close()
		return nil, err
	}

	ns := &lvNodeSource{lv: &lv, sb: sb}

	syschunks, err := sb.ParseSysChunkArray()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("sys_chunk_array: %w", err)
	}
	for _, chunk := range syschunks {
		for _, mapping := range chunk.Chunk.Mappings(chunk.Key) {
			if err := lv.AddMapping(mapping); err != nil {
				dev.Close()
				return nil, fmt.Errorf("sys_chunk_array: %w", err)
			}
		}
	}

	chunkRootInfo, err := btrfstree.LookupTreeRoot(ctx, nil, sb, btrfsprim.CHUNK_TREE_OBJECTID)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("chunk tree: %w", err)
	}
	chunkTree := &btrfstree.RawTree{NodeSource: ns, Root: *chunkRootInfo}
	chunkTree.TreeWalk(ctx, btrfstree.TreeWalkHandler{
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			chunkItem, ok := item.Body.(btrfsitem.Chunk)
			if !ok {
				return
			}
			for _, mapping := range chunkItem.Mappings(item.Key) {
				_ = lv.AddMapping(mapping)
			}
		},
	})

	return &Forrest{dev: dev, ns: ns}, nil
}

func (f *Forrest) Close() error {
	return f.dev.Close()
}

func (f *Forrest) Superblock() (*btrfstree.Superblock, error) {
	return f.ns.Superblock()
}

// ForrestLookup implements btrfstree.Forrest.
func (f *Forrest) ForrestLookup(ctx context.Context, treeID btrfsprim.ObjID) (btrfstree.Tree, error) {
	rootTreeInfo, err := btrfstree.LookupTreeRoot(ctx, nil, f.ns.sb, btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return nil, err
	}
	rootTree := &btrfstree.RawTree{NodeSource: f.ns, Root: *rootTreeInfo}
	if treeID == btrfsprim.ROOT_TREE_OBJECTID {
		return rootTree, nil
	}
	treeInfo, err := btrfstree.LookupTreeRoot(ctx, rootTree, f.ns.sb, treeID)
	if err != nil {
		return nil, err
	}
	return &btrfstree.RawTree{NodeSource: f.ns, Root: *treeInfo}, nil
}
