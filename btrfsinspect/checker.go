// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsinspect is the top-level driver: it wires the extent
// reference reconciler and the filesystem-tree cross-checker together
// over one btrfstree.Forrest, producing a single Report that covers
// every subvolume and the extent tree in one pass.
package btrfsinspect

import (
	"context"
	"fmt"
	"sort"

	"git.lukeshu.com/btrfs-progs-ng/extentcheck"
	"git.lukeshu.com/btrfs-progs-ng/fscheck"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsitem"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfstree"
)

// Report is the result of one Checker.Run: the extent reconciliation
// pass plus one fscheck.Cache per subvolume visited.
type Report struct {
	Subvolumes   []SubvolumeReport
	ExtentRecs   []*extentcheck.ExtentRecord
	CorruptNodes []*extentcheck.CorruptBlock
}

// SubvolumeReport pairs a subvolume's tree ID with the cross-checker
// cache produced by walking it.
type SubvolumeReport struct {
	TreeID btrfsprim.ObjID
	Cache  *fscheck.Cache
}

// Clean reports whether the run found nothing to repair: every extent
// record reconciles, every corrupt-block list is empty, and every
// inode/root record in every subvolume is clean.
func (r *Report) Clean() bool {
	if len(r.CorruptNodes) > 0 {
		return false
	}
	for _, rec := range r.ExtentRecs {
		if !rec.Complete() {
			return false
		}
	}
	for _, sub := range r.Subvolumes {
		for _, rec := range sub.Cache.Inodes {
			if !rec.Clean() {
				return false
			}
		}
		for _, rec := range sub.Cache.Roots {
			if !rec.FoundRootItem || !rec.FoundRef {
				return false
			}
			for _, bref := range rec.Backrefs {
				if bref.Errors != 0 || !bref.FoundBackRef || !bref.FoundForwardRef {
					return false
				}
			}
		}
	}
	return true
}

// Checker orchestrates one run of the full consistency check over
// Forrest: the extent reconciler first (so subvolume walks have
// declared refcounts to consult), then the fs-tree cross-checker over
// every discovered subvolume, with a second lightweight pass per
// subvolume to feed ObserveFileExtent/ObserveTreeBlock back into the
// reconciler — mirroring the reference pack's separate scan passes
// (pass1 populates the extent-backed truth, pass2 cross-checks
// against it) rather than a single fused callback.
type Checker struct {
	Forrest btrfstree.Forrest
}

func NewChecker(forrest btrfstree.Forrest) *Checker {
	return &Checker{Forrest: forrest}
}

// listSubvolumes returns every tree ID that should be checked:
// FS_TREE_OBJECTID always, plus every ROOT_ITEM found in the root
// tree with an object ID in the free-object-id range (i.e. an
// ordinary subvolume or snapshot, not one of the reserved trees the
// root tree also carries ROOT_ITEMs for, like the extent or csum
// trees).
func (c *Checker) listSubvolumes(ctx context.Context) (map[btrfsprim.ObjID]*btrfsitem.Root, error) {
	rootTree, err := c.Forrest.ForrestLookup(ctx, btrfsprim.ROOT_TREE_OBJECTID)
	if err != nil {
		return nil, fmt.Errorf("btrfsinspect: looking up root tree: %w", err)
	}

	subvols := make(map[btrfsprim.ObjID]*btrfsitem.Root)
	rootTree.TreeWalk(ctx, btrfstree.TreeWalkHandler{
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			if item.Key.ItemType != btrfsprim.ROOT_ITEM_KEY {
				return
			}
			body, ok := item.Body.(btrfsitem.Root)
			if !ok {
				return
			}
			if item.Key.ObjectID < btrfsprim.FIRST_FREE_OBJECTID || item.Key.ObjectID > btrfsprim.LAST_FREE_OBJECTID {
				return
			}
			cp := body
			subvols[item.Key.ObjectID] = &cp
		},
	})
	if _, ok := subvols[btrfsprim.FS_TREE_OBJECTID]; !ok {
		subvols[btrfsprim.FS_TREE_OBJECTID] = nil
	}
	return subvols, nil
}

// observeSubvolume re-walks treeID purely to hand tree-block and
// file-extent facts to the reconciler, so the extent reference
// reconciler's "found_ref" side (declared vs. actually-reached) covers
// references made from filesystem trees, not just the extent tree's
// own declarations.
func observeSubvolume(ctx context.Context, tree btrfstree.Tree, treeID btrfsprim.ObjID, reconciler *extentcheck.Reconciler) {
	tree.TreeWalk(ctx, btrfstree.TreeWalkHandler{
		KeyPointer: func(path btrfstree.Path, _ btrfstree.KeyPointer) bool {
			if len(path) > 0 {
				if elem, ok := path[len(path)-1].(btrfstree.PathKP); ok {
					reconciler.ObserveTreeBlock(elem.ToAddr, treeID, 0, false)
				}
			}
			return true
		},
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			body, ok := item.Body.(btrfsitem.FileExtent)
			if !ok || body.Type != btrfsitem.FILE_EXTENT_REG || body.BodyExtent.DiskByteNr == 0 {
				return
			}
			reconciler.ObserveFileExtent(treeID, item.Key.ObjectID, item.Key.Offset,
				body.BodyExtent.DiskByteNr, uint64(body.BodyExtent.Offset), uint64(body.BodyExtent.NumBytes))
		},
	})
}

// Run performs the full check: extent reconciliation, then one
// fs-tree cross-check pass per subvolume (sharing a single
// sharedwalk.Walker via fscheck.Checker, so blocks shared between a
// subvolume and its snapshot are only scanned once), wired to the
// reconciler's declared refcounts.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	reconciler := extentcheck.NewReconciler(c.Forrest)
	if err := reconciler.Run(ctx); err != nil {
		return nil, fmt.Errorf("btrfsinspect: extent reconciliation: %w", err)
	}

	subvols, err := c.listSubvolumes(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]btrfsprim.ObjID, 0, len(subvols))
	for id := range subvols {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	checker := fscheck.NewChecker(c.Forrest, reconciler.Refcount)
	report := &Report{}
	for _, id := range ids {
		rootItem := subvols[id]
		rootDropped := rootItem != nil && rootItem.Refs == 0

		tree, err := c.Forrest.ForrestLookup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("btrfsinspect: looking up subvolume %v: %w", id, err)
		}
		observeSubvolume(ctx, tree, id, reconciler)

		cache, err := checker.CheckSubvolume(ctx, id, rootDropped)
		if err != nil {
			return nil, fmt.Errorf("btrfsinspect: checking subvolume %v: %w", id, err)
		}
		report.Subvolumes = append(report.Subvolumes, SubvolumeReport{TreeID: id, Cache: cache})
	}

	report.ExtentRecs = reconciler.Records()
	sort.Slice(report.ExtentRecs, func(i, j int) bool { return report.ExtentRecs[i].Start < report.ExtentRecs[j].Start })
	report.CorruptNodes = reconciler.CorruptBlocks()

	return report, nil
}
