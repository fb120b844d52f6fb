// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package extentcheck is the extent reference reconciler: it walks
// the extent tree (and the backref-bearing inline and standalone ref
// items within it) to build one ExtentRecord per allocated extent,
// tallying the references a tree scan actually finds against the
// refcount the extent tree declares, and flags records where those
// two disagree.
package extentcheck

import (
	"fmt"

	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsprim"
	"git.lukeshu.com/btrfs-progs-ng/lib/btrfs/btrfsvol"
)

// BackrefKind distinguishes a tree backref (a reference to a metadata
// block from its parent/owning-root) from a data backref (a
// reference to a file-data extent from an inode's file-extent item).
type BackrefKind int

const (
	BackrefTree BackrefKind = iota
	BackrefData
)

// BackrefKey identifies one backref slot on an ExtentRecord. Which
// fields are meaningful depends on Kind and FullBackref: a full
// tree/data backref is keyed by Parent (the referencing block's
// address); otherwise a tree backref is keyed by Root, and a data
// backref by (Root, Owner, Offset).
type BackrefKey struct {
	Kind   BackrefKind
	Parent btrfsvol.LogicalAddr
	Root   btrfsprim.ObjID
	Owner  btrfsprim.ObjID
	Offset uint64
}

// Backref is one reference to an extent, reconciled between what the
// extent tree declares (FoundExtentTree, NumRefs) and what a scan of
// the referencing trees actually found (FoundRef/FoundCount).
type Backref struct {
	Key BackrefKey

	FoundExtentTree bool // declared in the extent tree (inline or standalone)
	NumRefs         int32

	FoundRef   bool // actually reached by a tree-block or file-extent scan
	FoundCount int32
	Bytes      uint64

	FullBackref bool
	LegacyV0    bool
}

// satisfied reports whether this backref passes the "Backpointer
// reconciliation" checks in isolation (not the record-wide refs sum).
func (b *Backref) satisfied() bool {
	if !b.FoundExtentTree {
		return false
	}
	if b.Key.Kind == BackrefTree {
		return b.FoundRef
	}
	return b.FoundCount == b.NumRefs && b.FoundRef
}

// weight is the backref's contribution to ExtentRecord.Refs: 1 for a
// tree backref that was found, found_ref for a data backref.
func (b *Backref) weight() int64 {
	if b.Key.Kind == BackrefTree {
		if b.FoundRef {
			return 1
		}
		return 0
	}
	return int64(b.FoundCount)
}

// ExtentRecord is one allocated on-disk extent, identified by its
// starting logical address.
type ExtentRecord struct {
	Start uint64
	Nr    uint64 // accounting length, from the extent-item key's offset
	MaxSize uint64

	ExtentItemRefs int64 // declared in the extent-tree entry
	Generation     btrfsprim.Generation
	Metadata       bool
	IsRoot         bool

	ContentChecked  bool
	OwnerRefChecked bool

	DataBytesAllocated  uint64
	DataBytesReferenced uint64

	Backrefs map[BackrefKey]*Backref
}

func newExtentRecord(start uint64) *ExtentRecord {
	return &ExtentRecord{Start: start, Backrefs: make(map[BackrefKey]*Backref)}
}

func (r *ExtentRecord) backref(key BackrefKey) *Backref {
	bref, ok := r.Backrefs[key]
	if !ok {
		bref = &Backref{Key: key}
		r.Backrefs[key] = bref
	}
	return bref
}

// Refs is the sum over backrefs of their weight, per the "refs equals
// the sum over backrefs of 1 (tree) or found_ref (data)" invariant.
func (r *ExtentRecord) Refs() int64 {
	var sum int64
	for _, bref := range r.Backrefs {
		sum += bref.weight()
	}
	return sum
}

// AllBackpointersChecked implements "Backpointer reconciliation":
// every backref individually satisfied, and the weighted sum matches
// the extent tree's declared refcount.
func (r *ExtentRecord) AllBackpointersChecked() bool {
	if r.Refs() != r.ExtentItemRefs {
		return false
	}
	for _, bref := range r.Backrefs {
		if !bref.satisfied() {
			return false
		}
	}
	return true
}

// Complete implements the "Completion test": a record satisfied on
// every axis can be freed.
func (r *ExtentRecord) Complete() bool {
	return r.ContentChecked && r.OwnerRefChecked &&
		r.ExtentItemRefs == r.Refs() && r.Refs() > 0 &&
		r.AllBackpointersChecked()
}

// Diagnose returns a human-readable description of every way this
// record fails to reconcile, or nil if it is Complete.
func (r *ExtentRecord) Diagnose() []string {
	if r.Complete() {
		return nil
	}
	var problems []string
	if r.ExtentItemRefs != r.Refs() {
		problems = append(problems, fmt.Sprintf("extent %v: declared refs %d != found refs %d",
			r.Start, r.ExtentItemRefs, r.Refs()))
	}
	for key, bref := range r.Backrefs {
		switch {
		case !bref.FoundExtentTree:
			problems = append(problems, fmt.Sprintf("extent %v: backref %+v not found in extent tree", r.Start, key))
		case key.Kind == BackrefTree && !bref.FoundRef:
			problems = append(problems, fmt.Sprintf("extent %v: tree block referenced but not reached by scan", r.Start))
		case key.Kind == BackrefData && bref.FoundCount != bref.NumRefs:
			problems = append(problems, fmt.Sprintf("extent %v: data backref %+v count %d != declared %d",
				r.Start, key, bref.FoundCount, bref.NumRefs))
		}
	}
	return problems
}
