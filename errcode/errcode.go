// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package errcode declares the closed set of error kinds that the
// filesystem, extent, and shared-subtree checkers classify every
// reported problem under. Callers compare with errors.Is against the
// sentinel Kind values below; a Kind is never constructed ad hoc.
package errcode

import "io/fs"

// Kind is one of the error kinds a checker pass can report. A Kind
// carries only its name; Wrap attaches an underlying cause to it so
// that errors.Is(err, KindIoBadBlock) works the same way
// errors.Is(err, io/fs.ErrNotExist) works against wrapped stdlib errors.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

// Is makes a bare KindIoBadBlock match io/fs.ErrNotExist, whatever
// caused it; no other Kind matches it. An error built by Wrap matches
// io/fs.ErrNotExist only through its cause.
func (k *Kind) Is(target error) bool {
	if target == fs.ErrNotExist {
		return k == KindIoBadBlock
	}
	return false
}

var (
	// KindIoBadBlock: a tree block failed to read, or its checksum
	// mismatched.
	KindIoBadBlock = &Kind{"io error reading block"}
	// KindStructuralInvalid: an in-block invariant was violated
	// (item ordering, tiling, level mismatch).
	KindStructuralInvalid = &Kind{"structural invariant violated"}
	// KindReferenceMismatch: declared vs. found refcount, or backref
	// set, differ.
	KindReferenceMismatch = &Kind{"reference count mismatch"}
	// KindOwnershipMismatch: owner-ref verification failed.
	KindOwnershipMismatch = &Kind{"ownership mismatch"}
	// KindInodeInconsistency: any I_ERR_* bit is set on an inode
	// record.
	KindInodeInconsistency = &Kind{"inode inconsistency"}
	// KindBackrefInconsistency: any REF_ERR_* bit is set on a
	// backref record.
	KindBackrefInconsistency = &Kind{"backref inconsistency"}
	// KindRootUnreachable: a subvolume root is not backreferenced
	// and is not an orphan.
	KindRootUnreachable = &Kind{"root unreachable"}
	// KindNoSpace: a tree mutation could not allocate space.
	KindNoSpace = &Kind{"no space"}
)

// Wrap attaches kind to cause so that errors.Is(result, kind) and
// errors.Unwrap(result) == cause both hold. cause may be nil, in which
// case Wrap returns kind itself.
func Wrap(kind *Kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &wrapped{kind: kind, cause: cause}
}

type wrapped struct {
	kind  *Kind
	cause error
}

func (w *wrapped) Error() string { return w.kind.name + ": " + w.cause.Error() }
func (w *wrapped) Unwrap() error { return w.cause }
func (w *wrapped) Is(target error) bool {
	if k, ok := target.(*Kind); ok {
		return k == w.kind
	}
	return false
}

// ProgrammerInvariant panics; per the error handling design it is
// never returned as a value. msg should name the invariant that was
// violated.
func ProgrammerInvariant(msg string) {
	panic("programmer invariant violated: " + msg)
}
