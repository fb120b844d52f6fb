// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package errcode_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/errcode"
)

func TestWrapIsAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("checksum mismatch at block 5")
	err := errcode.Wrap(errcode.KindIoBadBlock, cause)

	require.True(t, errors.Is(err, errcode.KindIoBadBlock))
	require.False(t, errors.Is(err, errcode.KindStructuralInvalid))
	require.Equal(t, cause, errors.Unwrap(err))
}

func TestWrapNilCauseReturnsKindItself(t *testing.T) {
	err := errcode.Wrap(errcode.KindNoSpace, nil)
	require.Same(t, errcode.KindNoSpace, err)
	require.True(t, errors.Is(err, errcode.KindNoSpace))
}

func TestKindsAreDistinct(t *testing.T) {
	kinds := []*errcode.Kind{
		errcode.KindIoBadBlock,
		errcode.KindStructuralInvalid,
		errcode.KindReferenceMismatch,
		errcode.KindOwnershipMismatch,
		errcode.KindInodeInconsistency,
		errcode.KindBackrefInconsistency,
		errcode.KindRootUnreachable,
		errcode.KindNoSpace,
	}
	for i, a := range kinds {
		for j, b := range kinds {
			if i == j {
				continue
			}
			require.NotErrorIs(t, error(a), b)
		}
	}
}

func TestProgrammerInvariantPanics(t *testing.T) {
	require.Panics(t, func() {
		errcode.ProgrammerInvariant("unreachable branch")
	})
}
