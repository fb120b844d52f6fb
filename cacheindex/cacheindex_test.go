// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cacheindex_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/btrfs-progs-ng/cacheindex"
)

type blockRec struct {
	Bytenr uint64
	Size   uint64
}

func (r blockRec) CacheKey() (uint64, uint64) { return r.Bytenr, r.Size }

func TestInsertUniqueRejectsOverlap(t *testing.T) {
	var tree cacheindex.Tree[blockRec]
	require.NoError(t, tree.InsertUnique(blockRec{Bytenr: 100, Size: 50}))
	require.Error(t, tree.InsertUnique(blockRec{Bytenr: 120, Size: 10}))
	require.NoError(t, tree.InsertUnique(blockRec{Bytenr: 150, Size: 10}))
}

func TestFindAndFindFirst(t *testing.T) {
	var tree cacheindex.Tree[blockRec]
	require.NoError(t, tree.InsertUnique(blockRec{Bytenr: 0, Size: 100}))
	require.NoError(t, tree.InsertUnique(blockRec{Bytenr: 200, Size: 100}))
	require.NoError(t, tree.InsertUnique(blockRec{Bytenr: 400, Size: 100}))

	got, ok := tree.Find(50, 1)
	require.True(t, ok)
	require.Equal(t, uint64(0), got.Bytenr)

	got, ok = tree.FindFirst(150)
	require.True(t, ok, "should find the next entry past a gap")
	require.Equal(t, uint64(200), got.Bytenr)

	_, ok = tree.Find(450, 1000)
	require.True(t, ok)

	first, ok := tree.FindFirst(0)
	require.True(t, ok)
	require.Equal(t, uint64(0), first.Bytenr)

	second, ok := tree.Next(first)
	require.True(t, ok)
	require.Equal(t, uint64(200), second.Bytenr)

	third, ok := tree.Next(second)
	require.True(t, ok)
	require.Equal(t, uint64(400), third.Bytenr)

	_, ok = tree.Next(third)
	require.False(t, ok)
}

func TestRemove(t *testing.T) {
	var tree cacheindex.Tree[blockRec]
	rec := blockRec{Bytenr: 10, Size: 10}
	require.NoError(t, tree.InsertUnique(rec))
	tree.Remove(rec)
	_, ok := tree.Find(10, 10)
	require.False(t, ok)
	require.Empty(t, tree.All())
}

func TestAllReturnsKeyOrder(t *testing.T) {
	var tree cacheindex.Tree[blockRec]
	require.NoError(t, tree.InsertUnique(blockRec{Bytenr: 300, Size: 10}))
	require.NoError(t, tree.InsertUnique(blockRec{Bytenr: 10, Size: 10}))
	require.NoError(t, tree.InsertUnique(blockRec{Bytenr: 100, Size: 10}))

	all := tree.All()
	require.Len(t, all, 3)
	require.Equal(t, uint64(10), all[0].Bytenr)
	require.Equal(t, uint64(100), all[1].Bytenr)
	require.Equal(t, uint64(300), all[2].Bytenr)
}
