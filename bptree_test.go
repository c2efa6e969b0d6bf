// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

const testMaxLeaf = 4

func newIntTree(t *testing.T, alloc Allocator) (*Array, *testRoot) {
	t.Helper()
	holder := &testRoot{}
	root := NewArray(alloc)
	require.NoError(t, root.Create(TypeNormal, false))
	holder.ref = root.Ref()
	root.SetParent(holder, 0)
	return root, holder
}

// treeFlatten reads the whole tree through descent.
func treeFlatten(root *Array) []int64 {
	n := BptreeTotalSize(root)
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = BptreeGet(root, i)
	}
	return out
}

func verifyTree(t *testing.T, root *Array) {
	t.Helper()
	if root.IsInnerBptreeNode() {
		depth, elems := root.verifyBptree(testMaxLeaf)
		require.Greater(t, depth, 0)
		require.Equal(t, root.BptreeSize(), elems)
	}
}

func TestBptreeSplitCascade(t *testing.T) {
	alloc := NewSlabAlloc()
	root, holder := newIntTree(t, alloc)

	for i := int64(1); i <= 17; i++ {
		require.NoError(t, BptreeInsert(root, npos, i, testMaxLeaf))
		verifyTree(t, root)

		switch i {
		case 5:
			// The first split introduced an inner root over two leaves of
			// sizes 4 and 1.
			require.True(t, root.IsInnerBptreeNode())
			require.Equal(t, 4, root.Size()) // form header, 2 children, total
			require.Equal(t, 5, root.BptreeSize())
			require.Equal(t, int64(2*4+1), root.Get(0), "root not compact with elems-per-child 4")

			leaf0 := NewArray(alloc)
			leaf0.InitFromRef(root.GetAsRef(1))
			require.Equal(t, 4, leaf0.Size())
			leaf1 := NewArray(alloc)
			leaf1.InitFromRef(root.GetAsRef(2))
			require.Equal(t, 1, leaf1.Size())
		case 17:
			depth, elems := root.verifyBptree(testMaxLeaf)
			require.Equal(t, 2, depth)
			require.Equal(t, 17, elems)
			require.Equal(t, int64(2*16+1), root.Get(0))
		}
	}

	require.Equal(t, root.Ref(), holder.ref)
	for i := 0; i < 17; i++ {
		require.Equal(t, int64(i+1), BptreeGet(root, i))
	}
}

func TestBptreeDescentMatchesFlatten(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	alloc := NewSlabAlloc()
	root, _ := newIntTree(t, alloc)

	var model []int64
	for i := 0; i < 300; i++ {
		v := rng.Int63n(100000)
		ndx := rng.Intn(len(model) + 1)
		require.NoError(t, BptreeInsert(root, ndx, v, testMaxLeaf))
		model = append(model, 0)
		copy(model[ndx+1:], model[ndx:])
		model[ndx] = v
		if i%25 == 0 {
			verifyTree(t, root)
			require.Equal(t, model, treeFlatten(root))
		}
	}
	verifyTree(t, root)
	require.Equal(t, model, treeFlatten(root))
}

func TestBptreeNonAppendInsertConvertsToGeneralForm(t *testing.T) {
	alloc := NewSlabAlloc()
	root, _ := newIntTree(t, alloc)

	for i := int64(0); i < 8; i++ {
		require.NoError(t, BptreeInsert(root, npos, i, testMaxLeaf))
	}
	require.True(t, root.IsInnerBptreeNode())
	require.NotZero(t, root.Get(0)%2, "append-only tree should be compact")

	require.NoError(t, BptreeInsert(root, 2, 100, testMaxLeaf))
	require.Zero(t, root.Get(0)%2, "non-append insert must convert the root to general form")
	verifyTree(t, root)
	require.Equal(t, []int64{0, 1, 100, 2, 3, 4, 5, 6, 7}, treeFlatten(root))
}

func TestBptreeEraseToEmpty(t *testing.T) {
	alloc := NewSlabAlloc()
	root, _ := newIntTree(t, alloc)

	const n = 100
	for i := int64(0); i < n; i++ {
		require.NoError(t, BptreeInsert(root, npos, i, testMaxLeaf))
	}
	verifyTree(t, root)

	for i := 0; i < n; i++ {
		require.NoError(t, BptreeErase(root, 0))
		verifyTree(t, root)
		require.Equal(t, n-1-i, BptreeTotalSize(root))
	}

	require.False(t, root.IsInnerBptreeNode(), "empty tree root must be a leaf")
	require.Equal(t, 0, root.Size())
}

func TestBptreeEraseFromBack(t *testing.T) {
	alloc := NewSlabAlloc()
	root, _ := newIntTree(t, alloc)

	const n = 50
	for i := int64(0); i < n; i++ {
		require.NoError(t, BptreeInsert(root, npos, i, testMaxLeaf))
	}
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, BptreeErase(root, i))
		verifyTree(t, root)
		require.Equal(t, i, BptreeTotalSize(root))
	}
	require.False(t, root.IsInnerBptreeNode())
}

func TestBptreeRandomInsertErase(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	alloc := NewSlabAlloc()
	root, _ := newIntTree(t, alloc)

	var model []int64
	for step := 0; step < 600; step++ {
		if len(model) == 0 || rng.Intn(3) != 0 {
			v := rng.Int63n(1 << 20)
			ndx := rng.Intn(len(model) + 1)
			require.NoError(t, BptreeInsert(root, ndx, v, testMaxLeaf))
			model = append(model, 0)
			copy(model[ndx+1:], model[ndx:])
			model[ndx] = v
		} else {
			ndx := rng.Intn(len(model))
			require.NoError(t, BptreeErase(root, ndx))
			model = append(model[:ndx], model[ndx+1:]...)
		}
		if step%50 == 0 {
			verifyTree(t, root)
			require.Equal(t, model, treeFlatten(root))
		}
	}
	verifyTree(t, root)
	require.Equal(t, model, treeFlatten(root))
}

type collectVisitHandler struct {
	offsets []int
	sizes   []int
	limit   int
}

func (h *collectVisitHandler) Visit(info NodeInfo) (bool, error) {
	h.offsets = append(h.offsets, info.Offset)
	h.sizes = append(h.sizes, info.Size)
	return h.limit == 0 || len(h.sizes) < h.limit, nil
}

func TestVisitBptreeLeaves(t *testing.T) {
	alloc := NewSlabAlloc()
	root, _ := newIntTree(t, alloc)

	const n = 37
	for i := int64(0); i < n; i++ {
		require.NoError(t, BptreeInsert(root, npos, i, testMaxLeaf))
	}

	h := &collectVisitHandler{}
	all, err := root.VisitBptreeLeaves(0, n, h)
	require.NoError(t, err)
	require.True(t, all)

	// The visited leaves tile the element range exactly.
	next := 0
	for i := range h.offsets {
		require.Equal(t, next, h.offsets[i])
		require.Positive(t, h.sizes[i])
		next += h.sizes[i]
	}
	require.Equal(t, n, next)

	// Starting mid-tree skips the earlier leaves.
	h2 := &collectVisitHandler{}
	_, err = root.VisitBptreeLeaves(17, n, h2)
	require.NoError(t, err)
	require.LessOrEqual(t, h2.offsets[0], 17)
	require.Greater(t, h2.offsets[0]+h2.sizes[0], 17)

	// Early termination.
	h3 := &collectVisitHandler{limit: 2}
	all, err = root.VisitBptreeLeaves(0, n, h3)
	require.NoError(t, err)
	require.False(t, all)
	require.Len(t, h3.sizes, 2)
}

type setUpdateHandler struct {
	alloc Allocator
	value int64
}

func (h *setUpdateHandler) Update(mem MemRef, parent *Array, ndxInParent, elemNdxInLeaf int) error {
	leaf := NewArray(h.alloc)
	leaf.InitFromMem(mem)
	leaf.SetParent(parent, ndxInParent)
	return leaf.Set(elemNdxInLeaf, h.value)
}

func TestUpdateBptreeElem(t *testing.T) {
	alloc := NewSlabAlloc()
	root, _ := newIntTree(t, alloc)

	const n = 29
	for i := int64(0); i < n; i++ {
		require.NoError(t, BptreeInsert(root, npos, i, testMaxLeaf))
	}

	for _, k := range []int{0, 3, 16, n - 1} {
		h := &setUpdateHandler{alloc: alloc, value: int64(1000 + k)}
		require.NoError(t, root.UpdateBptreeElem(k, h))
		require.Equal(t, int64(1000+k), BptreeGet(root, k))
	}
	verifyTree(t, root)
}

func TestBptreeSingleElementTree(t *testing.T) {
	alloc := NewSlabAlloc()
	root, _ := newIntTree(t, alloc)

	require.NoError(t, BptreeInsert(root, npos, 7, testMaxLeaf))
	require.False(t, root.IsInnerBptreeNode())
	require.Equal(t, int64(7), BptreeGet(root, 0))

	require.NoError(t, BptreeErase(root, 0))
	require.Equal(t, 0, root.Size())
}
