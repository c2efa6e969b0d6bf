// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

// testRoot is a minimal ParentLink holding a root ref, standing in for the
// column layer.
type testRoot struct {
	ref Ref
}

func (r *testRoot) ChildRef(ndx int) Ref             { return r.ref }
func (r *testRoot) SetChildRef(ndx int, ref Ref) error { r.ref = ref; return nil }

func newIntArray(t *testing.T, alloc Allocator) *Array {
	t.Helper()
	a := NewArray(alloc)
	require.NoError(t, a.Create(TypeNormal, false))
	return a
}

// TestWidthPromotionLadder walks the canonical promotion sequence. 128 does
// not fit the signed 8-bit encoding, so it promotes to 16 bits; -1 fits any
// signed width and leaves the width alone.
func TestWidthPromotionLadder(t *testing.T) {
	alloc := NewSlabAlloc()
	a := newIntArray(t, alloc)

	steps := []struct {
		add   int64
		width uint8
	}{
		{1, 1},
		{3, 2},
		{127, 8},
		{128, 16},
		{-1, 16},
		{70000, 32},
	}
	var added []int64
	for _, step := range steps {
		require.NoError(t, a.Add(step.add))
		added = append(added, step.add)
		require.Equal(t, step.width, a.Width(), "after add(%d)", step.add)
		for i, want := range added {
			require.Equal(t, want, a.Get(i), "element %d after add(%d)", i, step.add)
		}
	}
}

func TestBitWidth(t *testing.T) {
	cases := []struct {
		v int64
		w uint8
	}{
		{0, 0}, {1, 1}, {2, 2}, {3, 2}, {4, 4}, {15, 4},
		{16, 8}, {127, 8}, {-1, 8}, {-128, 8},
		{128, 16}, {-129, 16}, {32767, 16},
		{32768, 32}, {-32769, 32}, {1 << 31, 64}, {-(1 << 31) - 1, 64},
	}
	for _, c := range cases {
		require.Equal(t, c.w, bitWidth(c.v), "bitWidth(%d)", c.v)
	}
}

func TestSetGetRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alloc := NewSlabAlloc()
	a := newIntArray(t, alloc)

	var model []int64
	magnitudes := []int64{1, 3, 15, 100, 30000, 1 << 40}
	for i := 0; i < 500; i++ {
		mag := magnitudes[rng.Intn(len(magnitudes))]
		v := rng.Int63n(2*mag+1) - mag
		if len(model) == 0 || rng.Intn(3) == 0 {
			ndx := rng.Intn(len(model) + 1)
			require.NoError(t, a.Insert(ndx, v))
			model = append(model, 0)
			copy(model[ndx+1:], model[ndx:])
			model[ndx] = v
		} else {
			ndx := rng.Intn(len(model))
			require.NoError(t, a.Set(ndx, v))
			model[ndx] = v
		}
	}
	require.Equal(t, len(model), a.Size())
	for i, want := range model {
		require.Equal(t, want, a.Get(i), "element %d", i)
	}
}

func TestInsertShiftsTail(t *testing.T) {
	alloc := NewSlabAlloc()
	a := newIntArray(t, alloc)
	for _, v := range []int64{10, 20, 30, 40} {
		require.NoError(t, a.Add(v))
	}
	require.NoError(t, a.Insert(2, 25))
	require.Equal(t, 5, a.Size())
	want := []int64{10, 20, 25, 30, 40}
	for i, w := range want {
		require.Equal(t, w, a.Get(i))
	}
}

func TestEraseShiftsTail(t *testing.T) {
	alloc := NewSlabAlloc()

	// Exercise both the sub-byte and the byte-sized shift paths.
	for _, wide := range []bool{false, true} {
		a := newIntArray(t, alloc)
		vals := []int64{1, 0, 1, 1, 0, 1}
		if wide {
			vals = []int64{100, 200, 300, 400, 500, 600}
		}
		for _, v := range vals {
			require.NoError(t, a.Add(v))
		}
		require.NoError(t, a.Erase(1))
		require.Equal(t, len(vals)-1, a.Size())
		for i := 0; i < a.Size(); i++ {
			want := vals[i]
			if i >= 1 {
				want = vals[i+1]
			}
			require.Equal(t, want, a.Get(i))
		}
		a.DestroyDeep()
	}
}

func TestTruncateToZeroResetsWidth(t *testing.T) {
	alloc := NewSlabAlloc()
	a := newIntArray(t, alloc)
	require.NoError(t, a.Add(1000))
	require.Equal(t, uint8(16), a.Width())

	// Partial truncation keeps the promoted width.
	require.NoError(t, a.Add(2000))
	require.NoError(t, a.Truncate(1))
	require.Equal(t, uint8(16), a.Width())

	require.NoError(t, a.Truncate(0))
	require.Equal(t, uint8(0), a.Width())
	require.Equal(t, 0, a.Size())

	require.NoError(t, a.Add(5))
	require.Equal(t, int64(5), a.Get(0))
}

func TestGetChunk(t *testing.T) {
	alloc := NewSlabAlloc()
	for _, count := range []int{5, 40} {
		for _, mag := range []int64{1, 3, 15, 100, 100000} {
			a := newIntArray(t, alloc)
			var model []int64
			for i := 0; i < count; i++ {
				v := int64(i) % (mag + 1)
				require.NoError(t, a.Add(v))
				model = append(model, v)
			}
			for ndx := 0; ndx < count; ndx++ {
				var res [8]int64
				a.GetChunk(ndx, &res)
				for j := 0; j < 8; j++ {
					want := int64(0)
					if ndx+j < count {
						want = model[ndx+j]
					}
					require.Equal(t, want, res[j], "count=%d mag=%d ndx=%d j=%d", count, mag, ndx, j)
				}
			}
			a.DestroyDeep()
		}
	}
}

func TestMoveRotate(t *testing.T) {
	alloc := NewSlabAlloc()
	for _, mag := range []int64{3, 1000} {
		a := newIntArray(t, alloc)
		model := make([]int64, 10)
		for i := range model {
			model[i] = int64(i) % (mag + 1)
			require.NoError(t, a.Add(model[i]))
		}

		// Rotate three elements from position 1 to position 6.
		require.NoError(t, a.MoveRotate(1, 6, 3))
		moved := append([]int64(nil), model[1:4]...)
		copy(model[1:6], model[4:9])
		copy(model[6:9], moved)

		for i, want := range model {
			require.Equal(t, want, a.Get(i), "mag=%d elem %d", mag, i)
		}
		a.DestroyDeep()
	}
}

func TestAdjustGE(t *testing.T) {
	alloc := NewSlabAlloc()
	a := newIntArray(t, alloc)
	for _, v := range []int64{1, 2, 3, 1, 2, 3} {
		require.NoError(t, a.Add(v))
	}

	// The +100 promotes the width mid-scan; earlier adjustments must stay
	// applied and the scan continue from the triggering element.
	require.NoError(t, a.AdjustGE(2, 100))
	want := []int64{1, 102, 103, 1, 102, 103}
	for i, w := range want {
		require.Equal(t, w, a.Get(i))
	}

	// A second pass promoting all the way to 32 bits.
	require.NoError(t, a.AdjustGE(102, 100000))
	want = []int64{1, 100102, 100103, 1, 100102, 100103}
	for i, w := range want {
		require.Equal(t, w, a.Get(i))
	}
}

func TestCopyOnWriteRedirectsParent(t *testing.T) {
	buf := makeFileBuffer(makeIntNodeBytes(1, 2, 3))
	alloc := NewSlabAlloc()
	require.NoError(t, alloc.AttachBuffer(buf, false))

	root := &testRoot{ref: Ref(24)}
	a := NewArray(alloc)
	a.InitFromRef(root.ref)
	a.SetParent(root, 0)
	require.True(t, alloc.IsReadOnly(a.Ref()))

	require.NoError(t, a.Set(0, 9))

	require.Equal(t, int64(9), a.Get(0))
	require.Equal(t, int64(2), a.Get(1))
	require.Equal(t, int64(3), a.Get(2))
	require.False(t, alloc.IsReadOnly(a.Ref()), "node still read-only after a write")
	require.Equal(t, a.Ref(), root.ref, "parent slot not redirected")

	// The read-only original is tracked for reclamation at the next commit.
	blocks, err := alloc.freeReadOnlyBlocks()
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, int64(24), blocks[0].ref)
}

// makeRefNodeBytes encodes a has-refs node at width 8 whose slots are the
// given raw values.
func makeRefNodeBytes(slots ...int64) []byte {
	payload := (len(slots) + 7) &^ 7
	node := make([]byte, headerSize+payload)
	initHeader(node, false, true, false, wtypeBits, 8, len(slots), 0)
	for i, v := range slots {
		node[headerSize+i] = byte(v)
	}
	return node
}

func TestCopyOnWritePropagatesThroughChain(t *testing.T) {
	// Child node at ref 24, parent (has-refs) right after it, pointing at
	// the child.
	child := makeIntNodeBytes(5, 6)
	childRef := int64(24)
	parentRef := childRef + int64(len(child))
	parent := makeRefNodeBytes(childRef)
	buf := makeFileBuffer(append(child, parent...))

	alloc := NewSlabAlloc()
	require.NoError(t, alloc.AttachBuffer(buf, false))

	root := &testRoot{ref: Ref(parentRef)}
	parentArr := NewArray(alloc)
	parentArr.InitFromRef(root.ref)
	parentArr.SetParent(root, 0)

	childArr := NewArray(alloc)
	childArr.InitFromRef(parentArr.GetAsRef(0))
	childArr.SetParent(parentArr, 0)

	require.NoError(t, childArr.Set(1, 99))

	require.Equal(t, int64(99), childArr.Get(1))
	require.False(t, alloc.IsReadOnly(childArr.Ref()))
	require.False(t, alloc.IsReadOnly(parentArr.Ref()))
	require.Equal(t, childArr.Ref(), parentArr.GetAsRef(0))
	require.Equal(t, parentArr.Ref(), root.ref)
}

func TestRefTaggedDisambiguation(t *testing.T) {
	alloc := NewSlabAlloc()

	child := newIntArray(t, alloc)
	require.NoError(t, child.Add(42))

	parent := NewArray(alloc)
	require.NoError(t, parent.Create(TypeHasRefs, false))
	require.NoError(t, parent.Add(0))
	require.NoError(t, parent.Add(intToTagged(5)))
	require.NoError(t, parent.Add(slotFromRef(child.Ref())))

	require.Equal(t, int64(11), parent.Get(1))
	require.Equal(t, int64(5), taggedToInt(parent.Get(1)))

	// Clone follows only the real ref; the null and the tagged integer are
	// copied verbatim.
	target := NewSlabAlloc()
	cloneMem, err := Clone(parent.Mem(), alloc, target)
	require.NoError(t, err)

	cloned := NewArray(target)
	cloned.InitFromMem(cloneMem)
	require.Equal(t, int64(0), cloned.Get(0))
	require.Equal(t, int64(11), cloned.Get(1))
	clonedChildRef := refFromSlot(cloned.Get(2))
	require.NotZero(t, clonedChildRef)
	require.NotEqual(t, child.Ref(), clonedChildRef)

	clonedChild := NewArray(target)
	clonedChild.InitFromRef(clonedChildRef)
	require.Equal(t, int64(42), clonedChild.Get(0))

	// Deep destroy likewise skips the non-refs and follows the child.
	parent.DestroyDeep()
	cloned.DestroyDeep()
}

func TestSliceEqualsDeepCopy(t *testing.T) {
	alloc := NewSlabAlloc()
	a := newIntArray(t, alloc)
	vals := []int64{5, -3, 70000, 0, 127}
	for _, v := range vals {
		require.NoError(t, a.Add(v))
	}

	target := NewSlabAlloc()
	mem, err := a.Slice(0, a.Size(), target)
	require.NoError(t, err)

	s := NewArray(target)
	s.InitFromMem(mem)
	require.Equal(t, len(vals), s.Size())
	for i, v := range vals {
		require.Equal(t, v, s.Get(i))
	}

	// A middle slice.
	mem2, err := a.Slice(1, 3, target)
	require.NoError(t, err)
	s2 := NewArray(target)
	s2.InitFromMem(mem2)
	require.Equal(t, 3, s2.Size())
	for i := 0; i < 3; i++ {
		require.Equal(t, vals[1+i], s2.Get(i))
	}
}

func TestCloneIdempotent(t *testing.T) {
	alloc := NewSlabAlloc()

	child := newIntArray(t, alloc)
	require.NoError(t, child.Add(7))
	parent := NewArray(alloc)
	require.NoError(t, parent.Create(TypeHasRefs, false))
	require.NoError(t, parent.Add(slotFromRef(child.Ref())))
	require.NoError(t, parent.Add(intToTagged(-9)))

	target := NewSlabAlloc()
	c1, err := Clone(parent.Mem(), alloc, target)
	require.NoError(t, err)
	c2, err := Clone(c1, target, target)
	require.NoError(t, err)

	// Structural equality: same sizes, same non-ref values, and the ref
	// children hold the same contents.
	a1, a2 := NewArray(target), NewArray(target)
	a1.InitFromMem(c1)
	a2.InitFromMem(c2)
	require.Equal(t, a1.Size(), a2.Size())
	require.Equal(t, a1.Get(1), a2.Get(1))
	ch1, ch2 := NewArray(target), NewArray(target)
	ch1.InitFromRef(refFromSlot(a1.Get(0)))
	ch2.InitFromRef(refFromSlot(a2.Get(0)))
	require.Equal(t, ch1.Size(), ch2.Size())
	require.Equal(t, ch1.Get(0), ch2.Get(0))
}

func TestTruncateAndDestroyChildren(t *testing.T) {
	alloc := NewSlabAlloc()

	mkChild := func() Ref {
		c := newIntArray(t, alloc)
		require.NoError(t, c.Add(1))
		return c.Ref()
	}
	parent := NewArray(alloc)
	require.NoError(t, parent.Create(TypeHasRefs, false))
	require.NoError(t, parent.Add(slotFromRef(mkChild())))
	require.NoError(t, parent.Add(intToTagged(3)))
	require.NoError(t, parent.Add(slotFromRef(mkChild())))

	require.NoError(t, parent.TruncateAndDestroyChildren(1))
	require.Equal(t, 1, parent.Size())

	// The surviving child is still intact.
	c := NewArray(alloc)
	c.InitFromRef(parent.GetAsRef(0))
	require.Equal(t, int64(1), c.Get(0))
}

func TestCreateNodeWithFill(t *testing.T) {
	alloc := NewSlabAlloc()
	mem, err := CreateNode(TypeNormal, false, wtypeBits, 5, 3, alloc)
	require.NoError(t, err)

	a := NewArray(alloc)
	a.InitFromMem(mem)
	require.Equal(t, 5, a.Size())
	require.Equal(t, uint8(2), a.Width())
	for i := 0; i < 5; i++ {
		require.Equal(t, int64(3), a.Get(i))
	}
}

func TestPreset(t *testing.T) {
	alloc := NewSlabAlloc()
	a := newIntArray(t, alloc)
	require.NoError(t, a.Add(70000))

	require.NoError(t, a.PresetMinMax(-100, 100, 6))
	require.Equal(t, 6, a.Size())
	require.Equal(t, uint8(8), a.Width())
	for i := 0; i < 6; i++ {
		require.Equal(t, int64(0), a.Get(i))
	}
	require.NoError(t, a.Set(2, -100))
	require.Equal(t, int64(-100), a.Get(2))
}

func TestEnsureMinimumWidthKeepsValues(t *testing.T) {
	alloc := NewSlabAlloc()
	a := newIntArray(t, alloc)
	for _, v := range []int64{1, 0, 1, 1} {
		require.NoError(t, a.Add(v))
	}
	require.Equal(t, uint8(1), a.Width())

	require.NoError(t, a.EnsureMinimumWidth(1000))
	require.Equal(t, uint8(16), a.Width())
	for i, v := range []int64{1, 0, 1, 1} {
		require.Equal(t, v, a.Get(i))
	}
}
