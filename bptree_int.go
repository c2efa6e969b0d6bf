// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

// The helpers below close the tree protocol over the engine's own integer
// leaves. Column implementations with richer leaf types (strings, blobs)
// plug in their own handlers instead.

// BptreeGet reads the element at global index ndx of the tree rooted at
// root. A leaf root is read directly.
func BptreeGet(root *Array, ndx int) int64 {
	if !root.IsInnerBptreeNode() {
		return root.Get(ndx)
	}
	leaf, ndxInLeaf := root.GetBptreeLeaf(ndx)
	return getFromHeader(leaf.Addr, ndxInLeaf)
}

// BptreeTotalSize returns the element count of the tree rooted at root,
// which may be a lone leaf.
func BptreeTotalSize(root *Array) int {
	if !root.IsInnerBptreeNode() {
		return root.Size()
	}
	return root.BptreeSize()
}

// intEraseHandler is the EraseHandler over plain integer leaves.
type intEraseHandler struct {
	root *Array
}

func (h *intEraseHandler) EraseLeafElem(
	leaf MemRef, parent *Array, leafNdxInParent, elemNdxInLeaf int,
) (bool, error) {
	arr := NewArray(parent.alloc)
	arr.InitFromMem(leaf)
	arr.SetParent(parent, leafNdxInParent)
	ndx := elemNdxInLeaf
	if ndx == npos {
		ndx = arr.Size() - 1
	}
	if err := arr.Erase(ndx); err != nil {
		return false, err
	}
	return arr.IsEmpty(), nil
}

func (h *intEraseHandler) DestroyLeaf(leaf MemRef) {
	// Integer leaves hold no refs, so a shallow free suffices.
	h.root.alloc.Free(leaf.Ref, leaf.Addr)
}

func (h *intEraseHandler) ReplaceRootByLeaf(leaf MemRef) error {
	h.root.InitFromMem(leaf)
	return h.root.updateParent()
}

func (h *intEraseHandler) ReplaceRootByEmptyLeaf() error {
	newRoot := NewArray(h.root.alloc)
	if err := newRoot.Create(TypeNormal, h.root.contextFlag); err != nil {
		return err
	}
	h.root.InitFromMem(newRoot.Mem())
	return h.root.updateParent()
}

// BptreeErase removes the element at global index ndx from an integer tree.
// Erasing the last element routes through the erase-last fast path.
func BptreeErase(root *Array, ndx int) error {
	if !root.IsInnerBptreeNode() {
		return root.Erase(ndx)
	}
	if ndx == root.BptreeSize()-1 {
		ndx = npos
	}
	return EraseBptreeElem(root, ndx, &intEraseHandler{root: root})
}
