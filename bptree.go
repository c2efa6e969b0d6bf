// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

// An inner node of a B+-tree has one of two forms. The compact form encodes
// a uniform per-child element count in slot 0 (stored as 2*n+1, odd). The
// general form stores a ref to a separate offsets array in slot 0 (even),
// whose entry i is the total number of elements preceding child i+1. The
// compact form is the default; inserting anywhere but at the end of a
// subtree, or removing anywhere but at the end, forces conversion to the
// general form. Conversion happens root first, which maintains the
// invariant that a general-form node never has a compact parent.
//
// Layout of an inner node:
//
//	slot 0      form header (see above)
//	slots 1..N  child refs, N >= 1
//	slot N+1    2*total_elems_in_subtree + 1
//
// The trailing total is slated for removal from the format; it is kept up
// to date here, but the traversals below derive subtree sizes without
// consulting it.
//
// Structural invariants, maintained by every insert and erase:
//
//   - every inner node has at least one child
//   - a non-root leaf holds at least one element
//   - all leaves reside at the same depth
//   - a general-form node with a parent has a general-form parent

// npos marks "no index"; as an element index it means the position past the
// last element (append / erase-last).
const npos = -1

// TreeInsert carries the result of a leaf or subtree split up the tree.
// SplitOffset is the number of elements that remained in the original node
// (within the split subtree); SplitSize is the element count of the split
// subtree after the insertion.
type TreeInsert struct {
	SplitOffset int
	SplitSize   int
}

// NodeInfo describes one leaf during traversal.
type NodeInfo struct {
	Mem         MemRef
	Parent      *Array
	NdxInParent int
	// Offset is the global index of the leaf's first element; Size is its
	// element count. Not computed by the simplified traversal.
	Offset int
	Size   int
}

// VisitHandler receives leaves from VisitBptreeLeaves. Returning false stops
// the traversal.
type VisitHandler interface {
	Visit(info NodeInfo) (bool, error)
}

// UpdateHandler is invoked with a single leaf by UpdateBptreeElem, or with
// every leaf by UpdateBptreeLeaves.
type UpdateHandler interface {
	Update(mem MemRef, parent *Array, ndxInParent, elemNdxInLeaf int) error
}

// EraseHandler supplies the leaf-level pieces of the erase protocol, letting
// column implementations erase through trees without knowing the geometry.
type EraseHandler interface {
	// EraseLeafElem removes the element at elemNdxInLeaf (npos means the
	// last element) and reports whether the leaf became empty. An empty
	// leaf is subsequently destroyed by the protocol.
	EraseLeafElem(leaf MemRef, parent *Array, leafNdxInParent, elemNdxInLeaf int) (bool, error)

	// DestroyLeaf frees a leaf node that has been unlinked from the tree.
	DestroyLeaf(leaf MemRef)

	// ReplaceRootByLeaf installs an existing leaf as the new tree root.
	ReplaceRootByLeaf(leaf MemRef) error

	// ReplaceRootByEmptyLeaf replaces the root with a freshly created empty
	// leaf, used when the erase empties the tree.
	ReplaceRootByEmptyLeaf() error
}

// BptreeSize returns the total number of elements in the subtree, decoded
// from the trailing slot.
func (a *Array) BptreeSize() int {
	assertf(a.isInner, "tree size of a non-inner node")
	return int(a.Back() / 2)
}

// findBptreeChild maps a subtree-local element index to (child index, index
// within child).
func (a *Array) findBptreeChild(elemNdx int) (childNdx, ndxInChild int) {
	return findBptreeChildFromValue(a.Get(0), elemNdx, a.alloc)
}

func findBptreeChildFromValue(firstValue int64, elemNdx int, alloc Allocator) (childNdx, ndxInChild int) {
	if firstValue%2 != 0 {
		// Compact form.
		elemsPerChild := int(firstValue / 2)
		return elemNdx / elemsPerChild, elemNdx % elemsPerChild
	}
	// General form: binary-search the offsets array.
	offsetsHeader := alloc.Translate(refFromSlot(firstValue))
	data := offsetsHeader[headerSize:]
	width := headerGetWidth(offsetsHeader)
	size := headerGetSize(offsetsHeader)
	childNdx = upperBoundDirect(data, width, size, int64(elemNdx))
	elemNdxOffset := 0
	if childNdx > 0 {
		elemNdxOffset = int(getDirect(data, width, childNdx-1))
	}
	return childNdx, elemNdx - elemNdxOffset
}

// GetBptreeLeaf descends from an inner node to the leaf containing the
// element at the subtree-local index, returning the leaf and the index
// within it. The descent reads raw headers and allocates nothing.
func (a *Array) GetBptreeLeaf(ndx int) (MemRef, int) {
	assertf(a.isInner, "leaf descent from a non-inner node")

	data := a.data
	width := a.width
	for {
		firstValue := getDirect(data, width, 0)
		childNdx, ndxInChild := findBptreeChildFromValue(firstValue, ndx, a.alloc)
		childRef := refFromSlot(getDirect(data, width, 1+childNdx))
		childHeader := a.alloc.Translate(childRef)
		if !headerGetIsInner(childHeader) {
			return MemRef{Addr: childHeader, Ref: childRef}, ndxInChild
		}
		ndx = ndxInChild
		width = headerGetWidth(childHeader)
		data = childHeader[headerSize:]
	}
}

// ensureBptreeOffsets attaches offsets to this node's offsets array,
// converting the node from compact to general form first if necessary.
func (a *Array) ensureBptreeOffsets(offsets *Array) error {
	firstValue := a.Get(0)
	if firstValue%2 == 0 {
		offsets.InitFromRef(refFromSlot(firstValue))
	} else {
		if err := a.createBptreeOffsets(offsets, firstValue); err != nil {
			return err
		}
	}
	offsets.SetParent(a, 0)
	return nil
}

// createBptreeOffsets materializes the offsets array of a compact node and
// installs it in slot 0.
func (a *Array) createBptreeOffsets(offsets *Array, firstValue int64) error {
	if err := offsets.Create(TypeNormal, false); err != nil {
		return err
	}
	elemsPerChild := firstValue / 2
	accum := int64(0)
	numChildren := a.size - 2
	for i := 0; i != numChildren-1; i++ {
		accum += elemsPerChild
		if err := offsets.Add(accum); err != nil {
			return err
		}
	}
	return a.Set(0, slotFromRef(offsets.Ref()))
}

// childElemCounts returns the per-child element counts of a general-form
// node, derived from its offsets array and total.
func (a *Array) childElemCounts(offsets *Array) []int {
	numChildren := a.size - 2
	total := a.BptreeSize()
	sizes := make([]int, numChildren)
	prev := 0
	for i := 0; i < numChildren-1; i++ {
		b := int(offsets.Get(i))
		sizes[i] = b - prev
		prev = b
	}
	sizes[numChildren-1] = total - prev
	return sizes
}

// BptreeLeafInsert inserts value at ndx in a leaf, splitting when the leaf
// is at maxLeaf capacity. Returns the new sibling's ref when a split
// happened (zero otherwise) and records the split geometry in state.
func (a *Array) BptreeLeafInsert(ndx int, value int64, state *TreeInsert, maxLeaf int) (Ref, error) {
	leafSize := a.size
	assertf(leafSize <= maxLeaf, "leaf of size %d exceeds capacity %d", leafSize, maxLeaf)
	if ndx < 0 || ndx > leafSize {
		ndx = leafSize
	}
	if leafSize < maxLeaf {
		if err := a.Insert(ndx, value); err != nil {
			return 0, err
		}
		return nullRef, nil // leaf was not split
	}

	// Split the leaf. Appends leave the original untouched and give the
	// sibling only the new value; otherwise the sibling takes the tail.
	newLeaf := NewArray(a.alloc)
	typ := TypeNormal
	if a.hasRefs {
		typ = TypeHasRefs
	}
	if err := newLeaf.Create(typ, a.contextFlag); err != nil {
		return 0, err
	}
	dg := deepDestroyGuard{alloc: a.alloc, arr: newLeaf}
	defer dg.fire()

	if ndx == leafSize {
		if err := newLeaf.Add(value); err != nil {
			return 0, err
		}
		state.SplitOffset = ndx
	} else {
		for i := ndx; i != leafSize; i++ {
			if err := newLeaf.Add(a.Get(i)); err != nil {
				return 0, err
			}
		}
		if err := a.Truncate(ndx); err != nil {
			return 0, err
		}
		if err := a.Add(value); err != nil {
			return 0, err
		}
		state.SplitOffset = ndx + 1
	}
	state.SplitSize = leafSize + 1
	dg.release()
	return newLeaf.Ref(), nil
}

// BptreeInsert inserts value at global index ndx (npos or out-of-range
// means append) into the tree rooted at root, splitting nodes as needed.
// When the root itself splits, a new root is introduced and the root
// accessor re-attached to it.
func BptreeInsert(root *Array, ndx int, value int64, maxLeaf int) error {
	var state TreeInsert
	var newSibling Ref
	var err error
	var isAppend bool

	if !root.IsInnerBptreeNode() {
		if ndx < 0 || ndx >= root.Size() {
			ndx = root.Size()
			isAppend = true
		}
		newSibling, err = root.BptreeLeafInsert(ndx, value, &state, maxLeaf)
	} else {
		if ndx < 0 || ndx >= root.BptreeSize() {
			ndx = npos
			isAppend = true
		}
		newSibling, err = root.bptreeInsertInner(ndx, value, &state, maxLeaf)
	}
	if err != nil {
		return err
	}
	if newSibling == nullRef {
		return nil
	}
	return introduceNewRoot(root, newSibling, &state, isAppend)
}

// bptreeInsertInner recurses towards the target leaf and integrates any
// split coming back up. A non-append insert converts the path to general
// form on the way down, which maintains the node-form invariant.
func (a *Array) bptreeInsertInner(
	elemNdx int, value int64, state *TreeInsert, maxLeaf int,
) (Ref, error) {
	numChildren := a.size - 2
	offsets := NewArray(a.alloc)

	var childNdx, ndxInChild int
	if elemNdx == npos {
		childNdx = numChildren - 1
		ndxInChild = npos
	} else {
		if err := a.ensureBptreeOffsets(offsets); err != nil {
			return 0, err
		}
		childNdx, ndxInChild = a.findBptreeChild(elemNdx)
	}

	childRefNdx := 1 + childNdx
	childRef := a.GetAsRef(childRefNdx)
	childHeader := a.alloc.Translate(childRef)

	var siblingRef Ref
	var err error
	if !headerGetIsInner(childHeader) {
		leaf := NewArray(a.alloc)
		leaf.InitFromMem(MemRef{Addr: childHeader, Ref: childRef})
		leaf.SetParent(a, childRefNdx)
		siblingRef, err = leaf.BptreeLeafInsert(ndxInChild, value, state, maxLeaf)
	} else {
		child := NewArray(a.alloc)
		child.InitFromMem(MemRef{Addr: childHeader, Ref: childRef})
		child.SetParent(a, childRefNdx)
		siblingRef, err = child.bptreeInsertInner(ndxInChild, value, state, maxLeaf)
	}
	if err != nil {
		return 0, err
	}

	if siblingRef == nullRef {
		// No split below: account for the new element.
		if offsets.IsAttached() {
			if err := offsets.AdjustRange(childNdx, offsets.Size(), 1); err != nil {
				return 0, err
			}
		}
		if err := a.Adjust(a.Size()-1, 2); err != nil {
			return 0, err
		}
		return 0, nil
	}

	return a.insertBptreeChild(offsets, childNdx, siblingRef, state, maxLeaf, elemNdx == npos)
}

// insertBptreeChild integrates the new sibling of child origChildNdx,
// splitting this node in turn when it is at capacity. state is rewritten
// from child-local to this-node-local split geometry when a split
// propagates.
func (a *Array) insertBptreeChild(
	offsets *Array, origChildNdx int, newSiblingRef Ref, state *TreeInsert,
	maxLeaf int, isAppend bool,
) (Ref, error) {
	numChildren := a.size - 2
	insertNdx := origChildNdx + 1
	general := a.Get(0)%2 == 0
	total := a.BptreeSize()

	if general && !offsets.IsAttached() {
		offsets.InitFromRef(refFromSlot(a.Get(0)))
		offsets.SetParent(a, 0)
	}

	if numChildren < maxLeaf {
		// Room in this node.
		if general {
			prev := int64(0)
			if origChildNdx > 0 {
				prev = offsets.Get(origChildNdx - 1)
			}
			if err := offsets.Insert(origChildNdx, prev+int64(state.SplitOffset)); err != nil {
				return 0, err
			}
			if err := offsets.AdjustRange(origChildNdx+1, offsets.Size(), 1); err != nil {
				return 0, err
			}
		}
		if err := a.Insert(1+insertNdx, slotFromRef(newSiblingRef)); err != nil {
			return 0, err
		}
		if err := a.Adjust(a.Size()-1, 2); err != nil {
			return 0, err
		}
		return 0, nil
	}

	// This node is full and splits as well.
	if isAppend {
		assertf(insertNdx == numChildren, "append split not at the last child")
		// The new sibling of the child carries all of the subtree's growth;
		// it becomes the sole child of a fresh node, and this node's element
		// count is unchanged.
		siblingElems := state.SplitSize - state.SplitOffset

		newNode := NewArray(a.alloc)
		if err := newNode.Create(TypeInnerBptreeNode, false); err != nil {
			return 0, err
		}
		dg := deepDestroyGuard{alloc: a.alloc, arr: newNode}
		defer dg.fire()

		if general {
			newOffsets := NewArray(a.alloc)
			if err := newOffsets.Create(TypeNormal, false); err != nil {
				return 0, err
			}
			// A single-child general node has an empty offsets array.
			if err := newNode.Add(slotFromRef(newOffsets.Ref())); err != nil {
				return 0, err
			}
		} else {
			if err := newNode.Add(a.Get(0)); err != nil {
				return 0, err
			}
		}
		if err := newNode.Add(slotFromRef(newSiblingRef)); err != nil {
			return 0, err
		}
		if err := newNode.Add(int64(2*siblingElems + 1)); err != nil {
			return 0, err
		}

		state.SplitOffset = total
		state.SplitSize = total + 1
		dg.release()
		return newNode.Ref(), nil
	}

	// Non-append split of a general-form node: this node keeps the children
	// up to and including the split child; the new node takes the child's
	// new sibling and everything after.
	assertf(general, "non-append split of a compact node")
	sizes := a.childElemCounts(offsets)

	prefix := 0
	if origChildNdx > 0 {
		prefix = int(offsets.Get(origChildNdx - 1))
	}
	leftTotal := prefix + state.SplitOffset
	rightTotal := total + 1 - leftTotal

	rightSizes := make([]int, 0, numChildren-origChildNdx)
	rightSizes = append(rightSizes, state.SplitSize-state.SplitOffset)
	rightSizes = append(rightSizes, sizes[origChildNdx+1:]...)

	newNode := NewArray(a.alloc)
	if err := newNode.Create(TypeInnerBptreeNode, false); err != nil {
		return 0, err
	}
	dg := deepDestroyGuard{alloc: a.alloc, arr: newNode}
	defer dg.fire()

	newOffsets := NewArray(a.alloc)
	if err := newOffsets.Create(TypeNormal, false); err != nil {
		return 0, err
	}
	accum := int64(0)
	for _, sz := range rightSizes[:len(rightSizes)-1] {
		accum += int64(sz)
		if err := newOffsets.Add(accum); err != nil {
			return 0, err
		}
	}
	if err := newNode.Add(slotFromRef(newOffsets.Ref())); err != nil {
		return 0, err
	}
	if err := newNode.Add(slotFromRef(newSiblingRef)); err != nil {
		return 0, err
	}
	for j := origChildNdx + 1; j < numChildren; j++ {
		if err := newNode.Add(a.Get(1 + j)); err != nil {
			return 0, err
		}
	}
	if err := newNode.Add(int64(2*rightTotal + 1)); err != nil {
		return 0, err
	}

	// Shrink this node to the children up to the split child, then restore
	// the trailing total. The children moving to the new node must not be
	// destroyed, so this is a plain truncate.
	if err := a.Truncate(1 + origChildNdx + 1); err != nil {
		return 0, err
	}
	if err := a.Add(int64(2*leftTotal + 1)); err != nil {
		return 0, err
	}
	if err := offsets.Truncate(origChildNdx); err != nil {
		return 0, err
	}

	state.SplitOffset = leftTotal
	state.SplitSize = total + 1
	dg.release()
	return newNode.Ref(), nil
}

// introduceNewRoot replaces a split root with a new root holding the old
// root and its new sibling, then re-attaches the root accessor.
func introduceNewRoot(root *Array, newSiblingRef Ref, state *TreeInsert, isAppend bool) error {
	alloc := root.alloc

	// A compact root is only possible for an append split of a tree that is
	// itself wholly compact.
	compact := isAppend
	if root.IsInnerBptreeNode() && root.Get(0)%2 == 0 {
		compact = false
	}

	newRoot := NewArray(alloc)
	if err := newRoot.Create(TypeInnerBptreeNode, false); err != nil {
		return err
	}
	dg := deepDestroyGuard{alloc: alloc, arr: newRoot}
	defer dg.fire()

	if compact {
		if err := newRoot.Add(int64(2*state.SplitOffset + 1)); err != nil {
			return err
		}
	} else {
		offsets := NewArray(alloc)
		if err := offsets.Create(TypeNormal, false); err != nil {
			return err
		}
		if err := offsets.Add(int64(state.SplitOffset)); err != nil {
			return err
		}
		if err := newRoot.Add(slotFromRef(offsets.Ref())); err != nil {
			return err
		}
	}
	if err := newRoot.Add(slotFromRef(root.Ref())); err != nil {
		return err
	}
	if err := newRoot.Add(slotFromRef(newSiblingRef)); err != nil {
		return err
	}
	if err := newRoot.Add(int64(2*state.SplitSize + 1)); err != nil {
		return err
	}
	dg.release()

	root.InitFromMem(newRoot.Mem())
	return root.updateParent()
}

// foreachBptreeLeaf visits the leaves of the subtree under node depth-first,
// starting with the leaf containing the global element index startOffset.
// nodeOffset/nodeSize position the subtree within the whole tree. The
// traversal derives child sizes from the offsets arrays (or the compact
// header), never from the trailing total slot, so it keeps working when
// that field is dropped from the format.
func foreachBptreeLeaf(
	node *Array, nodeOffset, nodeSize int, handler func(NodeInfo) (bool, error), startOffset int,
) (bool, error) {
	assertf(node.IsInnerBptreeNode(), "leaf traversal from a non-inner node")

	alloc := node.alloc
	offsets := NewArray(alloc)
	childNdx, childOffset := 0, nodeOffset
	elemsPerChild := 0
	{
		assertf(node.Size() >= 1, "inner node with no form header")
		firstValue := node.Get(0)
		if firstValue%2 != 0 {
			// Compact form.
			elemsPerChild = int(firstValue / 2)
			if startOffset > nodeOffset {
				localStart := startOffset - nodeOffset
				childNdx = localStart / elemsPerChild
				childOffset += childNdx * elemsPerChild
			}
		} else {
			// General form.
			offsets.InitFromRef(refFromSlot(firstValue))
			if startOffset > nodeOffset {
				localStart := startOffset - nodeOffset
				childNdx = offsets.UpperBound(int64(localStart))
				if childNdx > 0 {
					childOffset += int(offsets.Get(childNdx - 1))
				}
			}
		}
	}
	assertf(node.Size() >= 2, "inner node with no children")
	numChildren := node.Size() - 2
	assertf(numChildren >= 1, "inner node with no children")

	var info NodeInfo
	info.Parent = node
	info.NdxInParent = 1 + childNdx
	childRef := node.GetAsRef(info.NdxInParent)
	info.Mem = MemRef{Addr: alloc.Translate(childRef), Ref: childRef}
	info.Offset = childOffset
	childrenAreLeaves := !headerGetIsInner(info.Mem.Addr)
	for {
		info.Size = elemsPerChild
		isLastChild := childNdx == numChildren-1
		if !isLastChild {
			if compact := elemsPerChild != 0; !compact {
				nextChildOffset := nodeOffset + int(offsets.Get(childNdx))
				info.Size = nextChildOffset - info.Offset
			}
		} else {
			nextChildOffset := nodeOffset + nodeSize
			info.Size = nextChildOffset - info.Offset
		}
		var goOn bool
		var err error
		if childrenAreLeaves {
			goOn, err = handler(info)
		} else {
			child := NewArray(alloc)
			child.InitFromMem(info.Mem)
			child.SetParent(info.Parent, info.NdxInParent)
			goOn, err = foreachBptreeLeaf(child, info.Offset, info.Size, handler, startOffset)
		}
		if err != nil {
			return false, err
		}
		if !goOn {
			return false, nil
		}
		if isLastChild {
			break
		}
		childNdx++
		info.NdxInParent = 1 + childNdx
		childRef = node.GetAsRef(info.NdxInParent)
		info.Mem = MemRef{Addr: alloc.Translate(childRef), Ref: childRef}
		info.Offset += info.Size
	}
	return true, nil
}

// simplifiedForeachBptreeLeaf is foreachBptreeLeaf minus slicing support:
// offsets and sizes are not computed and the offsets arrays are never
// consulted, which makes it cheaper for whole-tree passes.
func simplifiedForeachBptreeLeaf(node *Array, handler func(NodeInfo) error) error {
	assertf(node.IsInnerBptreeNode(), "leaf traversal from a non-inner node")

	alloc := node.alloc
	childNdx := 0
	assertf(node.Size() >= 2, "inner node with no children")
	numChildren := node.Size() - 2
	assertf(numChildren >= 1, "inner node with no children")

	var info NodeInfo
	info.Parent = node
	info.NdxInParent = 1 + childNdx
	childRef := node.GetAsRef(info.NdxInParent)
	info.Mem = MemRef{Addr: alloc.Translate(childRef), Ref: childRef}
	childrenAreLeaves := !headerGetIsInner(info.Mem.Addr)
	for {
		if childrenAreLeaves {
			if err := handler(info); err != nil {
				return err
			}
		} else {
			child := NewArray(alloc)
			child.InitFromMem(info.Mem)
			child.SetParent(info.Parent, info.NdxInParent)
			if err := simplifiedForeachBptreeLeaf(child, handler); err != nil {
				return err
			}
		}
		if childNdx == numChildren-1 {
			break
		}
		childNdx++
		info.NdxInParent = 1 + childNdx
		childRef = node.GetAsRef(info.NdxInParent)
		info.Mem = MemRef{Addr: alloc.Translate(childRef), Ref: childRef}
	}
	return nil
}

// VisitBptreeLeaves visits the leaves of the tree rooted at this inner
// node, starting with the leaf containing elemNdxOffset. The handler's
// boolean return permits early termination; the final return is true iff
// the handler returned true for every visited leaf.
func (a *Array) VisitBptreeLeaves(elemNdxOffset, elemsInTree int, handler VisitHandler) (bool, error) {
	assertf(elemNdxOffset < elemsInTree, "visit offset %d beyond tree size %d", elemNdxOffset, elemsInTree)
	return foreachBptreeLeaf(a, 0, elemsInTree, handler.Visit, elemNdxOffset)
}

// UpdateBptreeLeaves invokes the handler on every leaf.
func (a *Array) UpdateBptreeLeaves(handler UpdateHandler) error {
	return simplifiedForeachBptreeLeaf(a, func(info NodeInfo) error {
		return handler.Update(info.Mem, info.Parent, info.NdxInParent, 0)
	})
}

// UpdateBptreeElem descends to the leaf holding elemNdx and invokes the
// handler on it.
func (a *Array) UpdateBptreeElem(elemNdx int, handler UpdateHandler) error {
	assertf(a.isInner, "element update on a non-inner node")

	childNdx, ndxInChild := a.findBptreeChild(elemNdx)
	childRefNdx := 1 + childNdx
	childRef := a.GetAsRef(childRefNdx)
	childHeader := a.alloc.Translate(childRef)
	childMem := MemRef{Addr: childHeader, Ref: childRef}
	if !headerGetIsInner(childHeader) {
		return handler.Update(childMem, a, childRefNdx, ndxInChild)
	}
	child := NewArray(a.alloc)
	child.InitFromMem(childMem)
	child.SetParent(a, childRefNdx)
	return child.UpdateBptreeElem(ndxInChild, handler)
}

// destroyInnerBptreeNode frees an inner node and its offsets array (but not
// its children).
func destroyInnerBptreeNode(mem MemRef, firstValue int64, alloc Allocator) {
	alloc.Free(mem.Ref, mem.Addr)
	if firstValue%2 == 0 {
		offsetsRef := refFromSlot(firstValue)
		alloc.Free(offsetsRef, alloc.Translate(offsetsRef))
	}
}

// destroySingletBptreeBranch walks down a chain of single-child inner nodes
// freeing each, and hands the terminal leaf to the handler.
func destroySingletBptreeBranch(mem MemRef, alloc Allocator, handler EraseHandler) {
	for {
		h := mem.Addr
		if !headerGetIsInner(h) {
			handler.DestroyLeaf(mem)
			return
		}
		firstValue, second := getTwoFromHeader(h, 0)
		childRef := refFromSlot(second)

		destroyInnerBptreeNode(mem, firstValue, alloc)

		mem = MemRef{Addr: alloc.Translate(childRef), Ref: childRef}
	}
}

// elimSuperfluousBptreeRoot walks down from a single-child root installing
// the first descendant that is either a leaf or an inner node with more
// than one child as the new root, then frees the eliminated chain.
func elimSuperfluousBptreeRoot(
	root *Array, parentMem MemRef, parentFirstValue int64, childRef Ref, handler EraseHandler,
) error {
	alloc := root.alloc
	childHeader := alloc.Translate(childRef)
	childMem := MemRef{Addr: childHeader, Ref: childRef}
	if !headerGetIsInner(childHeader) {
		if err := handler.ReplaceRootByLeaf(childMem); err != nil {
			return err
		}
		// The tree is modified now; the remainder of the unwind must not
		// fail, or memory is leaked rather than state corrupted.
	} else {
		childSize := headerGetSize(childHeader)
		assertf(childSize >= 2, "inner node with no children")
		numGrandchildren := childSize - 2
		assertf(numGrandchildren >= 1, "inner node with no children")
		if numGrandchildren > 1 {
			// This child is the closest descendant with more than one
			// child; it becomes the new root.
			root.InitFromRef(childRef)
			if err := root.updateParent(); err != nil {
				return err
			}
		} else {
			childFirstValue := getFromHeader(childHeader, 0)
			grandchildRef := refFromSlot(getFromHeader(childHeader, 1))
			if err := elimSuperfluousBptreeRoot(root, childMem, childFirstValue, grandchildRef, handler); err != nil {
				return err
			}
		}
	}

	// A new root is installed somewhere below; free this eliminated level.
	destroyInnerBptreeNode(parentMem, parentFirstValue, alloc)
	return nil
}

// EraseBptreeElem removes the element at global index elemNdx (npos means
// the last element) from the tree rooted at root. The handler supplies the
// leaf-level erase and the root replacement moves. The operation leaves the
// tree invariants intact; the optional elimination of a superfluous root
// afterwards is best-effort and its failure is swallowed, so a successful
// erase is never rolled back.
func EraseBptreeElem(root *Array, elemNdx int, handler EraseHandler) error {
	assertf(root.IsInnerBptreeNode(), "erase on a non-inner root")
	assertf(root.Size() >= 3, "inner node with no children")
	assertf(elemNdx == npos || elemNdx+1 != root.BptreeSize(),
		"erase of the last element must pass npos")

	destroyRoot, err := root.doEraseBptreeElem(elemNdx, handler)
	if err != nil {
		return err
	}

	// Erasing the only element would produce an empty tree, whose root must
	// be a leaf; replace the root with an empty leaf and free the chain.
	if destroyRoot {
		rootMem := root.Mem()
		assertf(root.Size() >= 2, "inner node with no children")
		firstValue := root.Get(0)
		childRef := root.GetAsRef(1)
		alloc := root.alloc
		if err := handler.ReplaceRootByEmptyLeaf(); err != nil {
			return err
		}
		destroyInnerBptreeNode(rootMem, firstValue, alloc)
		childMem := MemRef{Addr: alloc.Translate(childRef), Ref: childRef}
		destroySingletBptreeBranch(childMem, alloc, handler)
		return nil
	}

	if numChildren := root.Size() - 2; numChildren > 1 {
		return nil
	}

	// The root has a single child left and is superfluous. Elimination is
	// desirable but optional, and nothing may fail once the erase itself
	// has succeeded, so a failed attempt is abandoned.
	rootMem := root.Mem()
	firstValue := root.Get(0)
	childRef := root.GetAsRef(1)
	_ = elimSuperfluousBptreeRoot(root, rootMem, firstValue, childRef, handler)
	return nil
}

func (a *Array) doEraseBptreeElem(elemNdx int, handler EraseHandler) (bool, error) {
	offsets := NewArray(a.alloc)
	var childNdx, ndxInChild int
	if elemNdx == npos {
		numChildren := a.size - 2
		childNdx = numChildren - 1
		ndxInChild = npos
	} else {
		// Convert to general form on the way down (maintains node-form),
		// and make the offsets array writable now so that the adjustments
		// after the recursion cannot themselves allocate.
		if err := a.ensureBptreeOffsets(offsets); err != nil {
			return false, err
		}
		if err := offsets.copyOnWrite(); err != nil {
			return false, err
		}
		childNdx, ndxInChild = a.findBptreeChild(elemNdx)
	}

	childRefNdx := 1 + childNdx
	childRef := a.GetAsRef(childRefNdx)
	childHeader := a.alloc.Translate(childRef)
	childMem := MemRef{Addr: childHeader, Ref: childRef}

	var destroyChild bool
	var err error
	if !headerGetIsInner(childHeader) {
		destroyChild, err = handler.EraseLeafElem(childMem, a, childRefNdx, ndxInChild)
	} else {
		child := NewArray(a.alloc)
		child.InitFromMem(childMem)
		child.SetParent(a, childRefNdx)
		destroyChild, err = child.doEraseBptreeElem(ndxInChild, handler)
	}
	if err != nil {
		return false, err
	}

	numChildren := a.size - 2
	if destroyChild {
		if numChildren == 1 {
			return true, nil // destroy this node too
		}
		assertf(numChildren >= 2, "inner node with no children")
		childRef = a.GetAsRef(childRefNdx)
		childMem = MemRef{Addr: a.alloc.Translate(childRef), Ref: childRef}
		if err := a.Erase(childRefNdx); err != nil {
			return false, err
		}
		destroySingletBptreeBranch(childMem, a.alloc, handler)

		// If the erased element was the last one, the offsets array was not
		// attached above; since a child is going away, attach it now if the
		// node is on the general form.
		if elemNdx == npos {
			if firstValue := a.Front(); firstValue%2 == 0 {
				offsets.InitFromRef(refFromSlot(firstValue))
				offsets.SetParent(a, 0)
			}
		}
	}
	if offsets.IsAttached() {
		// These adjustments cannot fail: the offsets array was made
		// writable above, and the values only decrease.
		adjustBegin := childNdx
		if destroyChild {
			if adjustBegin == numChildren-1 {
				adjustBegin--
			}
			if err := offsets.Erase(adjustBegin); err != nil {
				return false, err
			}
		}
		if err := offsets.AdjustRange(adjustBegin, offsets.Size(), -1); err != nil {
			return false, err
		}
	}

	// The subtree was modified, so this node cannot be in read-only memory
	// any longer and the decrement cannot fail.
	if err := a.Adjust(a.Size()-1, -2); err != nil {
		return false, err
	}
	return false, nil
}

// verifyBptree checks the structural invariants of the subtree and returns
// its leaf depth and element count. It is meant for invariants-gated checks
// and tests.
func (a *Array) verifyBptree(maxLeaf int) (depth, elems int) {
	assertf(a.isInner, "verify of a non-inner node")
	assertf(a.hasRefs, "inner node without has-refs")
	numChildren := a.size - 2
	assertf(numChildren >= 1, "inner node with no children")

	firstValue := a.Get(0)
	general := firstValue%2 == 0

	var offsets *Array
	if general {
		offsets = NewArray(a.alloc)
		offsets.InitFromRef(refFromSlot(firstValue))
		assertf(offsets.Size() == numChildren-1, "offsets array of the wrong size")
	}

	childDepth := -1
	accum := 0
	for i := 0; i < numChildren; i++ {
		childRef := a.GetAsRef(1 + i)
		childHeader := a.alloc.Translate(childRef)
		var d, n int
		if headerGetIsInner(childHeader) {
			child := NewArray(a.alloc)
			child.InitFromMem(MemRef{Addr: childHeader, Ref: childRef})
			assertf(general || child.Get(0)%2 != 0,
				"general child under a compact parent")
			d, n = child.verifyBptree(maxLeaf)
		} else {
			d, n = 0, headerGetSize(childHeader)
			assertf(n >= 1, "empty non-root leaf")
			assertf(n <= maxLeaf, "leaf larger than the leaf capacity")
		}
		if childDepth == -1 {
			childDepth = d
		}
		assertf(childDepth == d, "leaves at unequal depths")
		if !general {
			elemsPerChild := int(firstValue / 2)
			if i != numChildren-1 {
				assertf(n == elemsPerChild, "short child in a compact node")
			} else {
				assertf(n <= elemsPerChild, "oversized last child in a compact node")
			}
		}
		accum += n
		if general && i < numChildren-1 {
			assertf(int(offsets.Get(i)) == accum, "offsets out of step with children")
		}
	}
	assertf(a.BptreeSize() == accum, "trailing total out of step with children")
	return childDepth + 1, accum
}
