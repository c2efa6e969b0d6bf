// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import (
	"github.com/VaiyeBe/realm-core/internal/invariants"
)

// Type selects the node flavor at creation time.
type Type uint8

const (
	// TypeNormal is a plain array of integers.
	TypeNormal Type = iota
	// TypeInnerBptreeNode is an inner node of a B+-tree. Implies has-refs.
	TypeInnerBptreeNode
	// TypeHasRefs is an array whose slots may hold refs to child nodes.
	TypeHasRefs
)

// ParentLink is the capability through which a non-root accessor tells its
// parent that its ref changed (after copy-on-write or reallocation).
// Structural ownership lives only in the persisted slot; the link never
// extends a lifetime.
type ParentLink interface {
	ChildRef(ndx int) Ref
	SetChildRef(ndx int, ref Ref) error
}

// Array is a transient accessor over one array node. It caches the parsed
// header fields and the translation of its ref; every mutating operation
// re-establishes writability via copy-on-write first.
//
// An Array is not safe for concurrent use.
type Array struct {
	alloc Allocator

	ref  Ref
	hdr  []byte // node bytes starting at the header
	data []byte // payload bytes; hdr[headerSize:]

	size     int
	capacity int // elements that fit the current allocation
	width    uint8

	isInner     bool
	hasRefs     bool
	contextFlag bool

	lbound int64
	ubound int64

	vt     *vtable
	getter getterFunc

	parent      ParentLink
	ndxInParent int
}

// NewArray returns an unattached accessor bound to an allocator.
func NewArray(alloc Allocator) *Array {
	return &Array{alloc: alloc}
}

// IsAttached reports whether the accessor is bound to a node.
func (a *Array) IsAttached() bool { return a.hdr != nil }

// Size returns the element count.
func (a *Array) Size() int { return a.size }

// IsEmpty reports whether the array holds no elements.
func (a *Array) IsEmpty() bool { return a.size == 0 }

// Ref returns the node's stable identity in the reference space.
func (a *Array) Ref() Ref { return a.ref }

// Width returns the current bits-per-element.
func (a *Array) Width() uint8 { return a.width }

// IsInnerBptreeNode reports whether the node is an inner B+-tree node.
func (a *Array) IsInnerBptreeNode() bool { return a.isInner }

// HasRefs reports whether slots may hold child refs.
func (a *Array) HasRefs() bool { return a.hasRefs }

// ContextFlag returns the context-dependent header flag.
func (a *Array) ContextFlag() bool { return a.contextFlag }

// Allocator returns the allocator the accessor is bound to.
func (a *Array) Allocator() Allocator { return a.alloc }

// Mem returns the node's current MemRef.
func (a *Array) Mem() MemRef { return MemRef{Addr: a.hdr, Ref: a.ref} }

// SetParent installs the parent capability and the accessor's slot index in
// the parent.
func (a *Array) SetParent(parent ParentLink, ndxInParent int) {
	a.parent = parent
	a.ndxInParent = ndxInParent
}

// updateParent rewrites the parent's slot to the accessor's current ref.
func (a *Array) updateParent() error {
	if a.parent == nil {
		return nil
	}
	return a.parent.SetChildRef(a.ndxInParent, a.ref)
}

// ChildRef implements ParentLink, letting one Array act as the parent
// capability of another.
func (a *Array) ChildRef(ndx int) Ref {
	return refFromSlot(a.Get(ndx))
}

// SetChildRef implements ParentLink.
func (a *Array) SetChildRef(ndx int, ref Ref) error {
	return a.Set(ndx, slotFromRef(ref))
}

// InitFromRef attaches the accessor to the node at ref.
func (a *Array) InitFromRef(ref Ref) {
	assertf(ref != 0, "init from null ref")
	a.InitFromMem(MemRef{Addr: a.alloc.Translate(ref), Ref: ref})
}

// InitFromMem attaches the accessor to a translated node.
func (a *Array) InitFromMem(mem MemRef) {
	h := mem.Addr
	a.isInner = headerGetIsInner(h)
	a.hasRefs = headerGetHasRefs(h)
	a.contextFlag = headerGetContext(h)
	a.size = headerGetSize(h)

	width := headerGetWidth(h)
	// Capacity is how many elements there is room for. Read-only nodes have
	// no capacity word (the slot holds the reserved checksum), so their
	// capacity is pinned to their size.
	if a.alloc.IsReadOnly(mem.Ref) {
		a.capacity = a.size
	} else {
		a.capacity = calcItemCount(headerGetCapacity(h), width)
	}

	a.ref = mem.Ref
	a.hdr = h
	a.data = h[headerSize:]
	a.setWidth(width)
}

func (a *Array) setWidth(width uint8) {
	a.lbound = lboundForWidth(width)
	a.ubound = uboundForWidth(width)
	a.width = width
	a.vt = &vtables[widthIndexFor(width)]
	a.getter = a.vt.getter
}

// Create allocates a fresh empty node of the given type and attaches the
// accessor to it.
func (a *Array) Create(typ Type, contextFlag bool) error {
	mem, err := CreateNode(typ, contextFlag, wtypeBits, 0, 0, a.alloc)
	if err != nil {
		return err
	}
	a.InitFromMem(mem)
	return nil
}

// CreateNode allocates and initializes a standalone node holding size
// copies of value. Column implementations use it to build leaves without an
// accessor.
func CreateNode(
	typ Type, contextFlag bool, wtype WidthType, size int, value int64, alloc Allocator,
) (MemRef, error) {
	assertf(value == 0 || wtype == wtypeBits, "fill value in a non-bits node")
	assertf(size == 0 || wtype != wtypeIgnore, "sized create of an ignore-width node")

	var isInner, hasRefs bool
	switch typ {
	case TypeNormal:
	case TypeInnerBptreeNode:
		isInner = true
		hasRefs = true
	case TypeHasRefs:
		hasRefs = true
	}

	width := uint8(0)
	byteSize := headerSize
	if value != 0 {
		width = bitWidth(value)
		var err error
		byteSize, err = calcAlignedByteSize(size, width)
		if err != nil {
			return MemRef{}, err
		}
	}
	if byteSize < initialNodeCapacity {
		byteSize = initialNodeCapacity
	}

	mem, err := alloc.Alloc(byteSize)
	if err != nil {
		return MemRef{}, err
	}
	h := mem.Addr
	initHeader(h, isInner, hasRefs, contextFlag, wtype, width, size, byteSize)
	if value != 0 {
		fillDirect(h[headerSize:], width, 0, size, value)
	}
	return mem, nil
}

// Preset clears the array (deep-destroying any children) and refills it
// with n zeroes stored at the given width.
func (a *Array) Preset(width uint8, n int) error {
	if err := a.TruncateAndDestroyChildren(0); err != nil {
		return err
	}
	if err := a.allocNode(n, width); err != nil {
		return err
	}
	a.setWidth(width)
	a.size = n
	for i := 0; i < n; i++ {
		a.vt.setter(a, i, 0)
	}
	return nil
}

// PresetMinMax is Preset with the width chosen to span [min, max].
func (a *Array) PresetMinMax(min, max int64, n int) error {
	width := bitWidth(min)
	if w := bitWidth(max); w > width {
		width = w
	}
	return a.Preset(width, n)
}

// SetType rewrites the node flavor in place (after copy-on-write).
func (a *Array) SetType(typ Type) error {
	assertf(a.IsAttached(), "accessor is not attached")
	if err := a.copyOnWrite(); err != nil {
		return err
	}
	var isInner, hasRefs bool
	switch typ {
	case TypeNormal:
	case TypeInnerBptreeNode:
		isInner = true
		hasRefs = true
	case TypeHasRefs:
		hasRefs = true
	}
	a.isInner = isInner
	a.hasRefs = hasRefs
	headerSetIsInner(a.hdr, isInner)
	headerSetHasRefs(a.hdr, hasRefs)
	return nil
}

// UpdateFromParent refreshes the accessor after a commit or remap. Nodes
// below the previous baseline are never overwritten by a commit, so an
// unchanged ref below oldBaseline means the node is untouched. Returns
// whether the node may have changed.
func (a *Array) UpdateFromParent(oldBaseline int64) bool {
	assertf(a.IsAttached(), "accessor is not attached")
	assertf(a.parent != nil, "update from parent without a parent link")

	newRef := a.parent.ChildRef(a.ndxInParent)
	if newRef == a.ref && int64(newRef) < oldBaseline {
		return false
	}
	a.InitFromRef(newRef)
	return true
}

// Get returns the element at ndx.
func (a *Array) Get(ndx int) int64 {
	invariants.CheckBounds(ndx, a.size)
	return a.getter(a, ndx)
}

// GetChunk reads up to 8 consecutive elements starting at ndx; positions
// past the end of the array are filled with zero.
func (a *Array) GetChunk(ndx int, res *[8]int64) {
	invariants.CheckBounds(ndx, a.size)
	a.vt.chunk(a, ndx, res)
}

// Front returns the first element.
func (a *Array) Front() int64 { return a.Get(0) }

// Back returns the last element.
func (a *Array) Back() int64 { return a.Get(a.size - 1) }

// GetAsRef returns the element at ndx interpreted as a ref.
func (a *Array) GetAsRef(ndx int) Ref {
	return refFromSlot(a.Get(ndx))
}

// SetAsRef stores a ref at ndx.
func (a *Array) SetAsRef(ndx int, ref Ref) error {
	return a.Set(ndx, slotFromRef(ref))
}

// Set writes value at ndx, promoting the width and copying the node out of
// read-only memory as needed. Writing the value already present is a no-op.
func (a *Array) Set(ndx int, value int64) error {
	assertf(ndx < a.size, "set at %d beyond size %d", ndx, a.size)
	if a.getter(a, ndx) == value {
		return nil
	}
	if err := a.copyOnWrite(); err != nil {
		return err
	}
	if err := a.ensureMinimumWidth(value); err != nil {
		return err
	}
	a.vt.setter(a, ndx, value)
	return nil
}

// Add appends value.
func (a *Array) Add(value int64) error {
	return a.Insert(a.size, value)
}

// Insert places value at ndx, shifting later elements up. If the value does
// not fit the current width the whole array is re-encoded at the promoted
// width as part of the same pass.
func (a *Array) Insert(ndx int, value int64) error {
	assertf(ndx <= a.size, "insert at %d beyond size %d", ndx, a.size)

	// Save the old getter before a potential width promotion; it still reads
	// the old encoding out of the (byte-copied) payload.
	oldGetter := a.getter

	doExpand := value < a.lbound || value > a.ubound
	if doExpand {
		width := bitWidth(value)
		assertf(width > a.width, "promotion to a narrower width")
		if err := a.allocNode(a.size+1, width); err != nil {
			return err
		}
		a.setWidth(width)
	} else {
		if err := a.allocNode(a.size+1, a.width); err != nil {
			return err
		}
	}

	// Move values above the insertion point (re-encoding on the fly when
	// the width grew).
	if doExpand || a.width < 8 {
		for i := a.size; i > ndx; i-- {
			a.vt.setter(a, i, oldGetter(a, i-1))
		}
	} else if ndx != a.size {
		// Byte-sized elements and no expansion: a plain overlapping copy.
		w := int(a.width) / 8
		copy(a.data[(ndx+1)*w:(a.size+1)*w], a.data[ndx*w:a.size*w])
	}

	a.vt.setter(a, ndx, value)

	// Re-encode the values below the insertion point.
	if doExpand {
		for i := ndx; i > 0; i-- {
			a.vt.setter(a, i-1, oldGetter(a, i-1))
		}
	}

	// The header size was already written by allocNode.
	a.size++
	return nil
}

// Erase removes the element at ndx, shifting later elements down. The width
// is never reduced by an erase.
func (a *Array) Erase(ndx int) error {
	assertf(ndx < a.size, "erase at %d beyond size %d", ndx, a.size)
	if err := a.copyOnWrite(); err != nil {
		return err
	}

	if a.width < 8 {
		for i := ndx + 1; i < a.size; i++ {
			a.vt.setter(a, i-1, a.getter(a, i))
		}
	} else {
		w := int(a.width) / 8
		copy(a.data[ndx*w:], a.data[(ndx+1)*w:a.size*w])
	}

	a.size--
	headerSetSize(a.hdr, a.size)
	return nil
}

// Truncate drops the elements at and after newSize. Truncating to zero also
// resets the width to zero; otherwise capacity and width are left unchanged.
func (a *Array) Truncate(newSize int) error {
	assertf(a.IsAttached(), "accessor is not attached")
	assertf(newSize <= a.size, "truncate to %d beyond size %d", newSize, a.size)
	if newSize == a.size {
		return nil
	}
	if err := a.copyOnWrite(); err != nil {
		return err
	}

	a.size = newSize
	headerSetSize(a.hdr, newSize)

	if newSize == 0 {
		a.capacity = calcItemCount(headerGetCapacity(a.hdr), 0)
		a.setWidth(0)
		headerSetWidth(a.hdr, 0)
	}
	return nil
}

// TruncateAndDestroyChildren is Truncate for ref-bearing arrays: the dropped
// child subtrees are deep-destroyed first.
func (a *Array) TruncateAndDestroyChildren(newSize int) error {
	assertf(a.IsAttached(), "accessor is not attached")
	assertf(newSize <= a.size, "truncate to %d beyond size %d", newSize, a.size)
	if newSize == a.size {
		return nil
	}
	if err := a.copyOnWrite(); err != nil {
		return err
	}

	if a.hasRefs {
		a.destroyChildren(newSize)
	}

	a.size = newSize
	headerSetSize(a.hdr, newSize)

	if newSize == 0 {
		a.capacity = calcItemCount(headerGetCapacity(a.hdr), 0)
		a.setWidth(0)
		headerSetWidth(a.hdr, 0)
	}
	return nil
}

// destroyChildren deep-destroys the ref children at and after offset.
// Null refs mean empty subtrees and tagged values are integers; both are
// skipped.
func (a *Array) destroyChildren(offset int) {
	for i := offset; i < a.size; i++ {
		v := a.getter(a, i)
		if !isRefSlot(v) {
			continue
		}
		destroyDeep(refFromSlot(v), a.alloc)
	}
}

// DestroyDeep frees the node and every transitively referenced child, then
// detaches the accessor.
func (a *Array) DestroyDeep() {
	if !a.IsAttached() {
		return
	}
	if a.hasRefs {
		a.destroyChildren(0)
	}
	a.alloc.Free(a.ref, a.hdr)
	a.hdr = nil
	a.data = nil
}

// destroyDeep frees the subtree rooted at ref.
func destroyDeep(ref Ref, alloc Allocator) {
	h := alloc.Translate(ref)
	if headerGetHasRefs(h) {
		size := headerGetSize(h)
		width := headerGetWidth(h)
		data := h[headerSize:]
		for i := 0; i < size; i++ {
			if v := getDirect(data, width, i); isRefSlot(v) {
				destroyDeep(refFromSlot(v), alloc)
			}
		}
	}
	alloc.Free(ref, h)
}

// Move copies the element range [begin, end) to destBegin, which must be at
// or below begin (shift down).
func (a *Array) Move(begin, end, destBegin int) error {
	assertf(begin <= end && end <= a.size && destBegin <= a.size, "bad move range")
	assertf(end-begin <= a.size-destBegin, "move range overruns array")
	assertf(!(destBegin >= begin && destBegin < end), "move ranges overlap forward")

	if err := a.copyOnWrite(); err != nil {
		return err
	}

	bitsPerElem := int(a.width)
	if headerGetWType(a.hdr) == wtypeBytes {
		bitsPerElem *= 8
	}
	if bitsPerElem < 8 {
		for i := begin; i != end; i++ {
			a.vt.setter(a, destBegin, a.getter(a, i))
			destBegin++
		}
		return nil
	}

	w := bitsPerElem / 8
	copy(a.data[destBegin*w:], a.data[begin*w:end*w])
	return nil
}

// MoveBackward copies the element range [begin, end) so that its last
// element lands at destEnd-1, which must be at or above end (shift up).
func (a *Array) MoveBackward(begin, end, destEnd int) error {
	assertf(begin <= end && end <= a.size && destEnd <= a.size, "bad move range")
	assertf(end-begin <= destEnd, "move range underruns array")
	assertf(!(destEnd > begin && destEnd <= end), "move ranges overlap backward")

	if err := a.copyOnWrite(); err != nil {
		return err
	}

	bitsPerElem := int(a.width)
	if headerGetWType(a.hdr) == wtypeBytes {
		bitsPerElem *= 8
	}
	if bitsPerElem < 8 {
		for i := end; i != begin; i-- {
			destEnd--
			a.vt.setter(a, destEnd, a.getter(a, i-1))
		}
		return nil
	}

	w := bitsPerElem / 8
	copy(a.data[(destEnd-(end-begin))*w:destEnd*w], a.data[begin*w:end*w])
	return nil
}

// MoveRotate moves n elements from index from to index to, rotating the
// elements in between to fill the gap.
func (a *Array) MoveRotate(from, to, n int) error {
	assertf(from < a.size && to < a.size && n <= a.size, "bad rotate range")
	if from == to {
		return nil
	}
	if err := a.copyOnWrite(); err != nil {
		return err
	}

	save := make([]int64, n)
	for i := 0; i < n; i++ {
		save[i] = a.Get(from + i)
	}
	if from < to {
		if err := a.Move(from+n, to+n, from); err != nil {
			return err
		}
	} else {
		if err := a.MoveBackward(to, from, from+n); err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		if err := a.Set(to+i, save[i]); err != nil {
			return err
		}
	}
	return nil
}

// Adjust adds delta to the element at ndx.
func (a *Array) Adjust(ndx int, delta int64) error {
	assertf(ndx < a.size, "adjust at %d beyond size %d", ndx, a.size)
	return a.Set(ndx, a.Get(ndx)+delta)
}

// AdjustRange adds delta to every element in [begin, end).
func (a *Array) AdjustRange(begin, end int, delta int64) error {
	assertf(begin <= end && end <= a.size, "bad adjust range")
	for i := begin; i < end; i++ {
		if err := a.Adjust(i, delta); err != nil {
			return err
		}
	}
	return nil
}

// AdjustGE replaces every element v >= limit with v+delta. When an adjusted
// value forces a width promotion mid-scan, elements already adjusted stay
// adjusted and the scan resumes at the triggering index under the new
// width's specialization.
func (a *Array) AdjustGE(limit, delta int64) error {
	if delta == 0 {
		return nil
	}
	for i, n := 0, a.size; i != n; {
		var err error
		i, err = a.adjustGERun(i, n, limit, delta)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Array) adjustGERun(start, end int, limit, delta int64) (int, error) {
	w := a.width
	for i := start; i != end; i++ {
		v := a.getter(a, i)
		if v >= limit {
			shifted := v + delta
			if err := a.ensureMinimumWidth(shifted); err != nil {
				return 0, err
			}
			if err := a.copyOnWrite(); err != nil {
				return 0, err
			}
			if a.width != w {
				// The promotion re-encoded everything, including the prior
				// adjustments; hand the position back so the caller resumes
				// under the new width.
				return i, nil
			}
			a.vt.setter(a, i, shifted)
		}
	}
	return end, nil
}

// SetAllToZero drops the width to zero. The caller asserts that every
// element is already zero.
func (a *Array) SetAllToZero() error {
	if a.size == 0 || a.width == 0 {
		return nil
	}
	if err := a.copyOnWrite(); err != nil {
		return err
	}
	a.capacity = calcItemCount(headerGetCapacity(a.hdr), 0)
	a.setWidth(0)
	headerSetWidth(a.hdr, 0)
	return nil
}

// EnsureMinimumWidth promotes the width so that value is representable,
// re-encoding the existing elements. Contents are unchanged.
func (a *Array) EnsureMinimumWidth(value int64) error {
	if err := a.copyOnWrite(); err != nil {
		return err
	}
	return a.ensureMinimumWidth(value)
}

func (a *Array) ensureMinimumWidth(value int64) error {
	if value >= a.lbound && value <= a.ubound {
		return nil
	}

	width := bitWidth(value)
	assertf(width > a.width, "promotion to a narrower width")

	oldGetter := a.getter
	if err := a.allocNode(a.size, width); err != nil {
		return err
	}
	a.setWidth(width)

	// Expand the old values in place, from the top down so nothing is
	// clobbered before it is read.
	for i := a.size; i != 0; {
		i--
		a.vt.setter(a, i, oldGetter(a, i))
	}
	return nil
}

// copyOnWrite materializes a private mutable copy if the node lives in the
// read-only region.
func (a *Array) copyOnWrite() error {
	if !a.alloc.IsReadOnly(a.ref) {
		return nil
	}
	return a.doCopyOnWrite(0)
}

// doCopyOnWrite allocates a slab copy of at least minBytes, copies the used
// bytes, installs the new capacity, rewrites the parent's slot and frees the
// original. The copy and the parent update are not atomic: if the parent
// update fails the new node is unreachable garbage until the next commit and
// the operation fails.
func (a *Array) doCopyOnWrite(minBytes int) error {
	byteSize := calcByteLen(a.size, a.width)
	newSize := byteSize
	if minBytes > newSize {
		newSize = minBytes
	}
	newSize = (newSize + 7) &^ 7
	// A little headroom so the next growth does not realloc immediately.
	if newSize < maxNodePayload-64 {
		newSize += 64
	}

	mem, err := a.alloc.Alloc(newSize)
	if err != nil {
		return err
	}
	copy(mem.Addr[:byteSize], a.hdr[:byteSize])

	oldRef, oldHdr := a.ref, a.hdr

	a.ref = mem.Ref
	a.hdr = mem.Addr
	a.data = mem.Addr[headerSize:]
	a.capacity = calcItemCount(newSize, a.width)
	headerSetCapacity(a.hdr, newSize)

	if err := a.updateParent(); err != nil {
		return err
	}

	// The original becomes reclaimable at a future commit, when no reader
	// can still observe it.
	a.alloc.Free(oldRef, oldHdr)
	return nil
}

// allocNode makes room for size elements at the given width, copying out of
// read-only memory and growing the allocation as needed. The header's size
// field is updated; the accessor's element count is not.
func (a *Array) allocNode(size int, width uint8) error {
	assertf(a.IsAttached(), "accessor is not attached")

	needed := calcByteLen(size, width)
	if needed > maxNodePayload {
		return overflowf("%d elements at width %d", size, width)
	}

	if a.alloc.IsReadOnly(a.ref) {
		if err := a.doCopyOnWrite(needed); err != nil {
			return err
		}
	}

	assertf(!a.alloc.IsReadOnly(a.ref), "node still read-only after copy-on-write")
	if a.capacity < size || width != a.width {
		capBytes := headerGetCapacity(a.hdr)
		origCapBytes := capBytes

		if capBytes < needed {
			// Double to avoid too many reallocs, clamped to the maximum
			// payload the header's capacity field can encode.
			capBytes *= 2
			if capBytes > maxNodePayloadAligned {
				capBytes = maxNodePayloadAligned
			}
			// If doubling is not enough, expand exactly to need (8-byte
			// aligned).
			if capBytes < needed {
				capBytes = (needed + 7) &^ 7
			}

			mem, err := a.alloc.Realloc(a.ref, a.hdr, origCapBytes, capBytes)
			if err != nil {
				return err
			}
			h := mem.Addr
			headerSetWidth(h, width)
			headerSetSize(h, size)
			headerSetCapacity(h, capBytes)

			a.ref = mem.Ref
			a.hdr = h
			a.data = h[headerSize:]
			a.capacity = calcItemCount(capBytes, width)
			return a.updateParent()
		}

		a.capacity = calcItemCount(capBytes, width)
		headerSetWidth(a.hdr, width)
	}

	headerSetSize(a.hdr, size)
	return nil
}

// Clone deep-copies the node at mem into targetAlloc. Nodes without refs are
// copied byte-for-byte; ref-bearing nodes are rebuilt so the child refs stay
// valid in the target reference space.
func Clone(mem MemRef, alloc, targetAlloc Allocator) (MemRef, error) {
	h := mem.Addr
	if !headerGetHasRefs(h) {
		size := (byteSizeFromHeader(h) + 7) &^ 7
		cloneMem, err := targetAlloc.Alloc(size)
		if err != nil {
			return MemRef{}, err
		}
		copy(cloneMem.Addr[:size], h[:size])
		headerSetCapacity(cloneMem.Addr, size)
		return cloneMem, nil
	}

	// Refs are integers, and integer arrays use the bits width scheme.
	assertf(headerGetWType(h) == wtypeBits, "ref-bearing node with a byte width scheme")

	src := NewArray(alloc)
	src.InitFromMem(mem)

	dst := NewArray(targetAlloc)
	var typ Type
	switch {
	case headerGetIsInner(h):
		typ = TypeInnerBptreeNode
	default:
		typ = TypeHasRefs
	}
	if err := dst.Create(typ, headerGetContext(h)); err != nil {
		return MemRef{}, err
	}
	dg := deepDestroyGuard{alloc: targetAlloc, arr: dst}
	defer dg.fire()

	childGuard := refDestroyGuard{alloc: targetAlloc}
	defer childGuard.fire()
	for i, n := 0, src.Size(); i < n; i++ {
		v := src.Get(i)
		if !isRefSlot(v) {
			if err := dst.Add(v); err != nil {
				return MemRef{}, err
			}
			continue
		}

		childRef := refFromSlot(v)
		childMem := MemRef{Addr: alloc.Translate(childRef), Ref: childRef}
		newMem, err := Clone(childMem, alloc, targetAlloc)
		if err != nil {
			return MemRef{}, err
		}
		childGuard.ref = newMem.Ref
		if err := dst.Add(slotFromRef(newMem.Ref)); err != nil {
			return MemRef{}, err
		}
		childGuard.ref = 0
	}

	dg.release()
	return dst.Mem(), nil
}

// Slice deep-copies the element range [offset, offset+sliceSize) into a new
// node allocated from targetAlloc. Ref children are not followed; use
// SliceAndCloneChildren for ref-bearing arrays.
func (a *Array) Slice(offset, sliceSize int, targetAlloc Allocator) (MemRef, error) {
	assertf(a.IsAttached(), "accessor is not attached")
	assertf(offset+sliceSize <= a.size, "slice range beyond size %d", a.size)

	newSlice := NewArray(targetAlloc)
	if err := newSlice.Create(a.arrayType(), a.contextFlag); err != nil {
		return MemRef{}, err
	}
	dg := deepDestroyGuard{alloc: targetAlloc, arr: newSlice}
	defer dg.fire()

	for i := offset; i != offset+sliceSize; i++ {
		if err := newSlice.Add(a.Get(i)); err != nil {
			return MemRef{}, err
		}
	}
	dg.release()
	return newSlice.Mem(), nil
}

// SliceAndCloneChildren is Slice with recursive cloning of ref children.
func (a *Array) SliceAndCloneChildren(offset, sliceSize int, targetAlloc Allocator) (MemRef, error) {
	assertf(a.IsAttached(), "accessor is not attached")
	if !a.hasRefs {
		return a.Slice(offset, sliceSize, targetAlloc)
	}
	assertf(offset+sliceSize <= a.size, "slice range beyond size %d", a.size)

	newSlice := NewArray(targetAlloc)
	if err := newSlice.Create(a.arrayType(), a.contextFlag); err != nil {
		return MemRef{}, err
	}
	dg := deepDestroyGuard{alloc: targetAlloc, arr: newSlice}
	defer dg.fire()

	childGuard := refDestroyGuard{alloc: targetAlloc}
	defer childGuard.fire()
	for i := offset; i != offset+sliceSize; i++ {
		v := a.Get(i)

		// Null refs signify empty subtrees, and tagged values are embedded
		// integers; only true child refs are followed.
		if !isRefSlot(v) {
			if err := newSlice.Add(v); err != nil {
				return MemRef{}, err
			}
			continue
		}

		ref := refFromSlot(v)
		mem := MemRef{Addr: a.alloc.Translate(ref), Ref: ref}
		newMem, err := Clone(mem, a.alloc, targetAlloc)
		if err != nil {
			return MemRef{}, err
		}
		childGuard.ref = newMem.Ref
		if err := newSlice.Add(slotFromRef(newMem.Ref)); err != nil {
			return MemRef{}, err
		}
		childGuard.ref = 0
	}
	dg.release()
	return newSlice.Mem(), nil
}

func (a *Array) arrayType() Type {
	switch {
	case a.isInner:
		return TypeInnerBptreeNode
	case a.hasRefs:
		return TypeHasRefs
	}
	return TypeNormal
}
