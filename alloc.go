// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import (
	"os"
	"sort"

	"github.com/VaiyeBe/realm-core/internal/invariants"
	"github.com/cockroachdb/crlib/crbytes"
)

// Allocator is the reference-space abstraction the array layer works
// against. A SlabAlloc is the production implementation; tests occasionally
// substitute wrappers to inject failures.
type Allocator interface {
	// Alloc returns a fresh region of the given size. The size must be
	// positive and a multiple of 8.
	Alloc(size int) (MemRef, error)

	// Free returns a region to the allocator. addr must be the current
	// translation of ref. Free never fails; a failure to maintain the free
	// lists latches the allocator instead (see ErrFreeSpaceInvalid).
	Free(ref Ref, addr []byte)

	// Realloc allocates newSize bytes, copies oldSize bytes from the
	// original region, and frees the original.
	Realloc(ref Ref, addr []byte, oldSize, newSize int) (MemRef, error)

	// Translate maps a ref to its backing bytes. The returned slice starts
	// at the node header and extends to the end of the containing region.
	// Infallible given a valid ref.
	Translate(ref Ref) []byte

	// IsReadOnly reports whether the ref addresses the immutable mapped
	// prefix of the reference space.
	IsReadOnly(ref Ref) bool
}

type freeMode uint8

const (
	freeNoop freeMode = iota
	freeUnalloc
	freeUnmap
)

type slab struct {
	// refEnd is the exclusive upper bound of this slab in reference space.
	// The slab begins at the previous slab's refEnd, or at the baseline for
	// the first slab.
	refEnd int64
	buf    []byte
}

type freeBlock struct {
	ref  int64
	size int64
}

// SlabAlloc maps a read-only attached buffer or file plus a growable chain
// of mutable slabs into a single reference space. Refs below the baseline
// address the attached region; refs at or above it address slabs.
//
// A SlabAlloc is owned by a single writer and performs no locking.
type SlabAlloc struct {
	logger   Logger
	data     []byte // attached read-only region; len(data) == baseline once attached to a buffer or file
	baseline int64
	freeMode freeMode
	attached bool
	file     *os.File

	slabs []slab

	// freeSpace tracks reclaimable ranges inside slabs. freeReadOnly tracks
	// ranges inside the attached region freed since the last commit; they
	// are kept apart so commit math never mixes the two.
	freeSpace    []freeBlock
	freeReadOnly []freeBlock

	// freeSpaceInvalid is a sticky latch set when free-list maintenance
	// fails. While set, Alloc fails fast; FreeAll clears it.
	freeSpaceInvalid bool
}

// NewSlabAlloc returns an unattached allocator. All of the reference space
// is slab-backed; the baseline is a small reserved prefix so that ref zero
// keeps meaning "absent subtree".
func NewSlabAlloc() *SlabAlloc {
	return &SlabAlloc{
		logger:   DefaultLogger{},
		baseline: 8,
		freeMode: freeNoop,
		attached: true,
	}
}

var _ Allocator = (*SlabAlloc)(nil)

// Alloc implements Allocator. Free space is reused first-fit; otherwise a
// new slab is appended, sized to at least twice the span of the previous
// slab so the slab count stays logarithmic in the allocated volume.
func (a *SlabAlloc) Alloc(size int) (MemRef, error) {
	assertf(size > 0, "alloc of non-positive size %d", size)
	assertf(size&7 == 0, "alloc size %d is not a multiple of 8", size)

	if a.freeSpaceInvalid {
		return MemRef{}, ErrFreeSpaceInvalid
	}

	// Do we have a free space we can reuse?
	for i := range a.freeSpace {
		b := &a.freeSpace[i]
		if int64(size) <= b.size {
			ref := Ref(b.ref)
			rest := b.size - int64(size)
			if rest == 0 {
				a.freeSpace = append(a.freeSpace[:i], a.freeSpace[i+1:]...)
			} else {
				b.size = rest
				b.ref += int64(size)
			}
			return MemRef{Addr: a.Translate(ref), Ref: ref}, nil
		}
	}

	// Else, allocate a new slab. Round up to the nearest multiple of 256,
	// and make it at least as big as twice the previous slab.
	newSize := (int64(size-1) | 255) + 1
	currRefEnd := a.baseline
	if n := len(a.slabs); n > 0 {
		currRefEnd = a.slabs[n-1].refEnd
		prevRefEnd := a.baseline
		if n > 1 {
			prevRefEnd = a.slabs[n-2].refEnd
		}
		if min := 2 * (currRefEnd - prevRefEnd); newSize < min {
			newSize = min
		}
	}
	if newSize <= 0 || newSize > 1<<40 {
		return MemRef{}, ErrOutOfMemory
	}

	buf := crbytes.AllocAligned(int(newSize))
	a.slabs = append(a.slabs, slab{refEnd: currRefEnd + newSize, buf: buf})

	if unused := newSize - int64(size); unused > 0 {
		a.freeSpace = append(a.freeSpace, freeBlock{ref: currRefEnd + int64(size), size: unused})
	}

	ref := Ref(currRefEnd)
	return MemRef{Addr: buf, Ref: ref}, nil
}

// Free implements Allocator. Adjacent free ranges are merged, but never
// across a slab boundary, and never across the baseline. If the free lists
// are found to be inconsistent the invalid latch is set and the call returns
// silently; correctness of committed data must not depend on free-list
// integrity.
func (a *SlabAlloc) Free(ref Ref, addr []byte) {
	if invariants.Enabled {
		trans := a.Translate(ref)
		assertf(len(addr) > 0 && len(trans) > 0 && &addr[0] == &trans[0],
			"free of ref %d with a stale translation", ref)
	}

	// Free space in the read-only segment is tracked separately.
	readOnly := a.IsReadOnly(ref)
	var size int64
	if readOnly {
		size = int64(byteSizeFromHeader(addr))
	} else {
		size = int64(headerGetCapacity(addr))
	}
	refEnd := int64(ref) + size

	if a.freeSpaceInvalid {
		return
	}
	if readOnly {
		a.freeReadOnly = append(a.freeReadOnly, freeBlock{ref: int64(ref), size: size})
		return
	}
	if refEnd > a.slabRefEnd(int64(ref)) {
		// The node claims to extend past its slab; the header is corrupt and
		// the free lists can no longer be trusted.
		a.logger.Infof("free space tracking lost: %s extends past its slab", summarizeHeader(ref, addr))
		a.freeSpaceInvalid = true
		return
	}

	// Check if we can merge with the start of a free block. No
	// consolidation over slab borders.
	mergedWith := -1
	if !a.isSlabBoundary(refEnd) {
		for i := range a.freeSpace {
			if a.freeSpace[i].ref == refEnd {
				a.freeSpace[i].ref = int64(ref)
				a.freeSpace[i].size += size
				mergedWith = i
				break
			}
		}
	}

	// Check if we can merge with the end of a free block.
	if !a.isSlabBoundary(int64(ref)) {
		for i := range a.freeSpace {
			b := &a.freeSpace[i]
			if b.ref+b.size == int64(ref) {
				if mergedWith >= 0 {
					b.size += a.freeSpace[mergedWith].size
					a.freeSpace = append(a.freeSpace[:mergedWith], a.freeSpace[mergedWith+1:]...)
				} else {
					b.size += size
				}
				return
			}
		}
	}

	if mergedWith < 0 {
		// The free list is kept ordered by ref, which makes first-fit
		// deterministic: a freed hole is always preferred over leftover
		// space in a later slab.
		pos := sort.Search(len(a.freeSpace), func(i int) bool {
			return a.freeSpace[i].ref > int64(ref)
		})
		a.freeSpace = append(a.freeSpace, freeBlock{})
		copy(a.freeSpace[pos+1:], a.freeSpace[pos:])
		a.freeSpace[pos] = freeBlock{ref: int64(ref), size: size}
	}
}

// Realloc implements Allocator. There is no attempt at in-place growth.
func (a *SlabAlloc) Realloc(ref Ref, addr []byte, oldSize, newSize int) (MemRef, error) {
	assertf(newSize > 0 && newSize&7 == 0, "realloc to invalid size %d", newSize)

	newMem, err := a.Alloc(newSize)
	if err != nil {
		return MemRef{}, err
	}
	copy(newMem.Addr[:oldSize], addr[:oldSize])
	a.Free(ref, addr)
	return newMem, nil
}

// Translate implements Allocator.
func (a *SlabAlloc) Translate(ref Ref) []byte {
	if int64(ref) < a.baseline {
		return a.data[ref:a.baseline]
	}
	ndx := sort.Search(len(a.slabs), func(i int) bool {
		return a.slabs[i].refEnd > int64(ref)
	})
	assertf(ndx < len(a.slabs), "ref %d beyond end of reference space", ref)
	start := a.baseline
	if ndx > 0 {
		start = a.slabs[ndx-1].refEnd
	}
	return a.slabs[ndx].buf[int64(ref)-start:]
}

// IsReadOnly implements Allocator.
func (a *SlabAlloc) IsReadOnly(ref Ref) bool {
	return int64(ref) < a.baseline
}

// slabRefEnd returns the exclusive upper bound in reference space of the
// slab containing ref.
func (a *SlabAlloc) slabRefEnd(ref int64) int64 {
	ndx := sort.Search(len(a.slabs), func(i int) bool {
		return a.slabs[i].refEnd > ref
	})
	assertf(ndx < len(a.slabs), "ref %d beyond end of reference space", ref)
	return a.slabs[ndx].refEnd
}

// isSlabBoundary reports whether ref coincides with the end of some slab.
// Free-range coalescing must not cross such a point: the two sides live in
// different backing buffers.
func (a *SlabAlloc) isSlabBoundary(ref int64) bool {
	for i := range a.slabs {
		if a.slabs[i].refEnd == ref {
			return true
		}
	}
	return false
}

// TotalSize returns the exclusive upper bound of the reference space.
func (a *SlabAlloc) TotalSize() int64 {
	if n := len(a.slabs); n > 0 {
		return a.slabs[n-1].refEnd
	}
	return a.baseline
}

// FreeAll resets the free lists to cover all slab space and clears the
// invalid latch. Called after a commit has persisted everything reachable,
// at which point all scratch space is reclaimable.
func (a *SlabAlloc) FreeAll() {
	a.freeReadOnly = a.freeReadOnly[:0]
	a.freeSpace = a.freeSpace[:0]

	ref := a.baseline
	for i := range a.slabs {
		a.freeSpace = append(a.freeSpace, freeBlock{ref: ref, size: a.slabs[i].refEnd - ref})
		ref = a.slabs[i].refEnd
	}

	a.freeSpaceInvalid = false

	if invariants.Enabled && !a.isAllFree() {
		panic("slab allocator free lists inconsistent after FreeAll")
	}
}

// freeReadOnlyBlocks returns the ranges freed from the attached region since
// the last commit. It fails while the invalid latch is set, since the list
// may be incomplete.
func (a *SlabAlloc) freeReadOnlyBlocks() ([]freeBlock, error) {
	if a.freeSpaceInvalid {
		return nil, ErrFreeSpaceInvalid
	}
	return a.freeReadOnly, nil
}

// invalidateFreeSpace latches the allocator. Exposed for tests that need to
// exercise the sticky-failure path.
func (a *SlabAlloc) invalidateFreeSpace() {
	a.freeSpaceInvalid = true
}

// isAllFree reports whether the free list covers every slab exactly.
func (a *SlabAlloc) isAllFree() bool {
	if len(a.freeSpace) != len(a.slabs) {
		return false
	}
	ref := a.baseline
	for i := range a.slabs {
		size := a.slabs[i].refEnd - ref
		found := false
		for j := range a.freeSpace {
			if a.freeSpace[j].ref == ref {
				found = a.freeSpace[j].size == size
				break
			}
		}
		if !found {
			return false
		}
		ref = a.slabs[i].refEnd
	}
	return true
}

// verify checks that every free block fits within a single slab. Called
// from invariants-gated paths only.
func (a *SlabAlloc) verify() {
	for i := range a.freeSpace {
		b := a.freeSpace[i]
		end := a.slabRefEnd(b.ref)
		assertf(b.ref+b.size <= end, "free block [%d,%d) crosses slab end %d",
			b.ref, b.ref+b.size, end)
	}
}
