// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

// Ref names an array node in the global reference space. Refs are byte
// offsets, always a multiple of 8. A ref below the allocator's baseline
// addresses the read-only mapped region; at or above, a slab. Ref zero means
// "absent subtree".
//
// Slots of a has-refs array hold either a ref (even, as-is) or an embedded
// integer tagged by shifting left one bit and setting the low bit. Any slot
// value with bit 0 set is therefore an integer, never a ref.
type Ref uint64

// nullRef is the absent-subtree sentinel.
const nullRef Ref = 0

// refFromSlot interprets a slot value as a ref. The value must be even and
// non-negative; callers classify with isRefSlot first.
func refFromSlot(v int64) Ref {
	assertf(v >= 0 && v&1 == 0, "slot value %d is not a ref", v)
	return Ref(v)
}

// slotFromRef encodes a ref for storage in a slot. Refs use the even
// encoding, so this is the identity.
func slotFromRef(ref Ref) int64 {
	return int64(ref)
}

// intToTagged encodes an embedded integer for storage in a has-refs slot.
// One bit of range is lost to the tag.
func intToTagged(v int64) int64 {
	return v<<1 | 1
}

// taggedToInt decodes a tagged slot value. The arithmetic shift preserves
// sign.
func taggedToInt(v int64) int64 {
	return v >> 1
}

// isRefSlot reports whether a slot value of a has-refs array is a ref to a
// child node. Zero (absent subtree) and tagged integers are not refs.
func isRefSlot(v int64) bool {
	return v != 0 && v&1 == 0
}

// MemRef pairs a ref with its current translation. Ref is the stable
// identity; Addr is a cache that aliases the backing region starting at the
// node header and stays valid until the next allocator mutation that could
// remap.
type MemRef struct {
	Addr []byte
	Ref  Ref
}
