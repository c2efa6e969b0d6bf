// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import (
	"encoding/binary"

	"github.com/cockroachdb/redact"
)

// Every array node is prefixed by an 8-byte header:
//
//	offset 0..2   size, 24-bit little-endian unsigned element count
//	offset 3      flags byte
//	offset 4..7   capacity in bytes (mutable node) or checksum slot
//	              (read-only node); 32-bit little-endian
//
// Flags byte, from the high bit down:
//
//	bit 7     is_inner_bptree_node
//	bit 6     has_refs
//	bit 5     context_flag
//	bits 4..3 width scheme (00=bits, 01=bytes, 10=ignore, 11=reserved)
//	bits 2..0 width index (000..111 selects 0,1,2,4,8,16,32,64 bits)
//
// Which of capacity/checksum occupies the last word is known from the ref:
// below the allocator baseline the node is immutable and the word is the
// checksum slot (reserved, written as zero); otherwise it is the total
// allocated byte count including the header.
const (
	headerSize = 8

	// The capacity word is constrained to 24 significant bits for
	// compatibility with the persisted format, which bounds the payload of a
	// single node.
	maxNodePayload        = 1<<24 - 1
	maxNodePayloadAligned = maxNodePayload &^ 7

	// initialNodeCapacity is the byte size of a freshly created empty node,
	// header included.
	initialNodeCapacity = 128
)

// WidthType selects how the width field scales element storage.
type WidthType uint8

const (
	// wtypeBits: storage is ceil(width*size/8) bytes.
	wtypeBits WidthType = 0
	// wtypeBytes: storage is width*size bytes.
	wtypeBytes WidthType = 1
	// wtypeIgnore: width is ignored and storage is exactly size bytes.
	wtypeIgnore WidthType = 2
)

// widthForIndex maps the 3-bit width index to a width in bits.
var widthForIndex = [8]uint8{0, 1, 2, 4, 8, 16, 32, 64}

// widthIndexFor returns the 3-bit encoding of a width. The width must be one
// of the eight legal values.
func widthIndexFor(width uint8) uint8 {
	switch width {
	case 0:
		return 0
	case 1:
		return 1
	case 2:
		return 2
	case 4:
		return 3
	case 8:
		return 4
	case 16:
		return 5
	case 32:
		return 6
	case 64:
		return 7
	}
	assertf(false, "width %d is not one of the eight legal values", width)
	return 0
}

func headerGetSize(h []byte) int {
	return int(h[0]) | int(h[1])<<8 | int(h[2])<<16
}

func headerSetSize(h []byte, size int) {
	assertf(size >= 0 && size <= maxNodePayload, "node size %d out of range", size)
	h[0] = byte(size)
	h[1] = byte(size >> 8)
	h[2] = byte(size >> 16)
}

func headerGetIsInner(h []byte) bool   { return h[3]&0x80 != 0 }
func headerGetHasRefs(h []byte) bool   { return h[3]&0x40 != 0 }
func headerGetContext(h []byte) bool   { return h[3]&0x20 != 0 }
func headerGetWType(h []byte) WidthType {
	return WidthType(h[3] >> 3 & 0x3)
}
func headerGetWidth(h []byte) uint8 {
	return widthForIndex[h[3]&0x7]
}

func headerSetIsInner(h []byte, v bool) {
	if v {
		h[3] |= 0x80
	} else {
		h[3] &^= 0x80
	}
}

func headerSetHasRefs(h []byte, v bool) {
	if v {
		h[3] |= 0x40
	} else {
		h[3] &^= 0x40
	}
}

func headerSetContext(h []byte, v bool) {
	if v {
		h[3] |= 0x20
	} else {
		h[3] &^= 0x20
	}
}

func headerSetWType(h []byte, wtype WidthType) {
	h[3] = h[3]&^0x18 | uint8(wtype)<<3
}

func headerSetWidth(h []byte, width uint8) {
	h[3] = h[3]&^0x7 | widthIndexFor(width)
}

func headerGetCapacity(h []byte) int {
	return int(binary.LittleEndian.Uint32(h[4:8]))
}

func headerSetCapacity(h []byte, capacity int) {
	assertf(capacity >= 0 && capacity <= maxNodePayload, "node capacity %d out of range", capacity)
	binary.LittleEndian.PutUint32(h[4:8], uint32(capacity))
}

// initHeader writes a complete header.
func initHeader(
	h []byte, isInner, hasRefs, context bool, wtype WidthType, width uint8, size, capacity int,
) {
	h[3] = 0
	headerSetIsInner(h, isInner)
	headerSetHasRefs(h, hasRefs)
	headerSetContext(h, context)
	headerSetWType(h, wtype)
	headerSetWidth(h, width)
	headerSetSize(h, size)
	headerSetCapacity(h, capacity)
}

// byteSizeFromHeader returns the number of bytes a node occupies, header
// included, as implied by its size, width and width scheme. This is the
// figure used when freeing nodes in the read-only region, where no capacity
// word is maintained.
func byteSizeFromHeader(h []byte) int {
	size := headerGetSize(h)
	width := int(headerGetWidth(h))
	var payload int
	switch headerGetWType(h) {
	case wtypeBits:
		payload = (size*width + 7) / 8
	case wtypeBytes:
		payload = size * width
	default: // wtypeIgnore
		payload = size
	}
	return headerSize + payload
}

// calcByteLen returns the unaligned byte size, header included, needed to
// hold n elements of the given width under the bits scheme.
func calcByteLen(n int, width uint8) int {
	bits := n * int(width)
	return headerSize + (bits+7)/8
}

// calcItemCount returns how many elements of the given width fit in a node
// of the given total byte size. A zero width gives effectively unbounded
// room.
func calcItemCount(byteSize int, width uint8) int {
	if width == 0 {
		return int(^uint(0) >> 1) // zero width occupies no payload
	}
	payloadBits := (byteSize - headerSize) * 8
	return payloadBits / int(width)
}

// calcAlignedByteSize returns the 8-byte-aligned total byte size for n
// elements of the given nonzero width, or ErrOverflow if the figure does not
// fit the header's capacity field.
func calcAlignedByteSize(n int, width uint8) (int, error) {
	assertf(width != 0 && width&(width-1) == 0, "width %d is not a power of two", width)
	var payload int
	if width < 8 {
		elemsPerByte := 8 / int(width)
		payload = n / elemsPerByte
		if n%elemsPerByte != 0 {
			payload++
		}
	} else {
		payload = n * (int(width) / 8)
	}
	byteSize := headerSize + payload
	aligned := (byteSize + 7) &^ 7
	if payload < 0 || aligned > maxNodePayloadAligned {
		return 0, overflowf("%d elements at width %d need %d bytes", n, width, byteSize)
	}
	return aligned, nil
}

// headerSummary is a decoded header, used for redaction-safe diagnostics.
type headerSummary struct {
	ref      Ref
	size     int
	width    uint8
	wtype    WidthType
	isInner  bool
	hasRefs  bool
	context  bool
	capacity int
}

func summarizeHeader(ref Ref, h []byte) headerSummary {
	return headerSummary{
		ref:      ref,
		size:     headerGetSize(h),
		width:    headerGetWidth(h),
		wtype:    headerGetWType(h),
		isInner:  headerGetIsInner(h),
		hasRefs:  headerGetHasRefs(h),
		context:  headerGetContext(h),
		capacity: headerGetCapacity(h),
	}
}

var _ redact.SafeFormatter = headerSummary{}

// SafeFormat implements redact.SafeFormatter. All header fields are
// structural and safe to log.
func (s headerSummary) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("node ref=%d size=%d width=%d wtype=%d flags=", s.ref, s.size, s.width, int(s.wtype))
	if s.isInner {
		w.SafeString("B")
	}
	if s.hasRefs {
		w.SafeString("R")
	}
	if s.context {
		w.SafeString("C")
	}
	w.Printf(" cap=%d", s.capacity)
}

func (s headerSummary) String() string {
	return redact.StringWithoutMarkers(s)
}
