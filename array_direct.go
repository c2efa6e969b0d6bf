// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import "encoding/binary"

// Element access is dispatched through a vtable of width-specialized
// functions installed whenever the width changes, so the hot get/set/scan
// paths carry no data-dependent width checks inside their inner loops.
//
// 0-bit arrays store only the constant zero. 1/2/4-bit arrays store unsigned
// values packed low-bit first within each byte. 8/16/32/64-bit arrays store
// two's-complement signed values, little-endian.

type getterFunc func(a *Array, ndx int) int64
type setterFunc func(a *Array, ndx int, v int64)
type chunkFunc func(a *Array, ndx int, res *[8]int64)

type vtable struct {
	getter getterFunc
	setter setterFunc
	chunk  chunkFunc
}

// vtables is indexed by width index (0..7 selecting widths 0..64).
var vtables = [8]vtable{
	{getter: get0, setter: set0, chunk: chunkSmall(0)},
	{getter: get1, setter: set1, chunk: chunkSmall(1)},
	{getter: get2, setter: set2, chunk: chunkSmall(2)},
	{getter: get4, setter: set4, chunk: chunkSmall(4)},
	{getter: get8, setter: set8, chunk: chunkWide(8)},
	{getter: get16, setter: set16, chunk: chunkWide(16)},
	{getter: get32, setter: set32, chunk: chunkWide(32)},
	{getter: get64, setter: set64, chunk: chunkWide(64)},
}

func get0(*Array, int) int64 { return 0 }

func get1(a *Array, ndx int) int64 {
	return int64(a.data[ndx>>3] >> (ndx & 7) & 1)
}

func get2(a *Array, ndx int) int64 {
	return int64(a.data[ndx>>2] >> ((ndx&3)*2) & 3)
}

func get4(a *Array, ndx int) int64 {
	return int64(a.data[ndx>>1] >> ((ndx&1)*4) & 15)
}

func get8(a *Array, ndx int) int64 {
	return int64(int8(a.data[ndx]))
}

func get16(a *Array, ndx int) int64 {
	return int64(int16(binary.LittleEndian.Uint16(a.data[ndx*2:])))
}

func get32(a *Array, ndx int) int64 {
	return int64(int32(binary.LittleEndian.Uint32(a.data[ndx*4:])))
}

func get64(a *Array, ndx int) int64 {
	return int64(binary.LittleEndian.Uint64(a.data[ndx*8:]))
}

func set0(a *Array, ndx int, v int64) {
	// Zero-width arrays hold only zeroes; the value was checked against the
	// width bounds before dispatch.
}

func set1(a *Array, ndx int, v int64) {
	shift := uint(ndx & 7)
	a.data[ndx>>3] = a.data[ndx>>3]&^(1<<shift) | byte(v&1)<<shift
}

func set2(a *Array, ndx int, v int64) {
	shift := uint((ndx & 3) * 2)
	a.data[ndx>>2] = a.data[ndx>>2]&^(3<<shift) | byte(v&3)<<shift
}

func set4(a *Array, ndx int, v int64) {
	shift := uint((ndx & 1) * 4)
	a.data[ndx>>1] = a.data[ndx>>1]&^(15<<shift) | byte(v&15)<<shift
}

func set8(a *Array, ndx int, v int64) {
	a.data[ndx] = byte(v)
}

func set16(a *Array, ndx int, v int64) {
	binary.LittleEndian.PutUint16(a.data[ndx*2:], uint16(v))
}

func set32(a *Array, ndx int, v int64) {
	binary.LittleEndian.PutUint32(a.data[ndx*4:], uint32(v))
}

func set64(a *Array, ndx int, v int64) {
	binary.LittleEndian.PutUint64(a.data[ndx*8:], uint64(v))
}

// chunkSmall reads up to 8 consecutive sub-byte elements. When enough
// payload follows, a single word read plus shifts replaces eight bit
// extractions; this is several times faster than repeated gets.
func chunkSmall(w uint) chunkFunc {
	return func(a *Array, ndx int, res *[8]int64) {
		if w != 0 && ndx+32 < a.size {
			var c uint64
			byteAlign := ndx / (8 / int(w))
			switch w {
			case 1:
				c = uint64(binary.LittleEndian.Uint16(a.data[byteAlign:]))
				c >>= uint(ndx-byteAlign*8) * w
			case 2:
				c = uint64(binary.LittleEndian.Uint32(a.data[byteAlign:]))
				c >>= uint(ndx-byteAlign*4) * w
			case 4:
				c = binary.LittleEndian.Uint64(a.data[byteAlign:])
				c >>= uint(ndx-byteAlign*2) * w
			}
			mask := uint64(1)<<w - 1
			for i := 0; i < 8; i++ {
				res[i] = int64(c >> (uint(i) * w) & mask)
			}
			return
		}
		i := 0
		for ; i+ndx < a.size && i < 8; i++ {
			res[i] = a.getter(a, ndx+i)
		}
		for ; i < 8; i++ {
			res[i] = 0
		}
	}
}

func chunkWide(w uint) chunkFunc {
	return func(a *Array, ndx int, res *[8]int64) {
		i := 0
		for ; i+ndx < a.size && i < 8; i++ {
			res[i] = a.getter(a, ndx+i)
		}
		for ; i < 8; i++ {
			res[i] = 0
		}
	}
}

// setDirect writes element ndx of a raw payload at the given width.
func setDirect(data []byte, width uint8, ndx int, v int64) {
	switch width {
	case 0:
		// Zero-width arrays hold only zeroes.
	case 1:
		shift := uint(ndx & 7)
		data[ndx>>3] = data[ndx>>3]&^(1<<shift) | byte(v&1)<<shift
	case 2:
		shift := uint((ndx & 3) * 2)
		data[ndx>>2] = data[ndx>>2]&^(3<<shift) | byte(v&3)<<shift
	case 4:
		shift := uint((ndx & 1) * 4)
		data[ndx>>1] = data[ndx>>1]&^(15<<shift) | byte(v&15)<<shift
	case 8:
		data[ndx] = byte(v)
	case 16:
		binary.LittleEndian.PutUint16(data[ndx*2:], uint16(v))
	case 32:
		binary.LittleEndian.PutUint32(data[ndx*4:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(data[ndx*8:], uint64(v))
	}
}

// fillDirect writes value into the elements [begin, end) of a raw payload.
func fillDirect(data []byte, width uint8, begin, end int, value int64) {
	for i := begin; i < end; i++ {
		setDirect(data, width, i, value)
	}
}

// getDirect reads element ndx of a node given only its raw bytes, without
// materializing an accessor. Used by tree descent and deep destroy.
func getDirect(data []byte, width uint8, ndx int) int64 {
	switch width {
	case 0:
		return 0
	case 1:
		return int64(data[ndx>>3] >> (ndx & 7) & 1)
	case 2:
		return int64(data[ndx>>2] >> ((ndx&3)*2) & 3)
	case 4:
		return int64(data[ndx>>1] >> ((ndx&1)*4) & 15)
	case 8:
		return int64(int8(data[ndx]))
	case 16:
		return int64(int16(binary.LittleEndian.Uint16(data[ndx*2:])))
	case 32:
		return int64(int32(binary.LittleEndian.Uint32(data[ndx*4:])))
	default:
		return int64(binary.LittleEndian.Uint64(data[ndx*8:]))
	}
}

// getFromHeader reads element ndx of a header-prefixed node.
func getFromHeader(h []byte, ndx int) int64 {
	return getDirect(h[headerSize:], headerGetWidth(h), ndx)
}

// getTwoFromHeader reads elements ndx and ndx+1 of a header-prefixed node.
func getTwoFromHeader(h []byte, ndx int) (int64, int64) {
	data, width := h[headerSize:], headerGetWidth(h)
	return getDirect(data, width, ndx), getDirect(data, width, ndx+1)
}

// upperBoundDirect returns the index of the first element greater than
// value, assuming the first size elements are sorted ascending.
func upperBoundDirect(data []byte, width uint8, size int, value int64) int {
	lo, hi := 0, size
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if value < getDirect(data, width, mid) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// lowerBoundDirect returns the index of the first element not less than
// value, assuming the first size elements are sorted ascending.
func lowerBoundDirect(data []byte, width uint8, size int, value int64) int {
	lo, hi := 0, size
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if getDirect(data, width, mid) < value {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// bitWidth returns the smallest width in {0,1,2,4,8,16,32,64} that can hold
// the signed value.
func bitWidth(v int64) uint8 {
	if uint64(v)>>4 == 0 {
		var bits = [16]uint8{0, 1, 2, 2, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4, 4}
		return bits[v]
	}
	// Flip all bits if bit 63 is set; the sign bit then no longer
	// participates and the magnitude test below covers both signs.
	if v < 0 {
		v = ^v
	}
	switch {
	case uint64(v)>>31 != 0:
		return 64
	case uint64(v)>>15 != 0:
		return 32
	case uint64(v)>>7 != 0:
		return 16
	default:
		return 8
	}
}

// lboundForWidth and uboundForWidth give the inclusive value range
// representable at each width.
func lboundForWidth(width uint8) int64 {
	switch width {
	case 8:
		return -0x80
	case 16:
		return -0x8000
	case 32:
		return -0x80000000
	case 64:
		return -0x8000000000000000
	default:
		return 0
	}
}

func uboundForWidth(width uint8) int64 {
	switch width {
	case 0:
		return 0
	case 1:
		return 1
	case 2:
		return 3
	case 4:
		return 15
	case 8:
		return 0x7F
	case 16:
		return 0x7FFF
	case 32:
		return 0x7FFFFFFF
	default:
		return 0x7FFFFFFFFFFFFFFF
	}
}
