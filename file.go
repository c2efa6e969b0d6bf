// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import (
	"encoding/binary"
	"os"

	"github.com/VaiyeBe/realm-core/internal/invariants"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// A database file is laid out as three 64-bit words followed by the first
// allocation:
//
//	bytes 0..7    top-ref A, 64-bit little-endian
//	bytes 8..15   top-ref B
//	bytes 16..19  magic 'T','-','D','B'
//	bytes 20,21   format versions for A and B (currently 0)
//	byte  22      reserved
//	byte  23      bit 0 selects A (0) or B (1); other bits reserved
//	bytes 24..    array nodes, each 8-byte aligned, header-prefixed
//
// Only one top-ref is current at any time. Commit writes the alternate slot
// first and flips the select bit last, so an abrupt process death at any
// point leaves the previously committed state intact.
const (
	fileHeaderSize = 24

	fileOffTopRefA = 0
	fileOffTopRefB = 8
	fileOffMagic   = 16
	fileOffVersion = 20
	fileOffSelect  = 23
)

var defaultFileHeader = [fileHeaderSize]byte{
	0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0,
	'T', '-', 'D', 'B', 0, 0, 0, 0,
}

// validateBuffer checks the structural validity of an attached buffer: the
// length, the magic, the format version of the selected slot, and that the
// selected top-ref lies within the buffer.
func validateBuffer(data []byte) error {
	if len(data) < fileHeaderSize || len(data)&7 != 0 {
		return invalidDatabasef("buffer length %d", len(data))
	}
	if data[16] != 'T' || data[17] != '-' || data[18] != 'D' || data[19] != 'B' {
		return invalidDatabasef("bad magic")
	}
	sel := int(data[fileOffSelect] & 1)
	if version := data[fileOffVersion+sel]; version != 0 {
		return invalidDatabasef("unsupported format version %d", version)
	}
	topRef := binary.LittleEndian.Uint64(data[sel*8:])
	if topRef >= uint64(len(data)) {
		return invalidDatabasef("top ref %d outside buffer of length %d", topRef, len(data))
	}
	return nil
}

// AttachFile memory-maps the file at path as the read-only region of the
// reference space. An empty writable file is initialized with the default
// header and pre-allocated to opts.InitialFileSize.
func (a *SlabAlloc) AttachFile(path string, opts *Options) error {
	opts.EnsureDefaults()
	assertf(!a.attached || a.data == nil, "allocator is already attached")

	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	} else if !opts.NoCreate {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return errors.Wrapf(err, "realm: attach")
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "realm: attach")
	}
	size := info.Size()

	if size == 0 {
		// An existing file that is empty can happen if another process is
		// in the middle of creating it; in read-only mode that is
		// indistinguishable from a corrupt file.
		if opts.ReadOnly {
			_ = f.Close()
			return invalidDatabasef("empty file opened read-only")
		}
		if _, err := f.WriteAt(defaultFileHeader[:], 0); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "realm: initialize")
		}
		if err := f.Truncate(opts.InitialFileSize); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "realm: initialize")
		}
		size = opts.InitialFileSize
		opts.Logger.Infof("initialized empty database file %s (%d bytes)", path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "realm: mmap")
	}
	if err := validateBuffer(data); err != nil {
		_ = unix.Munmap(data)
		_ = f.Close()
		return err
	}

	a.logger = opts.Logger
	a.data = data
	a.baseline = size
	a.freeMode = freeUnmap
	a.file = f
	a.attached = true
	return nil
}

// AttachBuffer attaches a caller-supplied buffer as the read-only region.
// With takeOwnership the buffer is released on Detach; otherwise the caller
// keeps it alive for the lifetime of the attachment.
func (a *SlabAlloc) AttachBuffer(data []byte, takeOwnership bool) error {
	if err := validateBuffer(data); err != nil {
		return err
	}
	a.data = data
	a.baseline = int64(len(data))
	if takeOwnership {
		a.freeMode = freeUnalloc
	} else {
		a.freeMode = freeNoop
	}
	a.attached = true
	return nil
}

// Detach releases the mapping, the file handle and all slabs. With
// invariants enabled, a detach while allocated slab space is outstanding
// reports a leak.
func (a *SlabAlloc) Detach() error {
	if invariants.Enabled && !a.freeSpaceInvalid && len(a.slabs) > 0 && !a.isAllFree() {
		panic("slab allocator detected a leak on detach")
	}
	a.slabs = nil
	a.freeSpace = nil
	a.freeReadOnly = nil

	var err error
	if a.data != nil {
		switch a.freeMode {
		case freeNoop, freeUnalloc:
			// The garbage collector reclaims the buffer.
		case freeUnmap:
			err = unix.Munmap(a.data)
		}
		a.data = nil
	}
	if a.file != nil {
		if cerr := a.file.Close(); err == nil {
			err = cerr
		}
		a.file = nil
	}
	a.baseline = 8
	a.attached = false
	return errors.Wrapf(err, "realm: detach")
}

// TopRef returns the currently selected top ref. Zero means the database
// has no root yet.
func (a *SlabAlloc) TopRef() Ref {
	assertf(a.attached && a.baseline >= fileHeaderSize, "allocator is not attached")
	sel := int(a.data[fileOffSelect] & 1)
	ref := Ref(binary.LittleEndian.Uint64(a.data[sel*8:]))
	assertf(int64(ref) < a.baseline, "top ref %d outside attached region", ref)
	return ref
}

// CommitTopRef durably publishes newRef as the database root: the alternate
// top-ref slot is written and synced first, then the select bit is flipped
// and synced. A crash between the two steps leaves the previous root
// current.
//
// newRef must address previously persisted data below the baseline.
func (a *SlabAlloc) CommitTopRef(newRef Ref) error {
	assertf(a.attached && a.baseline >= fileHeaderSize, "allocator is not attached")
	assertf(int64(newRef) < a.baseline, "top ref %d is not below the baseline", newRef)

	sel := a.data[fileOffSelect] & 1
	alt := 1 - sel

	var slot [8]byte
	binary.LittleEndian.PutUint64(slot[:], uint64(newRef))
	newSelect := a.data[fileOffSelect]&^1 | alt

	if a.file != nil {
		if _, err := a.file.WriteAt(slot[:], int64(alt)*8); err != nil {
			return errors.Wrapf(err, "realm: commit")
		}
		if err := a.file.Sync(); err != nil {
			return errors.Wrapf(err, "realm: commit")
		}
		if _, err := a.file.WriteAt([]byte{newSelect}, fileOffSelect); err != nil {
			return errors.Wrapf(err, "realm: commit")
		}
		if err := a.file.Sync(); err != nil {
			return errors.Wrapf(err, "realm: commit")
		}
		return nil
	}

	// Buffer-backed: the header words are the one sanctioned mutation below
	// the baseline.
	copy(a.data[int64(alt)*8:], slot[:])
	a.data[fileOffSelect] = newSelect
	return nil
}

// Remap grows the read-only mapping to fileSize and rebases the slabs past
// the new baseline. It must only be called right after FreeAll, when every
// slab is entirely free. Returns whether the base address of the mapping
// changed.
func (a *SlabAlloc) Remap(fileSize int64) (bool, error) {
	assertf(len(a.freeReadOnly) == 0, "remap with pending read-only free space")
	assertf(len(a.slabs) == len(a.freeSpace), "remap with slabs in use")
	assertf(a.baseline <= fileSize, "remap cannot shrink the mapping")
	assertf(fileSize&7 == 0, "remap size %d is not 8-byte aligned", fileSize)

	old := a.data
	var data []byte
	if a.freeMode == freeUnmap {
		if err := unix.Munmap(old); err != nil {
			return false, errors.Wrapf(err, "realm: remap")
		}
		var err error
		data, err = unix.Mmap(int(a.file.Fd()), 0, int(fileSize), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			a.data = nil
			return false, errors.Wrapf(err, "realm: remap")
		}
	} else {
		assertf(int64(len(old)) >= fileSize, "buffer-backed remap beyond buffer length")
		data = old[:fileSize]
	}

	addrChanged := len(old) == 0 || len(data) == 0 || &old[0] != &data[0]
	a.logger.Infof("remapped database file: %d -> %d bytes", a.baseline, fileSize)
	a.data = data
	a.baseline = fileSize

	// Rebase slabs and the free list: the slabs keep their spans but shift
	// to start at the new baseline.
	offset := fileSize
	for i := range a.slabs {
		a.freeSpace[i].ref = offset
		offset += a.freeSpace[i].size
		a.slabs[i].refEnd = offset
	}
	return addrChanged, nil
}
