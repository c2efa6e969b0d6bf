// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// makeFileBuffer builds an attachable in-memory database image: the 24-byte
// header followed by the given node bytes, padded to 8-byte alignment.
func makeFileBuffer(nodes []byte) []byte {
	buf := make([]byte, 0, fileHeaderSize+len(nodes)+8)
	buf = append(buf, defaultFileHeader[:]...)
	buf = append(buf, nodes...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// makeIntNodeBytes encodes one integer array node at width 8.
func makeIntNodeBytes(values ...int64) []byte {
	payload := (len(values) + 7) &^ 7
	node := make([]byte, headerSize+payload)
	initHeader(node, false, false, false, wtypeBits, 8, len(values), 0)
	for i, v := range values {
		node[headerSize+i] = byte(v)
	}
	return node
}

func TestValidateBuffer(t *testing.T) {
	good := makeFileBuffer(makeIntNodeBytes(1, 2, 3))
	require.NoError(t, validateBuffer(good))

	t.Run("too-short", func(t *testing.T) {
		require.ErrorIs(t, validateBuffer(good[:16]), ErrInvalidDatabase)
	})
	t.Run("unaligned", func(t *testing.T) {
		require.ErrorIs(t, validateBuffer(good[:len(good)-1]), ErrInvalidDatabase)
	})
	t.Run("bad-magic", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[16] = 'X'
		require.ErrorIs(t, validateBuffer(bad), ErrInvalidDatabase)
	})
	t.Run("bad-version", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[fileOffVersion] = 1
		require.ErrorIs(t, validateBuffer(bad), ErrInvalidDatabase)
	})
	t.Run("top-ref-out-of-bounds", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		binary.LittleEndian.PutUint64(bad[0:], uint64(len(bad)+8))
		require.ErrorIs(t, validateBuffer(bad), ErrInvalidDatabase)
	})
	t.Run("version-of-unselected-slot-ignored", func(t *testing.T) {
		ok := append([]byte(nil), good...)
		ok[fileOffVersion+1] = 9 // slot B version; slot A is selected
		require.NoError(t, validateBuffer(ok))
	})
}

func TestAttachBufferAndTopRef(t *testing.T) {
	buf := makeFileBuffer(makeIntNodeBytes(7))
	a := NewSlabAlloc()
	require.NoError(t, a.AttachBuffer(buf, false))
	require.Equal(t, Ref(0), a.TopRef())
	require.True(t, a.IsReadOnly(Ref(24)))
	require.False(t, a.IsReadOnly(Ref(a.baseline)))
}

func TestCommitTopRefSurvivesCrash(t *testing.T) {
	buf := makeFileBuffer(makeIntNodeBytes(7))
	a := NewSlabAlloc()
	require.NoError(t, a.AttachBuffer(buf, false))

	// Publish ref 24 as the first root.
	require.NoError(t, a.CommitTopRef(Ref(24)))
	require.Equal(t, Ref(24), a.TopRef())

	// Write the next root into the alternate slot but "crash" before the
	// select-bit flip: a fresh attach still sees the old root.
	sel := buf[fileOffSelect] & 1
	alt := 1 - sel
	binary.LittleEndian.PutUint64(buf[int64(alt)*8:], 32)

	b := NewSlabAlloc()
	require.NoError(t, b.AttachBuffer(buf, false))
	require.Equal(t, Ref(24), b.TopRef())

	// Complete the flip; a fresh attach now sees the new root.
	buf[fileOffSelect] = buf[fileOffSelect]&^1 | alt

	c := NewSlabAlloc()
	require.NoError(t, c.AttachBuffer(buf, false))
	require.Equal(t, Ref(32), c.TopRef())
}

func TestAttachFileInitializesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.realm")
	opts := &Options{InitialFileSize: 4096, Logger: discardLogger{}}

	a := NewSlabAlloc()
	require.NoError(t, a.AttachFile(path, opts))
	require.Equal(t, int64(4096), a.baseline)
	require.Equal(t, Ref(0), a.TopRef())

	// The header is durable; a second attach validates it.
	require.NoError(t, a.Detach())
	b := NewSlabAlloc()
	require.NoError(t, b.AttachFile(path, opts))
	require.Equal(t, int64(4096), b.baseline)
	require.NoError(t, b.Detach())
}

func TestAttachFileReadOnlyEmptyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.realm")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	a := NewSlabAlloc()
	err = a.AttachFile(path, &Options{ReadOnly: true, Logger: discardLogger{}})
	require.ErrorIs(t, err, ErrInvalidDatabase)
}

func TestCommitTopRefFileDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commit.realm")
	opts := &Options{InitialFileSize: 4096, Logger: discardLogger{}}

	a := NewSlabAlloc()
	require.NoError(t, a.AttachFile(path, opts))
	require.NoError(t, a.CommitTopRef(Ref(24)))
	require.Equal(t, Ref(24), a.TopRef())
	require.NoError(t, a.Detach())

	b := NewSlabAlloc()
	require.NoError(t, b.AttachFile(path, opts))
	require.Equal(t, Ref(24), b.TopRef())
	require.NoError(t, b.Detach())
}

func TestRemapRebasesSlabs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remap.realm")
	opts := &Options{InitialFileSize: 4096, Logger: discardLogger{}}

	a := NewSlabAlloc()
	require.NoError(t, a.AttachFile(path, opts))

	m := allocNodeBytes(t, a, 1024)
	require.Equal(t, int64(4096), int64(m.Ref))
	a.FreeAll()

	require.NoError(t, os.Truncate(path, 8192))
	_, err := a.Remap(8192)
	require.NoError(t, err)

	require.Equal(t, int64(8192), a.baseline)
	// The slab kept its span but now starts at the new baseline.
	require.Equal(t, int64(8192), a.freeSpace[0].ref)
	require.Equal(t, a.slabs[0].refEnd, a.freeSpace[0].ref+a.freeSpace[0].size)

	// Allocation works against the rebased slab.
	m2, err := a.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, Ref(8192), m2.Ref)
	initHeader(m2.Addr, false, false, false, wtypeBits, 0, 0, 64)
	a.FreeAll()
	require.NoError(t, a.Detach())
}

type discardLogger struct{}

func (discardLogger) Infof(format string, args ...interface{})  {}
func (discardLogger) Fatalf(format string, args ...interface{}) {}
