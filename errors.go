// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

import (
	"github.com/cockroachdb/errors"
)

// The engine classifies failures into a small set of kinds. Callers are
// expected to test with errors.Is against the sentinels below; the concrete
// errors carry contextual detail added with errors.Newf/Wrapf at the point of
// failure.
var (
	// ErrOutOfMemory indicates that the allocator could not extend its
	// backing store.
	ErrOutOfMemory = errors.New("realm: out of memory")

	// ErrFreeSpaceInvalid indicates that free space tracking was lost due to
	// an earlier partial failure. The latch is sticky: allocation fails fast
	// until the free lists are rebuilt by a successful commit.
	ErrFreeSpaceInvalid = errors.New("realm: free space tracking was lost")

	// ErrInvalidDatabase indicates that a buffer or file presented to the
	// attach path failed header validation.
	ErrInvalidDatabase = errors.New("realm: invalid database")

	// ErrOverflow indicates that a requested allocation or computed byte
	// size exceeds what the node header's capacity field can encode.
	ErrOverflow = errors.New("realm: size overflow")
)

// invalidDatabasef constructs an attach-path validation error that wraps
// ErrInvalidDatabase.
func invalidDatabasef(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidDatabase, format, args...)
}

func overflowf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrOverflow, format, args...)
}

// assertf reports a precondition violation. These are bugs in the caller
// (index out of range, misuse of an accessor), not runtime-recoverable
// conditions, so they panic with an assertion failure.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(errors.AssertionFailedf("realm: "+format, args...))
	}
}
