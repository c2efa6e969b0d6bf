// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

// Options holds the parameters for attaching a database file. The zero value
// is usable after EnsureDefaults.
type Options struct {
	// Logger receives attach-path log messages. Defaults to DefaultLogger.
	Logger Logger

	// ReadOnly opens the file without write access. An empty file cannot be
	// initialized in read-only mode and fails attach validation.
	ReadOnly bool

	// NoCreate refuses to create a missing file.
	NoCreate bool

	// InitialFileSize is the size a freshly created file is extended to
	// after the default header is written. Defaults to 1 MiB.
	InitialFileSize int64

	// MaxLeafSize is the B+-tree leaf capacity to use with this database.
	// Defaults to 1000; values below 2 are replaced by the default. The tree
	// functions (BptreeInsert, BptreeLeafInsert) take their capacity as an
	// argument and do not read this field.
	MaxLeafSize int
}

// EnsureDefaults fills in unset fields and returns the receiver for chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
	if o.InitialFileSize <= 0 {
		o.InitialFileSize = 1 << 20
	}
	if o.MaxLeafSize < 2 {
		o.MaxLeafSize = 1000
	}
	return o
}
