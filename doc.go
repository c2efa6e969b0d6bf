// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package realm implements the core on-disk storage engine of an embedded
// database: a bit-packed variable-width array node, a copy-on-write slab
// allocator over a single mapped file, and the B+-tree protocol layered on
// top of them.
//
// Every higher-level structure of the database (integer, string and mixed
// columns, indexes) is materialized as a tree of array nodes persisted in
// one file. The column layers are clients of this package: each holds a root
// ref and supplies leaf-level logic through the handler interfaces of the
// tree protocol.
//
// Elements are packed at one of eight bit widths (0, 1, 2, 4, 8, 16, 32, 64)
// chosen to fit the current value range and promoted on demand. Persistence
// is crash-consistent: the file header carries two top-refs, and a commit
// writes the alternate slot before flipping the one-byte select bit, so a
// reader observes either the old root and all data reachable from it, or the
// new one. Mutation never writes below the allocator's baseline; nodes in
// the mapped region are copied to slabs on first write and the parent's slot
// is redirected to the copy.
//
// The engine is single-writer. Readers may hold any previously committed
// root concurrently with the writer; the package itself performs no locking.
package realm
