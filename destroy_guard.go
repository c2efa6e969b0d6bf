// Copyright 2026 The Realm-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package realm

// The guards below give multi-step constructions a single commit point:
// arm a guard over the partially built structure, build, and release only
// when the whole operation has succeeded. A function that returns early
// (on any error) fires the guard from its defer and the partial structure
// is returned to the allocator.

// deepDestroyGuard deep-destroys the subtree under an accessor.
type deepDestroyGuard struct {
	alloc    Allocator
	arr      *Array
	released bool
}

func (g *deepDestroyGuard) release() { g.released = true }

func (g *deepDestroyGuard) fire() {
	if g.released || g.arr == nil || !g.arr.IsAttached() {
		return
	}
	g.arr.DestroyDeep()
}

// refDestroyGuard deep-destroys the subtree at a ref. Ownership moves in
// and out by assigning the ref field; zero means nothing is currently
// owned.
type refDestroyGuard struct {
	alloc Allocator
	ref   Ref
}

func (g *refDestroyGuard) fire() {
	if g.ref == 0 {
		return
	}
	destroyDeep(g.ref, g.alloc)
}
