// Package aml implements the AML object namespace: packed four-character
// names, overlay-scoped staging during method execution, name-path
// resolution, and commit/discard, including the overlay chain-collision
// check, the single-segment-unanchored retry rule, and the commit
// partial-failure semantics (grounding details in DESIGN.md).
package aml

import (
	"sync"

	"patchwork/internal/defs"
)

// Name32 is a packed four-ASCII-character object name, ACPI-style
// (names shorter than four characters are right-padded with '_').
type Name32 uint32

// PackName packs s (at most four characters) into a Name32.
func PackName(s string) (Name32, defs.Err_t) {
	if len(s) > 4 {
		return 0, defs.EINVAL
	}
	var b [4]byte
	for i := range b {
		b[i] = '_'
	}
	copy(b[:], s)
	return Name32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24), defs.EOK
}

// String unpacks n back to its four-character form, trailing '_' kept.
func (n Name32) String() string {
	b := [4]byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
	return string(b[:])
}

// Type tags what kind of AML object this is. The concrete set matters
// only to callers (device enumeration, method evaluation); the
// namespace itself only special-cases Alias for resolution.
type Type int

const (
	TypeDevice Type = iota
	TypeMethod
	TypeField
	TypePackage
	TypeInteger
	TypeString
	TypeBuffer
	TypeScope
	TypeAlias
)

// Object is one named node in the AML tree.
type Object struct {
	id      uint64
	Name    Name32
	Type    Type
	Parent  *Object
	Children []*Object

	// Target is meaningful only when Type == TypeAlias.
	Target *Object

	// Value carries the object's payload (integer, string, buffer,
	// package elements, method bytecode...); left opaque since this
	// package models namespace shape, not AML evaluation semantics.
	Value any

	overlay *Overlay
}

// Exposer decouples the namespace from whatever surface mirrors
// committed objects outward (e.g. a sysfs/procfs tree), matching
// the injected-callback pattern elsewhere (the ring's verb
// registry, the scheduler's FreeThread callback).
type Exposer interface {
	Expose(obj *Object)
	Unexpose(obj *Object)
}

type overlayKey struct {
	parentID uint64
	name     Name32
}

// Overlay is a transient staging scope pushed while an AML method
// executes. Its parent is the highest overlay containing the method's
// definition; the root overlay is the Namespace's global overlay,
// whose parent is nil.
type Overlay struct {
	id      uint64
	parent  *Overlay
	entries map[overlayKey]*Object
}

// Namespace owns the root object, the global overlay, and id allocation.
type Namespace struct {
	mu      sync.Mutex
	root    *Object
	global  *Overlay
	nextID  uint64
	exposer Exposer
}

// NewNamespace constructs a namespace with only a root scope object.
// exposer may be nil if nothing needs to mirror committed objects.
func NewNamespace(exposer Exposer) *Namespace {
	ns := &Namespace{exposer: exposer}
	ns.global = &Overlay{id: ns.allocID(), entries: make(map[overlayKey]*Object)}
	ns.root = &Object{id: ns.allocID(), Type: TypeScope, overlay: ns.global}
	return ns
}

func (ns *Namespace) allocID() uint64 {
	ns.nextID++
	return ns.nextID
}

// Root returns the namespace's root scope object.
func (ns *Namespace) Root() *Object { return ns.root }

// Global returns the namespace's always-committed global overlay.
func (ns *Namespace) Global() *Overlay { return ns.global }

// PushOverlay opens a new staging overlay whose parent is parent (the
// highest overlay containing the executing method's definition).
func (ns *Namespace) PushOverlay(parent *Overlay) *Overlay {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return &Overlay{id: ns.allocID(), parent: parent, entries: make(map[overlayKey]*Object)}
}

// NewObject allocates a fresh, not-yet-attached object.
func (ns *Namespace) NewObject(name Name32, typ Type, value any) *Object {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return &Object{id: ns.allocID(), Name: name, Type: typ, Value: value}
}

// AddChild inserts obj as a child of parent inside overlay ov, failing
// EEXIST if any overlay in the chain from ov up through the global
// overlay already has an entry keyed by (parent.id, name) -- the
// add_child. On success obj is linked into both ov's staging map and
// parent's live Children list.
func (ns *Namespace) AddChild(ov *Overlay, parent *Object, name Name32, obj *Object) defs.Err_t {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	key := overlayKey{parentID: parent.id, name: name}
	for cur := ov; cur != nil; cur = cur.parent {
		if _, exists := cur.entries[key]; exists {
			return defs.EEXIST
		}
	}

	obj.Name = name
	obj.Parent = parent
	obj.overlay = ov
	ov.entries[key] = obj
	parent.Children = append(parent.Children, obj)
	return defs.EOK
}

// AddByNameString resolves every segment of path except the last to
// find the parent scope, then calls AddChild with the final segment as
// the name.
func (ns *Namespace) AddByNameString(ov *Overlay, scope *Object, path NameString, obj *Object) defs.Err_t {
	if len(path.Segments) == 0 {
		return defs.EINVAL
	}
	parentPath := NameString{RootPrefix: path.RootPrefix, ParentPrefixCount: path.ParentPrefixCount, Segments: path.Segments[:len(path.Segments)-1]}
	parent := scope
	if len(parentPath.Segments) > 0 || parentPath.RootPrefix || parentPath.ParentPrefixCount > 0 {
		resolved, err := ns.Resolve(scope, parentPath)
		if err != defs.EOK {
			return err
		}
		parent = resolved
	}
	return ns.AddChild(ov, parent, path.Segments[len(path.Segments)-1], obj)
}

// Commit moves every entry staged in ov into ov.parent's map, updating
// each object's overlay pointer. Any collision against an entry already
// present in ov.parent aborts with EEXIST, leaving ov partially merged
// (some entries already moved, others not) -- the caller must treat the
// owning method's execution as fatally failed, not attempt to roll back.
func (ns *Namespace) Commit(ov *Overlay) defs.Err_t {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ov.parent == nil {
		return defs.EINVAL
	}
	for key, obj := range ov.entries {
		if _, exists := ov.parent.entries[key]; exists {
			return defs.EEXIST
		}
		ov.parent.entries[key] = obj
		obj.overlay = ov.parent
		delete(ov.entries, key)
		if ov.parent == ns.global && ns.exposer != nil {
			ns.exposer.Expose(obj)
		}
	}
	return defs.EOK
}

// Discard drops every entry ov still has staged, unlinking them from
// their parent's live Children list without ever merging them upward --
// the AML method-abort path (not named explicitly by the commit
// description, but required for any caller that needs to recover from a
// method failing before it reaches commit).
func (ns *Namespace) Discard(ov *Overlay) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for key, obj := range ov.entries {
		if obj.Parent != nil {
			siblings := obj.Parent.Children
			for i, c := range siblings {
				if c == obj {
					obj.Parent.Children = append(siblings[:i], siblings[i+1:]...)
					break
				}
			}
		}
		delete(ov.entries, key)
	}
}

// NameString is a parsed AML NameString: an optional root-prefix
// (anchors at `\`), a parent-prefix-count (each `^` walks up one
// scope), and the remaining name segments.
type NameString struct {
	RootPrefix        bool
	ParentPrefixCount int
	Segments          []Name32
}

func findChild(parent *Object, name Name32) *Object {
	for _, c := range parent.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// maxAliasChase bounds alias-following against a pathological or
// accidental cycle.
const maxAliasChase = 64

func followAlias(obj *Object) (*Object, defs.Err_t) {
	seen := make(map[uint64]bool)
	for obj.Type == TypeAlias {
		if seen[obj.id] || len(seen) >= maxAliasChase {
			return nil, defs.EDEADLK
		}
		seen[obj.id] = true
		if obj.Target == nil {
			return nil, defs.ENOENT
		}
		obj = obj.Target
	}
	return obj, defs.EOK
}

// Resolve looks up path starting from scope, per the three
// search rules: (1) anchor at root or walk up ParentPrefixCount
// parents, (2) a single unanchored segment retries at every ancestor
// scope up to root, (3) anything else walks segments strictly from the
// anchored scope. The resolved object's Alias chain is always followed.
func (ns *Namespace) Resolve(scope *Object, path NameString) (*Object, defs.Err_t) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	anchor := scope
	if path.RootPrefix {
		anchor = ns.root
	} else {
		for i := 0; i < path.ParentPrefixCount; i++ {
			if anchor.Parent == nil {
				return nil, defs.ENOENT
			}
			anchor = anchor.Parent
		}
	}

	if len(path.Segments) == 0 {
		return followAlias(anchor)
	}

	if len(path.Segments) == 1 && !path.RootPrefix && path.ParentPrefixCount == 0 {
		for cur := anchor; cur != nil; cur = cur.Parent {
			if child := findChild(cur, path.Segments[0]); child != nil {
				return followAlias(child)
			}
		}
		return nil, defs.ENOENT
	}

	cur := anchor
	for _, seg := range path.Segments {
		child := findChild(cur, seg)
		if child == nil {
			return nil, defs.ENOENT
		}
		cur = child
	}
	return followAlias(cur)
}
