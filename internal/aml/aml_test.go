package aml

import (
	"testing"

	"github.com/stretchr/testify/require"

	"patchwork/internal/defs"
)

func mustName(t *testing.T, s string) Name32 {
	t.Helper()
	n, err := PackName(s)
	require.Equal(t, defs.EOK, err)
	return n
}

func TestPackNameRightPadsAndRoundTrips(t *testing.T) {
	n := mustName(t, "DEV")
	require.Equal(t, "DEV_", n.String())

	_, err := PackName("TOOLONG")
	require.Equal(t, defs.EINVAL, err)
}

func TestAddChildRejectsCollisionAcrossOverlayChain(t *testing.T) {
	ns := NewNamespace(nil)
	root := ns.Root()

	dev := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, dev.Name, dev))

	ov := ns.PushOverlay(ns.Global())
	dup := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	err := ns.AddChild(ov, root, dup.Name, dup)
	require.Equal(t, defs.EEXIST, err, "a child overlay must see collisions already committed to an ancestor overlay")
}

func TestCommitMovesEntriesToParentAndExposesAtGlobal(t *testing.T) {
	var exposed []*Object
	ns := NewNamespace(exposerFunc{
		expose: func(o *Object) { exposed = append(exposed, o) },
	})
	root := ns.Root()

	ov := ns.PushOverlay(ns.Global())
	dev := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ov, root, dev.Name, dev))

	require.Equal(t, defs.EOK, ns.Commit(ov))
	require.Len(t, exposed, 1)
	require.Equal(t, dev, exposed[0])

	got, err := ns.Resolve(root, NameString{Segments: []Name32{dev.Name}})
	require.Equal(t, defs.EOK, err)
	require.Equal(t, dev, got)
}

func TestCommitAgainstRootOverlayIsInvalid(t *testing.T) {
	ns := NewNamespace(nil)
	require.Equal(t, defs.EINVAL, ns.Commit(ns.Global()))
}

func TestDiscardUnlinksStagedChildrenWithoutCommitting(t *testing.T) {
	ns := NewNamespace(nil)
	root := ns.Root()

	ov := ns.PushOverlay(ns.Global())
	dev := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ov, root, dev.Name, dev))
	require.Len(t, root.Children, 1)

	ns.Discard(ov)
	require.Len(t, root.Children, 0)

	_, err := ns.Resolve(root, NameString{Segments: []Name32{dev.Name}})
	require.Equal(t, defs.ENOENT, err)
}

func TestResolveRootPrefixAnchorsAtRoot(t *testing.T) {
	ns := NewNamespace(nil)
	root := ns.Root()
	dev := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, dev.Name, dev))

	sub := ns.NewObject(mustName(t, "SUB0"), TypeScope, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), dev, sub.Name, sub))

	got, err := ns.Resolve(sub, NameString{RootPrefix: true, Segments: []Name32{dev.Name}})
	require.Equal(t, defs.EOK, err)
	require.Equal(t, dev, got)
}

func TestResolveParentPrefixWalksUpScopes(t *testing.T) {
	ns := NewNamespace(nil)
	root := ns.Root()
	dev := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, dev.Name, dev))

	sub := ns.NewObject(mustName(t, "SUB0"), TypeScope, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), dev, sub.Name, sub))

	sibling := ns.NewObject(mustName(t, "SIB0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, sibling.Name, sibling))

	got, err := ns.Resolve(sub, NameString{ParentPrefixCount: 1, Segments: []Name32{sibling.Name}})
	require.Equal(t, defs.EOK, err)
	require.Equal(t, sibling, got)
}

func TestResolveSingleUnanchoredSegmentRetriesAtEveryAncestor(t *testing.T) {
	ns := NewNamespace(nil)
	root := ns.Root()
	dev := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, dev.Name, dev))

	sub := ns.NewObject(mustName(t, "SUB0"), TypeScope, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), dev, sub.Name, sub))

	// TGT0 exists only at root, not under dev or sub; a bare single
	// segment search from sub must still find it by walking upward.
	tgt := ns.NewObject(mustName(t, "TGT0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, tgt.Name, tgt))

	got, err := ns.Resolve(sub, NameString{Segments: []Name32{tgt.Name}})
	require.Equal(t, defs.EOK, err)
	require.Equal(t, tgt, got)
}

func TestResolveMultiSegmentPathDoesNotSearchAncestors(t *testing.T) {
	ns := NewNamespace(nil)
	root := ns.Root()
	dev := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, dev.Name, dev))

	tgt := ns.NewObject(mustName(t, "TGT0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, tgt.Name, tgt))

	// A two-segment path rooted under dev must not find root-level TGT0,
	// unlike the single-segment retry rule.
	_, err := ns.Resolve(dev, NameString{Segments: []Name32{mustName(t, "NOPE"), tgt.Name}})
	require.Equal(t, defs.ENOENT, err)
}

func TestResolveFollowsAliasChain(t *testing.T) {
	ns := NewNamespace(nil)
	root := ns.Root()
	dev := ns.NewObject(mustName(t, "DEV0"), TypeDevice, nil)
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, dev.Name, dev))

	alias := ns.NewObject(mustName(t, "ALI0"), TypeAlias, nil)
	alias.Target = dev
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, alias.Name, alias))

	got, err := ns.Resolve(root, NameString{Segments: []Name32{alias.Name}})
	require.Equal(t, defs.EOK, err)
	require.Equal(t, dev, got)
}

func TestResolveDetectsAliasCycle(t *testing.T) {
	ns := NewNamespace(nil)
	root := ns.Root()

	a := ns.NewObject(mustName(t, "ALIA"), TypeAlias, nil)
	b := ns.NewObject(mustName(t, "ALIB"), TypeAlias, nil)
	a.Target = b
	b.Target = a
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, a.Name, a))
	require.Equal(t, defs.EOK, ns.AddChild(ns.Global(), root, b.Name, b))

	_, err := ns.Resolve(root, NameString{Segments: []Name32{a.Name}})
	require.Equal(t, defs.EDEADLK, err)
}

type exposerFunc struct {
	expose   func(*Object)
	unexpose func(*Object)
}

func (e exposerFunc) Expose(obj *Object) {
	if e.expose != nil {
		e.expose(obj)
	}
}

func (e exposerFunc) Unexpose(obj *Object) {
	if e.unexpose != nil {
		e.unexpose(obj)
	}
}
