package memento

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/TSavo/Malice-sub002/store"
	"github.com/TSavo/Malice-sub002/world"
)

func newTestRegistry(t *testing.T) *world.Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memento.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return world.NewRegistry(st, nil)
}

func mustCreate(t *testing.T, reg *world.Registry, parent int64, props map[string]any) *world.Object {
	t.Helper()
	obj, err := reg.Create(context.Background(), parent, props, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return obj
}

func mustGet(t *testing.T, obj *world.Object, name string) any {
	t.Helper()
	v, ok, err := obj.Get(name)
	if err != nil || !ok {
		t.Fatalf("Get(%s) = %v, %v, %v", name, v, ok, err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

func TestCapture_PlaceholdersInInputOrder(t *testing.T) {
	reg := newTestRegistry(t)
	a := mustCreate(t, reg, world.NothingID, map[string]any{"name": "a"})
	b := mustCreate(t, reg, world.NothingID, map[string]any{"name": "b"})

	snap, err := Capture([]*world.Object{a, b})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if snap.Root != "%0" {
		t.Errorf("root = %q, want %%0", snap.Root)
	}
	if len(snap.Objects) != 2 {
		t.Fatalf("captured %d entries, want 2", len(snap.Objects))
	}
	if snap.Objects["%0"].Properties["name"] != "a" {
		t.Errorf("%%0 = %+v, want entry for a", snap.Objects["%0"])
	}
	if snap.Objects["%1"].Properties["name"] != "b" {
		t.Errorf("%%1 = %+v, want entry for b", snap.Objects["%1"])
	}
}

func TestCapture_InternalAndExternalRefs(t *testing.T) {
	reg := newTestRegistry(t)
	outside := mustCreate(t, reg, world.NothingID, map[string]any{"name": "outside"})
	a := mustCreate(t, reg, world.NothingID, nil)
	b := mustCreate(t, reg, a.ID(), map[string]any{
		"sibling": a,
		"anchor":  outside,
	})

	snap, err := Capture([]*world.Object{a, b})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	entry := snap.Objects["%1"]
	if entry.Parent != "%0" {
		t.Errorf("parent = %v, want placeholder %%0", entry.Parent)
	}
	if entry.Properties["sibling"] != "%0" {
		t.Errorf("sibling = %v, want placeholder %%0", entry.Properties["sibling"])
	}
	marker, ok := entry.Properties["anchor"].(map[string]any)
	if !ok || marker[extRefKey] != outside.ID() {
		t.Errorf("anchor = %#v, want external marker for #%d", entry.Properties["anchor"], outside.ID())
	}
}

func TestCapture_DropsInternalKeys(t *testing.T) {
	reg := newTestRegistry(t)
	obj := mustCreate(t, reg, world.NothingID, map[string]any{
		"name":    "public",
		"_secret": "bookkeeping",
	})

	snap, err := Capture([]*world.Object{obj})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	props := snap.Objects["%0"].Properties
	if _, ok := props["_secret"]; ok {
		t.Error("internal-prefix key survived capture")
	}
	if props["name"] != "public" {
		t.Errorf("name = %v, want public", props["name"])
	}
}

func TestCapture_DeduplicatesInput(t *testing.T) {
	reg := newTestRegistry(t)
	obj := mustCreate(t, reg, world.NothingID, nil)

	snap, err := Capture([]*world.Object{obj, obj, obj})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(snap.Objects) != 1 {
		t.Errorf("captured %d entries, want 1", len(snap.Objects))
	}
}

func TestCapture_NumbersAreNotReferences(t *testing.T) {
	reg := newTestRegistry(t)
	other := mustCreate(t, reg, world.NothingID, nil)
	obj := mustCreate(t, reg, world.NothingID, map[string]any{
		"count": other.ID(), // a number that happens to equal an id
	})

	snap, err := Capture([]*world.Object{obj, other})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if got := snap.Objects["%0"].Properties["count"]; got != other.ID() {
		t.Errorf("count = %#v, want the untouched number %d", got, other.ID())
	}
}

func TestPlaceholderShapedStringsSurvive(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := mustCreate(t, reg, world.NothingID, map[string]any{
		"label":   "%0",  // looks like a placeholder, is ordinary data
		"escaped": "%%3", // already escape-shaped
		"note":    "%x",  // percent but not placeholder-shaped
	})
	b := mustCreate(t, reg, a.ID(), nil)

	copies, err := Clone(ctx, reg, []*world.Object{a, b})
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	for name, want := range map[string]string{
		"label":   "%0",
		"escaped": "%%3",
		"note":    "%x",
	} {
		got := mustGet(t, copies["%0"], name)
		s, isString := got.(string)
		if !isString || s != want {
			t.Errorf("%s = %#v, want the literal string %q", name, got, want)
		}
	}

	// Real references still rewire: the child's parent is the copy.
	if copies["%1"].ParentID() != copies["%0"].ID() {
		t.Errorf("copy parent = %d, want %d", copies["%1"].ParentID(), copies["%0"].ID())
	}
}

// ---------------------------------------------------------------------------
// Rehydrate
// ---------------------------------------------------------------------------

func TestRehydrate_DisjointCopies(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := mustCreate(t, reg, world.NothingID, map[string]any{"name": "proto"})
	b := mustCreate(t, reg, a.ID(), map[string]any{"name": "kid", "up": a})

	snap, err := Capture([]*world.Object{a, b})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	first, err := Rehydrate(ctx, reg, snap)
	if err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}
	second, err := Rehydrate(ctx, reg, snap)
	if err != nil {
		t.Fatalf("second Rehydrate failed: %v", err)
	}

	// Copies are new objects, not the originals.
	if first["%0"].ID() == a.ID() || first["%1"].ID() == b.ID() {
		t.Error("rehydration reused an original identifier")
	}
	// Two rehydrations produce disjoint sets.
	if first["%0"].ID() == second["%0"].ID() || first["%1"].ID() == second["%1"].ID() {
		t.Error("two rehydrations share identifiers")
	}

	// Internal references point at the copy, not the original.
	up := mustGet(t, first["%1"], "up").(*world.Object)
	if up.ID() != first["%0"].ID() {
		t.Errorf("up = #%d, want the copy #%d", up.ID(), first["%0"].ID())
	}
	if first["%1"].ParentID() != first["%0"].ID() {
		t.Errorf("copy parent = %d, want %d", first["%1"].ParentID(), first["%0"].ID())
	}
	if got := mustGet(t, first["%1"], "name"); got != "kid" {
		t.Errorf("copy name = %v, want kid", got)
	}
}

func TestRehydrate_ExternalRefsPointAtOriginals(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	outside := mustCreate(t, reg, world.NothingID, map[string]any{"name": "anchor"})
	obj := mustCreate(t, reg, world.NothingID, map[string]any{"target": outside})

	copies, err := Clone(ctx, reg, []*world.Object{obj})
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	target := mustGet(t, copies["%0"], "target").(*world.Object)
	if target != outside {
		t.Errorf("target = #%d, want the original #%d", target.ID(), outside.ID())
	}
}

func TestRehydrate_CyclicCapture(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := mustCreate(t, reg, world.NothingID, nil)
	b := mustCreate(t, reg, world.NothingID, nil)
	a.Set("other", b)
	b.Set("other", a)

	copies, err := Clone(ctx, reg, []*world.Object{a, b})
	if err != nil {
		t.Fatalf("Clone of a cycle failed: %v", err)
	}
	ca, cb := copies["%0"], copies["%1"]
	if got := mustGet(t, ca, "other").(*world.Object); got.ID() != cb.ID() {
		t.Errorf("ca.other = #%d, want #%d", got.ID(), cb.ID())
	}
	if got := mustGet(t, cb, "other").(*world.Object); got.ID() != ca.ID() {
		t.Errorf("cb.other = #%d, want #%d", got.ID(), ca.ID())
	}
}

func TestRehydrate_MissingExternalDegradesToNothing(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	doomed := mustCreate(t, reg, world.NothingID, nil)
	obj := mustCreate(t, reg, world.NothingID, map[string]any{"target": doomed})

	snap, err := Capture([]*world.Object{obj})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if err := reg.Recycle(ctx, doomed.ID()); err != nil {
		t.Fatalf("Recycle failed: %v", err)
	}

	copies, err := Rehydrate(ctx, reg, snap)
	if err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}
	target := mustGet(t, copies["%0"], "target").(*world.Object)
	if target.ID() != world.NothingID {
		t.Errorf("dangling external resolved to #%d, want the nothing sentinel", target.ID())
	}
}

func TestRehydrate_RejectsMalformedSnapshot(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := Rehydrate(context.Background(), reg, &Snapshot{Root: "%0", Objects: map[string]*Entry{}})
	if err == nil {
		t.Error("empty snapshot should be rejected")
	}

	_, err = Rehydrate(context.Background(), reg, &Snapshot{
		Root:    "%9",
		Objects: map[string]*Entry{"%0": {Parent: map[string]any{"$extref": int64(-1)}}},
	})
	if err == nil {
		t.Error("snapshot with entryless root should be rejected")
	}
}

// ---------------------------------------------------------------------------
// Wire codec
// ---------------------------------------------------------------------------

func TestWireRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	outside := mustCreate(t, reg, world.NothingID, nil)
	a := mustCreate(t, reg, world.NothingID, map[string]any{
		"name":   "portable",
		"anchor": outside,
		"tags":   []any{"x", "y"},
	})
	b := mustCreate(t, reg, a.ID(), map[string]any{"up": a})

	snap, err := Capture([]*world.Object{a, b})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	data, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	// A decoded snapshot must rehydrate exactly like the live one.
	copies, err := Rehydrate(ctx, reg, decoded)
	if err != nil {
		t.Fatalf("Rehydrate of decoded snapshot failed: %v", err)
	}
	if got := mustGet(t, copies["%0"], "name"); got != "portable" {
		t.Errorf("name = %v, want portable", got)
	}
	anchor := mustGet(t, copies["%0"], "anchor").(*world.Object)
	if anchor.ID() != outside.ID() {
		t.Errorf("anchor = #%d, want original #%d", anchor.ID(), outside.ID())
	}
	up := mustGet(t, copies["%1"], "up").(*world.Object)
	if up.ID() != copies["%0"].ID() {
		t.Errorf("up = #%d, want copy #%d", up.ID(), copies["%0"].ID())
	}
	tags, ok := mustGet(t, copies["%0"], "tags").([]any)
	if !ok || len(tags) != 2 || tags[0] != "x" {
		t.Errorf("tags = %#v, want [x y]", tags)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	reg := newTestRegistry(t)
	a := mustCreate(t, reg, world.NothingID, map[string]any{"one": int64(1), "two": int64(2), "three": int64(3)})

	snap, err := Capture([]*world.Object{a})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	first, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	second, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(first) != string(second) {
		t.Error("canonical encoding produced different bytes for the same snapshot")
	}
}
