package world

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/TSavo/Malice-sub002/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "world.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRegistry(st, nil)
}

func mustCreate(t *testing.T, reg *Registry, parent int64, props map[string]any) *Object {
	t.Helper()
	obj, err := reg.Create(context.Background(), parent, props, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return obj
}

// ---------------------------------------------------------------------------
// Property resolution
// ---------------------------------------------------------------------------

func TestGet_Inherited(t *testing.T) {
	reg := newTestRegistry(t)
	parent := mustCreate(t, reg, NothingID, map[string]any{"color": "red", "size": "large"})
	child := mustCreate(t, reg, parent.ID(), map[string]any{"color": "blue"})

	got, ok, err := child.Get("color")
	if err != nil || !ok {
		t.Fatalf("Get(color) = %v, %v, %v", got, ok, err)
	}
	if got != "blue" {
		t.Errorf("color = %v, want child's own blue", got)
	}

	got, ok, err = child.Get("size")
	if err != nil || !ok {
		t.Fatalf("Get(size) = %v, %v, %v", got, ok, err)
	}
	if got != "large" {
		t.Errorf("size = %v, want inherited large", got)
	}
}

func TestGet_Missing(t *testing.T) {
	reg := newTestRegistry(t)
	obj := mustCreate(t, reg, NothingID, nil)

	got, ok, err := obj.Get("nope")
	if err != nil {
		t.Fatalf("Get of missing property should not error: %v", err)
	}
	if ok || got != nil {
		t.Errorf("Get(nope) = %v, %v, want nil, false", got, ok)
	}
}

func TestSet_NeverTouchesAncestor(t *testing.T) {
	reg := newTestRegistry(t)
	parent := mustCreate(t, reg, NothingID, map[string]any{"hp": int64(100)})
	child := mustCreate(t, reg, parent.ID(), nil)

	child.Set("hp", int64(50))

	if got, _, _ := parent.Get("hp"); got != int64(100) {
		t.Errorf("parent hp = %v, want untouched 100", got)
	}
	if got, _, _ := child.Get("hp"); got != int64(50) {
		t.Errorf("child hp = %v, want own 50", got)
	}
}

func TestRemoveProperty_RestoresInherited(t *testing.T) {
	reg := newTestRegistry(t)
	parent := mustCreate(t, reg, NothingID, map[string]any{"name": "proto"})
	child := mustCreate(t, reg, parent.ID(), map[string]any{"name": "kid"})

	child.RemoveProperty("name")

	got, ok, err := child.Get("name")
	if err != nil || !ok {
		t.Fatalf("Get(name) = %v, %v, %v", got, ok, err)
	}
	if got != "proto" {
		t.Errorf("name = %v, want inherited proto after removal", got)
	}
}

func TestGet_CycleBounded(t *testing.T) {
	reg := newTestRegistry(t)
	a := mustCreate(t, reg, NothingID, nil)
	b := mustCreate(t, reg, a.ID(), nil)
	a.SetParent(b.ID())

	_, _, err := a.Get("anything")
	if !errors.Is(err, ErrChainTooDeep) {
		t.Errorf("Get on cyclic chain = %v, want ErrChainTooDeep", err)
	}
}

func TestGet_ResolvesStoredRef(t *testing.T) {
	reg := newTestRegistry(t)
	home := mustCreate(t, reg, NothingID, map[string]any{"name": "home"})
	player := mustCreate(t, reg, NothingID, map[string]any{"location": store.Ref{ID: home.ID()}})

	got, ok, err := player.Get("location")
	if err != nil || !ok {
		t.Fatalf("Get(location) = %v, %v, %v", got, ok, err)
	}
	handle, isObj := got.(*Object)
	if !isObj {
		t.Fatalf("location = %#v, want *Object handle", got)
	}
	if handle != home {
		t.Error("resolved handle is not the resident wrapper for the target")
	}
}

func TestGet_ConcurrentContainerResolution(t *testing.T) {
	reg := newTestRegistry(t)
	a := mustCreate(t, reg, NothingID, nil)
	b := mustCreate(t, reg, NothingID, nil)
	holder := mustCreate(t, reg, NothingID, map[string]any{
		"bag": map[string]any{
			"first":  store.Ref{ID: a.ID()},
			"second": store.Ref{ID: b.ID()},
		},
	})

	// Resolution of a shared container must never write into the stored
	// map while another reader holds it.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				got, ok, err := holder.Get("bag")
				if err != nil || !ok {
					t.Errorf("Get(bag) = %v, %v, %v", got, ok, err)
					return
				}
				bag, isMap := got.(map[string]any)
				if !isMap {
					t.Errorf("bag = %#v, want map", got)
					return
				}
				first, isObj := bag["first"].(*Object)
				if !isObj || first.ID() != a.ID() {
					t.Errorf("bag.first = %#v, want handle for #%d", bag["first"], a.ID())
					return
				}
			}
		}()
	}
	wg.Wait()

	// The resolved container is memoized: handles survive across reads.
	got, _, err := holder.Get("bag")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, isObj := got.(map[string]any)["second"].(*Object); !isObj {
		t.Error("second reference not resolved to a live handle")
	}
}

func TestGet_DanglingRefResolvesToNothing(t *testing.T) {
	reg := newTestRegistry(t)
	obj := mustCreate(t, reg, NothingID, map[string]any{"ghost": store.Ref{ID: 9999}})

	got, ok, err := obj.Get("ghost")
	if err != nil || !ok {
		t.Fatalf("Get(ghost) = %v, %v, %v", got, ok, err)
	}
	handle, isObj := got.(*Object)
	if !isObj || handle.ID() != NothingID {
		t.Errorf("dangling reference resolved to %#v, want the nothing sentinel", got)
	}
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

func TestLoad_IdentityStable(t *testing.T) {
	reg := newTestRegistry(t)
	obj := mustCreate(t, reg, NothingID, map[string]any{"n": int64(1)})

	again, err := reg.Load(context.Background(), obj.ID())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if again != obj {
		t.Error("Load returned a different wrapper for a resident id")
	}

	// Mutation through one handle is visible through the other.
	obj.Set("n", int64(2))
	if got, _, _ := again.Get("n"); got != int64(2) {
		t.Errorf("n through second handle = %v, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	reg := NewRegistry(st, nil)

	home := mustCreate(t, reg, NothingID, map[string]any{"name": "home"})
	obj := mustCreate(t, reg, NothingID, nil)
	obj.Set("title", "archivist")
	obj.Set("location", home)
	if err := obj.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	id := obj.ID()
	st.Close()

	st2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer st2.Close()
	reg2 := NewRegistry(st2, nil)

	got, err := reg2.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if v, _, _ := got.Get("title"); v != "archivist" {
		t.Errorf("title = %v, want archivist", v)
	}
	loc, ok, err := got.Get("location")
	if err != nil || !ok {
		t.Fatalf("Get(location) = %v, %v, %v", loc, ok, err)
	}
	handle, isObj := loc.(*Object)
	if !isObj || handle.ID() != home.ID() {
		t.Errorf("location = %#v, want handle for #%d", loc, home.ID())
	}
}

// ---------------------------------------------------------------------------
// Method calls
// ---------------------------------------------------------------------------

func TestCall_OwnMethod(t *testing.T) {
	reg := newTestRegistry(t)
	obj := mustCreate(t, reg, NothingID, map[string]any{"hp": int64(10)})
	obj.SetMethod("heal", `
		var hp = self.get("hp");
		self.set("hp", hp + args[0]);
		return self.get("hp");
	`)

	got, err := obj.Call(context.Background(), "heal", int64(5))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != int64(15) {
		t.Errorf("heal returned %v (%T), want 15", got, got)
	}
	if v, _, _ := obj.Get("hp"); v != int64(15) {
		t.Errorf("hp after heal = %v, want 15", v)
	}
}

func TestCall_InheritedMethodRunsOnCaller(t *testing.T) {
	reg := newTestRegistry(t)
	parent := mustCreate(t, reg, NothingID, nil)
	parent.SetMethod("whoami", `return self.id;`)
	child := mustCreate(t, reg, parent.ID(), nil)

	got, err := child.Call(context.Background(), "whoami")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != child.ID() {
		t.Errorf("whoami = %v, want caller's id %d", got, child.ID())
	}
}

func TestCall_MissingMethod(t *testing.T) {
	reg := newTestRegistry(t)
	obj := mustCreate(t, reg, NothingID, nil)

	_, err := obj.Call(context.Background(), "nope")
	if !errors.Is(err, ErrNoSuchMethod) {
		t.Errorf("Call of missing method = %v, want ErrNoSuchMethod", err)
	}
}

func TestCall_CachesArtifactUnderCaller(t *testing.T) {
	reg := newTestRegistry(t)
	parent := mustCreate(t, reg, NothingID, nil)
	parent.SetMethod("f", `return 1;`)
	child := mustCreate(t, reg, parent.ID(), nil)

	if _, err := child.Call(context.Background(), "f"); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if reg.Cache().Program(child.ID(), "f") == nil {
		t.Error("artifact not cached under the calling object's id")
	}
	if reg.Cache().Program(parent.ID(), "f") != nil {
		t.Error("artifact cached under the defining object, want caller only")
	}
}

func TestSetMethod_InvalidatesArtifact(t *testing.T) {
	reg := newTestRegistry(t)
	obj := mustCreate(t, reg, NothingID, nil)
	obj.SetMethod("f", `return 1;`)

	if _, err := obj.Call(context.Background(), "f"); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	obj.SetMethod("f", `return 2;`)

	got, err := obj.Call(context.Background(), "f")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got != int64(2) {
		t.Errorf("f after redefinition = %v, want 2", got)
	}
}
