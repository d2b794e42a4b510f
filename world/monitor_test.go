package world

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/TSavo/Malice-sub002/store"
)

// Two registries over the same database file stand in for two processes.

func TestMonitor_RemoteUpdateInvalidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	local, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer local.Close()
	remote, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	regLocal := NewRegistry(local, nil)
	regRemote := NewRegistry(remote, nil)
	if err := NewMonitor(regLocal).Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	obj, err := regRemote.Create(ctx, NothingID, map[string]any{"hp": float64(10)}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := obj.ID()

	// Make the object resident locally with the original value.
	waitFor(t, func() bool {
		o, err := regLocal.Load(ctx, id)
		return err == nil && o != nil
	})
	stale, err := regLocal.Load(ctx, id)
	if err != nil || stale == nil {
		t.Fatalf("Load failed: %v", err)
	}

	obj.Set("hp", float64(3))
	if err := obj.Save(ctx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The feed drops the stale wrapper; the next load sees the new value.
	waitFor(t, func() bool {
		fresh, err := regLocal.Load(ctx, id)
		if err != nil || fresh == nil || fresh == stale {
			return false
		}
		v, _, _ := fresh.Get("hp")
		return v == float64(3)
	})
}

func TestMonitor_RemoteRecycleSweepsAliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	local, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer local.Close()
	remote, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	regLocal := NewRegistry(local, nil)
	regRemote := NewRegistry(remote, nil)
	if err := NewMonitor(regLocal).Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	obj, err := regRemote.Create(ctx, NothingID, nil, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := obj.ID()

	var target *Object
	waitFor(t, func() bool {
		target, err = regLocal.Load(ctx, id)
		return err == nil && target != nil
	})
	if err := regLocal.RegisterAlias(ctx, "relic", target); err != nil {
		t.Fatalf("RegisterAlias failed: %v", err)
	}

	if err := regRemote.Recycle(ctx, id); err != nil {
		t.Fatalf("Recycle failed: %v", err)
	}

	waitFor(t, func() bool {
		_, ok := regLocal.Aliases()["relic"]
		return !ok && !regLocal.Cache().Has(id)
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
