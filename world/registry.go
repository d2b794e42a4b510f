package world

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/TSavo/Malice-sub002/script"
	"github.com/TSavo/Malice-sub002/store"
)

var log = commonlog.GetLogger("world")

const (
	// NothingID is the immutable "nothing" sentinel: self-parented,
	// created lazily, the universal null object reference.
	NothingID int64 = -1

	// RootID is the registry's own persisted mirror: self-parented,
	// created lazily, carries the canonical alias table.
	RootID int64 = 0

	// InternalPrefix marks property keys that are substrate bookkeeping.
	// Snapshots drop them during capture.
	InternalPrefix = "_"

	// aliasProperty is the alias-table mirror on the root object.
	aliasProperty = "_aliases"
)

// ErrReservedName rejects alias registration under an internal field name.
var ErrReservedName = errors.New("name is reserved")

// ErrSentinel rejects recycling or deleting the two sentinel objects.
var ErrSentinel = errors.New("sentinel objects cannot be recycled")

// Identifiable is the duck type the alias registry accepts for
// registration: anything that can name an object id.
type Identifiable interface {
	ID() int64
}

// Registry is the identity and alias registry: it owns the cache, loads
// and wraps documents, materializes the two sentinels, allocates new
// objects, recycles old ones, and maintains the dynamic name→object table
// that lets arbitrary method code reach well-known objects without
// hard-coded identifiers.
//
// Registry implements script.Accessor, so it is also the $ binding.
type Registry struct {
	store  store.Store
	cache  *Cache
	engine *script.Engine

	loadMu sync.Mutex // serializes cache misses so each id wraps once

	mu              sync.RWMutex // aliases
	aliases         map[string]*Object
	aliasesRestored bool

	internal map[string]func() any
}

// NewRegistry creates a registry over the given store. A nil engine gets a
// default one.
func NewRegistry(st store.Store, engine *script.Engine) *Registry {
	if engine == nil {
		engine = script.NewEngine()
	}
	r := &Registry{
		store:   st,
		cache:   NewCache(),
		engine:  engine,
		aliases: make(map[string]*Object),
	}
	r.internal = r.internalFields()
	return r
}

// Cache exposes the object cache for observability.
func (r *Registry) Cache() *Cache { return r.cache }

// Store exposes the backing store.
func (r *Registry) Store() store.Store { return r.store }

// Load returns the resident wrapper for id, loading and wrapping from the
// store on a miss. The sentinels -1 and 0 materialize lazily exactly once.
// Returns (nil, nil) when no live document exists: not-found is a result,
// not an error.
func (r *Registry) Load(ctx context.Context, id int64) (*Object, error) {
	if id == NothingID || id == RootID {
		return r.materializeSentinel(ctx, id)
	}

	if obj := r.cache.Get(id); obj != nil {
		return obj, nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if obj := r.cache.Get(id); obj != nil {
		return obj, nil
	}

	doc, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	obj := r.wrap(doc)
	r.cache.Put(id, obj)
	return obj, nil
}

// loadForWalk loads an object during lazy, local resolution (parent walks
// and reference resolution), where callers have no request context. Store
// reads are short; a background context is acceptable here.
func (r *Registry) loadForWalk(id int64) (*Object, error) {
	return r.Load(context.Background(), id)
}

// materializeSentinel returns the sentinel wrapper for id, creating the
// backing document on first access ever. Sentinels self-parent, live
// outside the allocator, and refuse recycling.
func (r *Registry) materializeSentinel(ctx context.Context, id int64) (*Object, error) {
	r.loadMu.Lock()
	obj := r.cache.Get(id)
	if obj == nil {
		doc, err := r.store.Get(ctx, id)
		if err != nil {
			r.loadMu.Unlock()
			return nil, err
		}
		if doc == nil {
			name := "nothing"
			if id == RootID {
				name = "registry"
			}
			doc = &store.Document{
				ID:         id,
				Parent:     id,
				Properties: map[string]any{"name": name},
				Methods:    map[string]*store.Method{},
			}
			if err := r.store.Create(ctx, doc); err != nil {
				r.loadMu.Unlock()
				return nil, fmt.Errorf("materializing sentinel %d: %w", id, err)
			}
			log.Infof("materialized sentinel object %d (%s)", id, name)
		}
		obj = r.wrap(doc)
		r.cache.Put(id, obj)
	}
	restore := id == RootID && !r.aliasesRestored
	if restore {
		r.aliasesRestored = true
	}
	r.loadMu.Unlock()

	if restore {
		r.restoreAliases(ctx, obj)
	}
	return obj, nil
}

// ensureAliasesRestored loads the root object (and with it the alias
// mirror) on the first alias access, so a fresh registry answers lookups
// and registers correctly before anything else touches object 0.
func (r *Registry) ensureAliasesRestored() {
	r.loadMu.Lock()
	done := r.aliasesRestored
	r.loadMu.Unlock()
	if done {
		return
	}
	if _, err := r.loadForWalk(RootID); err != nil {
		log.Errorf("restoring alias mirror: %v", err)
	}
}

// restoreAliases rebuilds the in-memory alias table from the mirror
// property on the root object. Entries whose targets no longer load are
// dropped silently.
func (r *Registry) restoreAliases(ctx context.Context, root *Object) {
	mirror, ok := root.OwnProperties()[aliasProperty].(map[string]any)
	if !ok {
		return
	}
	for name, raw := range mirror {
		ref, ok := raw.(store.Ref)
		if !ok {
			continue
		}
		target, err := r.Load(ctx, ref.ID)
		if err != nil || target == nil {
			continue
		}
		r.mu.Lock()
		r.aliases[name] = target
		r.mu.Unlock()
	}
	log.Debugf("restored %d aliases from mirror", len(mirror))
}

// wrap builds a runtime wrapper from a document. Reference values stay as
// store.Refs until first access resolves them to live handles.
func (r *Registry) wrap(doc *store.Document) *Object {
	props := make(map[string]any, len(doc.Properties))
	for k, v := range doc.Properties {
		props[k] = v
	}
	methods := make(map[string]*store.Method, len(doc.Methods))
	for k, v := range doc.Methods {
		cp := *v
		methods[k] = &cp
	}
	return &Object{
		id:       doc.ID,
		reg:      r,
		parent:   doc.Parent,
		recycled: doc.Recycled,
		props:    props,
		methods:  methods,
		created:  doc.CreatedAt,
		modified: doc.ModifiedAt,
	}
}

// resolveRefs swaps stored references for live handles. Containers holding
// references resolve into fresh copies, never in place, so resolution
// cannot write to a map or list another reader still holds. The boolean
// reports whether anything resolved; the caller memoizes under the
// object's lock. A dangling reference (target recycled or deleted)
// resolves to the nothing sentinel; a storage fault resolves to nil and
// is logged.
func (r *Registry) resolveRefs(v any) (any, bool) {
	switch val := v.(type) {
	case store.Ref:
		obj, err := r.loadForWalk(val.ID)
		if err != nil {
			log.Errorf("resolving reference to #%d: %v", val.ID, err)
			return nil, true
		}
		if obj == nil {
			nothing, err := r.loadForWalk(NothingID)
			if err != nil {
				return nil, true
			}
			return nothing, true
		}
		return obj, true
	case []any:
		out := make([]any, len(val))
		changed := false
		for i, item := range val {
			resolved, c := r.resolveRefs(item)
			out[i] = resolved
			changed = changed || c
		}
		if !changed {
			return val, false
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(val))
		changed := false
		for k, item := range val {
			resolved, c := r.resolveRefs(item)
			out[k] = resolved
			changed = changed || c
		}
		if !changed {
			return val, false
		}
		return out, true
	default:
		return v, false
	}
}

// Create allocates a fresh identifier and persists a new object with the
// given parent, properties and methods, returning its resident wrapper.
func (r *Registry) Create(ctx context.Context, parent int64, props map[string]any, methods map[string]*store.Method) (*Object, error) {
	id, err := r.store.NextID(ctx)
	if err != nil {
		return nil, err
	}
	if props == nil {
		props = map[string]any{}
	}
	if methods == nil {
		methods = map[string]*store.Method{}
	}
	stored := make(map[string]any, len(props))
	for k, v := range props {
		stored[k] = dehydrate(v)
	}
	doc := &store.Document{
		ID:         id,
		Parent:     parent,
		Properties: stored,
		Methods:    methods,
	}
	if err := r.store.Create(ctx, doc); err != nil {
		return nil, err
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	obj := r.wrap(doc)
	r.cache.Put(id, obj)
	return obj, nil
}

// ChildrenOf queries the store for every live document whose parent is the
// given id, wraps and caches each, and returns them. Unlike
// FindByProperty, this does hit the store.
func (r *Registry) ChildrenOf(ctx context.Context, parent int64) ([]*Object, error) {
	docs, err := r.store.Children(ctx, parent)
	if err != nil {
		return nil, err
	}
	out := make([]*Object, 0, len(docs))
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	for _, doc := range docs {
		obj := r.cache.Get(doc.ID)
		if obj == nil {
			obj = r.wrap(doc)
			r.cache.Put(doc.ID, obj)
		}
		out = append(out, obj)
	}
	return out, nil
}

// FindByProperty scans only currently cache-resident wrappers for a
// resolved property equal to value. This is an intentional approximation,
// not a full-store query: callers needing completeness must preload the
// relevant objects (ChildrenOf, ListAll) first.
func (r *Registry) FindByProperty(name string, value any) []*Object {
	var out []*Object
	for _, obj := range r.cache.Resident() {
		got, ok, err := obj.Get(name)
		if err != nil || !ok {
			continue
		}
		if got == value || reflect.DeepEqual(got, value) {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Recycle soft-deletes an object: the store marks it recycled, the cache
// entry is invalidated, and any alias pointing at it is removed. The
// identifier stays on record but Load returns nil for it from now on.
func (r *Registry) Recycle(ctx context.Context, id int64) error {
	if id == NothingID || id == RootID {
		return ErrSentinel
	}
	if err := r.store.Recycle(ctx, id); err != nil {
		return err
	}
	// Only after the store accepted it: a failed recycle must leave the
	// live wrapper untouched, or a later Save would soft-delete it.
	if obj := r.cache.Get(id); obj != nil {
		obj.mu.Lock()
		obj.recycled = true
		obj.mu.Unlock()
	}
	r.cache.Invalidate(id)
	if r.removeAliasesFor(id) {
		r.mirrorAliases(ctx)
	}
	return nil
}

// Delete hard-deletes an object's document. Prefer Recycle; Delete erases
// the historical record.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if id == NothingID || id == RootID {
		return ErrSentinel
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.cache.Invalidate(id)
	if r.removeAliasesFor(id) {
		r.mirrorAliases(ctx)
	}
	return nil
}

// removeAliasesFor drops every alias targeting id, reporting whether any
// entry was removed.
func (r *Registry) removeAliasesFor(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	for name, obj := range r.aliases {
		if obj.id == id {
			delete(r.aliases, name)
			removed = true
		}
	}
	return removed
}
