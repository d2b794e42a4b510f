package world

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/TSavo/Malice-sub002/script"
	"github.com/TSavo/Malice-sub002/store"
)

// RegisterAlias binds a name to an object in the in-memory table and
// persists the mirror on the root object. Internal field names are
// reserved.
func (r *Registry) RegisterAlias(ctx context.Context, name string, obj *Object) error {
	if obj == nil {
		return errors.New("alias target must not be nil")
	}
	if _, reserved := r.internal[name]; reserved {
		return fmt.Errorf("registering alias %q: %w", name, ErrReservedName)
	}
	r.ensureAliasesRestored()
	r.mu.Lock()
	r.aliases[name] = obj
	r.mu.Unlock()
	r.mirrorAliases(ctx)
	return nil
}

// RegisterAliasByID loads the target then registers it.
func (r *Registry) RegisterAliasByID(ctx context.Context, name string, id int64) error {
	obj, err := r.Load(ctx, id)
	if err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("registering alias %q: no object %d", name, id)
	}
	return r.RegisterAlias(ctx, name, obj)
}

// RemoveAlias drops a name from the table. Removing an unknown name is a
// no-op.
func (r *Registry) RemoveAlias(ctx context.Context, name string) {
	r.ensureAliasesRestored()
	r.mu.Lock()
	_, existed := r.aliases[name]
	delete(r.aliases, name)
	r.mu.Unlock()
	if existed {
		r.mirrorAliases(ctx)
	}
}

// Aliases returns a defensive copy of the alias table.
func (r *Registry) Aliases() map[string]*Object {
	r.ensureAliasesRestored()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Object, len(r.aliases))
	for name, obj := range r.aliases {
		out[name] = obj
	}
	return out
}

// mirrorAliases writes the canonical alias table onto the root object as
// an internal property and persists it. The in-memory table is the
// operative copy; a mirror failure is logged, not propagated, so alias
// registration stays usable while the store is unhappy.
func (r *Registry) mirrorAliases(ctx context.Context) {
	r.mu.RLock()
	mirror := make(map[string]any, len(r.aliases))
	for name, obj := range r.aliases {
		mirror[name] = store.Ref{ID: obj.id}
	}
	r.mu.RUnlock()

	root, err := r.Load(ctx, RootID)
	if err != nil || root == nil {
		log.Errorf("mirroring aliases: loading root: %v", err)
		return
	}
	root.Set(aliasProperty, mirror)
	if err := root.Save(ctx); err != nil {
		log.Errorf("mirroring aliases: %v", err)
	}
}

// lookupAlias resolves an alias to a current handle. If the target was
// invalidated since registration the entry self-heals to the fresh
// wrapper; if it no longer loads at all the entry is dropped.
func (r *Registry) lookupAlias(name string) (*Object, bool) {
	r.ensureAliasesRestored()
	r.mu.RLock()
	obj, ok := r.aliases[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if r.cache.Has(obj.id) {
		fresh := r.cache.Get(obj.id)
		if fresh != obj {
			r.mu.Lock()
			r.aliases[name] = fresh
			r.mu.Unlock()
			obj = fresh
		}
		return obj, true
	}
	fresh, err := r.loadForWalk(obj.id)
	if err != nil {
		return obj, true
	}
	if fresh == nil {
		r.mu.Lock()
		delete(r.aliases, name)
		r.mu.Unlock()
		return nil, false
	}
	r.mu.Lock()
	r.aliases[name] = fresh
	r.mu.Unlock()
	return fresh, true
}

// ---------------------------------------------------------------------------
// script.Accessor: the $ binding
// ---------------------------------------------------------------------------

// Lookup reads a name through the accessor: internal fields and operations
// first, then the alias table. An unknown name is undefined, not an error.
func (r *Registry) Lookup(name string) (any, bool) {
	if field, ok := r.internal[name]; ok {
		return field(), true
	}
	if obj, ok := r.lookupAlias(name); ok {
		return obj, true
	}
	return nil, false
}

// Assign writes a name through the accessor. Internal names are rejected;
// any other name registers an alias only if the value looks like an object
// handle (duck-typed: it exposes an identifier). Assigning nil removes the
// alias. Rejection is soft: the write reports failure, nothing throws.
func (r *Registry) Assign(name string, value any) bool {
	if _, reserved := r.internal[name]; reserved {
		log.Warningf("rejected write to reserved name %q", name)
		return false
	}
	if value == nil {
		r.RemoveAlias(context.Background(), name)
		return true
	}
	ident, ok := value.(Identifiable)
	if !ok {
		log.Warningf("rejected alias %q: value is not an object", name)
		return false
	}
	obj, isObject := value.(*Object)
	if !isObject {
		loaded, err := r.loadForWalk(ident.ID())
		if err != nil || loaded == nil {
			return false
		}
		obj = loaded
	}
	return r.RegisterAlias(context.Background(), name, obj) == nil
}

// Names lists everything the accessor can resolve: internal fields plus
// registered aliases, sorted.
func (r *Registry) Names() []string {
	r.ensureAliasesRestored()
	r.mu.RLock()
	names := make([]string, 0, len(r.internal)+len(r.aliases))
	for name := range r.aliases {
		names = append(names, name)
	}
	r.mu.RUnlock()
	for name := range r.internal {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// internalFields builds the reserved accessor surface. Fields resolve to
// the sentinels; operations are native functions scripts may call through
// $ (e.g. $.load(12), $.create(parent), $.recycle(obj)).
func (r *Registry) internalFields() map[string]func() any {
	return map[string]func() any{
		"nothing": func() any {
			obj, err := r.loadForWalk(NothingID)
			if err != nil {
				return nil
			}
			return obj
		},
		"root": func() any {
			obj, err := r.loadForWalk(RootID)
			if err != nil {
				return nil
			}
			return obj
		},
		"load": func() any {
			return script.NativeFunc(func(ctx context.Context, args []any) (any, error) {
				id, err := argID(args, 0)
				if err != nil {
					return nil, err
				}
				obj, err := r.Load(ctx, id)
				if err != nil {
					return nil, err
				}
				if obj == nil {
					return nil, nil
				}
				return obj, nil
			})
		},
		"create": func() any {
			return script.NativeFunc(func(ctx context.Context, args []any) (any, error) {
				parent, err := argID(args, 0)
				if err != nil {
					return nil, err
				}
				var props map[string]any
				if len(args) > 1 {
					props, _ = args[1].(map[string]any)
				}
				return r.Create(ctx, parent, props, nil)
			})
		},
		"recycle": func() any {
			return script.NativeFunc(func(ctx context.Context, args []any) (any, error) {
				id, err := argID(args, 0)
				if err != nil {
					return nil, err
				}
				return nil, r.Recycle(ctx, id)
			})
		},
		"children": func() any {
			return script.NativeFunc(func(ctx context.Context, args []any) (any, error) {
				id, err := argID(args, 0)
				if err != nil {
					return nil, err
				}
				objs, err := r.ChildrenOf(ctx, id)
				if err != nil {
					return nil, err
				}
				out := make([]any, len(objs))
				for i, obj := range objs {
					out[i] = obj
				}
				return out, nil
			})
		},
		"find": func() any {
			return script.NativeFunc(func(ctx context.Context, args []any) (any, error) {
				if len(args) < 2 {
					return nil, errors.New("find requires a property name and value")
				}
				name, ok := args[0].(string)
				if !ok {
					return nil, errors.New("find: property name must be a string")
				}
				objs := r.FindByProperty(name, args[1])
				out := make([]any, len(objs))
				for i, obj := range objs {
					out[i] = obj
				}
				return out, nil
			})
		},
		"aliases": func() any {
			return script.NativeFunc(func(ctx context.Context, args []any) (any, error) {
				names := make([]string, 0)
				r.mu.RLock()
				for name := range r.aliases {
					names = append(names, name)
				}
				r.mu.RUnlock()
				sort.Strings(names)
				out := make([]any, len(names))
				for i, name := range names {
					out[i] = name
				}
				return out, nil
			})
		},
	}
}

// argID coerces a positional argument to an object id, accepting numbers
// and object handles.
func argID(args []any, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case Identifiable:
		return v.ID(), nil
	default:
		return 0, fmt.Errorf("argument %d is not an object id", i)
	}
}
