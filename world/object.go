package world

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/TSavo/Malice-sub002/store"
)

// MaxResolveDepth bounds parent-chain walks. A chain this deep is corrupt
// data (the tree is shallow in practice); resolution reports it instead of
// looping.
const MaxResolveDepth = 256

// ErrChainTooDeep indicates a parent chain that failed to terminate within
// MaxResolveDepth. This is a data-integrity error: the operation aborts,
// cache state is left untouched.
var ErrChainTooDeep = errors.New("parent chain failed to terminate")

// ErrNoSuchMethod indicates a call to a method that no object in the
// parent chain defines.
var ErrNoSuchMethod = errors.New("no such method")

// Object is the runtime wrapper over one persisted document: a mutable,
// buffered view of its own properties and methods, with inherited ones
// resolved by walking the parent chain through the registry's cache.
//
// There is exactly one resident Object per id per process; a mutation is
// immediately visible to every holder of the handle. Mutations are local
// until Save flushes them to the store.
type Object struct {
	id  int64
	reg *Registry

	mu       sync.RWMutex
	parent   int64
	recycled bool
	props    map[string]any
	methods  map[string]*store.Method
	created  time.Time
	modified time.Time
}

// ID returns the object's identifier.
func (o *Object) ID() int64 { return o.id }

// ParentID returns the raw parent identifier, not a resolved handle.
func (o *Object) ParentID() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.parent
}

// SetParent reparents the object. Local until Save.
func (o *Object) SetParent(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parent = id
}

// Recycled reports whether the wrapper was marked recycled.
func (o *Object) Recycled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.recycled
}

// CreatedAt returns the document's creation time.
func (o *Object) CreatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.created
}

// Get resolves a property: the own value if present, else the nearest
// ancestor's, stopping at a self-parented root. The boolean reports
// whether any object in the chain defined the property. Reference values
// resolve to live handles on first access and stay resolved.
//
// The error is reserved for integrity failures: an unterminated parent
// chain or a storage fault while walking.
func (o *Object) Get(name string) (any, bool, error) {
	cur := o
	for depth := 0; depth < MaxResolveDepth; depth++ {
		if value, ok := cur.ownResolved(name); ok {
			return value, true, nil
		}
		parentID := cur.ParentID()
		if parentID == cur.id {
			return nil, false, nil
		}
		next, err := cur.reg.loadForWalk(parentID)
		if err != nil {
			return nil, false, fmt.Errorf("resolving %q on #%d: %w", name, o.id, err)
		}
		if next == nil {
			// Dangling parent: treat the chain as ended.
			return nil, false, nil
		}
		cur = next
	}
	return nil, false, fmt.Errorf("resolving %q on #%d: %w", name, o.id, ErrChainTooDeep)
}

// ownResolved returns the own value for name, resolving stored Refs to
// live handles. Resolution builds fresh containers; the result is memoized
// back into the property slot under the lock so the handles survive.
func (o *Object) ownResolved(name string) (any, bool) {
	o.mu.RLock()
	value, ok := o.props[name]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	resolved, changed := o.reg.resolveRefs(value)
	if changed {
		o.mu.Lock()
		// Re-check: a concurrent Set wins over memoization.
		if cur, still := o.props[name]; still && sameSlot(cur, value) {
			o.props[name] = resolved
		}
		o.mu.Unlock()
	}
	return resolved, true
}

// sameSlot reports whether the property slot still holds the exact value
// captured before resolution. Containers compare by identity, not
// contents; map and slice values are not comparable with ==.
func sameSlot(cur, prev any) bool {
	switch p := prev.(type) {
	case []any:
		c, ok := cur.([]any)
		return ok && len(c) == len(p) &&
			reflect.ValueOf(c).Pointer() == reflect.ValueOf(p).Pointer()
	case map[string]any:
		c, ok := cur.(map[string]any)
		return ok && reflect.ValueOf(c).Pointer() == reflect.ValueOf(p).Pointer()
	case store.Ref:
		c, ok := cur.(store.Ref)
		return ok && c == p
	default:
		return false
	}
}

// Set writes an own property. Never touches an ancestor; visible to every
// holder of this handle immediately, durable only after Save.
func (o *Object) Set(name string, value any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.props[name] = value
}

// RemoveProperty deletes an own property. Inherited values reappear on
// the next Get.
func (o *Object) RemoveProperty(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.props, name)
}

// OwnProperties returns a copy of only the locally-defined properties,
// with no inherited entries. This is the raw-definition view tooling
// diffs against resolved state.
func (o *Object) OwnProperties() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.props))
	for k, v := range o.props {
		out[k] = v
	}
	return out
}

// OwnMethods returns a copy of only the locally-defined methods.
func (o *Object) OwnMethods() map[string]*store.Method {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]*store.Method, len(o.methods))
	for k, v := range o.methods {
		cp := *v
		out[k] = &cp
	}
	return out
}

// MethodOption configures a method definition.
type MethodOption func(*store.Method)

// Callable marks the method invokable from outside the object (commands,
// tooling calls). Internal calls never check the flag.
func Callable() MethodOption {
	return func(m *store.Method) { m.Callable = true }
}

// WithAliases sets command aliases for the method.
func WithAliases(aliases ...string) MethodOption {
	return func(m *store.Method) { m.Aliases = aliases }
}

// WithHelp attaches help text to the method.
func WithHelp(help string) MethodOption {
	return func(m *store.Method) { m.Help = help }
}

// SetMethod stores method source as an own method and invalidates any
// artifact previously compiled under (this id, name). Descendants that
// resolved the old source through this object keep their own cached
// artifacts until separately invalidated.
func (o *Object) SetMethod(name, source string, opts ...MethodOption) {
	m := &store.Method{Source: source}
	for _, opt := range opts {
		opt(m)
	}
	o.mu.Lock()
	o.methods[name] = m
	o.mu.Unlock()
	o.reg.cache.InvalidateProgram(o.id, name)
}

// RemoveMethod deletes an own method and its compiled artifact.
func (o *Object) RemoveMethod(name string) {
	o.mu.Lock()
	delete(o.methods, name)
	o.mu.Unlock()
	o.reg.cache.InvalidateProgram(o.id, name)
}

// ownMethod returns the locally-defined method, if any.
func (o *Object) ownMethod(name string) *store.Method {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.methods[name]
}

// ResolveMethod finds the method definition the way Get finds properties:
// own first, then up the parent chain.
func (o *Object) ResolveMethod(name string) (*store.Method, error) {
	cur := o
	for depth := 0; depth < MaxResolveDepth; depth++ {
		if m := cur.ownMethod(name); m != nil {
			return m, nil
		}
		parentID := cur.ParentID()
		if parentID == cur.id {
			return nil, nil
		}
		next, err := cur.reg.loadForWalk(parentID)
		if err != nil {
			return nil, fmt.Errorf("resolving method %q on #%d: %w", name, o.id, err)
		}
		if next == nil {
			return nil, nil
		}
		cur = next
	}
	return nil, fmt.Errorf("resolving method %q on #%d: %w", name, o.id, ErrChainTooDeep)
}

// Call resolves a method up the parent chain and executes it. The compiled
// artifact is cached under this object's id — where the call landed, not
// where the source came from. Script exceptions come back as errors
// carrying the original message; they never crash the process.
func (o *Object) Call(ctx context.Context, name string, args ...any) (any, error) {
	method, err := o.ResolveMethod(name)
	if err != nil {
		return nil, err
	}
	if method == nil {
		return nil, fmt.Errorf("calling %q on #%d: %w", name, o.id, ErrNoSuchMethod)
	}

	prog := o.reg.cache.Program(o.id, name)
	if prog == nil {
		prog, err = o.reg.engine.Compile(name, method.Source)
		if err != nil {
			return nil, err
		}
		o.reg.cache.SetProgram(o.id, name, prog)
	}

	if args == nil {
		args = []any{}
	}
	return o.reg.engine.Run(ctx, prog, o, args, o.reg)
}

// Save flushes the buffered own state to the durable store as a single
// document write. Until Save, mutations are visible in-process but neither
// durable nor broadcast to other processes.
func (o *Object) Save(ctx context.Context) error {
	o.mu.RLock()
	doc := &store.Document{
		ID:       o.id,
		Parent:   o.parent,
		Recycled: o.recycled,
		Properties: func() map[string]any {
			out := make(map[string]any, len(o.props))
			for k, v := range o.props {
				out[k] = dehydrate(v)
			}
			return out
		}(),
		Methods: func() map[string]*store.Method {
			out := make(map[string]*store.Method, len(o.methods))
			for k, v := range o.methods {
				cp := *v
				out[k] = &cp
			}
			return out
		}(),
	}
	o.mu.RUnlock()
	return o.reg.store.Update(ctx, doc)
}

// dehydrate degrades live handles back to stored references for
// persistence, recursing through lists and nested maps.
func dehydrate(v any) any {
	switch val := v.(type) {
	case *Object:
		return store.Ref{ID: val.id}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = dehydrate(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = dehydrate(item)
		}
		return out
	default:
		return v
	}
}
