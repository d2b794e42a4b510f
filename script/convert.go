package script

import (
	"context"
	"strconv"

	"github.com/dop251/goja"
)

// converter moves values across the host/script boundary for one call.
// Object handles keep identity in both directions: the same Target always
// wraps to the same script object, and that object unwraps back to the
// original Target rather than to a plain map.
type converter struct {
	ctx     context.Context
	vm      *goja.Runtime
	wrapped map[int64]*goja.Object
	targets map[*goja.Object]Target
}

func newConverter(ctx context.Context, vm *goja.Runtime) *converter {
	return &converter{
		ctx:     ctx,
		vm:      vm,
		wrapped: make(map[int64]*goja.Object),
		targets: make(map[*goja.Object]Target),
	}
}

// callContext is the context threaded into nested host calls made by the
// executing script.
func (c *converter) callContext() context.Context { return c.ctx }

// toScript converts a host value into its script representation, wrapping
// Targets into handle objects and recursing through lists and maps.
func (c *converter) toScript(v any) goja.Value {
	switch val := v.(type) {
	case nil:
		return goja.Null()
	case Target:
		return c.wrapTarget(val)
	case NativeFunc:
		return c.wrapNative(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = c.toScript(item)
		}
		return c.vm.NewArray(items...)
	case map[string]any:
		obj := c.vm.NewObject()
		for k, item := range val {
			obj.Set(k, c.toScript(item))
		}
		return obj
	default:
		return c.vm.ToValue(v)
	}
}

// fromScript converts a script value back to the host domain. Handle
// objects unwrap to their Targets, including inside arrays and plain
// objects built by the script.
func (c *converter) fromScript(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if obj, ok := v.(*goja.Object); ok {
		if target, ok := c.targets[obj]; ok {
			return target
		}
		if cls := obj.ClassName(); cls == "Array" {
			length := int(obj.Get("length").ToInteger())
			out := make([]any, 0, length)
			for i := 0; i < length; i++ {
				out = append(out, c.fromScript(obj.Get(strconv.Itoa(i))))
			}
			return out
		}
		if _, isFunc := goja.AssertFunction(v); isFunc {
			return nil
		}
		out := make(map[string]any)
		for _, key := range obj.Keys() {
			out[key] = c.fromScript(obj.Get(key))
		}
		return out
	}
	return v.Export()
}

// wrapTarget builds (or reuses) the handle object for a Target. Handles
// expose id, get, set, call and save; get returns further handles for
// reference-valued properties, so scripts can walk the object graph.
func (c *converter) wrapTarget(t Target) *goja.Object {
	if obj, ok := c.wrapped[t.ID()]; ok {
		return obj
	}
	obj := c.vm.NewObject()
	c.wrapped[t.ID()] = obj
	c.targets[obj] = t

	obj.Set("id", t.ID())
	obj.Set("get", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		value, ok, err := t.Get(name)
		if err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		if !ok {
			return goja.Undefined()
		}
		return c.toScript(value)
	})
	obj.Set("set", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		t.Set(name, c.fromScript(call.Argument(1)))
		return goja.Undefined()
	})
	obj.Set("call", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		args := make([]any, 0, len(call.Arguments)-1)
		for _, arg := range call.Arguments[1:] {
			args = append(args, c.fromScript(arg))
		}
		result, err := t.Call(c.callContext(), name, args...)
		if err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		return c.toScript(result)
	})
	obj.Set("save", func(call goja.FunctionCall) goja.Value {
		if err := t.Save(c.callContext()); err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	return obj
}

func (c *converter) wrapNative(fn NativeFunc) goja.Value {
	return c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			args = append(args, c.fromScript(arg))
		}
		result, err := fn(c.callContext(), args)
		if err != nil {
			panic(c.vm.ToValue(err.Error()))
		}
		return c.toScript(result)
	})
}

// accessorObject backs the $ binding as a dynamic object: internal fields
// and operations resolve first, then aliases; unknown names read as
// undefined. Assignment of a non-handle value, or to a reserved name,
// fails softly (returns false, no exception).
type accessorObject struct {
	conv     *converter
	accessor Accessor
}

func (a *accessorObject) Get(key string) goja.Value {
	value, ok := a.accessor.Lookup(key)
	if !ok {
		return goja.Undefined()
	}
	return a.conv.toScript(value)
}

func (a *accessorObject) Set(key string, value goja.Value) bool {
	return a.accessor.Assign(key, a.conv.fromScript(value))
}

func (a *accessorObject) Has(key string) bool {
	_, ok := a.accessor.Lookup(key)
	return ok
}

func (a *accessorObject) Delete(key string) bool {
	return a.accessor.Assign(key, nil)
}

func (a *accessorObject) Keys() []string {
	return a.accessor.Names()
}

