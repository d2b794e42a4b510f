// Package script executes object method source. Method bodies are plain
// imperative JavaScript compiled once into a reusable artifact; each call
// runs on a fresh runtime with three names bound: self (the resolving
// object), args (the positional argument list), and $ (the alias/identity
// accessor).
package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("script")

// ErrNotCallable indicates a method exists but is not marked callable.
var ErrNotCallable = errors.New("method is not callable")

// Target is the explicit accessor interface an executing method sees for
// any object handle: the resolving object itself, and every object handle
// reachable from its properties.
type Target interface {
	ID() int64
	// Get resolves a property through the prototype chain. The boolean
	// reports definedness; the error is reserved for integrity failures
	// such as an unterminated parent chain, which abort the call.
	Get(name string) (any, bool, error)
	Set(name string, value any)
	Call(ctx context.Context, name string, args ...any) (any, error)
	Save(ctx context.Context) error
}

// Accessor is the namespace bound as $: internal fields and operations
// first, then the dynamic alias table. Lookup of an unknown name reports
// undefined, not an error; Assign returns false on rejection.
type Accessor interface {
	Lookup(name string) (any, bool)
	Assign(name string, value any) bool
	Names() []string
}

// NativeFunc is a host operation exposed through the accessor (load,
// create, recycle and friends). The engine bridges it into a script
// function; a returned error becomes a thrown exception.
type NativeFunc func(ctx context.Context, args []any) (any, error)

// Program is a compiled method artifact. Programs are immutable and safe
// to run concurrently on separate runtimes, which is what makes the
// per-(object, method) artifact cache sound.
type Program struct {
	name string
	prog *goja.Program
}

// Name returns the method name the program was compiled under.
func (p *Program) Name() string { return p.name }

// ExecError is a failure raised by method code itself, carrying the
// original script message. It is distinct from host-side failures such as
// storage errors, which propagate unwrapped.
type ExecError struct {
	Method  string
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("method %s: %s", e.Method, e.Message)
}

// Engine compiles and runs method source.
type Engine struct{}

// NewEngine creates a script engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Compile turns method source into a reusable Program. The source is a
// function body: return statements are legal, and `this` is an alias for
// self.
func (e *Engine) Compile(name, source string) (*Program, error) {
	wrapped := fmt.Sprintf("(function() {\n%s\n}).call(self);", source)
	prog, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compiling method %s: %w", name, err)
	}
	log.Debugf("compiled method %s (%d bytes of source)", name, len(source))
	return &Program{name: name, prog: prog}, nil
}

// Run executes a compiled method. Execution is synchronous from the
// caller's point of view; method code may itself call into other objects'
// methods through the bound handles. Cancelling ctx interrupts the script.
func (e *Engine) Run(ctx context.Context, prog *Program, self Target, args []any, accessor Accessor) (any, error) {
	vm := goja.New()
	conv := newConverter(ctx, vm)

	vm.Set("self", conv.toScript(self))
	vm.Set("args", conv.toScript(args))
	if accessor != nil {
		vm.Set("$", vm.NewDynamicObject(&accessorObject{conv: conv, accessor: accessor}))
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	value, err := vm.RunProgram(prog.prog)
	if err != nil {
		return nil, scriptError(prog.name, err)
	}
	return conv.fromScript(value), nil
}

// scriptError maps a goja failure to the substrate's error taxonomy: an
// exception thrown by method code surfaces as an ExecError with the
// original message; an interrupt surfaces the cancellation cause.
func scriptError(method string, err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &ExecError{Method: method, Message: ex.Value().String()}
	}
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		if cause, ok := intr.Value().(error); ok {
			return fmt.Errorf("method %s interrupted: %w", method, cause)
		}
		return fmt.Errorf("method %s interrupted: %v", method, intr.Value())
	}
	return fmt.Errorf("method %s: %w", method, err)
}
