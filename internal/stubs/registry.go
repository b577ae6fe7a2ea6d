// Package stubs provides a registry for self-registering symbol hooks.
// Each stub package uses init() to register its hooks; Install binds every
// registered hook to a trampoline and publishes it as a symbol hook before
// any guest code runs.
package stubs

import (
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/hooker"
	"go.uber.org/zap"
)

// HookFunc implements a symbol. The returned value lands in r0 unless the
// stub is void; a non-nil error aborts the session.
type HookFunc func(ctx *Context, call *hooker.Call) (uint64, error)

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string // Symbol name (e.g., "dlopen", "pthread_create")
	Hook     HookFunc
	Category string // For logging: "dl", "property", "pthread", "libc"
	Void     bool   // Leave r0 untouched
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs: make(map[string]*StubDef),
	}
}

// Register adds a stub definition. A later definition for the same name
// replaces the earlier one.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stubs[def.Name] = &def
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc) {
	r.Register(StubDef{
		Name:     name,
		Hook:     hook,
		Category: category,
	})
}

// Lookup returns the definition registered for name.
func (r *Registry) Lookup(name string) (StubDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.stubs[name]
	if !ok {
		return StubDef{}, false
	}
	return *def, true
}

// Install writes one trampoline per registered stub and records
// name -> trampoline|1 in ctx.Modules. It returns the number of hooks installed.
func (r *Registry) Install(ctx *Context) (int, error) {
	r.mu.RLock()
	defs := make([]*StubDef, 0, len(r.stubs))
	for _, def := range r.stubs {
		defs = append(defs, def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	for i, def := range defs {
		addr, err := ctx.Hooker.WriteFunction(wrap(ctx, *def))
		if err != nil {
			return i, errors.Wrapf(err, "install %s", def.Name)
		}
		if err := ctx.Modules.AddSymbolHook(def.Name, addr|1); err != nil {
			return i, err
		}
		ctx.Log.StubInstall(def.Category, def.Name, addr|1)
	}
	return len(defs), nil
}

// wrap adapts a HookFunc to a trampoline callback.
func wrap(ctx *Context, def StubDef) hooker.Func {
	return func(call *hooker.Call) {
		ctx.Log.Debug("call", zap.String("cat", def.Category), zap.String("fn", def.Name))

		ret, err := def.Hook(ctx, call)
		if err != nil {
			fe := &FatalError{Symbol: def.Name, PC: call.ReturnAddr(), Err: err}
			ctx.Log.StubFailure(def.Name, fe.PC, err)
			ctx.Trace("fail", def.Name, err.Error())
			call.Emu.Fail(fe)
			return
		}
		if !def.Void {
			if err := call.Return(ret); err != nil {
				call.Emu.Fail(&FatalError{Symbol: def.Name, PC: call.ReturnAddr(), Err: err})
			}
		}
	}
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	for name := range r.stubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unimplemented returns a stub that aborts the session when called.
func Unimplemented(category, name string) StubDef {
	return StubDef{
		Name:     name,
		Category: category,
		Hook: func(ctx *Context, call *hooker.Call) (uint64, error) {
			return 0, errors.Wrap(ErrUnimplementedStub, name)
		},
	}
}

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc) {
	DefaultRegistry.RegisterFunc(category, name, hook)
}

// RegisterUnimplemented adds fail-fast stubs to the default registry.
func RegisterUnimplemented(category string, names ...string) {
	for _, name := range names {
		DefaultRegistry.Register(Unimplemented(category, name))
	}
}

// Install hooks all stubs in the default registry.
func Install(ctx *Context) (int, error) {
	return DefaultRegistry.Install(ctx)
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return "0x" + strconv.FormatUint(v, 16)
}

// FormatPtr formats a name=value pair.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}
