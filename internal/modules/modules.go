// Package modules tracks the libraries loaded into an emulator session and the
// host symbol hooks that satisfy their imports.
package modules

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/emulator"
	glog "github.com/zboralski/dlemu/internal/log"
	"go.uber.org/zap"
)

// GlobalHandle is the dlsym pseudo-handle meaning "search every module"
// (RTLD_DEFAULT on 32-bit bionic).
const GlobalHandle = 0xffffffff

var (
	ErrModuleNotFound = errors.New("module not found")
	ErrDuplicateHook  = errors.New("symbol hook already registered")
)

// Module is a loaded library image.
type Module struct {
	Base      uint64
	Size      uint64
	Filename  string            // base name, as reported by dladdr
	Path      string            // host path it was loaded from
	Symbols   map[string]uint64 // exported symbol name -> address
	Funcs     map[string]bool   // exports that are code; the rest are data
	Imports   map[string]uint64 // imported symbol name -> resolved address, 0 if unresolved
	InitArray []uint64
}

// Contains reports whether addr lies in [Base, Base+Size).
func (m *Module) Contains(addr uint64) bool {
	return m.Base <= addr && addr < m.Base+m.Size
}

// FindSymbol looks up an exported symbol of this module.
func (m *Module) FindSymbol(name string) (uint64, bool) {
	addr, ok := m.Symbols[name]
	return addr, ok
}

// IsFunc reports whether the export name is a function rather than data.
func (m *Module) IsFunc(name string) bool {
	return m.Funcs[name]
}

// Registry owns the modules and symbol hooks of one session.
type Registry struct {
	emu     *emulator.Emulator
	log     *zap.Logger
	modules []*Module
	hooks   map[string]uint64
	hookSet map[uint64]string
	next    uint64 // base for the next library
}

// New creates an empty registry loading libraries into emu.
func New(emu *emulator.Emulator, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		emu:     emu,
		log:     log,
		hooks:   make(map[string]uint64),
		hookSet: make(map[uint64]string),
		next:    emulator.LibBase,
	}
}

// AddSymbolHook binds name to a host trampoline address. Each name may be
// bound once per session.
func (r *Registry) AddSymbolHook(name string, addr uint64) error {
	if prev, ok := r.hooks[name]; ok {
		return errors.Wrapf(ErrDuplicateHook, "%s (0x%x)", name, prev)
	}
	r.hooks[name] = addr
	r.hookSet[addr] = name
	r.log.Debug("symbol hook", zap.String("fn", name), glog.Addr(addr))
	return nil
}

// SymbolHooks returns a copy of the name -> address hook table.
func (r *Registry) SymbolHooks() map[string]uint64 {
	out := make(map[string]uint64, len(r.hooks))
	for k, v := range r.hooks {
		out[k] = v
	}
	return out
}

// IsSymbolHook reports whether addr is a registered hook address.
func (r *Registry) IsSymbolHook(addr uint64) (string, bool) {
	name, ok := r.hookSet[addr]
	return name, ok
}

// Add registers an already-mapped module.
func (r *Registry) Add(m *Module) {
	r.modules = append(r.modules, m)
	if end := alignPage(m.Base + m.Size); end > r.next {
		r.next = end
	}
}

// Modules returns the loaded modules in load order.
func (r *Registry) Modules() []*Module {
	return append([]*Module(nil), r.modules...)
}

// FindModuleByHandle resolves a dlopen handle (a module base) to its module.
func (r *Registry) FindModuleByHandle(handle uint64) (*Module, error) {
	for _, m := range r.modules {
		if m.Base == handle {
			return m, nil
		}
	}
	return nil, errors.Wrapf(ErrModuleNotFound, "handle 0x%x", handle)
}

// FindModuleByAddr returns the first module containing addr.
func (r *Registry) FindModuleByAddr(addr uint64) (*Module, error) {
	for _, m := range r.modules {
		if m.Contains(addr) {
			return m, nil
		}
	}
	return nil, errors.Wrapf(ErrModuleNotFound, "address 0x%x", addr)
}

// FindModuleByName returns the module loaded under filename.
func (r *Registry) FindModuleByName(filename string) (*Module, error) {
	for _, m := range r.modules {
		if m.Filename == filename {
			return m, nil
		}
	}
	return nil, errors.Wrapf(ErrModuleNotFound, "name %s", filename)
}

// FindSymbol resolves name globally: symbol hooks first, then module exports
// in load order.
func (r *Registry) FindSymbol(name string) (uint64, bool) {
	addr, _, ok := r.LookupSymbol(name)
	return addr, ok
}

// LookupSymbol is FindSymbol that also returns the module defining name.
// The module is nil when name resolves to a symbol hook.
func (r *Registry) LookupSymbol(name string) (uint64, *Module, bool) {
	if addr, ok := r.hooks[name]; ok {
		return addr, nil, true
	}
	for _, m := range r.modules {
		if addr, ok := m.FindSymbol(name); ok {
			return addr, m, true
		}
	}
	return 0, nil, false
}

// LoadLibrary maps the ELF at path after the previously loaded modules and
// resolves its imports through FindSymbol. Initializers are not run.
func (r *Registry) LoadLibrary(path string) (*Module, error) {
	filename := filepath.Base(path)
	if m, err := r.FindModuleByName(filename); err == nil {
		return m, nil
	}

	info, err := r.emu.LoadELFAt(path, r.next, r.FindSymbol)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", filename)
	}

	m := &Module{
		Base:      info.BaseAddr,
		Size:      info.Size(),
		Filename:  filename,
		Path:      path,
		Symbols:   info.Symbols,
		Funcs:     info.Funcs,
		Imports:   info.Imports,
		InitArray: info.InitArray,
	}
	r.Add(m)

	r.log.Info("loaded",
		zap.String("lib", filename),
		glog.Ptr("base", m.Base),
		zap.Uint64("size", m.Size),
		zap.Int("symbols", len(m.Symbols)),
		zap.Strings("unresolved", info.Unresolved()),
	)
	return m, nil
}

func alignPage(v uint64) uint64 {
	return (v + 0xfff) &^ 0xfff
}
