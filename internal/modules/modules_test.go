package modules

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/emulator"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return New(emu, nil)
}

func TestModuleContainsHalfOpen(t *testing.T) {
	m := &Module{Base: 0x1000, Size: 0x100}

	tests := []struct {
		addr uint64
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x10ff, true},
		{0x1100, false},
	}
	for _, tt := range tests {
		if got := m.Contains(tt.addr); got != tt.want {
			t.Errorf("Contains(0x%x) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestAddSymbolHookOnce(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddSymbolHook("dlopen", 0xff000011); err != nil {
		t.Fatalf("AddSymbolHook failed: %v", err)
	}
	if err := r.AddSymbolHook("dlopen", 0xff000021); !errors.Is(err, ErrDuplicateHook) {
		t.Errorf("Expected ErrDuplicateHook, got %v", err)
	}

	if addr := r.SymbolHooks()["dlopen"]; addr != 0xff000011 {
		t.Errorf("Hook address changed to 0x%x", addr)
	}
	if name, ok := r.IsSymbolHook(0xff000011); !ok || name != "dlopen" {
		t.Errorf("IsSymbolHook = %q, %v", name, ok)
	}
}

func TestFindModule(t *testing.T) {
	r := newTestRegistry(t)

	a := &Module{Base: 0xcbbcb000, Size: 0x2000, Filename: "liba.so", Symbols: map[string]uint64{"shared": 0xcbbcb101, "onlyA": 0xcbbcb201}}
	b := &Module{Base: 0xcbbcd000, Size: 0x1000, Filename: "libb.so", Symbols: map[string]uint64{"shared": 0xcbbcd101}}
	r.Add(a)
	r.Add(b)

	if m, err := r.FindModuleByHandle(b.Base); err != nil || m != b {
		t.Errorf("FindModuleByHandle(b) = %v, %v", m, err)
	}
	if _, err := r.FindModuleByHandle(b.Base + 4); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Expected ErrModuleNotFound for non-base handle, got %v", err)
	}

	if m, err := r.FindModuleByAddr(0xcbbccfff); err != nil || m != a {
		t.Errorf("FindModuleByAddr(end of a) = %v, %v", m, err)
	}
	if m, err := r.FindModuleByAddr(0xcbbcd000); err != nil || m != b {
		t.Errorf("FindModuleByAddr(start of b) = %v, %v", m, err)
	}
	if _, err := r.FindModuleByAddr(0x1000); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Expected ErrModuleNotFound, got %v", err)
	}

	if m, err := r.FindModuleByName("libb.so"); err != nil || m != b {
		t.Errorf("FindModuleByName = %v, %v", m, err)
	}

	// Load order decides global lookups
	if addr, ok := r.FindSymbol("shared"); !ok || addr != 0xcbbcb101 {
		t.Errorf("FindSymbol(shared) = 0x%x, %v", addr, ok)
	}
	if _, ok := r.FindSymbol("missing"); ok {
		t.Error("FindSymbol(missing) should fail")
	}

	if len(r.Modules()) != 2 {
		t.Errorf("Expected 2 modules, got %d", len(r.Modules()))
	}
}

func TestFindSymbolPrefersHooks(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(&Module{Base: 0xcbbcb000, Size: 0x1000, Filename: "libc.so", Symbols: map[string]uint64{"dlsym": 0xcbbcb401}})

	if err := r.AddSymbolHook("dlsym", 0xff000031); err != nil {
		t.Fatal(err)
	}
	if addr, _ := r.FindSymbol("dlsym"); addr != 0xff000031 {
		t.Errorf("Expected hook address, got 0x%x", addr)
	}
}

func TestLookupSymbolReportsOwner(t *testing.T) {
	r := newTestRegistry(t)
	m := &Module{
		Base:     0xcbbcb000,
		Size:     0x2000,
		Filename: "libvendorconn.so",
		Symbols:  map[string]uint64{"vendor_init": 0xcbbcb101, "g_version": 0xcbbcc000},
		Funcs:    map[string]bool{"vendor_init": true},
	}
	r.Add(m)
	if err := r.AddSymbolHook("dlopen", 0xff000011); err != nil {
		t.Fatal(err)
	}

	if addr, owner, ok := r.LookupSymbol("g_version"); !ok || owner != m || addr != 0xcbbcc000 {
		t.Errorf("LookupSymbol(g_version) = 0x%x, %v, %v", addr, owner, ok)
	}
	if _, owner, ok := r.LookupSymbol("dlopen"); !ok || owner != nil {
		t.Errorf("LookupSymbol(dlopen) owner = %v, %v; want hook", owner, ok)
	}
	if !m.IsFunc("vendor_init") || m.IsFunc("g_version") || m.IsFunc("missing") {
		t.Error("IsFunc must only report STT_FUNC exports")
	}
}

func TestAddAdvancesLoadBase(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(&Module{Base: emulator.LibBase, Size: 0x1800, Filename: "liba.so"})

	if r.next != emulator.LibBase+0x2000 {
		t.Errorf("Expected next base 0x%x, got 0x%x", emulator.LibBase+0x2000, r.next)
	}
}

func TestLoadLibraryMissingFile(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.LoadLibrary("/nonexistent/libvendorconn.so"); err == nil {
		t.Error("Expected error loading a missing library")
	}
	if len(r.Modules()) != 0 {
		t.Error("Failed load must not register a module")
	}
}
