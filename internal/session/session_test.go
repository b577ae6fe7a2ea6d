package session

import (
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/config"
	"github.com/zboralski/dlemu/internal/emulator"
	"github.com/zboralski/dlemu/internal/emulator/elftest"
	"github.com/zboralski/dlemu/internal/modules"
	"github.com/zboralski/dlemu/internal/stubs"
	"github.com/zboralski/dlemu/internal/trace"
)

func newTestSession(t *testing.T, cfg *config.Config) *Session {
	t.Helper()
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewInstallsAllStubs(t *testing.T) {
	s := newTestSession(t, nil)

	if s.Hooks != stubs.DefaultRegistry.Count() {
		t.Errorf("Installed %d hooks, %d registered", s.Hooks, stubs.DefaultRegistry.Count())
	}
	hooks := s.Modules().SymbolHooks()
	for _, name := range []string{"dlopen", "dlsym", "dlclose", "dladdr", "__system_property_get", "pthread_create"} {
		if addr, ok := hooks[name]; !ok || addr&1 == 0 {
			t.Errorf("%s hook = 0x%x, %v", name, addr, ok)
		}
	}
}

func TestSessionIDsUnique(t *testing.T) {
	a := newTestSession(t, nil)
	b := newTestSession(t, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("Session IDs %q and %q", a.ID, b.ID)
	}
}

func TestPropertiesFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Properties["ro.build.version.sdk"] = "19"
	s := newTestSession(t, cfg)

	name, _ := s.CString("ro.build.version.sdk")
	buf, _ := s.Emulator().Malloc(92)

	ret, err := s.Call("__system_property_get", name, buf)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if ret != 2 {
		t.Errorf("Expected length 2, got %d", ret)
	}
	if v, _ := s.Emulator().MemReadString(buf, 92); v != "19" {
		t.Errorf("Expected \"19\", got %q", v)
	}

	events := s.Drain()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if !events[0].Tags.Has(trace.Property) {
		t.Errorf("Event missing #property: %v", events[0].Tags)
	}
	if len(s.Events()) != 0 {
		t.Error("Drain did not clear events")
	}
}

func TestFatalStubStopsCall(t *testing.T) {
	s := newTestSession(t, nil)

	var seen []*trace.Event
	s.OnEvent = func(e *trace.Event) { seen = append(seen, e) }

	_, err := s.Call("pthread_create", 0, 0, 0, 0)
	if !errors.Is(err, stubs.ErrUnimplementedStub) {
		t.Fatalf("Expected ErrUnimplementedStub, got %v", err)
	}
	if len(seen) != 1 || !seen[0].Tags.Has(trace.Unimplemented) {
		t.Errorf("Expected one #unimplemented event, got %v", seen)
	}

	// The session stays usable after a fatal stub.
	if ret, err := s.Call("dlclose", 0); err != nil || ret != 0 {
		t.Errorf("dlclose after failure = %d, %v", ret, err)
	}
}

func TestCallUnknownSymbol(t *testing.T) {
	s := newTestSession(t, nil)
	if _, err := s.Call("JNI_OnLoad"); !errors.Is(err, stubs.ErrSymbolNotFound) {
		t.Errorf("Expected ErrSymbolNotFound, got %v", err)
	}
}

func TestDlsymThroughSession(t *testing.T) {
	s := newTestSession(t, nil)
	s.Modules().Add(&modules.Module{
		Base:     0xcbbcb000,
		Size:     0x1000,
		Filename: "libvendorconn.so",
		Symbols:  map[string]uint64{"vendor_init": 0xcbbcb101},
		Funcs:    map[string]bool{"vendor_init": true},
	})

	path, _ := s.CString("libvendorconn.so")
	h, err := s.Call("dlopen", path, 0)
	if err != nil || h != 0xcbbcb000 {
		t.Fatalf("dlopen = 0x%x, %v", h, err)
	}

	sym, _ := s.CString("vendor_init")
	a, _ := s.Call("dlsym", h, sym)
	b, _ := s.Call("dlsym", modules.GlobalHandle, sym)
	if a == 0 || a != b {
		t.Errorf("dlsym(handle)=0x%x dlsym(global)=0x%x", a, b)
	}

	var dynload int
	for _, e := range s.Events() {
		if e.Tags.Has(trace.Dynload) {
			dynload++
		}
	}
	if dynload != 3 {
		t.Errorf("Expected 3 #dynload events, got %d", dynload)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Library.Name = ""
	if _, err := New(cfg, nil); err == nil {
		t.Error("Expected error for empty library name")
	}
}

func newLibrarySession(t *testing.T) (*Session, string) {
	t.Helper()
	path, err := elftest.Write(t.TempDir(), "libvendorconn.so")
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Library.Path = path
	return newTestSession(t, cfg), path
}

func TestLoadLibraryRunsInitializers(t *testing.T) {
	s, path := newLibrarySession(t)

	var ran bool
	s.Emulator().HookAddress(emulator.LibBase+elftest.Init, func(*emulator.Emulator) bool {
		ran = true
		return false
	})

	m, err := s.LoadLibrary(path)
	if err != nil {
		t.Fatalf("LoadLibrary failed: %v", err)
	}
	if !ran || !s.init[m] {
		t.Errorf("init_array not run (ran=%v, marked=%v)", ran, s.init[m])
	}
	if want := s.Modules().SymbolHooks()["pthread_create"]; m.Imports["pthread_create"] != want {
		t.Errorf("pthread_create bound to 0x%x, want hook 0x%x", m.Imports["pthread_create"], want)
	}

	ran = false
	if again, _ := s.LoadLibrary(path); again != m {
		t.Error("Second load did not reuse the module")
	}
	if ran {
		t.Error("Initializers ran twice")
	}
}

func TestGuestCallIntoUnimplementedStub(t *testing.T) {
	s, path := newLibrarySession(t)
	m, err := s.LoadLibrary(path)
	if err != nil {
		t.Fatalf("LoadLibrary failed: %v", err)
	}

	// JNI_OnLoad reaches pthread_create with blx through its GOT slot.
	_, err = s.Call("JNI_OnLoad")
	if !errors.Is(err, stubs.ErrUnimplementedStub) {
		t.Fatalf("Expected ErrUnimplementedStub, got %v", err)
	}
	if !strings.Contains(err.Error(), "pthread_create") {
		t.Errorf("Error should name the symbol: %v", err)
	}
	var fe *stubs.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected a *FatalError, got %T", err)
	}
	if fe.Symbol != "pthread_create" {
		t.Errorf("FatalError.Symbol = %q", fe.Symbol)
	}
	if fe.PC != m.Base+elftest.OnLoadReturn {
		t.Errorf("FatalError.PC = 0x%x, want the return address 0x%x", fe.PC, m.Base+elftest.OnLoadReturn)
	}
}

func TestGuestDlopenLoadsConfiguredLibrary(t *testing.T) {
	s, _ := newLibrarySession(t)

	name, _ := s.CString("libvendorconn.so")
	h, err := s.Call("dlopen", name, 0)
	if err != nil || h != emulator.LibBase {
		t.Fatalf("dlopen = 0x%x, %v", h, err)
	}

	sym, _ := s.CString("g_version")
	data, err := s.Call("dlsym", h, sym)
	if err != nil {
		t.Fatalf("dlsym(g_version) failed: %v", err)
	}
	if data != h+elftest.Version {
		t.Errorf("dlsym(g_version) = 0x%x, want 0x%x", data, h+elftest.Version)
	}
	if v, _ := s.Emulator().MemReadU32(data); v != elftest.VersionValue {
		t.Errorf("*g_version = %d", v)
	}

	sym, _ = s.CString("JNI_OnLoad")
	fn, err := s.Call("dlsym", modules.GlobalHandle, sym)
	if err != nil {
		t.Fatalf("dlsym(JNI_OnLoad) failed: %v", err)
	}
	if fn&1 == 0 || fn < emulator.StubBase {
		t.Errorf("dlsym(JNI_OnLoad) = 0x%x, want a Thumb trampoline", fn)
	}

	// dlopen leaves initializers to the caller.
	if err := s.RunInitializers(); err != nil {
		t.Fatalf("RunInitializers failed: %v", err)
	}
}

func TestLoadSampleLibrary(t *testing.T) {
	path := os.Getenv("DLEMU_TEST_LIB")
	if path == "" {
		path = "../../samples/example_binaries/libvendorconn.so"
	}
	if _, err := os.Stat(path); err != nil {
		t.Skip("No test binary found, skipping")
	}

	cfg := config.Default()
	cfg.Library.Path = path
	s := newTestSession(t, cfg)

	m, err := s.LoadLibrary(path)
	if err != nil {
		t.Logf("LoadLibrary stopped: %v", err)
		if m == nil {
			t.Fatal("Module not registered")
		}
	}
	if !s.init[m] {
		t.Error("Module not marked initialized")
	}
	if again, _ := s.LoadLibrary(path); again != m {
		t.Error("Second load did not reuse the module")
	}
}
