package stubs

import (
	"github.com/zboralski/dlemu/internal/emulator"
	"github.com/zboralski/dlemu/internal/hooker"
	glog "github.com/zboralski/dlemu/internal/log"
	"github.com/zboralski/dlemu/internal/modules"
)

// DefaultLibraryName is the only library dlopen will load unless configured otherwise.
const DefaultLibraryName = "libvendorconn.so"

// Context is the session state every stub runs against.
type Context struct {
	Emu     *emulator.Emulator
	Modules *modules.Registry
	Hooker  *hooker.Hooker
	Log     *glog.Logger

	// Properties backs __system_property_get. Read-only to stubs.
	Properties map[string]string

	// LibraryName is the dlopen allow-list entry; LibraryPath is where it
	// is loaded from on the host.
	LibraryName string
	LibraryPath string
}

// NewContext creates a context with an empty module registry and a fresh
// trampoline allocator for emu. Jump trampolines report as "dl" trace events.
func NewContext(emu *emulator.Emulator, log *glog.Logger) *Context {
	if log == nil {
		log = glog.NewNop()
	}
	h := hooker.New(emu)
	h.OnJump = func(trampoline, target uint64) {
		log.Trace(trampoline, "dl", "jump", FormatPtr("target", target))
	}
	return &Context{
		Emu:         emu,
		Modules:     modules.New(emu, log.Logger),
		Hooker:      h,
		Log:         log,
		Properties:  make(map[string]string),
		LibraryName: DefaultLibraryName,
	}
}

// Trace reports stub activity at the current caller.
func (c *Context) Trace(category, name, detail string) {
	c.Log.Trace(c.Emu.LR(), category, name, detail)
}
