// Package android provides the bionic dynamic-linker and system-property stubs.
package android

import (
	"path"
	"strconv"

	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/hooker"
	"github.com/zboralski/dlemu/internal/modules"
	"github.com/zboralski/dlemu/internal/stubs"
)

const (
	maxPathLen   = 4096
	maxSymbolLen = 1024
)

func init() {
	stubs.RegisterFunc("dl", "dlopen", stubDlopen)
	stubs.RegisterFunc("dl", "dlclose", stubDlclose)
	stubs.RegisterFunc("dl", "dladdr", stubDladdr)
	stubs.RegisterFunc("dl", "dlsym", stubDlsym)

	// Nothing records a dlerror message worth returning.
	stubs.RegisterUnimplemented("dl", "dlerror")
}

// void *dlopen(const char *filename, int flags)
//
// Only the allow-listed library is ever loaded; every other request fails
// with a NULL handle.
func stubDlopen(ctx *stubs.Context, call *hooker.Call) (uint64, error) {
	filename, ok, err := call.String(0, maxPathLen)
	if err != nil {
		return 0, errors.Wrap(err, "read filename")
	}
	if !ok || path.Base(filename) != ctx.LibraryName {
		ctx.Trace("dl", "dlopen", strconv.Quote(filename)+" -> 0")
		return 0, nil
	}

	m, err := ctx.Modules.FindModuleByName(ctx.LibraryName)
	if err != nil {
		if ctx.LibraryPath == "" {
			return 0, errors.Wrapf(stubs.ErrConfigMissing, "no host path for %s", ctx.LibraryName)
		}
		// Initializers are left to the top-level caller; running them here
		// would re-enter the emulator.
		if m, err = ctx.Modules.LoadLibrary(ctx.LibraryPath); err != nil {
			return 0, err
		}
	}

	ctx.Trace("dl", "dlopen", strconv.Quote(filename)+" -> "+stubs.FormatHex(m.Base))
	return m.Base, nil
}

// int dlclose(void *handle)
func stubDlclose(ctx *stubs.Context, call *hooker.Call) (uint64, error) {
	handle, _ := call.Arg(0)
	ctx.Trace("dl", "dlclose", stubs.FormatPtr("handle", handle))
	return 0, nil
}

// int dladdr(const void *addr, Dl_info *info)
//
// Dl_info is {dli_fname, dli_fbase, dli_sname, dli_saddr}; symbol fields
// are always NULL.
func stubDladdr(ctx *stubs.Context, call *hooker.Call) (uint64, error) {
	addr, _ := call.Arg(0)
	info, _ := call.Arg(1)

	m, err := ctx.Modules.FindModuleByAddr(addr)
	if err != nil {
		ctx.Trace("dl", "dladdr", stubs.FormatHex(addr)+" -> 0")
		return 0, nil
	}

	fname, err := ctx.Emu.Malloc(uint64(len(m.Filename) + 1))
	if err != nil {
		return 0, err
	}
	if err := ctx.Emu.MemWriteString(fname, m.Filename); err != nil {
		return 0, errors.Wrap(err, "write dli_fname")
	}
	if err := ctx.Emu.MemWriteWords(info, []uint32{uint32(fname), uint32(m.Base), 0, 0}); err != nil {
		return 0, errors.Wrap(err, "write Dl_info")
	}

	ctx.Trace("dl", "dladdr", stubs.FormatHex(addr)+" -> "+m.Filename+"@"+stubs.FormatHex(m.Base))
	return 1, nil
}

// void *dlsym(void *handle, const char *symbol)
//
// Host stubs are returned as is. Native functions are returned through a
// jump trampoline so calls into them show up in the trace. Data exports
// (anything not STT_FUNC or STT_GNU_IFUNC) are returned as their address.
func stubDlsym(ctx *stubs.Context, call *hooker.Call) (uint64, error) {
	handle, _ := call.Arg(0)
	name, _, err := call.String(1, maxSymbolLen)
	if err != nil {
		return 0, errors.Wrap(err, "read symbol")
	}

	var (
		addr  uint64
		owner *modules.Module
		found bool
		scope = "global"
	)
	if handle == modules.GlobalHandle {
		addr, owner, found = ctx.Modules.LookupSymbol(name)
	} else {
		m, err := ctx.Modules.FindModuleByHandle(handle)
		if err != nil {
			return 0, errors.Wrapf(err, "dlsym %s", name)
		}
		scope = m.Filename
		owner = m
		addr, found = m.FindSymbol(name)
	}

	if !found {
		ctx.Trace("dl", "dlsym", scope+":"+name+" -> 0")
		return 0, nil
	}

	if _, hooked := ctx.Modules.IsSymbolHook(addr); hooked {
		ctx.Trace("dl", "dlsym", scope+":"+name+" -> "+stubs.FormatHex(addr)+" (stub)")
		return addr, nil
	}
	if owner != nil && !owner.IsFunc(name) {
		ctx.Trace("dl", "dlsym", scope+":"+name+" -> "+stubs.FormatHex(addr)+" (data)")
		return addr, nil
	}

	tramp, err := ctx.Hooker.WriteJump(addr)
	if err != nil {
		return 0, err
	}
	ctx.Trace("dl", "dlsym", scope+":"+name+" -> "+stubs.FormatHex(tramp|1)+" => "+stubs.FormatHex(addr))
	return tramp | 1, nil
}
