// Package hooker writes trampolines into the emulator's stub region.
//
// A function trampoline is a single Thumb "bx lr" bound to a host callback
// through an address hook: guest code branches to it, the callback runs with
// the guest registers in place, and the bx returns to the caller. A jump
// trampoline forwards into native guest code and is what dlsym hands out for
// symbols exported by loaded libraries.
package hooker

import (
	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/emulator"
)

const (
	// slotSize is the stride between trampolines. Jump trampolines need all
	// eight bytes (instruction + literal).
	slotSize = 8

	// firstSlot leaves the return trap at StubBase alone.
	firstSlot = emulator.StubBase + 0x10
)

var (
	bxLR     = []byte{0x70, 0x47}             // bx lr
	ldrPCLit = []byte{0xdf, 0xf8, 0x00, 0xf0} // ldr.w pc, [pc, #0]

	ErrStubRegionFull = errors.New("stub region exhausted")
)

// Func is a host callback bound to a function trampoline.
type Func func(call *Call)

// Hooker allocates trampolines for one emulator.
type Hooker struct {
	emu   *emulator.Emulator
	next  uint64
	jumps map[uint64]uint64 // target -> trampoline

	// OnJump is called each time a jump trampoline is executed.
	OnJump func(trampoline, target uint64)
}

// New creates a hooker allocating from the start of the stub region.
func New(emu *emulator.Emulator) *Hooker {
	return &Hooker{
		emu:   emu,
		next:  firstSlot,
		jumps: make(map[uint64]uint64),
	}
}

func (h *Hooker) alloc() (uint64, error) {
	if h.next+slotSize > emulator.StubBase+emulator.StubSize {
		return 0, ErrStubRegionFull
	}
	addr := h.next
	h.next += slotSize
	return addr, nil
}

// WriteFunction writes a Thumb return trampoline and binds fn to it. The
// returned address is even; callers branching to it must set the Thumb bit.
func (h *Hooker) WriteFunction(fn Func) (uint64, error) {
	addr, err := h.alloc()
	if err != nil {
		return 0, err
	}
	if err := h.emu.MemWrite(addr, bxLR); err != nil {
		return 0, errors.Wrapf(err, "write trampoline at 0x%x", addr)
	}

	h.emu.HookAddress(addr, func(e *emulator.Emulator) bool {
		fn(&Call{Emu: e})
		return false
	})
	return addr, nil
}

// WriteJump returns a trampoline that jumps to target. The jump is an
// interworking load, so target keeps its own Thumb bit. One trampoline is
// written per target; later calls return the cached address.
func (h *Hooker) WriteJump(target uint64) (uint64, error) {
	target &= 0xffffffff
	if addr, ok := h.jumps[target]; ok {
		return addr, nil
	}

	addr, err := h.alloc()
	if err != nil {
		return 0, err
	}
	if err := h.emu.MemWrite(addr, ldrPCLit); err != nil {
		return 0, errors.Wrapf(err, "write jump at 0x%x", addr)
	}
	if err := h.emu.MemWriteU32(addr+4, uint32(target)); err != nil {
		return 0, errors.Wrapf(err, "write jump literal at 0x%x", addr+4)
	}

	h.emu.HookAddress(addr, func(e *emulator.Emulator) bool {
		if h.OnJump != nil {
			h.OnJump(addr, target)
		}
		return false
	})

	h.jumps[target] = addr
	return addr, nil
}

// Used reports the number of trampoline slots written.
func (h *Hooker) Used() int {
	return int((h.next - firstSlot) / slotSize)
}
