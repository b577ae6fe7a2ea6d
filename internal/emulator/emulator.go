// Package emulator provides 32-bit ARM (Thumb-2) emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	StackBase = 0x10000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x20000000
	HeapSize  = 0x01000000 // 16MB guest heap
	LibBase   = 0xCBBCB000 // First library is mapped here
	StubBase  = 0xFF000000 // Trampolines are written here
	StubSize  = 0x00100000 // 1MB for trampolines

	// ReturnTrap is the return address used by Call. Execution stops when it is reached.
	ReturnTrap = StubBase

	// WordSize is the size of a guest machine word.
	WordSize = 4

	pageSize = 0x1000
)

var (
	ErrHeapExhausted = errors.New("guest heap exhausted")
	ErrReentrant     = errors.New("emulation already running")
	ErrUnterminated  = errors.New("string not terminated")
)

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// Emulator wraps Unicorn for ARM emulation
type Emulator struct {
	mu uc.Unicorn

	heapPtr uint64 // Current heap allocation pointer

	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	running bool
	stopped bool
	failure error
}

// New creates a new ARM emulator with stack, heap and stub regions mapped.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM)
	if err != nil {
		return nil, errors.Wrap(err, "create unicorn")
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return errors.Wrapf(err, "map %s (0x%x)", r.name, r.base)
		}
	}

	sp := uint64(StackBase + StackSize - pageSize)
	if err := e.mu.RegWrite(uc.ARM_REG_SP, sp); err != nil {
		return errors.Wrap(err, "set SP")
	}

	// Bionic builds for armeabi-v7a use VFP/NEON freely, so grant coprocessor
	// access (CPACR cp10/cp11) and set FPEXC.EN before any guest code runs.
	cpacr, err := e.mu.RegRead(uc.ARM_REG_C1_C0_2)
	if err != nil {
		return errors.Wrap(err, "read CPACR")
	}
	if err := e.mu.RegWrite(uc.ARM_REG_C1_C0_2, cpacr|0xf00000); err != nil {
		return errors.Wrap(err, "write CPACR")
	}
	if err := e.mu.RegWrite(uc.ARM_REG_FPEXC, 0x40000000); err != nil {
		return errors.Wrap(err, "write FPEXC")
	}

	return nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}

		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return errors.Wrap(err, "add code hook")
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadWords reads count consecutive guest words starting at addr.
func (e *Emulator) MemReadWords(addr uint64, count int) ([]uint32, error) {
	data, err := e.mu.MemRead(addr, uint64(count*WordSize))
	if err != nil {
		return nil, errors.Wrapf(err, "read %d words at 0x%x", count, addr)
	}
	words := make([]uint32, count)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*WordSize:])
	}
	return words, nil
}

// MemWriteWords writes words contiguously starting at addr.
func (e *Emulator) MemWriteWords(addr uint64, words []uint32) error {
	data := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*WordSize:], w)
	}
	return errors.Wrapf(e.mu.MemWrite(addr, data), "write %d words at 0x%x", len(words), addr)
}

// MemReadString reads a null-terminated string from memory. If no
// terminator is found within maxLen bytes it returns the bytes read so far
// and an error wrapping ErrUnterminated.
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}

	const chunk = 64
	var buf []byte
	for len(buf) < maxLen {
		n := min(chunk, maxLen-len(buf))
		cur := addr + uint64(len(buf))
		data, err := e.mu.MemRead(cur, uint64(n))
		if err != nil {
			// The chunk may straddle the end of a mapping; fall back to single bytes.
			data, err = e.mu.MemRead(cur, 1)
			if err != nil {
				return "", errors.Wrapf(err, "read string at 0x%x", addr)
			}
		}
		for i, b := range data {
			if b == 0 {
				return string(append(buf, data[:i]...)), nil
			}
		}
		buf = append(buf, data...)
	}
	return string(buf[:maxLen]), errors.Wrapf(ErrUnterminated, "no NUL within %d bytes at 0x%x", maxLen, addr)
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// RegRead reads a register value
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a register value
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// R reads general-purpose register R0-R12
func (e *Emulator) R(n int) uint64 {
	if n < 0 || n > 12 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM_REG_R0 + n)
	return val
}

// SetR writes general-purpose register R0-R12
func (e *Emulator) SetR(n int, val uint64) error {
	if n < 0 || n > 12 {
		return errors.Errorf("invalid register R%d", n)
	}
	return e.mu.RegWrite(uc.ARM_REG_R0+n, val&0xffffffff)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM_REG_PC)
	return pc
}

// SetPC sets the program counter. Bit 0 selects the Thumb instruction set.
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM_REG_LR, val)
}

// IsThumb reports whether the CPU currently executes Thumb code (CPSR.T).
func (e *Emulator) IsThumb() bool {
	cpsr, _ := e.mu.RegRead(uc.ARM_REG_CPSR)
	return cpsr&(1<<5) != 0
}

// Malloc allocates memory from the guest heap (bump allocator, 16-byte aligned).
// Memory is never reclaimed.
func (e *Emulator) Malloc(size uint64) (uint64, error) {
	size = (size + 15) & ^uint64(15)

	if e.heapPtr+size > HeapBase+HeapSize {
		return 0, errors.Wrapf(ErrHeapExhausted, "allocate %d bytes", size)
	}

	addr := e.heapPtr
	e.heapPtr += size
	return addr, nil
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address. The Thumb bit of addr is ignored.
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr&^1] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr&^1)
}

// Run starts emulation at start (bit 0 set for Thumb) and runs until the PC reaches until.
// A failure recorded with Fail takes precedence over the engine's own error.
func (e *Emulator) Run(start, until uint64) error {
	if e.running {
		return ErrReentrant
	}
	e.running = true
	e.stopped = false
	e.failure = nil
	defer func() { e.running = false }()

	err := e.mu.Start(start, until)
	if e.failure != nil {
		return e.failure
	}
	return err
}

// Call runs the guest function at fn with up to four register arguments, the rest
// pushed on the stack per AAPCS, and returns r0.
func (e *Emulator) Call(fn uint64, args ...uint64) (uint64, error) {
	if e.running {
		return 0, ErrReentrant
	}

	sp := e.SP()
	defer e.SetSP(sp)

	newSP := sp
	if len(args) > 4 {
		stack := args[4:]
		newSP = (sp - uint64(len(stack)*WordSize)) &^ 7
		words := make([]uint32, len(stack))
		for i, a := range stack {
			words[i] = uint32(a)
		}
		if err := e.MemWriteWords(newSP, words); err != nil {
			return 0, errors.Wrap(err, "push stack arguments")
		}
	}
	if err := e.SetSP(newSP); err != nil {
		return 0, errors.Wrap(err, "set SP")
	}

	for i := 0; i < len(args) && i < 4; i++ {
		if err := e.SetR(i, args[i]); err != nil {
			return 0, err
		}
	}
	if err := e.SetLR(ReturnTrap | 1); err != nil {
		return 0, errors.Wrap(err, "set LR")
	}

	if err := e.Run(fn, ReturnTrap); err != nil {
		return 0, errors.Wrapf(err, "call 0x%x", fn)
	}
	return e.R(0), nil
}

// Fail records a fatal failure and stops emulation. Only the first failure is kept.
func (e *Emulator) Fail(err error) {
	if e.failure == nil {
		e.failure = err
	}
	e.Stop()
}

// Failure returns the failure recorded during the last run, if any.
func (e *Emulator) Failure() error {
	return e.failure
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// ARM register constants (re-exported for convenience)
const (
	RegR0   = uc.ARM_REG_R0
	RegR1   = uc.ARM_REG_R1
	RegR2   = uc.ARM_REG_R2
	RegR3   = uc.ARM_REG_R3
	RegSP   = uc.ARM_REG_SP
	RegLR   = uc.ARM_REG_LR
	RegPC   = uc.ARM_REG_PC
	RegCPSR = uc.ARM_REG_CPSR
)
