package hooker

import (
	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/emulator"
)

// Call is the view a host callback gets of the interrupted guest call.
// It is only valid for the duration of the callback.
type Call struct {
	Emu *emulator.Emulator
}

// Arg returns the n-th 32-bit argument: r0-r3, then the caller's stack.
func (c *Call) Arg(n int) (uint64, error) {
	if n < 0 {
		return 0, errors.Errorf("invalid argument index %d", n)
	}
	if n < 4 {
		return c.Emu.R(n), nil
	}
	v, err := c.Emu.MemReadU32(c.Emu.SP() + uint64((n-4)*emulator.WordSize))
	if err != nil {
		return 0, errors.Wrapf(err, "read stack argument %d", n)
	}
	return uint64(v), nil
}

// Return stores the 32-bit result in r0.
func (c *Call) Return(v uint64) error {
	return c.Emu.SetR(0, v)
}

// ReturnAddr is the caller's return address (lr).
func (c *Call) ReturnAddr() uint64 {
	return c.Emu.LR()
}

// String reads the NUL-terminated guest string pointed to by argument n.
// A NULL pointer yields "" and ok=false. A string with no terminator
// within maxLen returns its prefix with emulator.ErrUnterminated.
func (c *Call) String(n, maxLen int) (s string, ok bool, err error) {
	ptr, err := c.Arg(n)
	if err != nil || ptr == 0 {
		return "", false, err
	}
	s, err = c.Emu.MemReadString(ptr, maxLen)
	if err != nil && !errors.Is(err, emulator.ErrUnterminated) {
		return "", false, err
	}
	return s, true, err
}
