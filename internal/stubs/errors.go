package stubs

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/modules"
)

var (
	// ErrConfigMissing means a value the guest asked for is not configured.
	ErrConfigMissing = errors.New("missing configuration")

	// ErrModuleNotFound means a handle or address matches no loaded module.
	ErrModuleNotFound = modules.ErrModuleNotFound

	// ErrSymbolNotFound means a lookup that has no sentinel return value failed.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrUnimplementedStub is returned by stubs that must not be reached.
	ErrUnimplementedStub = errors.New("unimplemented stub")
)

// FatalError is the failure recorded when a stub aborts the session.
type FatalError struct {
	Symbol string
	PC     uint64 // caller return address
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s (lr=0x%x): %v", e.Symbol, e.PC, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Cause lets errors.Cause see through to the taxonomy error.
func (e *FatalError) Cause() error { return e.Err }
