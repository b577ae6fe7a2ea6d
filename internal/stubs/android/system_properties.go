package android

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/hooker"
	"github.com/zboralski/dlemu/internal/stubs"
)

const (
	// PropValueMax is bionic's PROP_VALUE_MAX, terminator included.
	PropValueMax = 92

	maxPropNameLen = 256
)

func init() {
	stubs.RegisterFunc("property", "__system_property_get", stubSystemPropertyGet)
}

// int __system_property_get(const char *name, char *value)
//
// Every property the guest reads must be configured; a miss aborts the
// session so the missing key can be added.
func stubSystemPropertyGet(ctx *stubs.Context, call *hooker.Call) (uint64, error) {
	name, ok, err := call.String(0, maxPropNameLen)
	if err != nil {
		return 0, errors.Wrap(err, "read property name")
	}
	if !ok {
		return 0, errors.Wrap(stubs.ErrConfigMissing, "NULL property name")
	}

	value, ok := ctx.Properties[name]
	if !ok {
		return 0, errors.Wrapf(stubs.ErrConfigMissing, "property %s", name)
	}
	if len(value) > PropValueMax-1 {
		value = value[:PropValueMax-1]
	}

	dst, _ := call.Arg(1)
	if err := ctx.Emu.MemWriteString(dst, value); err != nil {
		return 0, errors.Wrapf(err, "write property %s", name)
	}

	ctx.Trace("property", "__system_property_get", name+" = "+strconv.Quote(value))
	return uint64(len(value)), nil
}
