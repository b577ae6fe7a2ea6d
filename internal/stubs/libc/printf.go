// Package libc registers the C-runtime stubs. Formatted stream output has no
// host stream behind it and fails fast.
package libc

import "github.com/zboralski/dlemu/internal/stubs"

func init() {
	stubs.RegisterUnimplemented("libc", "vfprintf", "fprintf")
}
