// Package pthread registers the threading entry points. Guest code runs on a
// single emulated CPU, so spawning or joining a thread aborts the session.
package pthread

import "github.com/zboralski/dlemu/internal/stubs"

func init() {
	stubs.RegisterUnimplemented("pthread", "pthread_create", "pthread_join")
}
