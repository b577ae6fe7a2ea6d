package android

import (
	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/emulator"
	"github.com/zboralski/dlemu/internal/hooker"
	"github.com/zboralski/dlemu/internal/stubs"
	"go.uber.org/zap"
)

const (
	maxTagLen = 128
	maxLogLen = 1024
)

// android_LogPriority names, indexed by priority.
var logPriorities = []string{"UNKNOWN", "DEFAULT", "VERBOSE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL", "SILENT"}

func init() {
	// The print variants log their format string unexpanded; there is no
	// printf engine.
	for _, name := range []string{"__android_log_write", "__android_log_print", "__android_log_vprint"} {
		stubs.RegisterFunc("log", name, androidLogWrite(name))
	}
}

// androidLogWrite returns the hook for one of the log entry points. All of
// them take (int prio, const char *tag, const char *text) in r0-r2.
func androidLogWrite(name string) stubs.HookFunc {
	return func(ctx *stubs.Context, call *hooker.Call) (uint64, error) {
		return logWrite(ctx, call, name)
	}
}

func logWrite(ctx *stubs.Context, call *hooker.Call, name string) (uint64, error) {
	prio, _ := call.Arg(0)
	// Overlong tags and messages are logged truncated.
	tag, _, err := call.String(1, maxTagLen)
	if err != nil && !errors.Is(err, emulator.ErrUnterminated) {
		return 0, errors.Wrap(err, "read tag")
	}
	text, _, err := call.String(2, maxLogLen)
	if err != nil && !errors.Is(err, emulator.ErrUnterminated) {
		return 0, errors.Wrap(err, "read text")
	}

	level := "UNKNOWN"
	if prio < uint64(len(logPriorities)) {
		level = logPriorities[prio]
	}

	ctx.Log.Info("guest log", zap.String("prio", level), zap.String("tag", tag), zap.String("msg", text))
	ctx.Trace("log", name, level+" "+tag+": "+text)
	return uint64(len(text)), nil
}
