// Package session ties one emulator to its module registry, symbol hooks,
// configuration and trace. All guest execution goes through a Session.
package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zboralski/dlemu/internal/config"
	"github.com/zboralski/dlemu/internal/emulator"
	glog "github.com/zboralski/dlemu/internal/log"
	"github.com/zboralski/dlemu/internal/modules"
	"github.com/zboralski/dlemu/internal/stubs"
	_ "github.com/zboralski/dlemu/internal/stubs/all"
	"github.com/zboralski/dlemu/internal/trace"
	"go.uber.org/zap"
)

// Session is a single-threaded emulation context.
type Session struct {
	ID    string
	Hooks int // symbol hooks installed

	ctx  *stubs.Context
	log  *glog.Logger
	init map[*modules.Module]bool

	mu     sync.Mutex
	events []*trace.Event

	// OnEvent is called for every enriched trace event.
	OnEvent func(e *trace.Event)
}

// New creates an emulator and installs every registered stub into it before
// any guest code is loaded.
func New(cfg *config.Config, logger *glog.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if logger == nil {
		logger = glog.NewNop()
	}

	emu, err := emulator.New()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:   uuid.NewString(),
		init: make(map[*modules.Module]bool),
	}
	s.log = logger.WithSession(s.ID)
	s.log.SetOnTrace(s.record)

	ctx := stubs.NewContext(emu, s.log)
	for k, v := range cfg.Properties {
		ctx.Properties[k] = v
	}
	ctx.LibraryName = cfg.Library.Name
	ctx.LibraryPath = cfg.Library.Path
	s.ctx = ctx

	if s.Hooks, err = stubs.Install(ctx); err != nil {
		emu.Close()
		return nil, errors.Wrap(err, "install stubs")
	}
	s.log.Debug("session ready", zap.Int("hooks", s.Hooks), zap.Int("properties", len(ctx.Properties)))
	return s, nil
}

// Close releases the emulator.
func (s *Session) Close() error {
	return s.ctx.Emu.Close()
}

// Emulator returns the session's emulator.
func (s *Session) Emulator() *emulator.Emulator { return s.ctx.Emu }

// Modules returns the session's module registry.
func (s *Session) Modules() *modules.Registry { return s.ctx.Modules }

// Properties returns the system property table.
func (s *Session) Properties() map[string]string { return s.ctx.Properties }

// LoadLibrary loads the library at path and runs the initializers of every
// module that has not been initialized yet, including modules mapped by a
// guest dlopen since the last call.
func (s *Session) LoadLibrary(path string) (*modules.Module, error) {
	m, err := s.ctx.Modules.LoadLibrary(path)
	if err != nil {
		return nil, err
	}
	if err := s.RunInitializers(); err != nil {
		return m, err
	}
	return m, nil
}

// RunInitializers runs pending init_array entries in load order.
func (s *Session) RunInitializers() error {
	for _, m := range s.ctx.Modules.Modules() {
		if s.init[m] {
			continue
		}
		s.init[m] = true
		for i, fn := range m.InitArray {
			s.log.Debug("init", zap.String("lib", m.Filename), zap.Int("index", i), glog.Addr(fn))
			if _, err := s.ctx.Emu.Call(fn); err != nil {
				return errors.Wrapf(err, "%s init_array[%d]", m.Filename, i)
			}
		}
	}
	return nil
}

// Call runs the guest function exported or hooked under symbol.
func (s *Session) Call(symbol string, args ...uint64) (uint64, error) {
	addr, ok := s.ctx.Modules.FindSymbol(symbol)
	if !ok {
		return 0, errors.Wrap(stubs.ErrSymbolNotFound, symbol)
	}
	return s.CallAddr(addr, args...)
}

// CallAddr runs the guest function at addr (Thumb bit included).
func (s *Session) CallAddr(addr uint64, args ...uint64) (uint64, error) {
	ret, err := s.ctx.Emu.Call(addr, args...)
	if err != nil {
		s.log.Warn("call failed", glog.Addr(addr), zap.Error(err))
		return ret, err
	}
	return ret, nil
}

// CString copies s into a fresh guest allocation and returns its address.
func (s *Session) CString(str string) (uint64, error) {
	ptr, err := s.ctx.Emu.Malloc(uint64(len(str) + 1))
	if err != nil {
		return 0, err
	}
	return ptr, s.ctx.Emu.MemWriteString(ptr, str)
}

func (s *Session) record(pc uint64, category, name, detail string) {
	e := trace.NewEvent(pc, category, name, detail)
	trace.DefaultEnricher(e)

	s.mu.Lock()
	s.events = append(s.events, e)
	cb := s.OnEvent
	s.mu.Unlock()

	if cb != nil {
		cb(e)
	}
}

// Events returns the trace events collected so far.
func (s *Session) Events() []*trace.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*trace.Event(nil), s.events...)
}

// Drain returns and clears the collected trace events.
func (s *Session) Drain() []*trace.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events
}
