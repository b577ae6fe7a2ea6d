package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zboralski/dlemu/internal/config"
	"github.com/zboralski/dlemu/internal/emulator"
	glog "github.com/zboralski/dlemu/internal/log"
	"github.com/zboralski/dlemu/internal/session"
	"github.com/zboralski/dlemu/internal/ui/colorize"
)

var (
	verbose    bool
	quiet      bool
	maxInsn    int
	configPath string
	props      []string
	entryName  string
	entryArgs  []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dlemu",
		Short: "Run ARM Android native libraries under emulation",
		Long: `dlemu runs 32-bit ARM Android native libraries on an emulated CPU with no
operating system underneath.

Calls into the dynamic linker (dlopen, dlsym, dlclose, dladdr) and
__system_property_get are answered by host stubs. Properties come from the
configuration file; a property the library asks for that is not configured
stops the run so it can be added. Threading and stream output stop the run.

Examples:
  dlemu run libvendorconn.so                       # init_array + JNI_OnLoad
  dlemu run libvendorconn.so -e vendor_init -a 1   # call an export with r0=1
  dlemu run libvendorconn.so -c dlemu.yaml -p ro.debuggable=0
  dlemu info libvendorconn.so                      # layout and imports
  dlemu props -c dlemu.yaml                        # hooks and properties`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringArrayVarP(&props, "prop", "p", nil, "system property override key=value (repeatable)")

	runCmd := &cobra.Command{
		Use:   "run <lib.so>",
		Short: "Load a library, run its initializers and call an entry point",
		Args:  cobra.ExactArgs(1),
		RunE:  runLibrary,
	}
	runCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (stats only)")
	runCmd.Flags().IntVarP(&maxInsn, "num", "n", 500, "max instructions to show")
	runCmd.Flags().StringVarP(&entryName, "entry", "e", "", "exported symbol to call (default JNI_OnLoad if present)")
	runCmd.Flags().StringArrayVarP(&entryArgs, "arg", "a", nil, "integer argument for the entry point (repeatable)")

	infoCmd := &cobra.Command{
		Use:   "info <lib.so>",
		Short: "Show library layout and how its imports resolve",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}

	propsCmd := &cobra.Command{
		Use:   "props",
		Short: "List hooked symbols and configured system properties",
		Args:  cobra.NoArgs,
		RunE:  showProps,
	}

	rootCmd.AddCommand(runCmd, infoCmd, propsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, applies --prop overrides and, when the library
// being run is the allow-listed one, points dlopen at it.
func loadConfig(libPath string) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	for _, kv := range props {
		if err := cfg.SetProp(kv); err != nil {
			return nil, err
		}
	}
	if libPath != "" && cfg.Library.Path == "" && filepath.Base(libPath) == cfg.Library.Name {
		cfg.Library.Path = libPath
	}

	glog.Init(verbose || cfg.Log.Debug)
	return cfg, nil
}

func parseArgs(args []string) ([]uint64, error) {
	out := make([]uint64, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", a, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func runLibrary(cmd *cobra.Command, args []string) error {
	libPath := args[0]

	cfg, err := loadConfig(libPath)
	if err != nil {
		return err
	}
	callArgs, err := parseArgs(entryArgs)
	if err != nil {
		return err
	}

	s, err := session.New(cfg, glog.L)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer s.Close()

	var out *outputWriter
	if !quiet {
		out = newOutputWriter()
	}

	stats := &runStats{}
	addrToSym := make(map[uint64]string)
	for name, addr := range s.Modules().SymbolHooks() {
		addrToSym[addr&^1] = name
	}

	s.Emulator().HookCode(func(e *emulator.Emulator, addr uint64, size uint32) {
		stats.insns++
		if addr == emulator.ReturnTrap {
			return
		}
		events := s.Drain()
		stats.events += len(events)
		if quiet || stats.insns > maxInsn {
			return
		}

		code, _ := e.MemRead(addr, uint64(size))
		dis := disasm(code, e.IsThumb())
		out.Write(formatLine(addr, code, dis, addrToSym[addr], events))
		if isBlockEnd(dis) {
			out.Write("")
		}
	})

	m, loadErr := s.LoadLibrary(libPath)
	if m == nil {
		if out != nil {
			out.Close()
		}
		return fmt.Errorf("load %s: %w", libPath, loadErr)
	}
	for name, addr := range m.Symbols {
		if existing, ok := addrToSym[addr&^1]; !ok || len(name) < len(existing) {
			addrToSym[addr&^1] = name
		}
	}

	if out != nil {
		printHeader(out, libPath, m.Base, m.Size, len(m.Imports), len(m.Symbols), s.Hooks, len(m.InitArray))
	}

	runErr := loadErr
	var ret uint64
	if runErr == nil {
		entry := entryName
		if entry == "" {
			if _, ok := m.FindSymbol("JNI_OnLoad"); ok {
				entry = "JNI_OnLoad"
			}
		}
		if entry != "" {
			stats.entry = entry
			ret, runErr = s.Call(entry, callArgs...)
			stats.ret = ret
			stats.called = runErr == nil
		}
	}

	// Events from the last instruction of a failed run have no line to sit on.
	stats.events += len(s.Drain())

	if out != nil {
		out.Close()
	}
	printStats(stats, runErr)

	if runErr != nil && verbose {
		fmt.Fprintf(os.Stderr, "\nsession %s: %+v\n", s.ID, runErr)
	}
	return runFailure(s.ID, runErr)
}

// runFailure turns a failed guest run into the command error, so the
// process exits non-zero after the trace and stats are printed.
func runFailure(sessionID string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("session %s: %w", sessionID, err)
}

func showInfo(cmd *cobra.Command, args []string) error {
	absPath, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return fmt.Errorf("file not found: %s", absPath)
	}

	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	s, err := session.New(cfg, glog.L)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer s.Close()

	// Map and relocate only; info never runs guest code.
	m, err := s.Modules().LoadLibrary(absPath)
	if err != nil {
		return fmt.Errorf("load binary: %w", err)
	}

	fmt.Println(renderInfo(m, s.Modules().SymbolHooks()))
	return nil
}

func showProps(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig("")
	if err != nil {
		return err
	}
	s, err := session.New(cfg, glog.L)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer s.Close()

	fmt.Println(renderHooks(s.Modules().SymbolHooks()))
	fmt.Println()
	if len(cfg.Properties) == 0 {
		fmt.Println(colorize.Detail("no system properties configured"))
		return nil
	}
	fmt.Println(renderProps(cfg))

	lib := cfg.Library.Name
	if cfg.Library.Path != "" {
		lib += " -> " + cfg.Library.Path
	}
	fmt.Printf("\n%s %s\n", colorize.Detail("dlopen allow-list:"), strings.TrimSpace(lib))
	return nil
}
