package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"golang.org/x/arch/arm/armasm"

	"github.com/zboralski/dlemu/internal/config"
	"github.com/zboralski/dlemu/internal/modules"
	"github.com/zboralski/dlemu/internal/trace"
	"github.com/zboralski/dlemu/internal/ui/colorize"
)

type runStats struct {
	insns  int
	events int
	entry  string
	called bool
	ret    uint64
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write queues a line; the emulator never blocks on a slow terminal.
func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

// disasm decodes ARM-state instructions with armasm. Thumb has no decoder
// here, so Thumb code is shown as raw .inst directives.
func disasm(code []byte, thumb bool) string {
	if thumb {
		switch len(code) {
		case 2:
			return fmt.Sprintf(".inst.n 0x%04x", binary.LittleEndian.Uint16(code))
		case 4:
			return fmt.Sprintf(".inst.w 0x%04x%04x", binary.LittleEndian.Uint16(code), binary.LittleEndian.Uint16(code[2:]))
		}
		return "???"
	}
	if len(code) < 4 {
		return "???"
	}
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", binary.LittleEndian.Uint32(code))
	}
	return armasm.GNUSyntax(inst)
}

// thumbBxLR is the encoding every stub trampoline returns with.
const thumbBxLR = ".inst.n 0x4770"

func instructionTags(dis string) []string {
	if dis == thumbBxLR {
		return []string{"#ret"}
	}

	fields := strings.Fields(strings.ToLower(dis))
	if len(fields) == 0 {
		return nil
	}

	var tags []string
	switch op := fields[0]; {
	case op == "bl" || op == "blx":
		tags = append(tags, "#call")
	case op == "bx" && len(fields) > 1 && fields[1] == "lr":
		tags = append(tags, "#ret")
	case strings.HasPrefix(op, "pop") || strings.HasPrefix(op, "ldm"):
		if strings.Contains(dis, "pc}") {
			tags = append(tags, "#ret")
		}
	case strings.HasPrefix(op, "svc"):
		tags = append(tags, "#syscall")
	case strings.HasPrefix(op, "eor"):
		tags = append(tags, "#xor")
	}
	return tags
}

func isBlockEnd(dis string) bool {
	for _, tag := range instructionTags(dis) {
		if tag == "#ret" {
			return true
		}
	}
	fields := strings.Fields(strings.ToLower(dis))
	return len(fields) > 0 && (fields[0] == "b" || fields[0] == "bx")
}

func formatLine(addr uint64, code []byte, dis string, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	hex := make([]string, 0, len(code))
	for i := len(code) - 1; i >= 0; i-- {
		hex = append(hex, fmt.Sprintf("%02X", code[i]))
	}
	hexBytes := fmt.Sprintf("%-8s", strings.Join(hex, ""))
	b.WriteString(colorize.HexBytes(hexBytes))
	b.WriteString("  ")
	visibleLen += len(hexBytes) + 2

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 50
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	tags := instructionTags(dis)
	var comments []string
	for _, e := range events {
		tags = append(tags, e.Tags.Strings()...)
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
	}

	if len(tags) > 0 || len(comments) > 0 {
		b.WriteString(colorize.Border(";"))
		for _, tag := range tags {
			b.WriteByte(' ')
			b.WriteString(colorize.Tag(tag))
		}
		if len(comments) > 0 {
			b.WriteByte(' ')
			b.WriteString(colorize.Detail(strings.Join(comments, ", ")))
		}
		b.WriteString("  ")
	}

	names := make([]string, 0, len(events)+1)
	if funcName != "" {
		names = append(names, funcName)
	}
	for _, e := range events {
		if e.Name != "" && e.Name != funcName {
			names = append(names, e.Name)
		}
	}
	for i, name := range names {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(colorize.FuncName(name))
	}

	return b.String()
}

func printHeader(w *outputWriter, lib string, base, size uint64, numImports, numSymbols, numHooks, numInit int) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, lib); err == nil && !strings.HasPrefix(rel, "..") {
			lib = rel
		}
	}

	w.Write("")
	w.Write(fmt.Sprintf("%s dlemu ─ ARM native library emulation", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Loaded:"), lib))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(base),
		colorize.Detail("Size:"), colorize.FuncName(humanize.IBytes(size))))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s  %s %s",
		colorize.Detail("Imports:"), colorize.FuncName(fmt.Sprint(numImports)),
		colorize.Detail("Symbols:"), colorize.FuncName(fmt.Sprint(numSymbols)),
		colorize.Detail("Hooks:"), colorize.FuncName(fmt.Sprint(numHooks)),
		colorize.Detail("Init:"), colorize.FuncName(fmt.Sprint(numInit))))
	w.Write("")
}

func printStats(st *runStats, err error) {
	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s events",
		colorize.FuncName(humanize.Comma(int64(st.insns))),
		colorize.FuncName(fmt.Sprint(st.events)))
	if st.called {
		fmt.Printf("  %s r0=%s", colorize.FuncName(st.entry), colorize.Address(st.ret))
	}
	if err != nil {
		fmt.Printf("  %s", colorize.Error(err.Error()))
	}
	fmt.Println()
}

var (
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	headStyle  = lipgloss.NewStyle().Bold(true).PaddingLeft(1).PaddingRight(1)
	cellStyle  = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headStyle
			}
			return cellStyle
		})
}

func renderInfo(m *modules.Module, hooks map[string]uint64) string {
	var hooked, unresolved []string
	for name, addr := range m.Imports {
		switch {
		case addr == 0:
			unresolved = append(unresolved, name)
		case hooks[name] == addr:
			hooked = append(hooked, name)
		}
	}
	sort.Strings(hooked)
	sort.Strings(unresolved)

	summary := strings.Join([]string{
		titleStyle.Render(m.Filename),
		fmt.Sprintf("Base:     0x%08x", m.Base),
		fmt.Sprintf("Size:     %s (0x%x)", humanize.IBytes(m.Size), m.Size),
		fmt.Sprintf("Symbols:  %s", humanize.Comma(int64(len(m.Symbols)))),
		fmt.Sprintf("Init:     %d", len(m.InitArray)),
		fmt.Sprintf("Imports:  %d (%d hooked, %d unresolved)", len(m.Imports), len(hooked), len(unresolved)),
	}, "\n")

	var b strings.Builder
	b.WriteString(boxStyle.Render(summary))

	if len(hooked) > 0 {
		t := newTable("hooked import", "stub")
		for _, name := range hooked {
			t.Row(name, fmt.Sprintf("0x%08x", hooks[name]))
		}
		b.WriteString("\n")
		b.WriteString(t.String())
	}
	if len(unresolved) > 0 {
		b.WriteString("\n")
		b.WriteString(colorize.Detail("unresolved: " + strings.Join(unresolved, " ")))
	}
	return b.String()
}

func renderHooks(hooks map[string]uint64) string {
	names := make([]string, 0, len(hooks))
	for name := range hooks {
		names = append(names, name)
	}
	sort.Strings(names)

	t := newTable("symbol", "trampoline")
	for _, name := range names {
		t.Row(name, fmt.Sprintf("0x%08x", hooks[name]))
	}
	return t.String()
}

func renderProps(cfg *config.Config) string {
	t := newTable("property", "value")
	for _, name := range cfg.PropertyNames() {
		t.Row(name, fmt.Sprintf("%q", cfg.Properties[name]))
	}
	return t.String()
}
