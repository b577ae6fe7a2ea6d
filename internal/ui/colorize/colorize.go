package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/charmbracelet/lipgloss"
)

var (
	addressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(Label))
	tagStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB4C8"))
	fatalStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5050")).Bold(true)
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#B4B4B4"))
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#569CD6"))
	stringStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(Number))
)

// armLexer returns an ARM assembly lexer, falling back to GNU as.
func armLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// terminalFormatter returns the richest available terminal formatter
func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("DLEMU_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func paint(style lipgloss.Style, s string) string {
	if IsDisabled() {
		return s
	}
	return style.Render(s)
}

// Instruction colorizes a disassembled ARM instruction
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := armLexer()
	if lexer == nil {
		return insn
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, ARMDark, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats a 32-bit guest address
func Address(addr uint64) string {
	return paint(addressStyle, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag. Failure tags stand out.
func Tag(tag string) string {
	if tag == "#fatal" || tag == "#unimplemented" {
		return paint(fatalStyle, tag)
	}
	return paint(tagStyle, tag)
}

// FuncName formats a function name
func FuncName(name string) string {
	return paint(addressStyle, name)
}

// Detail formats detail text
func Detail(detail string) string {
	return paint(detailStyle, detail)
}

// Border formats border characters
func Border(s string) string {
	return paint(borderStyle, s)
}

// Header formats header text
func Header(s string) string {
	return paint(headerStyle, s)
}

// HexBytes formats opcode bytes
func HexBytes(s string) string {
	return paint(detailStyle, s)
}

// Error formats error messages
func Error(s string) string {
	return paint(fatalStyle, s)
}

// String formats string values
func String(s string) string {
	return paint(stringStyle, s)
}
