// Package colorize provides terminal colouring for the stub trace and
// disassembly output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Palette
const (
	Mnemonic = "#FFFFFF"
	Register = "#87CEEB"
	Number   = "#FF80C0"
	Label    = "#FFC800"
	Comment  = "#FF8000"
)

// ARMDark is the chroma style used for ARM disassembly.
var ARMDark = styles.Register(chroma.MustNewStyle("dlemu-arm", chroma.StyleEntries{
	chroma.Text:           Mnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        Comment,
	chroma.CommentPreproc: Comment,

	chroma.Keyword:       Mnemonic,
	chroma.KeywordPseudo: Mnemonic,
	chroma.Name:          Register,
	chroma.NameBuiltin:   Register, // sp, lr, pc
	chroma.NameVariable:  Register,

	chroma.LiteralNumber:        Number,
	chroma.LiteralNumberHex:     Number,
	chroma.LiteralNumberInteger: Number,

	chroma.NameLabel:    Label,
	chroma.NameFunction: Mnemonic,

	chroma.Operator:    Mnemonic,
	chroma.Punctuation: Mnemonic,
	chroma.String:      "#00FF00",
}))
