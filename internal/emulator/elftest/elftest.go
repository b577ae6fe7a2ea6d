// Package elftest builds a minimal 32-bit ARM shared library for loader and
// session tests.
//
// The image has one PT_LOAD segment mapped at vaddr 0, so every offset below
// is also the address relative to the load base.
//
//	.data  0x300  GOT slot for pthread_create   R_ARM_JUMP_SLOT
//	       0x304  GOT slot for g_version        R_ARM_GLOB_DAT
//	       0x308  pointer to .text              R_ARM_RELATIVE, addend 0x400
//	       0x30c  JNI_OnLoad+4                  R_ARM_ABS32, addend 4
//	       0x310  init_array {0x411, 0, -1}     R_ARM_RELATIVE on the first entry
//	       0x320  g_version = 42                STT_OBJECT
//	.text  0x400  JNI_OnLoad (Thumb): push {lr}; ldr r3, =GOT; ldr r3, [r3];
//	              blx r3; pop {pc}              calls pthread_create through the GOT
//	       0x410  init (Thumb): movs r0, #7; bx lr
package elftest

import (
	"encoding/binary"
	"os"
	"path/filepath"
)

// Offsets from the load base.
const (
	GOTPthreadCreate = 0x300
	GOTVersion       = 0x304
	TextPtr          = 0x308
	OnLoadPlus4      = 0x30c
	InitArray        = 0x310
	Version          = 0x320
	Text             = 0x400
	OnLoad           = 0x401 // Thumb
	OnLoadReturn     = 0x409 // lr inside JNI_OnLoad after its blx, Thumb bit set
	Init             = 0x411 // Thumb

	VersionValue = 42
	InitResult   = 7
)

const (
	offDynstr   = 0x100
	offDynsym   = 0x140
	offRel      = 0x180
	offDynamic  = 0x200
	offShstrtab = 0x420
	offShdrs    = 0x460
	imageSize   = offShdrs + 8*40

	dataSize = 0x30
	textSize = 0x14
)

var (
	dynstr   = "\x00pthread_create\x00JNI_OnLoad\x00g_version\x00"
	shstrtab = "\x00.dynstr\x00.dynsym\x00.rel.dyn\x00.dynamic\x00.data\x00.text\x00.shstrtab\x00"
)

type image []byte

func (b image) u16(off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func (b image) u32(off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func (b image) words(off int, vs ...uint32) {
	for i, v := range vs {
		b.u32(off+4*i, v)
	}
}

func (b image) halves(off int, vs ...uint16) {
	for i, v := range vs {
		b.u16(off+2*i, v)
	}
}

// Library returns the ELF image.
func Library() []byte {
	b := make(image, imageSize)

	// Elf32_Ehdr
	copy(b, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	b.u16(16, 3)  // ET_DYN
	b.u16(18, 40) // EM_ARM
	b.u32(20, 1)
	b.u32(28, 52)       // e_phoff
	b.u32(32, offShdrs) // e_shoff
	b.u32(36, 0x05000000)
	b.halves(40, 52, 32, 2, 40, 8, 7) // ehsize, phentsize, phnum, shentsize, shnum, shstrndx

	// Elf32_Phdr: PT_LOAD, PT_DYNAMIC
	b.words(52, 1, 0, 0, 0, offShdrs, offShdrs, 7, 0x1000)
	b.words(84, 2, offDynamic, offDynamic, offDynamic, 24, 24, 6, 4)

	copy(b[offDynstr:], dynstr)

	// Elf32_Sym: name, value, size, info, other, shndx. Entry 0 is STN_UNDEF.
	sym := func(i int, name, value, size uint32, info byte, shndx uint16) {
		off := offDynsym + 16*i
		b.words(off, name, value, size)
		b[off+12] = info
		b.u16(off+14, shndx)
	}
	sym(1, 1, 0, 0, 0x12, 0)              // pthread_create: GLOBAL FUNC, undefined
	sym(2, 16, OnLoad, textSize, 0x12, 6) // JNI_OnLoad: GLOBAL FUNC in .text
	sym(3, 27, Version, 4, 0x11, 5)       // g_version: GLOBAL OBJECT in .data

	// Elf32_Rel: r_offset, r_info = sym<<8 | type
	b.words(offRel,
		GOTPthreadCreate, 1<<8|22,
		GOTVersion, 3<<8|21,
		TextPtr, 23,
		OnLoadPlus4, 2<<8|2,
		InitArray, 23,
		Text+0xc, 23,
	)

	// Elf32_Dyn
	b.words(offDynamic,
		25, InitArray, // DT_INIT_ARRAY
		27, 12,        // DT_INIT_ARRAYSZ
		0, 0,
	)

	// .data holds the REL addends before relocation.
	b.words(TextPtr, Text, 4, Init, 0, 0xffffffff)
	b.u32(Version, VersionValue)

	b.halves(Text,
		0xb500, // push {lr}
		0x4b02, // ldr r3, [pc, #8]
		0x681b, // ldr r3, [r3]
		0x4798, // blx r3
		0xbd00, // pop {pc}
		0xbf00, // nop
	)
	b.u32(Text+0xc, GOTPthreadCreate)
	b.halves(Text+0x10,
		0x2007, // movs r0, #7
		0x4770, // bx lr
	)

	copy(b[offShstrtab:], shstrtab)

	// Elf32_Shdr: name, type, flags, addr, offset, size, link, info, addralign, entsize
	shdr := func(i int, vs ...uint32) { b.words(offShdrs+40*i, vs...) }
	shdr(1, 1, 3, 2, offDynstr, offDynstr, uint32(len(dynstr)), 0, 0, 1, 0)
	shdr(2, 9, 11, 2, offDynsym, offDynsym, 4*16, 1, 1, 4, 16)
	shdr(3, 17, 9, 2, offRel, offRel, 6*8, 2, 0, 4, 8)
	shdr(4, 26, 6, 3, offDynamic, offDynamic, 24, 1, 0, 4, 8)
	shdr(5, 35, 1, 3, GOTPthreadCreate, GOTPthreadCreate, dataSize, 0, 0, 4, 0)
	shdr(6, 41, 1, 6, Text, Text, textSize, 0, 0, 4, 0)
	shdr(7, 47, 3, 0, 0, offShstrtab, uint32(len(shstrtab)), 0, 0, 1, 0)

	return b
}

// Write stores the image as dir/name and returns its path.
func Write(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, Library(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
