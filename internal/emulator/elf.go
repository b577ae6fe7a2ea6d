package emulator

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ARM relocation types
const (
	R_ARM_ABS32     = 2  // S + A
	R_ARM_GLOB_DAT  = 21 // GOT entry for global data symbol
	R_ARM_JUMP_SLOT = 22 // PLT GOT entry for function call
	R_ARM_RELATIVE  = 23 // B + A
)

// sttGNUIFunc is STT_GNU_IFUNC, which debug/elf only knows as STT_LOOS.
const sttGNUIFunc = elf.STT_LOOS

// Resolver resolves an imported symbol name to a guest address.
type Resolver func(name string) (uint64, bool)

// ELFInfo contains parsed ELF metadata
type ELFInfo struct {
	Path      string
	Machine   elf.Machine
	Entry     uint64
	Symbols   map[string]uint64 // exported symbol name -> relocated address
	Funcs     map[string]bool   // exports of type STT_FUNC or STT_GNU_IFUNC
	Imports   map[string]uint64 // imported symbol name -> resolved address (0 if unresolved)
	InitArray []uint64          // DT_INIT followed by DT_INIT_ARRAY entries, relocated
	Segments  []Segment
	BaseAddr  uint64 // Load base address
	EndAddr   uint64 // End of loaded memory (page aligned)
}

// Segment represents a loadable ELF segment
type Segment struct {
	VAddr uint64
	Size  uint64 // File size
	MemSz uint64 // Memory size (may be larger due to .bss)
	Flags elf.ProgFlag
}

// Size returns the size of the mapped image.
func (info *ELFInfo) Size() uint64 {
	return info.EndAddr - info.BaseAddr
}

// Unresolved returns the imports no resolver could satisfy.
func (info *ELFInfo) Unresolved() []string {
	var names []string
	for name, addr := range info.Imports {
		if addr == 0 {
			names = append(names, name)
		}
	}
	return names
}

// LoadELFAt maps a 32-bit ARM shared library at loadBase and applies its REL
// relocations. Undefined symbols are looked up through resolve.
func (e *Emulator) LoadELFAt(path string, loadBase uint64, resolve Resolver) (*ELFInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open ELF")
	}
	defer f.Close()

	if f.Machine != elf.EM_ARM || f.Class != elf.ELFCLASS32 {
		return nil, errors.Errorf("expected 32-bit ARM (EM_ARM), got %v %v", f.Class, f.Machine)
	}

	fileBase := uint64(0xFFFFFFFFFFFFFFFF)
	fileEnd := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		fileBase = min(fileBase, prog.Vaddr)
		fileEnd = max(fileEnd, prog.Vaddr+prog.Memsz)
	}
	if fileBase == 0xFFFFFFFFFFFFFFFF {
		return nil, errors.New("no PT_LOAD segments found")
	}

	fileBase &^= pageSize - 1
	fileEnd = (fileEnd + pageSize - 1) &^ (pageSize - 1)
	relocOffset := loadBase - fileBase

	info := &ELFInfo{
		Path:     path,
		Machine:  f.Machine,
		Entry:    f.Entry + relocOffset,
		Symbols:  make(map[string]uint64),
		Funcs:    make(map[string]bool),
		Imports:  make(map[string]uint64),
		BaseAddr: loadBase,
		EndAddr:  fileEnd + relocOffset,
	}

	if err := e.MapRegion(info.BaseAddr, info.Size()); err != nil {
		return nil, errors.Wrapf(err, "map image at 0x%x", info.BaseAddr)
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := Segment{
			VAddr: prog.Vaddr + relocOffset,
			Size:  prog.Filesz,
			MemSz: prog.Memsz,
			Flags: prog.Flags,
		}
		info.Segments = append(info.Segments, seg)

		if prog.Filesz == 0 {
			continue
		}
		if prog.Off+prog.Filesz > uint64(len(fileData)) {
			return nil, errors.Errorf("segment at 0x%x exceeds file size", prog.Vaddr)
		}
		// .bss is already zero in a fresh mapping
		if err := e.MemWrite(seg.VAddr, fileData[prog.Off:prog.Off+prog.Filesz]); err != nil {
			return nil, errors.Wrapf(err, "write segment at 0x%x", seg.VAddr)
		}
	}

	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return nil, errors.Wrap(err, "read dynamic symbols")
	}
	for _, sym := range dynSyms {
		if sym.Name == "" || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		name := stripVersion(sym.Name)
		info.Symbols[name] = sym.Value + relocOffset
		if isFunc(sym) {
			info.Funcs[name] = true
		}
	}

	if err := e.applyRelocations(f, relocOffset, dynSyms, info, resolve); err != nil {
		return nil, errors.Wrap(err, "apply relocations")
	}

	info.InitArray = e.initFunctions(f, relocOffset)

	return info, nil
}

// applyRelocations processes the .rel.dyn and .rel.plt tables.
func (e *Emulator) applyRelocations(f *elf.File, relocOffset uint64, dynSyms []elf.Symbol, info *ELFInfo, resolve Resolver) error {
	// DynamicSymbols() skips STN_UNDEF, so ELF index i lives at dynSyms[i-1].
	symValue := func(idx uint32) uint64 {
		if idx == 0 || int(idx) > len(dynSyms) {
			return 0
		}
		sym := dynSyms[idx-1]
		if sym.Section != elf.SHN_UNDEF && sym.Value != 0 {
			return sym.Value + relocOffset
		}
		name := stripVersion(sym.Name)
		if addr, ok := info.Imports[name]; ok {
			return addr
		}
		var addr uint64
		if resolve != nil {
			addr, _ = resolve(name)
		}
		info.Imports[name] = addr
		return addr
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_REL {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return errors.Wrapf(err, "read %s", sec.Name)
		}
		if err := e.relocate(data, f.ByteOrder, relocOffset, symValue); err != nil {
			return errors.Wrap(err, sec.Name)
		}
	}
	return nil
}

// relocate applies one table of Elf32_Rel entries: r_offset (4), r_info (4).
// symValue maps a dynamic symbol index to its address.
func (e *Emulator) relocate(data []byte, order binary.ByteOrder, relocOffset uint64, symValue func(idx uint32) uint64) error {
	for i := 0; i+8 <= len(data); i += 8 {
		rOffset := uint64(order.Uint32(data[i:]))
		rInfo := order.Uint32(data[i+4:])
		relType := elf.R_ARM(rInfo & 0xff)
		symIdx := rInfo >> 8

		target := rOffset + relocOffset

		var value uint64
		switch relType {
		case R_ARM_RELATIVE:
			addend, err := e.MemReadU32(target)
			if err != nil {
				return errors.Wrapf(err, "read addend at 0x%x", target)
			}
			value = relocOffset + uint64(addend)
		case R_ARM_ABS32:
			addend, err := e.MemReadU32(target)
			if err != nil {
				return errors.Wrapf(err, "read addend at 0x%x", target)
			}
			value = symValue(symIdx) + uint64(addend)
		case R_ARM_GLOB_DAT, R_ARM_JUMP_SLOT:
			value = symValue(symIdx)
		default:
			continue
		}

		if err := e.MemWriteU32(target, uint32(value)); err != nil {
			return errors.Wrapf(err, "write %v at 0x%x", relType, target)
		}
	}
	return nil
}

// initFunctions returns DT_INIT and the relocated DT_INIT_ARRAY entries in call order.
func (e *Emulator) initFunctions(f *elf.File, relocOffset uint64) []uint64 {
	var fns []uint64

	if vals, err := f.DynValue(elf.DT_INIT); err == nil && len(vals) > 0 && vals[0] != 0 {
		fns = append(fns, vals[0]+relocOffset)
	}

	arr, err := f.DynValue(elf.DT_INIT_ARRAY)
	if err != nil || len(arr) == 0 {
		return fns
	}
	sz, err := f.DynValue(elf.DT_INIT_ARRAYSZ)
	if err != nil || len(sz) == 0 {
		return fns
	}

	words, err := e.MemReadWords(arr[0]+relocOffset, int(sz[0]/WordSize))
	if err != nil {
		return fns
	}
	return append(fns, initArrayEntries(words)...)
}

// initArrayEntries drops the 0 and -1 sentinels the static linker leaves
// in .init_array.
func initArrayEntries(words []uint32) []uint64 {
	var fns []uint64
	for _, w := range words {
		if w == 0 || w == 0xffffffff {
			continue
		}
		fns = append(fns, uint64(w))
	}
	return fns
}

// isFunc reports whether dlsym should treat sym as code.
func isFunc(sym elf.Symbol) bool {
	switch elf.ST_TYPE(sym.Info) {
	case elf.STT_FUNC, sttGNUIFunc:
		return true
	}
	return false
}

// stripVersion removes @VERSION or @@VERSION suffixes from a symbol name.
func stripVersion(name string) string {
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}
