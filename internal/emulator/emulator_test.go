package emulator

import (
	"testing"

	"github.com/pkg/errors"
)

// Thumb test code: MOVS R0, #5; MOVS R1, #3; ADDS R2, R0, R1; BX LR
var addTestCode = []byte{
	0x05, 0x20, // MOVS R0, #5
	0x03, 0x21, // MOVS R1, #3
	0x42, 0x18, // ADDS R2, R0, R1
	0x70, 0x47, // BX LR
}

// Thumb: LDR R0, [SP]; BX LR (returns the fifth argument)
var fifthArgCode = []byte{
	0x00, 0x98, // LDR R0, [SP, #0]
	0x70, 0x47, // BX LR
}

func loadCode(t *testing.T, emu *Emulator, code []byte) uint64 {
	t.Helper()
	addr, err := emu.Malloc(uint64(len(code)))
	if err != nil {
		t.Fatalf("Failed to allocate code: %v", err)
	}
	if err := emu.MemWrite(addr, code); err != nil {
		t.Fatalf("Failed to write code: %v", err)
	}
	return addr
}

func TestEmulatorBasic(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	code := loadCode(t, emu, addTestCode)

	ret, err := emu.Call(code | 1)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if ret != 5 {
		t.Errorf("Expected R0=5, got %d", ret)
	}
	if emu.R(2) != 8 {
		t.Errorf("Expected R2=8, got R2=%d", emu.R(2))
	}
	if emu.PC() != ReturnTrap {
		t.Errorf("Expected PC at return trap 0x%x, got 0x%x", ReturnTrap, emu.PC())
	}
}

func TestCallStackArguments(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	code := loadCode(t, emu, fifthArgCode)
	sp := emu.SP()

	ret, err := emu.Call(code|1, 1, 2, 3, 4, 42)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if ret != 42 {
		t.Errorf("Expected fifth argument 42, got %d", ret)
	}
	if emu.SP() != sp {
		t.Errorf("SP not restored: was 0x%x, now 0x%x", sp, emu.SP())
	}
}

func TestMemoryOperations(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr := uint64(HeapBase)
	if err := emu.MemWriteU32(addr, 0xCAFEBABE); err != nil {
		t.Fatalf("Failed to write U32: %v", err)
	}
	v, err := emu.MemReadU32(addr)
	if err != nil {
		t.Fatalf("Failed to read U32: %v", err)
	}
	if v != 0xCAFEBABE {
		t.Errorf("U32 mismatch: read 0x%x", v)
	}

	words := []uint32{1, 0xffffffff, 0, 0x1234}
	if err := emu.MemWriteWords(addr, words); err != nil {
		t.Fatalf("Failed to write words: %v", err)
	}
	got, err := emu.MemReadWords(addr, len(words))
	if err != nil {
		t.Fatalf("Failed to read words: %v", err)
	}
	for i := range words {
		if got[i] != words[i] {
			t.Errorf("word %d: wrote 0x%x, read 0x%x", i, words[i], got[i])
		}
	}

	strAddr, err := emu.Malloc(64)
	if err != nil {
		t.Fatalf("Malloc failed: %v", err)
	}
	testStr := "libvendorconn.so"
	if err := emu.MemWriteString(strAddr, testStr); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}
	readStr, err := emu.MemReadString(strAddr, 256)
	if err != nil {
		t.Fatalf("Failed to read string: %v", err)
	}
	if readStr != testStr {
		t.Errorf("String mismatch: wrote %q, read %q", testStr, readStr)
	}

}

func TestMemReadStringUnterminated(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr, _ := emu.Malloc(64)
	if err := emu.MemWriteString(addr, "libvendorconn.so"); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}

	prefix, err := emu.MemReadString(addr, 3)
	if !errors.Is(err, ErrUnterminated) {
		t.Fatalf("Expected ErrUnterminated, got %v", err)
	}
	if prefix != "lib" {
		t.Errorf("Expected prefix %q, got %q", "lib", prefix)
	}

	// Exactly the string length leaves no room for the terminator.
	if _, err := emu.MemReadString(addr, len("libvendorconn.so")); !errors.Is(err, ErrUnterminated) {
		t.Errorf("Expected ErrUnterminated at exact length, got %v", err)
	}
	if s, err := emu.MemReadString(addr, len("libvendorconn.so")+1); err != nil || s != "libvendorconn.so" {
		t.Errorf("MemReadString with room for NUL = %q, %v", s, err)
	}
}

func TestMemReadStringAtMappingEnd(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr := uint64(HeapBase + HeapSize - 4)
	if err := emu.MemWriteString(addr, "abc"); err != nil {
		t.Fatalf("Failed to write string: %v", err)
	}
	s, err := emu.MemReadString(addr, 256)
	if err != nil {
		t.Fatalf("Failed to read string near end of heap: %v", err)
	}
	if s != "abc" {
		t.Errorf("Expected %q, got %q", "abc", s)
	}
}

func TestMalloc(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	addr1, _ := emu.Malloc(100)
	addr2, _ := emu.Malloc(200)
	addr3, _ := emu.Malloc(50)

	for i, a := range []uint64{addr1, addr2, addr3} {
		if a%16 != 0 {
			t.Errorf("addr%d not 16-byte aligned: 0x%x", i+1, a)
		}
	}

	if addr2 < addr1+112 {
		t.Errorf("addr2 overlaps addr1")
	}
	if addr3 < addr2+208 {
		t.Errorf("addr3 overlaps addr2")
	}

	if _, err := emu.Malloc(HeapSize); !errors.Is(err, ErrHeapExhausted) {
		t.Errorf("Expected ErrHeapExhausted, got %v", err)
	}
}

func TestAddressHook(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	code := loadCode(t, emu, addTestCode)

	hookCalled := false
	// Thumb bit is ignored when registering
	emu.HookAddress((code+2)|1, func(e *Emulator) bool {
		hookCalled = true
		if e.R(0) != 5 {
			t.Errorf("Expected R0=5 at hook, got %d", e.R(0))
		}
		return false
	})

	if _, err := emu.Call(code | 1); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !hookCalled {
		t.Error("Address hook was not called")
	}
}

func TestFailStopsEmulation(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	code := loadCode(t, emu, addTestCode)
	errBoom := errors.New("boom")

	emu.HookAddress(code+2, func(e *Emulator) bool {
		e.Fail(errBoom)
		return false
	})

	_, err = emu.Call(code | 1)
	if !errors.Is(err, errBoom) {
		t.Fatalf("Expected boom failure, got %v", err)
	}

	// Next run starts clean
	emu.RemoveAddressHook(code + 2)
	if _, err := emu.Call(code | 1); err != nil {
		t.Fatalf("Call after failure returned %v", err)
	}
}

func TestCodeHook(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	code := loadCode(t, emu, addTestCode)

	instrCount := 0
	thumb := true
	emu.HookCode(func(e *Emulator, addr uint64, size uint32) {
		instrCount++
		thumb = thumb && e.IsThumb()
	})

	if _, err := emu.Call(code | 1); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if instrCount != 4 {
		t.Errorf("Expected 4 instructions, got %d", instrCount)
	}
	if !thumb {
		t.Error("Expected all instructions to run in Thumb state")
	}
}

func TestReentrantRunRejected(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	defer emu.Close()

	code := loadCode(t, emu, addTestCode)

	var inner error
	emu.HookAddress(code, func(e *Emulator) bool {
		_, inner = e.Call(code | 1)
		return false
	})

	if _, err := emu.Call(code | 1); err != nil {
		t.Fatalf("outer Call failed: %v", err)
	}
	if !errors.Is(inner, ErrReentrant) {
		t.Errorf("Expected ErrReentrant from nested call, got %v", inner)
	}
}
