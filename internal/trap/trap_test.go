package trap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"patchwork/internal/defs"
	"patchwork/internal/klog"
	"patchwork/internal/symtab"
)

type fakeFrame struct {
	vector       int
	hasErrorCode bool
	errorCode    uint64
	rip, rsp, rbp uintptr
	cr0, cr2, cr3, cr4 uint64
}

func (f fakeFrame) Vector() int        { return f.vector }
func (f fakeFrame) HasErrorCode() bool { return f.hasErrorCode }
func (f fakeFrame) ErrorCode() uint64  { return f.errorCode }
func (f fakeFrame) RIP() uintptr       { return f.rip }
func (f fakeFrame) RSP() uintptr       { return f.rsp }
func (f fakeFrame) RBP() uintptr       { return f.rbp }
func (f fakeFrame) CR0() uint64        { return f.cr0 }
func (f fakeFrame) CR2() uint64        { return f.cr2 }
func (f fakeFrame) CR3() uint64        { return f.cr3 }
func (f fakeFrame) CR4() uint64        { return f.cr4 }

// fakeMemory models a flat byte space keyed by address, with saved
// RBP/return-address pairs at fixed frame-pointer addresses.
type fakeMemory struct {
	bytes map[uintptr]byte
	words map[uintptr]uintptr
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{bytes: make(map[uintptr]byte), words: make(map[uintptr]uintptr)}
}

func (m *fakeMemory) ReadByte(addr uintptr) (byte, bool) {
	b, ok := m.bytes[addr]
	return b, ok
}

func (m *fakeMemory) ReadWord(addr uintptr) (uintptr, bool) {
	w, ok := m.words[addr]
	return w, ok
}

func collectLines(t *testing.T) (*klog.Console, *[]string) {
	t.Helper()
	console := klog.NewConsole(64*1024, klog.Debug)
	var lines []string
	console.SetSink(func(line string) { lines = append(lines, line) })
	return console, &lines
}

func baseOptions(t *testing.T) (Options, *[]string) {
	t.Helper()
	console, lines := collectLines(t)
	return Options{
		Self:      defs.CPU(0),
		NumCPU:    1,
		Console:   console,
		KernelID:  "test",
		ThreadDesc: "thread 1",
		LastErrno: defs.EOK,
		MaxFrames: 8,
	}, lines
}

func withHaltOverride(t *testing.T) *int {
	t.Helper()
	calls := 0
	prev := Halt
	Halt = func() { calls++ }
	t.Cleanup(func() { Halt = prev })
	return &calls
}

func TestPanicWithoutFramePrintsCauseAndHalts(t *testing.T) {
	ResetPanicOwner()
	calls := withHaltOverride(t)
	o, lines := baseOptions(t)

	Panic(o, nil, "unexpected state: %d", 7)

	require.Equal(t, 1, *calls)
	joined := strings.Join(*lines, "")
	require.Contains(t, joined, "unexpected state: 7")
	require.Contains(t, joined, "kernel=test")
}

func TestDoublePanicOnSameCPULogsAndHalts(t *testing.T) {
	ResetPanicOwner()
	calls := withHaltOverride(t)
	o, lines := baseOptions(t)

	Panic(o, nil, "first")
	Panic(o, nil, "second")

	require.Equal(t, 2, *calls)
	joined := strings.Join(*lines, "")
	require.Contains(t, joined, "double panic on CPU 0")
}

func TestPanicWithFrameDecodesPageFaultAndRegisters(t *testing.T) {
	ResetPanicOwner()
	withHaltOverride(t)
	o, lines := baseOptions(t)
	mem := newFakeMemory()
	o.Stack = mem
	o.RegionOf = func(addr uintptr) string {
		if addr < 0x1000 {
			return "unmapped"
		}
		return "user"
	}

	frame := fakeFrame{
		vector:       14,
		hasErrorCode: true,
		errorCode:    0b00110, // USER | WRITE
		rip:          0x4000,
		rsp:          0x5000,
		rbp:          0,
		cr0:          1 | 1<<31, // PE | PG
		cr2:          0x200,
	}
	Panic(o, frame, "page fault")

	joined := strings.Join(*lines, "")
	require.Contains(t, joined, "PAGE_FAULT")
	require.Contains(t, joined, "WRITE|USER")
	require.Contains(t, joined, "cr2 region: unmapped")
	require.Contains(t, joined, "CR0 flags: PE|PG")
}

func TestPrintStackBytesMarksRSPAndHandlesUnreadableBytes(t *testing.T) {
	ResetPanicOwner()
	withHaltOverride(t)
	o, lines := baseOptions(t)
	mem := newFakeMemory()
	mem.bytes[0x5000] = 'A'
	o.Stack = mem

	frame := fakeFrame{vector: 6, rip: 0x100, rsp: 0x5000}
	Panic(o, frame, "bad opcode")

	joined := strings.Join(*lines, "")
	require.Contains(t, joined, "41^") // 'A' at RSP, marked
	require.Contains(t, joined, "??")  // unreadable bytes show as ??
}

func TestUnwindStopsOnInvalidFramePointer(t *testing.T) {
	ResetPanicOwner()
	withHaltOverride(t)
	o, lines := baseOptions(t)
	mem := newFakeMemory()
	o.Stack = mem
	o.Symtab = symtab.New()

	frame := fakeFrame{vector: 13, rip: 0x100, rsp: 0x5000, rbp: 1} // unaligned
	Panic(o, frame, "gpf")

	joined := strings.Join(*lines, "")
	require.Contains(t, joined, "invalid frame pointer")
}

func TestUnwindStopsOnNullReturnAddress(t *testing.T) {
	ResetPanicOwner()
	withHaltOverride(t)
	o, lines := baseOptions(t)
	mem := newFakeMemory()
	mem.words[0x2008] = 0 // return address slot reads as NULL
	o.Stack = mem
	o.Symtab = symtab.New()

	frame := fakeFrame{vector: 13, rip: 0x100, rsp: 0x5000, rbp: 0x2000}
	Panic(o, frame, "gpf")

	joined := strings.Join(*lines, "")
	require.Contains(t, joined, "NULL return address")
}

func TestUnwindDetectsCycleAndResolvesSymbol(t *testing.T) {
	ResetPanicOwner()
	withHaltOverride(t)
	o, lines := baseOptions(t)
	mem := newFakeMemory()
	// One frame at rbp=0x2000: return address 0x4010 (inside "myfunc"),
	// saved rbp loops back to itself.
	mem.words[0x2008] = 0x4010
	mem.words[0x2000] = 0x2000
	o.Stack = mem
	tab := symtab.New()
	require.Equal(t, defs.EOK, tab.Add("myfunc", 0x4000, 0, true))
	o.Symtab = tab

	frame := fakeFrame{vector: 13, rip: 0x100, rsp: 0x5000, rbp: 0x2000}
	Panic(o, frame, "gpf")

	joined := strings.Join(*lines, "")
	require.Contains(t, joined, "myfunc+0x10")
	require.Contains(t, joined, "cycle detected")
}

func TestUnwindStopsAtMaxFrames(t *testing.T) {
	ResetPanicOwner()
	withHaltOverride(t)
	o, lines := baseOptions(t)
	o.MaxFrames = 2
	mem := newFakeMemory()
	// Each frame's saved rbp advances by 0x100 so there's no cycle, and
	// every return address is non-NULL, forcing MaxFrames to be what
	// stops the walk.
	rbp := uintptr(0x2000)
	for i := 0; i < 10; i++ {
		mem.words[rbp+8] = 0x4000 + uintptr(i)
		mem.words[rbp] = rbp + 0x100
		rbp += 0x100
	}
	o.Stack = mem
	o.Symtab = symtab.New()

	frame := fakeFrame{vector: 13, rip: 0x100, rsp: 0x5000, rbp: 0x2000}
	Panic(o, frame, "gpf")

	joined := strings.Join(*lines, "")
	require.Contains(t, joined, "MAX_STACK_FRAMES (2)")
}
