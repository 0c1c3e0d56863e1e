// Package trap implements the kernel panic path and the RBP-chain stack
// unwinder: CAS the global panic owner, broadcast HALT, dump control
// registers and a stack-byte window, then walk the RBP chain through the
// symbol table (grounding details in DESIGN.md).
package trap

import (
	"fmt"
	"strings"
	"sync/atomic"

	"patchwork/internal/cpu"
	"patchwork/internal/defs"
	"patchwork/internal/klog"
	"patchwork/internal/symtab"
)

// Frame abstracts the trapped register state; a real implementation
// reads hardware-saved regs, a test implementation is a plain struct
// literal.
type Frame interface {
	Vector() int
	HasErrorCode() bool
	ErrorCode() uint64
	RIP() uintptr
	RSP() uintptr
	RBP() uintptr
	CR0() uint64
	CR2() uint64
	CR3() uint64
	CR4() uint64
}

// StackReader reads the flat address space a panic needs to inspect:
// the byte window around RSP and the saved-RBP/return-address pairs the
// unwinder chases. Reads out of bounds report ok=false.
type StackReader interface {
	ReadByte(addr uintptr) (byte, bool)
	ReadWord(addr uintptr) (uintptr, bool)
}

// Halt is called once a panic has finished printing. It never returns
// on real hardware (an infinite hlt loop); tests override it to recover
// control instead of hanging.
var Halt = func() { select {} }

// panicOwner is NONE (NoCPU) until the first CPU to panic CASes itself
// in.
var panicOwner atomic.Int32

func init() { panicOwner.Store(int32(defs.NoCPU)) }

// ResetPanicOwner clears panic ownership. Exists only for tests that
// need to panic more than once in the same process.
func ResetPanicOwner() { panicOwner.Store(int32(defs.NoCPU)) }

// vectorNames gives human-readable names to the small set of vectors
// this module's panic path is expected to decode; anything else prints
// by number.
var vectorNames = map[int]string{
	0:  "DIVIDE_ERROR",
	6:  "INVALID_OPCODE",
	13: "GENERAL_PROTECTION",
	14: "PAGE_FAULT",
}

// RegionOf classifies an address for the page-fault CR2 line (e.g.
// "kernel", "user", "unmapped"). Optional; nil prints no classification.
type RegionOf func(addr uintptr) string

// Options bundles everything Panic needs beyond the frame itself.
type Options struct {
	Self        defs.CPU
	NumCPU      int
	Bus         *cpu.Bus
	Console     *klog.Console
	ScreenSink  func(string)
	Symtab      *symtab.Table
	Stack       StackReader
	MaxFrames   int
	KernelID    string
	ThreadDesc  string
	LastErrno   defs.Err_t
	RegionOf    RegionOf
}

// Panic runs the ten-step panic algorithm and then calls Halt. frame may
// be nil (a software-detected fatal condition with no trapped register
// state). It returns only when Halt returns (a test override), so
// callers after Panic() is reached are dead code in production but
// reachable in tests.
func Panic(o Options, frame Frame, format string, args ...any) {
	cause := fmt.Sprintf(format, args...)

	if !panicOwner.CompareAndSwap(int32(defs.NoCPU), int32(o.Self)) {
		owner := defs.CPU(panicOwner.Load())
		if owner == o.Self {
			o.Console.Errf("double panic on CPU %d: %s", o.Self, cause)
		}
		Halt()
		return
	}

	if o.Bus != nil {
		for id := 0; id < o.NumCPU; id++ {
			if defs.CPU(id) == o.Self {
				continue
			}
			o.Bus.Send(defs.CPU(id), cpu.VectorHalt)
		}
	}

	if o.ScreenSink != nil {
		o.Console.SetSink(o.ScreenSink)
	}

	o.Console.Errf("panic: kernel=%s cpu=%d", o.KernelID, o.Self)
	o.Console.Errf("cause: %s", cause)
	o.Console.Errf("current: %s", o.ThreadDesc)
	o.Console.Errf("last errno: %s", o.LastErrno)

	if frame != nil {
		printRegisters(o, frame)
		printFrameCause(o, frame)
		printStackBytes(o, frame)
		unwind(o, frame)
	}

	Halt()
}

func printRegisters(o Options, frame Frame) {
	if frame == nil {
		return
	}
	o.Console.Errf("CR0=%#016x CR2=%#016x CR3=%#016x CR4=%#016x", frame.CR0(), frame.CR2(), frame.CR3(), frame.CR4())
	o.Console.Errf("CR0 flags: %s", decodeCR0(frame.CR0()))
}

func decodeCR0(cr0 uint64) string {
	var flags []string
	bit := func(n uint, name string) {
		if cr0&(1<<n) != 0 {
			flags = append(flags, name)
		}
	}
	bit(0, "PE")
	bit(1, "MP")
	bit(2, "EM")
	bit(3, "TS")
	bit(16, "WP")
	bit(30, "CD")
	bit(31, "PG")
	return strings.Join(flags, "|")
}

func decodePageFaultError(code uint64) string {
	var flags []string
	bit := func(n uint, name string) {
		if code&(1<<n) != 0 {
			flags = append(flags, name)
		}
	}
	bit(0, "PRESENT")
	bit(1, "WRITE")
	bit(2, "USER")
	bit(3, "RESERVED_WRITE")
	bit(4, "INSTRUCTION_FETCH")
	if len(flags) == 0 {
		return "NOT_PRESENT"
	}
	return strings.Join(flags, "|")
}

func printFrameCause(o Options, frame Frame) {
	name := vectorNames[frame.Vector()]
	if name == "" {
		name = fmt.Sprintf("VECTOR_%d", frame.Vector())
	}
	o.Console.Errf("trap: %s rip=%#016x", name, frame.RIP())
	if frame.Vector() == 14 {
		o.Console.Errf("page fault: cr2=%#016x (%s)", frame.CR2(), decodePageFaultError(frame.ErrorCode()))
		if o.RegionOf != nil {
			o.Console.Errf("cr2 region: %s", o.RegionOf(frame.CR2()))
		}
	} else if frame.HasErrorCode() {
		o.Console.Errf("error code: %#x", frame.ErrorCode())
	}
}

// printStackBytes dumps 16 lines of 16 bytes starting at RSP, with an
// ASCII sidebar and a "^^" marker on the RSP byte itself.
func printStackBytes(o Options, frame Frame) {
	if o.Stack == nil {
		return
	}
	rsp := frame.RSP()
	for line := 0; line < 16; line++ {
		base := rsp + uintptr(line*16)
		var hex strings.Builder
		var ascii strings.Builder
		for i := 0; i < 16; i++ {
			addr := base + uintptr(i)
			b, ok := o.Stack.ReadByte(addr)
			if !ok {
				hex.WriteString("?? ")
				ascii.WriteByte('.')
				continue
			}
			marker := ' '
			if addr == rsp {
				marker = '^'
			}
			fmt.Fprintf(&hex, "%02x%c", b, marker)
			if b >= 0x20 && b < 0x7f {
				ascii.WriteByte(b)
			} else {
				ascii.WriteByte('.')
			}
		}
		o.Console.Errf("%#016x: %s %s", base, hex.String(), ascii.String())
	}
}

// unwind walks the RBP chain, resolving each return address through the
// symbol table, stopping on an invalid frame pointer, a bounds
// violation, a NULL return address, a cycle, or MaxFrames.
func unwind(o Options, frame Frame) {
	if o.Stack == nil || o.Symtab == nil {
		return
	}
	max := o.MaxFrames
	if max <= 0 {
		max = 64
	}
	seen := make(map[uintptr]bool)
	rbp := frame.RBP()
	for i := 0; i < max; i++ {
		if rbp == 0 || rbp%8 != 0 {
			o.Console.Errf("unwind: stopped at invalid frame pointer %#016x", rbp)
			return
		}
		if seen[rbp] {
			o.Console.Errf("unwind: cycle detected at %#016x", rbp)
			return
		}
		seen[rbp] = true

		retAddr, ok := o.Stack.ReadWord(rbp + 8)
		if !ok {
			o.Console.Errf("unwind: bounds violation reading return address at %#016x", rbp+8)
			return
		}
		if retAddr == 0 {
			o.Console.Errf("unwind: NULL return address, stopping")
			return
		}

		if entry, found := o.Symtab.ResolveAddr(retAddr); found {
			o.Console.Errf("  #%d %#016x %s+%#x", i, retAddr, entry.Name, retAddr-entry.Addr)
		} else {
			o.Console.Errf("  #%d %#016x <unknown>", i, retAddr)
		}

		nextRBP, ok := o.Stack.ReadWord(rbp)
		if !ok {
			o.Console.Errf("unwind: bounds violation reading saved frame pointer at %#016x", rbp)
			return
		}
		rbp = nextRBP
	}
	o.Console.Errf("unwind: stopped at MAX_STACK_FRAMES (%d)", max)
}
