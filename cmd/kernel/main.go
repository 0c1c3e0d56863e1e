// Command kernel wires every subsystem package into one running kernel
// core. This is not meant to be `go run` on a hosting OS: it targets a
// freestanding x86-64 boot handoff (GOP framebuffer, UEFI memory map,
// RSDP) supplied by a bootloader, built and linked as its own kernel
// image. main() here assembles that wiring against a synthetic handoff
// so the package still builds and its construction order is exercised
// by main_test.go.
package main

import (
	"patchwork/internal/addrspace"
	"patchwork/internal/aml"
	"patchwork/internal/bootinfo"
	"patchwork/internal/config"
	"patchwork/internal/cpu"
	"patchwork/internal/defs"
	"patchwork/internal/ioring"
	"patchwork/internal/irq"
	"patchwork/internal/klog"
	"patchwork/internal/pmm"
	"patchwork/internal/proc"
	"patchwork/internal/sched"
	"patchwork/internal/symtab"
	"patchwork/internal/thread"
	"patchwork/internal/vmm"
	"patchwork/internal/wait"
)

// Kernel bundles every subsystem Boot constructs, so callers (and tests)
// can reach any of them without re-running the wiring.
type Kernel struct {
	Cfg     *config.Boot_t
	Console *klog.Console
	Bus     *cpu.Bus
	PMM     *pmm.Allocator
	VMM     *vmm.Manager
	Symtab  *symtab.Table
	Sched   *sched.Scheduler
	Wait    *wait.Subsystem
	Rings   *ioring.Manager
	AML     *aml.Namespace
	IRQ     *irq.Table
	Kernel  *proc.Process
}

// userMin/userMax bound the modeled userspace address range.
const (
	userMin  = 0x1000
	userMax  = 0x0000_7fff_ffff_ffff
)

// Boot assembles a Kernel from a boot handoff and tuning, following an
// early boot dependency order: physical memory accounting first, then
// the page-table/address-space layer, then everything that allocates
// virtual memory (VMM, stacks, rings), then the scheduler and wait
// subsystem last since they depend on having at least an idle thread
// per CPU already constructed.
func Boot(handoff *bootinfo.Handoff_t, cfg *config.Boot_t) (*Kernel, defs.Err_t) {
	console := klog.NewConsole(64*1024, klog.Info)

	reserved := []pmm.PhysRange{{Base: handoff.KernelPhysBase, Len: 0}}
	allocator := pmm.NewFromMemoryMap(handoff.MemoryMap, reserved)

	bus := cpu.NewBus()

	kernelSpace := addrspace.Init(allocator, userMin, userMax)

	vmgr := vmm.NewManager(allocator, bus, cfg, kernelSpace)

	symbols := symtab.New()

	idleThreads := make([]*thread.Thread, cfg.NumCPU)
	for i := range idleThreads {
		idleThreads[i] = thread.New(defs.Tid_t(-1-i), 0)
		idleThreads[i].CPU = defs.CPU(i)
	}
	scheduler := sched.New(cfg, bus, idleThreads)

	waitSub := wait.NewSubsystem(cfg.NumCPU)
	waitSub.SetPusher(sched.WaitPusher{S: scheduler})

	rings := ioring.NewManager(cfg, 256, nil)

	namespace := aml.NewNamespace(nil)

	irqTable := irq.NewTable()

	kernelProc := proc.NewProcess(0, kernelSpace, nil)

	console.Infof("boot: %d CPUs, %d pages free", cfg.NumCPU, allocator.FreeAmount())

	return &Kernel{
		Cfg:     cfg,
		Console: console,
		Bus:     bus,
		PMM:     allocator,
		VMM:     vmgr,
		Symtab:  symbols,
		Sched:   scheduler,
		Wait:    waitSub,
		Rings:   rings,
		AML:     namespace,
		IRQ:     irqTable,
		Kernel:  kernelProc,
	}, defs.EOK
}

func main() {
	cfg := config.Default()
	handoff := &bootinfo.Handoff_t{
		MemoryMap: []bootinfo.MemoryDescriptor{},
	}

	k, err := Boot(handoff, cfg)
	if err != defs.EOK {
		panic("boot failed")
	}

	k.Console.Infof("kernel constructed; idling (no real hardware to drive)")
	select {}
}
