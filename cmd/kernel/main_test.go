package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"patchwork/internal/bootinfo"
	"patchwork/internal/config"
	"patchwork/internal/defs"
)

func TestBootWiresEverySubsystem(t *testing.T) {
	cfg := config.Default()
	handoff := &bootinfo.Handoff_t{
		MemoryMap: []bootinfo.MemoryDescriptor{
			{PhysStart: 0, NumPages: 4096, EFIType: 7},
		},
	}

	k, err := Boot(handoff, cfg)
	require.Equal(t, defs.EOK, err)
	require.NotNil(t, k.Console)
	require.NotNil(t, k.Bus)
	require.NotNil(t, k.PMM)
	require.NotNil(t, k.VMM)
	require.NotNil(t, k.Symtab)
	require.NotNil(t, k.Sched)
	require.NotNil(t, k.Wait)
	require.NotNil(t, k.Rings)
	require.NotNil(t, k.AML)
	require.NotNil(t, k.IRQ)
	require.NotNil(t, k.Kernel)
	require.Equal(t, defs.Pid_t(0), k.Kernel.Pid)
}

func TestBootProducesUsableKernelProcessSpace(t *testing.T) {
	cfg := config.Default()
	handoff := &bootinfo.Handoff_t{
		MemoryMap: []bootinfo.MemoryDescriptor{
			{PhysStart: 0, NumPages: 4096, EFIType: 7},
		},
	}

	k, err := Boot(handoff, cfg)
	require.Equal(t, defs.EOK, err)
	require.NotNil(t, k.Kernel.Space)
	require.Nil(t, k.Kernel.Parent)
}
