// Package bootinfo models the struct the UEFI bootloader hands the
// kernel at entry. Writing the bootloader itself is out of scope; this
// package only defines the shape of its output so the rest of the core
// has a concrete collaborator interface, and provides a minimal loader
// for the boot filesystem snapshot the kernel seeds tmpfs from.
package bootinfo

import (
	"sync"

	"github.com/cloudwego/gopkg/cache/mempool"
)

// MemoryDescriptor mirrors one EFI_MEMORY_DESCRIPTOR entry: a physical
// range plus its EFI memory type and attribute bits.
type MemoryDescriptor struct {
	PhysStart  uintptr
	NumPages   uint64
	EFIType    uint32
	Attribute  uint64
}

// Framebuffer describes the GOP framebuffer the bootloader set up.
type Framebuffer struct {
	Base   uintptr
	Size   uint64
	Width  uint32
	Height uint32
	Pitch  uint32
	// PixelFormat is an opaque GOP pixel-format code; the core never
	// interprets it (that's the out-of-scope compositor's job).
	PixelFormat uint32
}

// File is one entry of the boot filesystem snapshot: a name and its
// contents, as handed over by the bootloader's EFI volume walk.
type File struct {
	Name string
	Data []byte
}

// Snapshot is a flat directory tree of boot files, keyed by full path
// ("/" separated) rooted at the EFI volume -- enough for the kernel to
// seed tmpfs from, without pulling in the VFS itself (out of scope).
type Snapshot struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewSnapshot builds a Snapshot from a flat list of boot files, pooling
// each file's backing buffer through github.com/cloudwego/gopkg/cache/mempool
// instead of a bare make([]byte, n) -- the snapshot is read once at boot
// and then handed page-by-page to tmpfs, so a size-classed pool avoids
// fragmenting the early heap with one-off allocations of wildly different
// sizes (firmware volumes mix tiny config files with multi-megabyte
// init programs).
func NewSnapshot(files []File) *Snapshot {
	s := &Snapshot{files: make(map[string][]byte, len(files))}
	for _, f := range files {
		buf := mempool.Malloc(len(f.Data))
		copy(buf, f.Data)
		s.files[f.Name] = buf
	}
	return s
}

// Lookup returns the contents of the named boot file.
func (s *Snapshot) Lookup(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	return b, ok
}

// Release returns every file's backing buffer to the pool. Called once
// tmpfs has copied the snapshot into its own pages.
func (s *Snapshot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, b := range s.files {
		mempool.Free(b)
		delete(s.files, name)
	}
}

// Names returns the snapshot's file names in unspecified order.
func (s *Snapshot) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for name := range s.files {
		out = append(out, name)
	}
	return out
}

// Handoff_t is the boot handoff structure delivered to kernel entry.
type Handoff_t struct {
	MemoryMap      []MemoryDescriptor
	GOP            Framebuffer
	KernelELF      uintptr
	KernelPhysBase uintptr
	RSDP           uintptr
	Boot           *Snapshot
}
