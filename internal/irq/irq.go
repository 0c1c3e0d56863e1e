// Package irq implements the IRQ vector table: per-vector routing state
// (phys/virt/flags/cpu/domain/refcount/handler list guarded by an
// rwlock), dispatch, and domain/chip registration.
package irq

import (
	"reflect"
	"sync"

	"patchwork/internal/defs"
)

// Flags on a vector entry.
type Flags uint32

const (
	FlagEnabled Flags = 1 << iota
	FlagLevelTriggered
	FlagShared
)

// Handler is one interrupt handler registered against a vector.
type Handler func(vector int)

// Vector is one entry in the IRQ table: the physical line it routes,
// the virtual vector number it is currently mapped to, its routing
// flags, owning CPU, domain tag, a reference count, and its handler
// list.
type Vector struct {
	mu sync.RWMutex

	Phys     int
	Virt     int
	Flags    Flags
	CPU      defs.CPU
	Domain   string
	refcount int
	handlers []Handler
}

// Table is the full IRQ vector table, indexed by virtual vector number.
type Table struct {
	mu      sync.Mutex
	vectors map[int]*Vector
}

// NewTable constructs an empty IRQ table.
func NewTable() *Table {
	return &Table{vectors: make(map[int]*Vector)}
}

// Vector returns (creating if necessary) the table entry for virt.
func (t *Table) Vector(virt int) *Vector {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.vectors[virt]
	if !ok {
		v = &Vector{Virt: virt, CPU: defs.NoCPU}
		t.vectors[virt] = v
	}
	return v
}

// Lookup returns the existing entry for virt without creating one.
func (t *Table) Lookup(virt int) (*Vector, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.vectors[virt]
	return v, ok
}

// AddHandler registers fn against v, bumping its reference count.
func (v *Vector) AddHandler(fn Handler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handlers = append(v.handlers, fn)
	v.refcount++
}

// RemoveHandler removes the earliest-added instance of fn. Go has
// no portable function-value equality for closures in general, so
// handlers are compared by identity of the supplied fn value -- callers
// that need to remove a specific handler should keep a non-closure
// reference (e.g. a method value) for that purpose, the same reference
// it was added with.
func (v *Vector) RemoveHandler(fn Handler) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	target := reflect.ValueOf(fn).Pointer()
	for i, h := range v.handlers {
		if reflect.ValueOf(h).Pointer() == target {
			v.handlers = append(v.handlers[:i], v.handlers[i+1:]...)
			v.refcount--
			return true
		}
	}
	return false
}

// Dispatch walks v's handler list in registration order, invoking each
// with the vector number.
func (v *Vector) Dispatch() {
	v.mu.RLock()
	handlers := append([]Handler(nil), v.handlers...)
	virt := v.Virt
	v.mu.RUnlock()
	for _, h := range handlers {
		h(virt)
	}
}

// Enable/Disable toggle FlagEnabled.
func (v *Vector) Enable() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Flags |= FlagEnabled
}

func (v *Vector) Disable() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Flags &^= FlagEnabled
}

// Enabled reports whether FlagEnabled is set.
func (v *Vector) Enabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.Flags&FlagEnabled != 0
}

// ChipRegister attaches domain to every vector whose physical line falls
// in [physStart, physStart+count), assigning each a virtual vector from
// virtStart upward and enabling it if it already has a handler
// registered.
func (t *Table) ChipRegister(domain string, physStart, count, virtStart int, cpu defs.CPU) []*Vector {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Vector, 0, count)
	for i := 0; i < count; i++ {
		virt := virtStart + i
		v, ok := t.vectors[virt]
		if !ok {
			v = &Vector{Virt: virt, CPU: cpu}
			t.vectors[virt] = v
		}
		v.mu.Lock()
		v.Phys = physStart + i
		v.Domain = domain
		v.CPU = cpu
		if len(v.handlers) > 0 {
			v.Flags |= FlagEnabled
		}
		v.mu.Unlock()
		out = append(out, v)
	}
	return out
}
