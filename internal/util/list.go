package util

// ListEntry is an intrusive doubly-linked list node. Embed it in a struct
// and pass pointers to ListEntry around instead of indices; the owning
// struct is recovered by the caller via container-of rather than through
// a generic container type.
type ListEntry struct {
	prev, next *ListEntry
	list       *List
}

// List is an intrusive doubly-linked list head. Zero value is an empty
// list.
type List struct {
	root ListEntry
	len  int
}

// Init (re)initializes an empty list. Calling it on a zero List is
// optional: PushBack, PushFront and Front initialize one lazily.
func (l *List) Init() {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.root.list = l
	l.len = 0
}

// Len returns the number of entries currently linked into l.
func (l *List) Len() int { return l.len }

// Empty reports whether the list has no entries.
func (l *List) Empty() bool { return l.len == 0 }

func (l *List) lazyInit() {
	if l.root.next == nil {
		l.Init()
	}
}

// PushBack links e at the tail of l. e must not already be in a list.
func (l *List) PushBack(e *ListEntry) {
	l.lazyInit()
	if e.list != nil {
		panic("util.List: entry already linked")
	}
	last := l.root.prev
	last.next = e
	e.prev = last
	e.next = &l.root
	l.root.prev = e
	e.list = l
	l.len++
}

// PushFront links e at the head of l.
func (l *List) PushFront(e *ListEntry) {
	l.lazyInit()
	if e.list != nil {
		panic("util.List: entry already linked")
	}
	first := l.root.next
	e.prev = &l.root
	e.next = first
	first.prev = e
	l.root.next = e
	e.list = l
	l.len++
}

// Remove unlinks e from whichever list it is a member of. No-op if e is
// not currently linked.
func (l *List) Remove(e *ListEntry) {
	if e.list == nil {
		return
	}
	if e.list != l {
		panic("util.List: entry belongs to a different list")
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
	e.list = nil
	l.len--
}

// Front returns the first entry, or nil if l is empty.
func (l *List) Front() *ListEntry {
	l.lazyInit()
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Next returns the entry following e, or nil at the end of the list.
func (l *List) Next(e *ListEntry) *ListEntry {
	if e.next == &l.root {
		return nil
	}
	return e.next
}

// InList reports whether e is currently linked into any list.
func (e *ListEntry) InList() bool { return e.list != nil }
