// Package hashtable is a bucket-chained hash table whose Get takes only
// the bucket's read lock, keyed by strings (the only key type its caller
// in this core needs -- symbol names) and hashed with the faster
// github.com/cloudwego/gopkg/hash/xfnv, which computes 8 bytes per round
// instead of fnv's byte-at-a-time loop.
package hashtable

import (
	"sync"

	"github.com/cloudwego/gopkg/hash/xfnv"
)

type elem_t[V any] struct {
	key   string
	value V
	next  *elem_t[V]
}

type bucket_t[V any] struct {
	sync.RWMutex
	first *elem_t[V]
}

// Hashtable_t maps string keys to values of type V. Get is lock-free with
// respect to concurrent Get calls on the same bucket (it only takes the
// bucket RLock); Set/Del take the bucket's write lock.
type Hashtable_t[V any] struct {
	table []*bucket_t[V]
}

// MkHash allocates a table with the given number of buckets.
func MkHash[V any](size int) *Hashtable_t[V] {
	if size <= 0 {
		size = 1
	}
	ht := &Hashtable_t[V]{table: make([]*bucket_t[V], size)}
	for i := range ht.table {
		ht.table[i] = &bucket_t[V]{}
	}
	return ht
}

func (ht *Hashtable_t[V]) bucket(key string) *bucket_t[V] {
	h := xfnv.HashStr(key)
	return ht.table[h%uint64(len(ht.table))]
}

// Get returns the value for key and whether it was present.
func (ht *Hashtable_t[V]) Get(key string) (V, bool) {
	b := ht.bucket(key)
	b.RLock()
	defer b.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts or replaces the value for key, returning the previous value
// (if any) and whether one existed.
func (ht *Hashtable_t[V]) Set(key string, val V) (V, bool) {
	b := ht.bucket(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			old := e.value
			e.value = val
			return old, true
		}
	}
	b.first = &elem_t[V]{key: key, value: val, next: b.first}
	var zero V
	return zero, false
}

// Del removes key from the table, reporting whether it was present.
func (ht *Hashtable_t[V]) Del(key string) bool {
	b := ht.bucket(key)
	b.Lock()
	defer b.Unlock()
	var prev *elem_t[V]
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return true
		}
		prev = e
	}
	return false
}

// Size returns the total number of elements stored in the table.
func (ht *Hashtable_t[V]) Size() int {
	n := 0
	for _, b := range ht.table {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.RUnlock()
	}
	return n
}
