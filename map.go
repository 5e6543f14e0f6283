// Copyright 2025 The ordhash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ordhash provides insertion-ordered associative containers - a
// Map[K,V] and a Set[K] - built on open addressing with a separated probe
// index and a dense element store.
//
// # Design
//
// Unlike Swiss-table style maps which interleave metadata with the slot
// array, ordhash keeps two parallel arrays:
//
//   - The element store: a dense array of (key, value) pairs in insertion
//     order. The position of an element in this array is its "slot".
//     Iteration walks this array front to back, so iteration order is
//     insertion order (modulo erase, see below).
//
//   - The probe index: one fixed-size record per bucket, holding a `next`
//     link to the following bucket in its collision chain and a packed word
//     that combines the element slot (low bits) with the top bits of the
//     key's hash (a fingerprint checked before calling into key equality).
//     The chains are singly linked lists embedded in the flat record array
//     via integer bucket ids; a chain tail links to itself. A sentinel value
//     in `next` marks a bucket as unoccupied.
//
// The bucket a key hashes to directly (hash&mask) is its main bucket. On
// insert, if the main bucket is held by an entry whose own main bucket is
// elsewhere (a foreign occupant, chained there from another bucket's
// collision chain), the newcomer evicts it: the occupant is moved to a fresh
// empty bucket, its original chain is relinked around it, and the newcomer
// claims its main bucket. This kick-out step keeps chains short even at high
// load factors, because buckets are continually repatriated to the entries
// that own them.
//
// Searching for an empty bucket is tiered for cache locality: first the one
// or two records immediately after the requesting bucket, then a bounded run
// of growing quadratic-ish hops, and finally a rotating cursor combined with
// a jump derived from the element count, which terminates because occupancy
// is capped below 100% by the growth threshold. The index array carries two
// guard records past the power-of-two range; they never read as empty, so
// the first tier can overshoot the mask without a bounds check.
//
// Erase unlinks the bucket from its chain and then compacts the element
// store by moving the last element into the vacated slot. This keeps the
// store dense and erase O(1), at the cost of iteration order after an erase
// being "insertion order with the hole back-filled from the tail".
//
// # Concurrency
//
// A Map is NOT goroutine-safe. Concurrent readers are fine as long as no
// writer runs; any mutation requires external synchronization.
package ordhash

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"unsafe"
)

const (
	debug = false

	// Capacity is always 1<<capacityIndex buckets.
	minCapacityIndex = 2
	maxCapacityIndex = 30

	// emptyHash in a record's next field marks the bucket as unoccupied.
	emptyHash = ^uint32(0)

	// ead guard records are appended past the mask range. Their next field
	// stays zeroed - never emptyHash - so the bounded probe tiers can walk a
	// record or two past the mask without branching and without ever
	// claiming one.
	ead = 2
)

// Map and Set grow before occupancy exceeds num/den of capacity.
const (
	mapMaxOccupancyNum = 4
	mapMaxOccupancyDen = 5
)

// IndexEntry is one probe-index record: a link to the next bucket in the
// collision chain and the packed slot word. The slot word holds the element
// store position in the low capacityIndex bits and the top bits of the key's
// hash in the remainder.
type IndexEntry struct {
	next uint32
	slot uint32
}

// Element holds a key and value in the dense element store.
type Element[K comparable, V any] struct {
	key   K
	value V
}

// Map is an insertion-ordered map from keys to values. By default a Map[K,V]
// uses the same hash function as Go's builtin map[K]V, though a different
// hash function can be specified using the WithHash option.
//
// The zero value for a Map is not usable; construct with New.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K. By default extracted
	// from the Go runtime's implementation of map[K]struct{}.
	hash hashFn
	seed uintptr
	// The allocator to use for the element and index arrays.
	allocator Allocator[K, V]
	// elements is the dense store, 1<<capacityIndex in length once
	// allocated. Allocation is deferred to the first insert.
	elements unsafeSlice[Element[K, V]]
	// index is the probe table, 1<<capacityIndex+ead records.
	index unsafeSlice[IndexEntry]

	capacityIndex uint32
	numElements   uint32
	// lastPos is the rotating cursor for the final tier of findEmptyBucket.
	lastPos uint32
	// etail caches the bucket of the most recently inserted element so that
	// erase can relocate the tail element without re-walking its chain. It
	// is invalidated (set to emptyHash) by erase, key replacement and
	// rehash.
	etail uint32
}

// New constructs a Map with the specified initial capacity hint. The hint is
// rounded up to the next power of two, and hints beyond the maximum capacity
// are ignored; the table grows organically either way.
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:          getRuntimeHasher[K](),
		seed:          uintptr(rand.Uint64()),
		allocator:     defaultAllocator[K, V]{},
		capacityIndex: minCapacityIndex,
		etail:         emptyHash,
	}
	for _, op := range options {
		op.apply(m)
	}
	if initialCapacity > 0 {
		_ = m.Reserve(initialCapacity)
	}
	m.checkInvariants()
	return m
}

// Close releases the element and index arrays back to the configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.elements.ptr != nil {
		capacity := uintptr(m.capacity())
		m.allocator.FreeElements(m.elements.Slice(0, capacity))
		m.allocator.FreeIndex(m.index.Slice(0, capacity+ead))
		m.elements = unsafeSlice[Element[K, V]]{}
		m.index = unsafeSlice[IndexEntry]{}
	}
	m.numElements = 0
	m.allocator = nil
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return int(m.numElements)
}

// Cap returns the current table capacity. It is always a power of two.
func (m *Map[K, V]) Cap() int {
	return int(m.capacity())
}

// IsEmpty reports whether the map holds no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.numElements == 0
}

// Has reports whether key is present.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.lookupPos(key)
	return ok
}

// Get retrieves the value for the specified key, returning ok=false if the
// key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	pos, ok := m.lookupPos(key)
	if !ok {
		return value, false
	}
	return m.elements.At(uintptr(pos)).value, true
}

// GetPtr returns a pointer to the value for the specified key, or nil if the
// key is not present. The pointer remains valid until the next structural
// mutation (insert of a new key, erase, reserve, key replacement).
func (m *Map[K, V]) GetPtr(key K) *V {
	pos, ok := m.lookupPos(key)
	if !ok {
		return nil
	}
	return &m.elements.At(uintptr(pos)).value
}

// MustGet returns the value for the specified key and panics if the key is
// absent. Callers expecting absence should use Get or Has.
func (m *Map[K, V]) MustGet(key K) V {
	pos, ok := m.lookupPos(key)
	if !ok {
		panic("ordhash: Map.MustGet: key not found")
	}
	return m.elements.At(uintptr(pos)).value
}

// GetOrInsert returns a pointer to the value for key, inserting the zero
// value first if the key is absent. The error is non-nil only if an insert
// was needed and the table is at maximum capacity.
func (m *Map[K, V]) GetOrInsert(key K) (*V, error) {
	if pos, ok := m.lookupPos(key); ok {
		return &m.elements.At(uintptr(pos)).value, nil
	}
	var zero V
	e, err := m.insert(key, zero)
	if err != nil {
		return nil, err
	}
	return &e.value, nil
}

// Put inserts an entry into the map, overwriting the value in place if an
// entry with the same key already exists. The only failure is ErrCapacity,
// when a needed grow is impossible because the table is already at maximum
// capacity; the map is left unchanged in that case.
func (m *Map[K, V]) Put(key K, value V) error {
	_, err := m.insert(key, value)
	return err
}

// Delete erases the entry for the specified key, returning false if the key
// was not present. An absent key is a normal, non-fatal result.
func (m *Map[K, V]) Delete(key K) bool {
	if m.elements.ptr == nil || m.numElements == 0 {
		return false
	}
	hash := m.hashKey(key)
	bucket := m.lookupBucket(key, hash)
	if bucket == emptyHash {
		return false
	}
	m.eraseSlot(bucket, hash&m.bucketMask())
	m.checkInvariants()
	return true
}

// ReplaceKey rewrites the key of an existing entry in place, without
// changing the entry's position in iteration order. newKey must be absent,
// unless it equals oldKey in which case ReplaceKey is a no-op. The map is
// unchanged on error.
func (m *Map[K, V]) ReplaceKey(oldKey, newKey K) error {
	if oldKey == newKey {
		return nil
	}
	if _, ok := m.lookupPos(newKey); ok {
		return ErrKeyExists
	}
	pos, ok := m.lookupPos(oldKey)
	if !ok {
		return ErrKeyNotFound
	}

	// Retire the old bucket and allocate a fresh one under the new key's
	// hash, without moving the element.
	mask := m.bucketMask()
	oldHash := m.hashKey(oldKey)
	oldBucket := m.posToBucket(pos)
	if oldBucket == emptyHash {
		panic("ordhash: map index corrupted: no bucket references slot\n" + m.debugString())
	}
	freed := m.eraseBucket(oldBucket, oldHash&mask)
	*m.index.At(uintptr(freed)) = IndexEntry{next: emptyHash}

	hash := m.hashKey(newKey)
	newBucket := m.findUniqueBucket(hash)
	m.elements.At(uintptr(pos)).key = newKey
	*m.index.At(uintptr(newBucket)) = IndexEntry{next: newBucket, slot: pos | (hash &^ mask)}
	m.etail = emptyHash
	m.checkInvariants()
	return nil
}

// Reserve grows the table so that at least newCapacity buckets are
// allocated, rounded up to the next power of two. Reserving at or below the
// current capacity is a no-op. Reserving beyond the maximum capacity returns
// ErrCapacity and leaves the map unchanged.
func (m *Map[K, V]) Reserve(newCapacity int) error {
	newIndex := m.capacityIndex
	for int64(1)<<newIndex < int64(newCapacity) {
		if newIndex+1 > maxCapacityIndex {
			return ErrCapacity
		}
		newIndex++
	}
	if newIndex == m.capacityIndex {
		return nil
	}
	if m.elements.ptr == nil {
		// Unallocated yet; the first insert picks up the new capacity.
		m.capacityIndex = newIndex
		return nil
	}
	m.lastPos = 0
	m.resizeAndRehash(newIndex)
	return nil
}

// Clear removes all entries. The allocated capacity is retained.
func (m *Map[K, V]) Clear() {
	if m.elements.ptr == nil || m.numElements == 0 {
		return
	}
	capacity := uintptr(m.capacity())
	idx := m.index.Slice(0, capacity)
	for i := range idx {
		idx[i] = IndexEntry{next: emptyHash}
	}
	clear(m.elements.Slice(0, capacity))
	m.numElements = 0
	m.lastPos = 0
	m.etail = emptyHash
}

// Clone returns a logical copy of the map: every entry is re-inserted into a
// fresh table, preserving iteration order. The clone shares the hash
// function, seed and allocator of the original.
func (m *Map[K, V]) Clone() *Map[K, V] {
	c := &Map[K, V]{
		hash:          m.hash,
		seed:          m.seed,
		allocator:     m.allocator,
		capacityIndex: minCapacityIndex,
		etail:         emptyHash,
	}
	_ = c.Reserve(int(m.capacity()))
	m.All(func(k K, v V) bool {
		_ = c.Put(k, v)
		return true
	})
	return c
}

// All calls yield sequentially for each key and value, in slot order: the
// order of insertion, with slots vacated by Delete back-filled from the
// tail. If yield returns false, iteration stops. All is usable directly
// with range-over-func:
//
//	for k, v := range m.All { ... }
//
// The map must not be mutated during iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	elements := m.elements
	for i, n := uintptr(0), uintptr(m.numElements); i < n; i++ {
		e := elements.At(i)
		if !yield(e.key, e.value) {
			return
		}
	}
}

func (m *Map[K, V]) hashKey(key K) uint32 {
	return uint32(m.hash(noescape(unsafe.Pointer(&key)), m.seed))
}

func (m *Map[K, V]) capacity() uint32 {
	return 1 << m.capacityIndex
}

func (m *Map[K, V]) bucketMask() uint32 {
	return m.capacity() - 1
}

// lookupPos returns the element store position holding key.
func (m *Map[K, V]) lookupPos(key K) (uint32, bool) {
	if m.elements.ptr == nil || m.numElements == 0 {
		return 0, false
	}
	hash := m.hashKey(key)
	mask := m.bucketMask()
	bucket := hash & mask
	nextBucket := m.index.At(uintptr(bucket)).next
	if nextBucket == emptyHash {
		// The main bucket is vacant: the key cannot be anywhere else.
		return 0, false
	}
	for {
		e := m.index.At(uintptr(bucket))
		pos := e.slot & mask
		// Fingerprint first; key equality only on a top-bits match.
		if e.slot&^mask == hash&^mask && m.elements.At(uintptr(pos)).key == key {
			return pos, true
		}
		if nextBucket == bucket {
			// Chain tail links to itself.
			return 0, false
		}
		bucket = nextBucket
		nextBucket = m.index.At(uintptr(bucket)).next
	}
}

// lookupBucket returns the bucket whose record references key, or emptyHash.
func (m *Map[K, V]) lookupBucket(key K, hash uint32) uint32 {
	mask := m.bucketMask()
	bucket := hash & mask
	nextBucket := m.index.At(uintptr(bucket)).next
	if nextBucket == emptyHash {
		return emptyHash
	}
	for {
		e := m.index.At(uintptr(bucket))
		pos := e.slot & mask
		if e.slot&^mask == hash&^mask && m.elements.At(uintptr(pos)).key == key {
			return bucket
		}
		if nextBucket == bucket {
			return emptyHash
		}
		bucket = nextBucket
		nextBucket = m.index.At(uintptr(bucket)).next
	}
}

// findEmptyBucket locates an unoccupied bucket to extend a chain from
// bucketFrom. Probing is tiered: locality first, then guaranteed
// termination.
//
// Tier 1 checks the one or two records directly after bucketFrom, which
// usually share its cache line. An overshoot past the mask lands on a guard
// record, which never reads as empty.
//
// Tier 2 makes short quadratic-ish hops, bounded to roughly one cache
// line's worth of index records (see quadProbeSteps).
//
// Tier 3 walks a rotating cursor, interleaved with a medium jump computed
// from the element count. Occupancy is capped below the growth threshold,
// so an empty record always exists and the loop terminates.
func (m *Map[K, V]) findEmptyBucket(bucketFrom uint32) uint32 {
	mask := m.bucketMask()

	bucket := bucketFrom + 1
	if m.index.At(uintptr(bucket)).next == emptyHash {
		return bucket
	}
	bucket++
	if m.index.At(uintptr(bucket)).next == emptyHash {
		return bucket
	}

	for offset, step := uint32(4), uint32(3); step < quadProbeSteps; {
		bucket = (bucketFrom + offset) & mask
		if m.index.At(uintptr(bucket)).next == emptyHash {
			return bucket
		}
		bucket++
		if m.index.At(uintptr(bucket)).next == emptyHash {
			return bucket
		}
		offset += step
		step++
	}

	for {
		m.lastPos &= mask
		m.lastPos++
		if m.index.At(uintptr(m.lastPos)).next == emptyHash {
			return m.lastPos
		}
		medium := (m.numElements/2 + m.lastPos) & mask
		if m.index.At(uintptr(medium)).next == emptyHash {
			return medium
		}
	}
}

// findPrevBucket returns the bucket linking to bucket in the chain rooted
// at mainBucket.
func (m *Map[K, V]) findPrevBucket(mainBucket, bucket uint32) uint32 {
	nextBucket := m.index.At(uintptr(mainBucket)).next
	if nextBucket == bucket {
		return mainBucket
	}
	for {
		nb := m.index.At(uintptr(nextBucket)).next
		if nb == bucket {
			return nextBucket
		}
		nextBucket = nb
	}
}

// findLastBucket returns the tail of the chain starting at mainBucket.
func (m *Map[K, V]) findLastBucket(mainBucket uint32) uint32 {
	nextBucket := m.index.At(uintptr(mainBucket)).next
	if nextBucket == mainBucket {
		return mainBucket
	}
	for {
		nb := m.index.At(uintptr(nextBucket)).next
		if nb == nextBucket {
			return nextBucket
		}
		nextBucket = nb
	}
}

// kickoutBucket evicts the foreign occupant of bucket so that a key whose
// main bucket it is can claim it. The occupant moves to a fresh empty
// bucket and its original chain is relinked:
//
//	before: kmain --> prev --> bucket    --> next
//	after : kmain --> prev --> newBucket --> next   (bucket left vacant)
func (m *Map[K, V]) kickoutBucket(kmain, bucket uint32) uint32 {
	nextBucket := m.index.At(uintptr(bucket)).next
	newBucket := m.findEmptyBucket(nextBucket)
	prevBucket := m.findPrevBucket(kmain, bucket)

	lastBucket := nextBucket
	if nextBucket == bucket {
		// The evictee was the chain tail; the moved record becomes it.
		lastBucket = newBucket
	}
	*m.index.At(uintptr(newBucket)) = IndexEntry{next: lastBucket, slot: m.index.At(uintptr(bucket)).slot}
	m.index.At(uintptr(prevBucket)).next = newBucket
	m.index.At(uintptr(bucket)).next = emptyHash
	return bucket
}

// findUniqueBucket resolves the bucket a new entry with the given hash will
// occupy. The caller must have verified the key is absent.
func (m *Map[K, V]) findUniqueBucket(hash uint32) uint32 {
	mask := m.bucketMask()
	bucket := hash & mask
	nextBucket := m.index.At(uintptr(bucket)).next
	if nextBucket == emptyHash {
		return bucket
	}

	// The main bucket is taken. If its occupant belongs to another chain
	// it has no claim here and gets kicked out; otherwise append to the
	// tail of the chain rooted here.
	pos := m.index.At(uintptr(bucket)).slot & mask
	kmain := m.hashKey(m.elements.At(uintptr(pos)).key) & mask
	if kmain != bucket {
		return m.kickoutBucket(kmain, bucket)
	}
	if nextBucket != bucket {
		nextBucket = m.findLastBucket(nextBucket)
	}
	eb := m.findEmptyBucket(nextBucket)
	m.index.At(uintptr(nextBucket)).next = eb
	return eb
}

// insertWithHash appends a new element and records its bucket. The key must
// not be present.
func (m *Map[K, V]) insertWithHash(hash uint32, key K, value V) {
	mask := m.bucketMask()
	bucket := m.findUniqueBucket(hash)
	*m.elements.At(uintptr(m.numElements)) = Element[K, V]{key: key, value: value}
	m.etail = bucket
	*m.index.At(uintptr(bucket)) = IndexEntry{next: bucket, slot: m.numElements | (hash &^ mask)}
	m.numElements++
}

func (m *Map[K, V]) allocate(capacity uint32) {
	m.elements = makeUnsafeSlice(m.allocator.AllocElements(int(capacity)))
	idx := m.allocator.AllocIndex(int(capacity) + ead)
	for i := range idx[:capacity] {
		idx[i] = IndexEntry{next: emptyHash}
	}
	// Guard records must never read as empty.
	idx[capacity] = IndexEntry{}
	idx[capacity+1] = IndexEntry{}
	m.index = makeUnsafeSlice(idx)
}

func (m *Map[K, V]) insert(key K, value V) (*Element[K, V], error) {
	capacity := m.capacity()
	if m.elements.ptr == nil {
		// Allocate on demand to save memory.
		m.allocate(capacity)
	}

	if pos, ok := m.lookupPos(key); ok {
		e := m.elements.At(uintptr(pos))
		e.value = value
		return e, nil
	}

	if uint64(m.numElements+1)*mapMaxOccupancyDen > uint64(capacity)*mapMaxOccupancyNum {
		if m.capacityIndex+1 > maxCapacityIndex {
			return nil, ErrCapacity
		}
		m.resizeAndRehash(m.capacityIndex + 1)
	}

	hash := m.hashKey(key)
	if debug {
		fmt.Printf("put(%v): hash=%08x bucket=%d\n", key, hash, hash&m.bucketMask())
	}
	m.insertWithHash(hash, key, value)
	m.checkInvariants()
	return m.elements.At(uintptr(m.numElements - 1)), nil
}

// resizeAndRehash moves the table to the new capacity. Elements are copied
// verbatim - slot numbers are preserved - and the probe index is rebuilt
// from scratch in slot order.
func (m *Map[K, V]) resizeAndRehash(newCapacityIndex uint32) {
	oldCapacity := m.capacity()
	m.capacityIndex = max(minCapacityIndex, newCapacityIndex)
	capacity := m.capacity()

	oldElements, oldIndex := m.elements, m.index
	m.allocate(capacity)
	copy(m.elements.Slice(0, uintptr(m.numElements)), oldElements.Slice(0, uintptr(m.numElements)))
	m.allocator.FreeElements(oldElements.Slice(0, uintptr(oldCapacity)))
	m.allocator.FreeIndex(oldIndex.Slice(0, uintptr(oldCapacity+ead)))

	if debug {
		fmt.Printf("resize: capacity=%d->%d elements=%d\n", oldCapacity, capacity, m.numElements)
	}

	m.etail = emptyHash
	m.lastPos = 0
	mask := capacity - 1
	for pos := uint32(0); pos < m.numElements; pos++ {
		hash := m.hashKey(m.elements.At(uintptr(pos)).key)
		bucket := m.findUniqueBucket(hash)
		*m.index.At(uintptr(bucket)) = IndexEntry{next: bucket, slot: pos | (hash &^ mask)}
	}
	m.checkInvariants()
}

// posToBucket returns the bucket whose record references the given slot, or
// emptyHash if the index has lost track of it (corruption).
func (m *Map[K, V]) posToBucket(pos uint32) uint32 {
	mask := m.bucketMask()
	hash := m.hashKey(m.elements.At(uintptr(pos)).key)
	bucket := hash & mask
	for {
		e := m.index.At(uintptr(bucket))
		if e.next == emptyHash {
			return emptyHash
		}
		if pos == e.slot&mask {
			return bucket
		}
		if e.next == bucket {
			return emptyHash
		}
		bucket = e.next
	}
}

// eraseBucket unlinks bucket from the chain rooted at mainBucket and
// returns the physical bucket that became free. If bucket is the root
// itself and has a successor, the successor's record is spliced up into the
// root so the chain stays rooted at its main bucket.
func (m *Map[K, V]) eraseBucket(bucket, mainBucket uint32) uint32 {
	nextBucket := m.index.At(uintptr(bucket)).next
	if bucket == mainBucket {
		if mainBucket != nextBucket {
			nb := m.index.At(uintptr(nextBucket)).next
			n := nb
			if nb == nextBucket {
				n = mainBucket
			}
			*m.index.At(uintptr(mainBucket)) = IndexEntry{next: n, slot: m.index.At(uintptr(nextBucket)).slot}
		}
		return nextBucket
	}

	prevBucket := m.findPrevBucket(mainBucket, bucket)
	n := nextBucket
	if bucket == nextBucket {
		n = prevBucket
	}
	m.index.At(uintptr(prevBucket)).next = n
	return bucket
}

// eraseSlot removes the element referenced by sbucket and compacts the
// dense store by moving the last element into the vacated slot.
func (m *Map[K, V]) eraseSlot(sbucket, mainBucket uint32) {
	mask := m.bucketMask()
	pos := m.index.At(uintptr(sbucket)).slot & mask
	ebucket := m.eraseBucket(sbucket, mainBucket)
	m.numElements--
	last := m.numElements
	if pos != last {
		lastBucket := m.etail
		if m.etail == emptyHash || ebucket == m.etail {
			lastBucket = m.posToBucket(last)
		}
		if lastBucket == emptyHash {
			panic("ordhash: map index corrupted: no bucket references the tail element\n" + m.debugString())
		}
		*m.elements.At(uintptr(pos)) = *m.elements.At(uintptr(last))
		e := m.index.At(uintptr(lastBucket))
		e.slot = pos | (e.slot &^ mask)
	}
	// Zero the vacated tail slot so the GC can reclaim key and value.
	*m.elements.At(uintptr(last)) = Element[K, V]{}
	m.etail = emptyHash
	*m.index.At(uintptr(ebucket)) = IndexEntry{next: emptyHash}
}

// DebugBucketHash returns the raw hash of the key referenced by the given
// bucket, or 0 if the bucket is vacant or out of range. Diagnostic tooling
// only; not part of the functional contract.
func (m *Map[K, V]) DebugBucketHash(bucket int) uint32 {
	if m.elements.ptr == nil || bucket < 0 || bucket >= int(m.capacity()) {
		return 0
	}
	e := m.index.At(uintptr(bucket))
	if e.next == emptyHash {
		return 0
	}
	return m.hashKey(m.elements.At(uintptr(e.slot & m.bucketMask())).key)
}

// DebugElement returns the element at the given slot position. Diagnostic
// tooling only; not part of the functional contract.
func (m *Map[K, V]) DebugElement(pos int) (key K, value V, ok bool) {
	if m.elements.ptr == nil || pos < 0 || pos >= int(m.numElements) {
		return key, value, false
	}
	e := m.elements.At(uintptr(pos))
	return e.key, e.value, true
}

// DebugString returns a dump of the probe index and element store.
func (m *Map[K, V]) DebugString() string {
	return m.debugString()
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  elements=%d  lastPos=%d  etail=%d\n",
		m.capacity(), m.numElements, m.lastPos, m.etail)
	if m.elements.ptr == nil {
		buf.WriteString("  (unallocated)\n")
		return buf.String()
	}
	mask := m.bucketMask()
	for b := uint32(0); b < m.capacity()+ead; b++ {
		e := m.index.At(uintptr(b))
		switch {
		case b >= m.capacity():
			fmt.Fprintf(&buf, "  %4d: guard [next=%d]\n", b, e.next)
		case e.next == emptyHash:
			fmt.Fprintf(&buf, "  %4d: empty\n", b)
		default:
			pos := e.slot & mask
			fmt.Fprintf(&buf, "  %4d: next=%d pos=%d tag=%08x key=%v\n",
				b, e.next, pos, e.slot&^mask, m.elements.At(uintptr(pos)).key)
		}
	}
	for pos := uint32(0); pos < m.numElements; pos++ {
		e := m.elements.At(uintptr(pos))
		fmt.Fprintf(&buf, "  slot %4d: %v [hash=%08x]\n", pos, e.key, m.hashKey(e.key))
	}
	return buf.String()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.elements.ptr == nil {
			if m.numElements != 0 {
				panic("invariant failed: unallocated map with elements")
			}
			return
		}
		capacity := m.capacity()
		mask := m.bucketMask()
		seen := make([]bool, m.numElements)
		var used uint32
		for b := uint32(0); b < capacity; b++ {
			e := *m.index.At(uintptr(b))
			if e.next == emptyHash {
				continue
			}
			used++
			pos := e.slot & mask
			if pos >= m.numElements {
				panic(fmt.Sprintf("invariant failed: bucket %d references slot %d >= %d\n%s",
					b, pos, m.numElements, m.debugString()))
			}
			if seen[pos] {
				panic(fmt.Sprintf("invariant failed: slot %d referenced twice\n%s", pos, m.debugString()))
			}
			seen[pos] = true
			hash := m.hashKey(m.elements.At(uintptr(pos)).key)
			if e.slot&^mask != hash&^mask {
				panic(fmt.Sprintf("invariant failed: bucket %d fingerprint mismatch\n%s", b, m.debugString()))
			}
		}
		if used != m.numElements {
			panic(fmt.Sprintf("invariant failed: %d occupied buckets, %d elements\n%s",
				used, m.numElements, m.debugString()))
		}
		for pos := uint32(0); pos < m.numElements; pos++ {
			p, ok := m.lookupPos(m.elements.At(uintptr(pos)).key)
			if !ok || p != pos {
				panic(fmt.Sprintf("invariant failed: slot %d not reachable via lookup\n%s", pos, m.debugString()))
			}
		}
		for i := uint32(0); i < ead; i++ {
			if m.index.At(uintptr(capacity+i)).next == emptyHash {
				panic(fmt.Sprintf("invariant failed: guard record %d reads empty\n%s", capacity+i, m.debugString()))
			}
		}
	}
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
//go:nosplit
//go:nocheckptr
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

// unsafeSlice provides semi-ergonomic limited slice-like functionality
// without bounds checking for fixed sized slices.
type unsafeSlice[T any] struct {
	ptr unsafe.Pointer
}

func makeUnsafeSlice[T any](s []T) unsafeSlice[T] {
	return unsafeSlice[T]{ptr: unsafe.Pointer(unsafe.SliceData(s))}
}

// At returns a pointer to the element at index i.
func (s unsafeSlice[T]) At(i uintptr) *T {
	var t T
	return (*T)(unsafe.Add(s.ptr, unsafe.Sizeof(t)*i))
}

// Slice returns a Go slice akin to slice[start:end] for a Go builtin slice.
func (s unsafeSlice[T]) Slice(start, end uintptr) []T {
	return unsafe.Slice((*T)(s.ptr), end)[start:end]
}
