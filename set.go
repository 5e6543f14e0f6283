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

package ordhash

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"unsafe"
)

// The set grows before occupancy exceeds 3/4 of capacity; it runs at a
// slightly lower ceiling than the map because a key-only store makes the
// index the dominant cost of a probe.
const (
	setMaxOccupancyNum = 3
	setMaxOccupancyDen = 4
)

// Set is an insertion-ordered set of keys. It is the Map engine without the
// value array: the same dense store, probe index, kick-out displacement and
// swap-to-compact erase, keyed only.
//
// The zero value for a Set is not usable; construct with NewSet.
//
// A Set is NOT goroutine-safe.
type Set[K comparable] struct {
	hash      hashFn
	seed      uintptr
	allocator SetAllocator[K]
	// keys is the dense store, 1<<capacityIndex in length once allocated.
	keys unsafeSlice[K]
	// index is the probe table, 1<<capacityIndex+ead records.
	index unsafeSlice[IndexEntry]

	capacityIndex uint32
	numElements   uint32
	lastPos       uint32
	etail         uint32
}

// NewSet constructs a Set with the specified initial capacity hint. The
// hint is rounded up to the next power of two, and hints beyond the maximum
// capacity are ignored.
func NewSet[K comparable](initialCapacity int, options ...setOption[K]) *Set[K] {
	s := &Set[K]{
		hash:          getRuntimeHasher[K](),
		seed:          uintptr(rand.Uint64()),
		allocator:     defaultSetAllocator[K]{},
		capacityIndex: minCapacityIndex,
		etail:         emptyHash,
	}
	for _, op := range options {
		op.apply(s)
	}
	if initialCapacity > 0 {
		_ = s.Reserve(initialCapacity)
	}
	s.checkInvariants()
	return s
}

// Close releases the key and index arrays back to the configured allocator.
// It is invalid to use a Set after it has been closed, though Close itself
// is idempotent.
func (s *Set[K]) Close() {
	if s.keys.ptr != nil {
		capacity := uintptr(s.capacity())
		s.allocator.FreeKeys(s.keys.Slice(0, capacity))
		s.allocator.FreeIndex(s.index.Slice(0, capacity+ead))
		s.keys = unsafeSlice[K]{}
		s.index = unsafeSlice[IndexEntry]{}
	}
	s.numElements = 0
	s.allocator = nil
}

// Len returns the number of keys in the set.
func (s *Set[K]) Len() int {
	return int(s.numElements)
}

// Cap returns the current table capacity. It is always a power of two.
func (s *Set[K]) Cap() int {
	return int(s.capacity())
}

// IsEmpty reports whether the set holds no keys.
func (s *Set[K]) IsEmpty() bool {
	return s.numElements == 0
}

// Has reports whether key is present.
func (s *Set[K]) Has(key K) bool {
	_, ok := s.lookupPos(key)
	return ok
}

// Insert adds key to the set. Inserting a present key is a no-op. The only
// failure is ErrCapacity, when a needed grow is impossible because the
// table is already at maximum capacity; the set is left unchanged in that
// case.
func (s *Set[K]) Insert(key K) error {
	_, err := s.insert(key)
	return err
}

// Delete removes key from the set, returning false if the key was not
// present. An absent key is a normal, non-fatal result.
func (s *Set[K]) Delete(key K) bool {
	if s.keys.ptr == nil || s.numElements == 0 {
		return false
	}
	hash := s.hashKey(key)
	bucket := s.lookupBucket(key, hash)
	if bucket == emptyHash {
		return false
	}
	s.eraseSlot(bucket, hash&s.bucketMask())
	s.checkInvariants()
	return true
}

// ReplaceKey rewrites a key in place without changing its position in
// iteration order. newKey must be absent, unless it equals oldKey in which
// case ReplaceKey is a no-op. The set is unchanged on error.
func (s *Set[K]) ReplaceKey(oldKey, newKey K) error {
	if oldKey == newKey {
		return nil
	}
	if _, ok := s.lookupPos(newKey); ok {
		return ErrKeyExists
	}
	pos, ok := s.lookupPos(oldKey)
	if !ok {
		return ErrKeyNotFound
	}

	mask := s.bucketMask()
	oldHash := s.hashKey(oldKey)
	oldBucket := s.posToBucket(pos)
	if oldBucket == emptyHash {
		panic("ordhash: set index corrupted: no bucket references slot\n" + s.debugString())
	}
	freed := s.eraseBucket(oldBucket, oldHash&mask)
	*s.index.At(uintptr(freed)) = IndexEntry{next: emptyHash}

	hash := s.hashKey(newKey)
	newBucket := s.findUniqueBucket(hash)
	*s.keys.At(uintptr(pos)) = newKey
	*s.index.At(uintptr(newBucket)) = IndexEntry{next: newBucket, slot: pos | (hash &^ mask)}
	s.etail = emptyHash
	s.checkInvariants()
	return nil
}

// Reserve grows the table so that at least newCapacity buckets are
// allocated, rounded up to the next power of two. Reserving at or below
// the current capacity is a no-op. Reserving beyond the maximum capacity
// returns ErrCapacity and leaves the set unchanged.
func (s *Set[K]) Reserve(newCapacity int) error {
	newIndex := s.capacityIndex
	for int64(1)<<newIndex < int64(newCapacity) {
		if newIndex+1 > maxCapacityIndex {
			return ErrCapacity
		}
		newIndex++
	}
	if newIndex == s.capacityIndex {
		return nil
	}
	if s.keys.ptr == nil {
		s.capacityIndex = newIndex
		return nil
	}
	s.lastPos = 0
	s.resizeAndRehash(newIndex)
	return nil
}

// Clear removes all keys. The allocated capacity is retained.
func (s *Set[K]) Clear() {
	if s.keys.ptr == nil || s.numElements == 0 {
		return
	}
	capacity := uintptr(s.capacity())
	idx := s.index.Slice(0, capacity)
	for i := range idx {
		idx[i] = IndexEntry{next: emptyHash}
	}
	clear(s.keys.Slice(0, capacity))
	s.numElements = 0
	s.lastPos = 0
	s.etail = emptyHash
}

// Reset drops the backing storage entirely and returns the set to its
// minimum capacity. Unlike Clear it releases memory.
func (s *Set[K]) Reset() {
	s.Clear()
	if s.keys.ptr != nil {
		capacity := uintptr(s.capacity())
		s.allocator.FreeKeys(s.keys.Slice(0, capacity))
		s.allocator.FreeIndex(s.index.Slice(0, capacity+ead))
		s.keys = unsafeSlice[K]{}
		s.index = unsafeSlice[IndexEntry]{}
	}
	s.capacityIndex = minCapacityIndex
}

// Clone returns a copy of the set. Because the clone shares the hash
// function and seed, the validated index state is copied wholesale rather
// than re-derived key by key.
func (s *Set[K]) Clone() *Set[K] {
	c := &Set[K]{
		hash:          s.hash,
		seed:          s.seed,
		allocator:     s.allocator,
		capacityIndex: s.capacityIndex,
		numElements:   s.numElements,
		lastPos:       s.lastPos,
		etail:         s.etail,
	}
	if s.keys.ptr == nil {
		return c
	}
	capacity := uintptr(s.capacity())
	c.keys = makeUnsafeSlice(c.allocator.AllocKeys(int(capacity)))
	c.index = makeUnsafeSlice(c.allocator.AllocIndex(int(capacity) + ead))
	copy(c.keys.Slice(0, capacity), s.keys.Slice(0, capacity))
	copy(c.index.Slice(0, capacity+ead), s.index.Slice(0, capacity+ead))
	c.checkInvariants()
	return c
}

// All calls yield sequentially for each key, in slot order: the order of
// insertion, with slots vacated by Delete back-filled from the tail. If
// yield returns false, iteration stops. Usable directly with
// range-over-func. The set must not be mutated during iteration.
func (s *Set[K]) All(yield func(key K) bool) {
	keys := s.keys
	for i, n := uintptr(0), uintptr(s.numElements); i < n; i++ {
		if !yield(*keys.At(i)) {
			return
		}
	}
}

func (s *Set[K]) hashKey(key K) uint32 {
	h := uint32(s.hash(noescape(unsafe.Pointer(&key)), s.seed))
	if h == emptyHash {
		// The value is reserved for vacant records; nudge it off.
		h++
	}
	return h
}

func (s *Set[K]) capacity() uint32 {
	return 1 << s.capacityIndex
}

func (s *Set[K]) bucketMask() uint32 {
	return s.capacity() - 1
}

func (s *Set[K]) lookupPos(key K) (uint32, bool) {
	if s.keys.ptr == nil || s.numElements == 0 {
		return 0, false
	}
	hash := s.hashKey(key)
	mask := s.bucketMask()
	bucket := hash & mask
	nextBucket := s.index.At(uintptr(bucket)).next
	if nextBucket == emptyHash {
		return 0, false
	}
	for {
		e := s.index.At(uintptr(bucket))
		pos := e.slot & mask
		if e.slot&^mask == hash&^mask && *s.keys.At(uintptr(pos)) == key {
			return pos, true
		}
		if nextBucket == bucket {
			return 0, false
		}
		bucket = nextBucket
		nextBucket = s.index.At(uintptr(bucket)).next
	}
}

func (s *Set[K]) lookupBucket(key K, hash uint32) uint32 {
	mask := s.bucketMask()
	bucket := hash & mask
	nextBucket := s.index.At(uintptr(bucket)).next
	if nextBucket == emptyHash {
		return emptyHash
	}
	for {
		e := s.index.At(uintptr(bucket))
		pos := e.slot & mask
		if e.slot&^mask == hash&^mask && *s.keys.At(uintptr(pos)) == key {
			return bucket
		}
		if nextBucket == bucket {
			return emptyHash
		}
		bucket = nextBucket
		nextBucket = s.index.At(uintptr(bucket)).next
	}
}

// findEmptyBucket is the set side of the tiered empty search; see the Map
// version for the rationale behind the tiers.
func (s *Set[K]) findEmptyBucket(bucketFrom uint32) uint32 {
	mask := s.bucketMask()

	bucket := bucketFrom + 1
	if s.index.At(uintptr(bucket)).next == emptyHash {
		return bucket
	}
	bucket++
	if s.index.At(uintptr(bucket)).next == emptyHash {
		return bucket
	}

	for offset, step := uint32(4), uint32(3); step < quadProbeSteps; {
		bucket = (bucketFrom + offset) & mask
		if s.index.At(uintptr(bucket)).next == emptyHash {
			return bucket
		}
		bucket++
		if s.index.At(uintptr(bucket)).next == emptyHash {
			return bucket
		}
		offset += step
		step++
	}

	for {
		s.lastPos &= mask
		s.lastPos++
		if s.index.At(uintptr(s.lastPos)).next == emptyHash {
			return s.lastPos
		}
		medium := (s.numElements/2 + s.lastPos) & mask
		if s.index.At(uintptr(medium)).next == emptyHash {
			return medium
		}
	}
}

func (s *Set[K]) findPrevBucket(mainBucket, bucket uint32) uint32 {
	nextBucket := s.index.At(uintptr(mainBucket)).next
	if nextBucket == bucket {
		return mainBucket
	}
	for {
		nb := s.index.At(uintptr(nextBucket)).next
		if nb == bucket {
			return nextBucket
		}
		nextBucket = nb
	}
}

func (s *Set[K]) findLastBucket(mainBucket uint32) uint32 {
	nextBucket := s.index.At(uintptr(mainBucket)).next
	if nextBucket == mainBucket {
		return mainBucket
	}
	for {
		nb := s.index.At(uintptr(nextBucket)).next
		if nb == nextBucket {
			return nextBucket
		}
		nextBucket = nb
	}
}

// kickoutBucket relocates a foreign occupant; see Map.kickoutBucket.
func (s *Set[K]) kickoutBucket(kmain, bucket uint32) uint32 {
	nextBucket := s.index.At(uintptr(bucket)).next
	newBucket := s.findEmptyBucket(nextBucket)
	prevBucket := s.findPrevBucket(kmain, bucket)

	lastBucket := nextBucket
	if nextBucket == bucket {
		lastBucket = newBucket
	}
	*s.index.At(uintptr(newBucket)) = IndexEntry{next: lastBucket, slot: s.index.At(uintptr(bucket)).slot}
	s.index.At(uintptr(prevBucket)).next = newBucket
	s.index.At(uintptr(bucket)).next = emptyHash
	return bucket
}

func (s *Set[K]) findUniqueBucket(hash uint32) uint32 {
	mask := s.bucketMask()
	bucket := hash & mask
	nextBucket := s.index.At(uintptr(bucket)).next
	if nextBucket == emptyHash {
		return bucket
	}

	pos := s.index.At(uintptr(bucket)).slot & mask
	kmain := s.hashKey(*s.keys.At(uintptr(pos))) & mask
	if kmain != bucket {
		return s.kickoutBucket(kmain, bucket)
	}
	if nextBucket != bucket {
		nextBucket = s.findLastBucket(nextBucket)
	}
	eb := s.findEmptyBucket(nextBucket)
	s.index.At(uintptr(nextBucket)).next = eb
	return eb
}

func (s *Set[K]) insertWithHash(hash uint32, key K) uint32 {
	mask := s.bucketMask()
	bucket := s.findUniqueBucket(hash)
	*s.keys.At(uintptr(s.numElements)) = key
	s.etail = bucket
	*s.index.At(uintptr(bucket)) = IndexEntry{next: bucket, slot: s.numElements | (hash &^ mask)}
	pos := s.numElements
	s.numElements++
	return pos
}

func (s *Set[K]) allocate(capacity uint32) {
	s.keys = makeUnsafeSlice(s.allocator.AllocKeys(int(capacity)))
	idx := s.allocator.AllocIndex(int(capacity) + ead)
	for i := range idx[:capacity] {
		idx[i] = IndexEntry{next: emptyHash}
	}
	idx[capacity] = IndexEntry{}
	idx[capacity+1] = IndexEntry{}
	s.index = makeUnsafeSlice(idx)
}

func (s *Set[K]) insert(key K) (uint32, error) {
	capacity := s.capacity()
	if s.keys.ptr == nil {
		s.allocate(capacity)
	}

	if pos, ok := s.lookupPos(key); ok {
		return pos, nil
	}

	if uint64(s.numElements+1)*setMaxOccupancyDen > uint64(capacity)*setMaxOccupancyNum {
		if s.capacityIndex+1 > maxCapacityIndex {
			return 0, ErrCapacity
		}
		s.resizeAndRehash(s.capacityIndex + 1)
	}

	hash := s.hashKey(key)
	pos := s.insertWithHash(hash, key)
	s.checkInvariants()
	return pos, nil
}

func (s *Set[K]) resizeAndRehash(newCapacityIndex uint32) {
	oldCapacity := s.capacity()
	s.capacityIndex = max(minCapacityIndex, newCapacityIndex)
	capacity := s.capacity()

	oldKeys, oldIndex := s.keys, s.index
	s.allocate(capacity)
	copy(s.keys.Slice(0, uintptr(s.numElements)), oldKeys.Slice(0, uintptr(s.numElements)))
	s.allocator.FreeKeys(oldKeys.Slice(0, uintptr(oldCapacity)))
	s.allocator.FreeIndex(oldIndex.Slice(0, uintptr(oldCapacity+ead)))

	s.etail = emptyHash
	s.lastPos = 0
	mask := capacity - 1
	for pos := uint32(0); pos < s.numElements; pos++ {
		hash := s.hashKey(*s.keys.At(uintptr(pos)))
		bucket := s.findUniqueBucket(hash)
		*s.index.At(uintptr(bucket)) = IndexEntry{next: bucket, slot: pos | (hash &^ mask)}
	}
	s.checkInvariants()
}

func (s *Set[K]) posToBucket(pos uint32) uint32 {
	mask := s.bucketMask()
	hash := s.hashKey(*s.keys.At(uintptr(pos)))
	bucket := hash & mask
	for {
		e := s.index.At(uintptr(bucket))
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

func (s *Set[K]) eraseBucket(bucket, mainBucket uint32) uint32 {
	nextBucket := s.index.At(uintptr(bucket)).next
	if bucket == mainBucket {
		if mainBucket != nextBucket {
			nb := s.index.At(uintptr(nextBucket)).next
			n := nb
			if nb == nextBucket {
				n = mainBucket
			}
			*s.index.At(uintptr(mainBucket)) = IndexEntry{next: n, slot: s.index.At(uintptr(nextBucket)).slot}
		}
		return nextBucket
	}

	prevBucket := s.findPrevBucket(mainBucket, bucket)
	n := nextBucket
	if bucket == nextBucket {
		n = prevBucket
	}
	s.index.At(uintptr(prevBucket)).next = n
	return bucket
}

func (s *Set[K]) eraseSlot(sbucket, mainBucket uint32) {
	mask := s.bucketMask()
	pos := s.index.At(uintptr(sbucket)).slot & mask
	ebucket := s.eraseBucket(sbucket, mainBucket)
	s.numElements--
	last := s.numElements
	if pos != last {
		lastBucket := s.etail
		if s.etail == emptyHash || ebucket == s.etail {
			lastBucket = s.posToBucket(last)
		}
		if lastBucket == emptyHash {
			panic("ordhash: set index corrupted: no bucket references the tail key\n" + s.debugString())
		}
		*s.keys.At(uintptr(pos)) = *s.keys.At(uintptr(last))
		e := s.index.At(uintptr(lastBucket))
		e.slot = pos | (e.slot &^ mask)
	}
	var zero K
	*s.keys.At(uintptr(last)) = zero
	s.etail = emptyHash
	*s.index.At(uintptr(ebucket)) = IndexEntry{next: emptyHash}
}

// DebugBucketHash returns the raw hash of the key referenced by the given
// bucket, or 0 if the bucket is vacant or out of range.
func (s *Set[K]) DebugBucketHash(bucket int) uint32 {
	if s.keys.ptr == nil || bucket < 0 || bucket >= int(s.capacity()) {
		return 0
	}
	e := s.index.At(uintptr(bucket))
	if e.next == emptyHash {
		return 0
	}
	return s.hashKey(*s.keys.At(uintptr(e.slot & s.bucketMask())))
}

// DebugElement returns the key at the given slot position.
func (s *Set[K]) DebugElement(pos int) (key K, ok bool) {
	if s.keys.ptr == nil || pos < 0 || pos >= int(s.numElements) {
		return key, false
	}
	return *s.keys.At(uintptr(pos)), true
}

// DebugString returns a dump of the probe index and key store.
func (s *Set[K]) DebugString() string {
	return s.debugString()
}

func (s *Set[K]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  elements=%d  lastPos=%d  etail=%d\n",
		s.capacity(), s.numElements, s.lastPos, s.etail)
	if s.keys.ptr == nil {
		buf.WriteString("  (unallocated)\n")
		return buf.String()
	}
	mask := s.bucketMask()
	for b := uint32(0); b < s.capacity()+ead; b++ {
		e := s.index.At(uintptr(b))
		switch {
		case b >= s.capacity():
			fmt.Fprintf(&buf, "  %4d: guard [next=%d]\n", b, e.next)
		case e.next == emptyHash:
			fmt.Fprintf(&buf, "  %4d: empty\n", b)
		default:
			pos := e.slot & mask
			fmt.Fprintf(&buf, "  %4d: next=%d pos=%d tag=%08x key=%v\n",
				b, e.next, pos, e.slot&^mask, *s.keys.At(uintptr(pos)))
		}
	}
	return buf.String()
}

func (s *Set[K]) checkInvariants() {
	if invariants {
		if s.keys.ptr == nil {
			if s.numElements != 0 {
				panic("invariant failed: unallocated set with keys")
			}
			return
		}
		capacity := s.capacity()
		mask := s.bucketMask()
		seen := make([]bool, s.numElements)
		var used uint32
		for b := uint32(0); b < capacity; b++ {
			e := *s.index.At(uintptr(b))
			if e.next == emptyHash {
				continue
			}
			used++
			pos := e.slot & mask
			if pos >= s.numElements {
				panic(fmt.Sprintf("invariant failed: bucket %d references slot %d >= %d\n%s",
					b, pos, s.numElements, s.debugString()))
			}
			if seen[pos] {
				panic(fmt.Sprintf("invariant failed: slot %d referenced twice\n%s", pos, s.debugString()))
			}
			seen[pos] = true
			hash := s.hashKey(*s.keys.At(uintptr(pos)))
			if e.slot&^mask != hash&^mask {
				panic(fmt.Sprintf("invariant failed: bucket %d fingerprint mismatch\n%s", b, s.debugString()))
			}
		}
		if used != s.numElements {
			panic(fmt.Sprintf("invariant failed: %d occupied buckets, %d keys\n%s",
				used, s.numElements, s.debugString()))
		}
		for pos := uint32(0); pos < s.numElements; pos++ {
			p, ok := s.lookupPos(*s.keys.At(uintptr(pos)))
			if !ok || p != pos {
				panic(fmt.Sprintf("invariant failed: slot %d not reachable via lookup\n%s", pos, s.debugString()))
			}
		}
		for i := uint32(0); i < ead; i++ {
			if s.index.At(uintptr(capacity+i)).next == emptyHash {
				panic(fmt.Sprintf("invariant failed: guard record %d reads empty\n%s", capacity+i, s.debugString()))
			}
		}
	}
}
