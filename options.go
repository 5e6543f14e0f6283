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

import "unsafe"

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = *(*hashFn)(noescape(unsafe.Pointer(&op.hash)))
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Map. The default allocator utilizes Go's builtin make() and allows the
// GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that the element
// and index arrays be freed then Map.Close must be called in order to ensure
// FreeElements and FreeIndex are called.
type Allocator[K comparable, V any] interface {
	// AllocElements should return a slice equivalent to make([]Element[K,V], n).
	AllocElements(n int) []Element[K, V]

	// AllocIndex should return a slice equivalent to make([]IndexEntry, n).
	AllocIndex(n int) []IndexEntry

	// FreeElements can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocElements.
	FreeElements(v []Element[K, V])

	// FreeIndex can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by AllocIndex.
	FreeIndex(v []IndexEntry)
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocElements(n int) []Element[K, V] {
	return make([]Element[K, V], n)
}

func (defaultAllocator[K, V]) AllocIndex(n int) []IndexEntry {
	return make([]IndexEntry, n)
}

func (defaultAllocator[K, V]) FreeElements(v []Element[K, V]) {
}

func (defaultAllocator[K, V]) FreeIndex(v []IndexEntry) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

// setOption is the Set-side analogue of option.
type setOption[K comparable] interface {
	apply(s *Set[K])
}

type setHashOption[K comparable] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op setHashOption[K]) apply(s *Set[K]) {
	s.hash = *(*hashFn)(noescape(unsafe.Pointer(&op.hash)))
}

// WithSetHash is an option to specify the hash function to use for a Set[K].
func WithSetHash[K comparable](hash func(key *K, seed uintptr) uintptr) setOption[K] {
	return setHashOption[K]{hash}
}

// SetAllocator specifies an interface for allocating and releasing memory
// used by a Set. The default allocator utilizes Go's builtin make() and
// allows the GC to reclaim memory.
type SetAllocator[K comparable] interface {
	// AllocKeys should return a slice equivalent to make([]K, n).
	AllocKeys(n int) []K

	// AllocIndex should return a slice equivalent to make([]IndexEntry, n).
	AllocIndex(n int) []IndexEntry

	// FreeKeys can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by AllocKeys.
	FreeKeys(v []K)

	// FreeIndex can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by AllocIndex.
	FreeIndex(v []IndexEntry)
}

type defaultSetAllocator[K comparable] struct{}

func (defaultSetAllocator[K]) AllocKeys(n int) []K {
	return make([]K, n)
}

func (defaultSetAllocator[K]) AllocIndex(n int) []IndexEntry {
	return make([]IndexEntry, n)
}

func (defaultSetAllocator[K]) FreeKeys(v []K) {
}

func (defaultSetAllocator[K]) FreeIndex(v []IndexEntry) {
}

type setAllocatorOption[K comparable] struct {
	allocator SetAllocator[K]
}

func (op setAllocatorOption[K]) apply(s *Set[K]) {
	s.allocator = op.allocator
}

// WithSetAllocator is an option for specify the SetAllocator to use for a
// Set[K].
func WithSetAllocator[K comparable](allocator SetAllocator[K]) setOption[K] {
	return setAllocatorOption[K]{allocator}
}
