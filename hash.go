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

// hashFn has the signature of the runtime's typed hash functions.
type hashFn func(unsafe.Pointer, uintptr) uintptr

// getRuntimeHasher peeks inside an empty map[K]struct{} to extract the
// runtime's hash function for K. The layouts below mirror the runtime's
// internal type descriptors and must be kept in sync with them.
func getRuntimeHasher[K comparable]() hashFn {
	a := any(make(map[K]struct{}))
	i := (*mapiface)(unsafe.Pointer(&a))
	return i.typ.hasher
}

type mapiface struct {
	typ *maptype
	val uintptr
}

// go/src/internal/abi/type.go: MapType
type maptype struct {
	typ    _type
	key    *_type
	elem   *_type
	bucket *_type
	// function for hashing keys (ptr to key, seed) -> hash
	hasher     hashFn
	keysize    uint8
	elemsize   uint8
	bucketsize uint16
	flags      uint32
}

// go/src/internal/abi/type.go: Type
type _type struct {
	size       uintptr
	ptrdata    uintptr
	hash       uint32
	tflag      uint8
	align      uint8
	fieldAlign uint8
	kind       uint8
	equal      func(unsafe.Pointer, unsafe.Pointer) bool
	gcdata     *byte
	str        int32
	ptrToThis  int32
}
