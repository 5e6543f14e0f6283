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
	"unsafe"

	"golang.org/x/sys/cpu"
)

// cacheLineSize is the CPU cache line size for the target architecture.
const cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})

// quadProbeSteps bounds the widening-stride probe tier to the records that
// fit a single cache line. Past that point indirect jumps stop being free
// and the search switches to the rotating cursor.
const quadProbeSteps = uint32(cacheLineSize / unsafe.Sizeof(IndexEntry{}))
