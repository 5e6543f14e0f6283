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

import "errors"

var (
	// ErrCapacity is returned when an insert or reservation would require
	// growing the table past its maximum capacity. The container is left
	// unchanged and remains usable.
	ErrCapacity = errors.New("ordhash: table at maximum capacity")

	// ErrKeyExists is returned by ReplaceKey when the replacement key is
	// already present.
	ErrKeyExists = errors.New("ordhash: key already present")

	// ErrKeyNotFound is returned by ReplaceKey when the key to be replaced
	// is absent.
	ErrKeyNotFound = errors.New("ordhash: key not found")
)
