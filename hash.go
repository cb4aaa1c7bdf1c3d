// Copyright 2024 The grouphash Authors
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

package elastic

import "github.com/dolthub/maphash"

// HashFn hashes a key to a uint64. The map XORs its per-instance salt into
// the returned value before deriving the fingerprint and the probe sequence,
// so two maps built with the same HashFn still probe differently.
type HashFn[K comparable] func(key K) uint64

// defaultHashFn returns a hasher backed by the runtime's AES-based hashing
// for the key type.
func defaultHashFn[K comparable]() HashFn[K] {
	h := maphash.NewHasher[K]()
	return func(key K) uint64 {
		return h.Hash(key)
	}
}
