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

// Package elastic implements a fixed-capacity hash table that combines the
// metadata layout of Swiss tables (see
// https://abseil.io/about/design/swisstables) with the bounded, non-greedy
// placement of elastic hashing (https://arxiv.org/abs/2501.02305).
//
// # Layout
//
// A Map holds exactly capacity slots and capacity control bytes; it never
// grows, rehashes, or deletes. Each control byte mirrors one slot: 0x00
// marks the slot empty, and an occupied slot stores 0x80 | (hash >> 57),
// i.e. the high bit plus a 7-bit fingerprint drawn from the top of the
// (salted) hash. Probing scans the control bytes in groups of 16. A group
// that lies entirely before the end of the table is read as two unaligned
// 64-bit words and filtered down to 16-bit masks of empty and
// fingerprint-matching slots with a few ALU ops (SWAR, SIMD Within A
// Register); a group whose base is within 16 slots of the end wraps around
// and is scanned a byte at a time. Groups are conceptual rather than
// physical: bases are not aligned to 16, and the group sequence for a key
// starts at hash mod capacity and advances 16 slots per step (or by a
// growing triangular stride under WithQuadraticProbing).
//
// # Placement
//
// Construction reserves a delta fraction of the table: once
// capacity - floor(delta*capacity) inserts have landed, Put refuses further
// keys. Paying that space is what lets probes stay short. Within the budget,
// placement is adaptive:
//
//   - Group 0 is greedy. A fingerprint match that confirms against the key
//     overwrites in place; otherwise the first empty slot of the group is
//     taken immediately.
//   - Past group 0, the rest of a window 4 groups wide (8 once the load
//     factor exceeds 0.8) is scanned without committing, collecting empty
//     slots as candidates. The candidate closest to the start of the probe
//     sequence wins. Preferring early slots keeps the per-key probe depth, and with
//     it the table-wide lookup bound, from creeping upward.
//   - If the window produced nothing, the remaining groups of the probe
//     budget are scanned greedily, slot by slot. Exhausting them makes Put
//     return false even though the table is below its insert cap.
//
// The map records the deepest group any key ever landed in, and lookups scan
// at most that many groups past group 0: an absent key costs a handful of
// group scans, not a walk of the table. An empty slot in any scanned group
// proves the key absent and terminates the probe early, exactly because
// placements never skip an empty slot in a group they inspected.
//
// # Hashing
//
// Keys are hashed with the runtime's AES-based hasher via dolthub/maphash
// unless WithHash overrides it. Every map draws a random 64-bit salt at
// construction and XORs it into each hash before use, so fingerprints and
// probe sequences differ between otherwise identical maps.
package elastic

import (
	"errors"
	"fmt"
	"strings"

	"pgregory.net/rand"
)

const debug = false

const (
	// maxCandidates caps the number of empty slots the non-greedy window
	// collects before choosing.
	maxCandidates = 128
	// nonGreedyGroups is the width of the non-greedy window, in groups
	// past group 0.
	nonGreedyGroups = 4
	// nonGreedyGroupsDense is the window width once the load factor
	// exceeds nonGreedyDenseLoad.
	nonGreedyGroupsDense = 8
	nonGreedyDenseLoad   = 0.8
)

var (
	// ErrCapacity is returned by New when capacity is not positive.
	ErrCapacity = errors.New("elastic: capacity must be positive")
	// ErrDelta is returned by New when delta lies outside (0,1).
	ErrDelta = errors.New("elastic: delta must be in (0,1)")
)

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
}

// Key returns the key stored in the slot.
func (s *Slot[K, V]) Key() K {
	return s.key
}

// Value returns the value stored in the slot.
func (s *Slot[K, V]) Value() V {
	return s.value
}

// Map is a fixed-capacity, open-addressed hash table from K to V. It is not
// safe for concurrent use. The zero value is not usable; construct with New.
type Map[K comparable, V any] struct {
	hash      HashFn[K]
	salt      uint64
	allocator Allocator[K, V]
	// ctrls holds capacity control bytes, one per slot.
	ctrls []ctrl
	// slots holds capacity entries, parallel to ctrls.
	slots []Slot[K, V]
	// capacity is the fixed slot count.
	capacity int
	// used is the number of occupied slots.
	used int
	// maxInserts is the insert cap, capacity - floor(delta*capacity).
	maxInserts int
	// maxProbeLimit is the slot-granularity probe budget.
	maxProbeLimit int
	// totalGroups is the group-granularity probe budget.
	totalGroups int
	// maxGroupUsed is the deepest group index any placement has needed.
	// Lookups consult groups 0..maxGroupUsed only.
	maxGroupUsed int
	delta        float64
	quadratic    bool
}

// New constructs a Map with the given fixed capacity. delta in (0,1) is the
// fraction of slots held back from inserts; smaller deltas admit more keys
// per table at the cost of longer probes. The capacity never changes and the
// table never rehashes, so pointers returned by Find and At stay valid for
// the life of the map.
func New[K comparable, V any](capacity int, delta float64, opts ...Option[K, V]) (*Map[K, V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	if delta <= 0 || delta >= 1 {
		return nil, fmt.Errorf("%w: %g", ErrDelta, delta)
	}
	m := &Map[K, V]{
		salt:      rand.Uint64(),
		allocator: defaultAllocator[K, V]{},
		capacity:  capacity,
		delta:     delta,
	}
	for _, op := range opts {
		op.apply(m)
	}
	if m.hash == nil {
		m.hash = defaultHashFn[K]()
	}
	m.maxInserts, m.maxProbeLimit, m.totalGroups = deriveParams(capacity, delta)
	m.slots = m.allocator.AllocSlots(capacity)
	m.ctrls = unsafeConvertSlice[ctrl](m.allocator.AllocControls(capacity))
	return m, nil
}

func (m *Map[K, V]) hashKey(key K) uint64 {
	return m.hash(key) ^ m.salt
}

// Put inserts or overwrites the entry for key and reports whether the entry
// is stored. It returns false when the map already holds MaxInserts entries
// (even if key is already present; the cap is checked before any probing) or
// when the probe budget is exhausted without finding a free slot.
func (m *Map[K, V]) Put(key K, value V) bool {
	ok := m.put(key, value)
	m.checkInvariants()
	return ok
}

func (m *Map[K, V]) put(key K, value V) bool {
	if m.used >= m.maxInserts {
		if debug {
			fmt.Printf("put(%v): refused, at insert cap %d\n", key, m.maxInserts)
		}
		return false
	}

	h := m.hashKey(key)
	t := ctrlOf(h)
	seq := makeGroupSeq(h, uint64(m.capacity), m.quadratic)

	// Group 0 is greedy: overwrite a matching key, else take the first
	// empty slot.
	if seq.contiguous() {
		g := loadGroup(m.ctrls, int(seq.offset))
		for match := g.match(t); match != 0; match = match.remove(match.first()) {
			i := seq.slotAt(int(match.first()))
			if m.slots[i].key == key {
				m.slots[i].value = value
				if debug {
					fmt.Printf("put(%v): overwriting slot %d\n", key, i)
				}
				return true
			}
		}
		if empty := g.matchEmpty(); empty != 0 {
			i := seq.slotAt(int(empty.first()))
			m.setSlot(i, t, key, value)
			if debug {
				fmt.Printf("put(%v): group 0, slot %d\n", key, i)
			}
			return true
		}
	} else {
		for k := 0; k < groupSize; k++ {
			i := seq.slotAt(k)
			if m.ctrls[i] == ctrlEmpty {
				m.setSlot(i, t, key, value)
				if debug {
					fmt.Printf("put(%v): group 0 (wrapped), slot %d\n", key, i)
				}
				return true
			}
			if m.ctrls[i] == t && m.slots[i].key == key {
				m.slots[i].value = value
				return true
			}
		}
	}

	// Non-greedy window: scan ahead without committing, collecting empty
	// slots, then place in the candidate closest to the start of the
	// sequence. The window width counts group 0, so groups 1..window-1 are
	// scanned here.
	window := nonGreedyGroups
	if float64(m.used)/float64(m.capacity) > nonGreedyDenseLoad {
		window = nonGreedyGroupsDense
	}
	if window > m.totalGroups {
		window = m.totalGroups
	}

	type candidate struct {
		group int
		slot  int // offset within the group
		index int // table index
	}
	var candidates [maxCandidates]candidate
	numCandidates := 0

	gi := 1
	seq = seq.next()
	for ; gi < window && numCandidates < maxCandidates; gi, seq = gi+1, seq.next() {
		if seq.contiguous() {
			g := loadGroup(m.ctrls, int(seq.offset))
			for match := g.match(t); match != 0; match = match.remove(match.first()) {
				i := seq.slotAt(int(match.first()))
				if m.slots[i].key == key {
					m.slots[i].value = value
					return true
				}
			}
			for empty := g.matchEmpty(); empty != 0 && numCandidates < maxCandidates; empty = empty.remove(empty.first()) {
				k := int(empty.first())
				candidates[numCandidates] = candidate{group: gi, slot: k, index: seq.slotAt(k)}
				numCandidates++
			}
		} else {
			for k := 0; k < groupSize; k++ {
				i := seq.slotAt(k)
				if m.ctrls[i] == ctrlEmpty {
					if numCandidates < maxCandidates {
						candidates[numCandidates] = candidate{group: gi, slot: k, index: i}
						numCandidates++
					}
				} else if m.ctrls[i] == t && m.slots[i].key == key {
					m.slots[i].value = value
					return true
				}
			}
		}
	}

	if numCandidates > 0 {
		best := 0
		for c := 1; c < numCandidates; c++ {
			if candidates[c].group < candidates[best].group ||
				(candidates[c].group == candidates[best].group &&
					candidates[c].slot < candidates[best].slot) {
				best = c
			}
		}
		m.setSlot(candidates[best].index, t, key, value)
		if candidates[best].group > m.maxGroupUsed {
			m.maxGroupUsed = candidates[best].group
		}
		if debug {
			fmt.Printf("put(%v): group %d, slot %d\n", key, candidates[best].group, candidates[best].index)
		}
		return true
	}

	// Fallback: greedy scan of the remaining probe budget.
	for ; gi < m.totalGroups; gi, seq = gi+1, seq.next() {
		for k := 0; k < groupSize; k++ {
			i := seq.slotAt(k)
			if m.ctrls[i] == ctrlEmpty {
				m.setSlot(i, t, key, value)
				if gi > m.maxGroupUsed {
					m.maxGroupUsed = gi
				}
				if debug {
					fmt.Printf("put(%v): fallback group %d, slot %d\n", key, gi, i)
				}
				return true
			}
			if m.ctrls[i] == t && m.slots[i].key == key {
				m.slots[i].value = value
				return true
			}
		}
	}

	if debug {
		fmt.Printf("put(%v): probe budget exhausted\n", key)
	}
	return false
}

func (m *Map[K, V]) setSlot(i int, t ctrl, key K, value V) {
	m.ctrls[i] = t
	m.slots[i].key = key
	m.slots[i].value = value
	m.used++
}

// find returns the slot holding key, or nil.
func (m *Map[K, V]) find(key K) *Slot[K, V] {
	h := m.hashKey(key)
	t := ctrlOf(h)
	seq := makeGroupSeq(h, uint64(m.capacity), m.quadratic)

	for gi := 0; gi <= m.maxGroupUsed; gi, seq = gi+1, seq.next() {
		if seq.contiguous() {
			g := loadGroup(m.ctrls, int(seq.offset))
			for match := g.match(t); match != 0; match = match.remove(match.first()) {
				i := seq.slotAt(int(match.first()))
				if m.slots[i].key == key {
					if debug {
						fmt.Printf("find(%v): group %d, slot %d\n", key, gi, i)
					}
					return &m.slots[i]
				}
			}
			// An empty slot in a scanned group proves the key absent:
			// placement never skips an empty slot in a group it inspected.
			if g.matchEmpty() != 0 {
				return nil
			}
		} else {
			for k := 0; k < groupSize; k++ {
				i := seq.slotAt(k)
				if m.ctrls[i] == ctrlEmpty {
					// Placement always takes the earliest empty slot of a
					// group, so the key cannot live past this one.
					return nil
				}
				if m.ctrls[i] == t && m.slots[i].key == key {
					return &m.slots[i]
				}
			}
		}
	}
	return nil
}

// Get returns the value for key and whether it is present.
func (m *Map[K, V]) Get(key K) (V, bool) {
	if s := m.find(key); s != nil {
		return s.value, true
	}
	var v V
	return v, false
}

// Find returns a pointer to the value for key, or nil if absent. The pointer
// remains valid for the life of the map: the table never grows or rehashes,
// so slots never move.
func (m *Map[K, V]) Find(key K) *V {
	if s := m.find(key); s != nil {
		return &s.value
	}
	return nil
}

// Contains reports whether key is present.
func (m *Map[K, V]) Contains(key K) bool {
	return m.find(key) != nil
}

// At returns a pointer to the value for key, inserting the zero value first
// if key is absent. It returns nil when the implicit insert is refused (the
// map is at its insert cap or the probe budget is exhausted).
func (m *Map[K, V]) At(key K) *V {
	if v := m.Find(key); v != nil {
		return v
	}
	var zero V
	if !m.Put(key, zero) {
		return nil
	}
	return m.Find(key)
}

// All calls yield for every entry in the map in unspecified order, stopping
// early if yield returns false.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for i := range m.ctrls {
		if m.ctrls[i]&ctrlFullBit != 0 {
			if !yield(m.slots[i].key, m.slots[i].value) {
				return
			}
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Capacity returns the fixed slot count of the map.
func (m *Map[K, V]) Capacity() int {
	return m.capacity
}

// LoadFactor returns Len divided by Capacity.
func (m *Map[K, V]) LoadFactor() float64 {
	return float64(m.used) / float64(m.capacity)
}

// MaxInserts returns the insert cap, capacity - floor(delta*capacity).
func (m *Map[K, V]) MaxInserts() int {
	return m.maxInserts
}

// MaxGroupUsed returns the deepest group index any placement has needed so
// far. It never decreases.
func (m *Map[K, V]) MaxGroupUsed() int {
	return m.maxGroupUsed
}

// MaxProbeLimit returns the slot-granularity probe budget derived from delta
// at construction.
func (m *Map[K, V]) MaxProbeLimit() int {
	return m.maxProbeLimit
}

// MaxProbeUsed returns the slot-granularity probe depth implied by
// MaxGroupUsed: the last slot of the deepest group consulted.
func (m *Map[K, V]) MaxProbeUsed() int {
	return m.maxGroupUsed*groupSize + (groupSize - 1)
}

// Close returns the backing arrays to the allocator. It is idempotent, and
// only required if the map was constructed with an Allocator that manually
// manages memory. The map must not be used after Close.
func (m *Map[K, V]) Close() {
	if m.ctrls != nil {
		m.allocator.FreeControls(unsafeConvertSlice[uint8](m.ctrls))
		m.ctrls = nil
	}
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
	}
	m.allocator = nil
}

func (m *Map[K, V]) checkInvariants() {
	if !invariants {
		return
	}
	if m.used > m.maxInserts {
		panic(fmt.Sprintf("invariant failed: used %d exceeds insert cap %d\n%s",
			m.used, m.maxInserts, m.debugString()))
	}
	if m.maxGroupUsed >= m.totalGroups {
		panic(fmt.Sprintf("invariant failed: maxGroupUsed %d outside probe budget of %d groups\n%s",
			m.maxGroupUsed, m.totalGroups, m.debugString()))
	}
	occupied := 0
	for i := 0; i < m.capacity; i++ {
		c := m.ctrls[i]
		if c != ctrlEmpty && c&ctrlFullBit == 0 {
			panic(fmt.Sprintf("invariant failed: slot %d has control byte %02x, neither empty nor full\n%s",
				i, c, m.debugString()))
		}
		if c&ctrlFullBit != 0 {
			occupied++
			if s := m.find(m.slots[i].key); s != &m.slots[i] {
				panic(fmt.Sprintf("invariant failed: stored key %v (slot %d) not found by lookup\n%s",
					m.slots[i].key, i, m.debugString()))
			}
		}
	}
	if occupied != m.used {
		panic(fmt.Sprintf("invariant failed: %d occupied control bytes, but used=%d\n%s",
			occupied, m.used, m.debugString()))
	}
}

func (m *Map[K, V]) debugString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "capacity=%d delta=%g used=%d maxInserts=%d maxGroupUsed=%d totalGroups=%d\n",
		m.capacity, m.delta, m.used, m.maxInserts, m.maxGroupUsed, m.totalGroups)
	for i := 0; i < m.capacity; i++ {
		if m.ctrls[i]&ctrlFullBit != 0 {
			fmt.Fprintf(&sb, "  slot %4d: ctrl=%02x key=%v value=%v\n",
				i, uint8(m.ctrls[i]), m.slots[i].key, m.slots[i].value)
		}
	}
	return sb.String()
}
