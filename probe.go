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

import "math"

// groupSeq maintains the state for walking the sequence of group base
// indexes derived from a hash. The j-th group occupies the groupSize slots
// starting at offset(j), wrapping modulo the table capacity.
//
// With linear stepping the bases are
//
//	offset(j) = (h + groupSize*j) mod capacity
//
// and with quadratic stepping the stride between consecutive bases grows by
// groupSize each step, giving the triangular sequence
//
//	offset(j) = (h + groupSize*(j + j*(j-1)/2)) mod capacity
//
// Group bases are not aligned to groupSize. A group whose base lies within
// groupSize of the table end wraps around to the low slots, and once the
// sequence wraps modulo capacity, groups may overlap in slot space.
type groupSeq struct {
	// mod is the table capacity.
	mod uint64
	// offset is the base slot index of the current group.
	offset uint64
	// stride is the jump to the next base (quadratic stepping only).
	stride uint64
	// quadratic selects triangular rather than linear stepping.
	quadratic bool
}

func makeGroupSeq(h, capacity uint64, quadratic bool) groupSeq {
	return groupSeq{
		mod:       capacity,
		offset:    h % capacity,
		stride:    groupSize,
		quadratic: quadratic,
	}
}

// next returns the sequence advanced to the following group.
func (s groupSeq) next() groupSeq {
	s.offset = (s.offset + s.stride) % s.mod
	if s.quadratic {
		s.stride += groupSize
	}
	return s
}

// slotAt returns the table index of the i-th slot of the current group.
func (s groupSeq) slotAt(i int) int {
	return int((s.offset + uint64(i)) % s.mod)
}

// contiguous reports whether the current group lies entirely before the end
// of the table, allowing the two-word scan of its control bytes.
func (s groupSeq) contiguous() bool {
	return s.offset+groupSize <= s.mod
}

// probeLimitScale is the multiplier applied to log2(1/delta) when deriving
// the probe limit.
const probeLimitScale = 4.0

// deriveParams computes the capacity-and-delta derived limits:
//
//   - maxInserts: the insert cap, capacity - floor(delta*capacity). Reserving
//     a delta fraction of free slots is what bounds probe lengths.
//   - maxProbeLimit: the slot-granularity probe budget,
//     ceil(probeLimitScale*log2(1/delta)) capped at capacity, then raised to
//     at least groupSize (so tables smaller than a group still get groupSize).
//   - totalGroups: the number of groups the probe budget covers, capped at
//     the number of groups the table itself has.
func deriveParams(capacity int, delta float64) (maxInserts, maxProbeLimit, totalGroups int) {
	maxInserts = capacity - int(delta*float64(capacity))
	maxProbeLimit = int(math.Ceil(probeLimitScale * math.Log2(1.0/delta)))
	if maxProbeLimit > capacity {
		maxProbeLimit = capacity
	}
	if maxProbeLimit < groupSize {
		maxProbeLimit = groupSize
	}
	totalGroups = (maxProbeLimit + groupSize - 1) / groupSize
	if capGroups := (capacity + groupSize - 1) / groupSize; totalGroups > capGroups {
		totalGroups = capGroups
	}
	return maxInserts, maxProbeLimit, totalGroups
}
