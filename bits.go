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

import (
	"math/bits"
	"strings"
	"unsafe"
)

// ctrl holds the metadata for a single slot. A slot is either empty or full:
//
//	 empty: 0 0 0 0 0 0 0 0
//	  full: 1 f f f f f f f  (f = 7 low bits of the fingerprint, hash[57:64])
//
// There are no tombstone or sentinel states. A full control byte always has
// the high bit set, so the empty byte 0x00 can never collide with a
// fingerprint.
type ctrl uint8

const (
	ctrlEmpty   ctrl = 0b00000000
	ctrlFullBit ctrl = 0b10000000
)

const groupSize = 16

// fingerprint extracts the 7 fingerprint bits from the top of a hash.
func fingerprint(h uint64) ctrl {
	return ctrl(h>>57) & 0b01111111
}

// ctrlOf returns the control byte marking a slot as occupied by a key with
// hash h.
func ctrlOf(h uint64) ctrl {
	return ctrlFullBit | fingerprint(h)
}

const (
	bitsetLSB = 0x0101010101010101
	bitsetMSB = 0x8080808080808080
	// msbGather gathers the high bit of each byte into the top byte of the
	// product: (x * msbGather) >> 56 moves bit 8i+7 to bit i for x with only
	// high-of-byte bits set.
	msbGather = 0x0002040810204081
)

// bitset is a set of slot indexes within a group, one bit per slot. Bit i
// corresponds to slot base+i.
type bitset uint16

// first returns the lowest slot index present in the bitset. Returns 16 if
// the bitset is empty.
func (b bitset) first() uint32 {
	return uint32(bits.TrailingZeros16(uint16(b)))
}

// remove removes the specified slot index from the bitset.
func (b bitset) remove(i uint32) bitset {
	return b &^ (1 << i)
}

func (b bitset) String() string {
	var sb strings.Builder
	for i := 0; i < groupSize; i++ {
		if b&(1<<i) != 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// ctrlGroup is a group of 16 control bytes loaded as two 64-bit words so the
// whole group can be scanned with a handful of ALU ops (SWAR, SIMD Within A
// Register).
type ctrlGroup struct {
	lo uint64
	hi uint64
}

// loadGroup reads the 16 control bytes starting at ctrls[base]. The loads are
// unaligned; the caller guarantees base+groupSize <= len(ctrls).
func loadGroup(ctrls []ctrl, base int) ctrlGroup {
	p := unsafe.Pointer(&ctrls[base])
	return ctrlGroup{
		lo: *(*uint64)(p),
		hi: *(*uint64)(unsafe.Add(p, 8)),
	}
}

// hasZeroByte returns a word with the high bit set in each byte of v that is
// zero.
func hasZeroByte(v uint64) uint64 {
	return ((v - bitsetLSB) &^ v) & bitsetMSB
}

// movemask compresses a word holding only high-of-byte bits into one bit per
// byte.
func movemask(v uint64) uint16 {
	return uint16((v * msbGather) >> 56)
}

// match returns the set of slots in the group whose control byte equals t.
//
// NB: the SWAR byte comparison can produce false positives in the bit
// directly above a true match within the same 8-byte word, so the returned
// set may contain slots whose control byte differs from t. Callers confirm
// each candidate by comparing keys, which makes the false positives
// harmless. False negatives never occur.
func (g ctrlGroup) match(t ctrl) bitset {
	v := uint64(t) * bitsetLSB
	lo := hasZeroByte(g.lo ^ v)
	hi := hasZeroByte(g.hi ^ v)
	return bitset(movemask(lo)) | bitset(movemask(hi))<<8
}

// matchEmpty returns the set of empty slots in the group. Control bytes are
// either 0x00 or have the high bit set, so unlike match this set is exact.
func (g ctrlGroup) matchEmpty() bitset {
	lo := hasZeroByte(g.lo)
	hi := hasZeroByte(g.hi)
	return bitset(movemask(lo)) | bitset(movemask(hi))<<8
}

// unsafeConvertSlice reinterprets a slice's backing array as a slice of a
// same-sized element type.
func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
