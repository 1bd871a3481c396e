// Package bitset implements the fixed-size rule-id bitmap used by the RFC
// classifier to represent equivalence classes.
//
// Grounded on _examples/sakateka-yanet2/common/go/bitset.TinyBitset (the
// word layout and trailing-zero traversal) and
// _examples/original_source/src/netmate/Bitmap.{h,cc} (the "msb" highest
// nonzero word shortcut, which TinyBitset does not have).
package bitset

import (
	"math/bits"
)

// Words is the number of 64-bit words backing a Set. MaxRules from
// classifier.MaxRules must fit in Words*64 bits.
const Words = 32 // 2048 bits

// Set is a fixed-size, comparable bitmap of rule ids.
//
// It is used both as a mutable accumulator (number-line sweep, active-rule
// tracking) and, once frozen, as a map key when canonicalizing equivalence
// classes — so it intentionally contains no pointers or slices.
type Set struct {
	words [Words]uint64
	msb   int // index of the highest nonzero word, 0 if all-zero
}

// Test reports whether bit idx is set.
func (s *Set) Test(idx uint32) bool {
	return s.words[idx/64]&(uint64(1)<<(idx%64)) != 0
}

// SetBit sets bit idx.
func (s *Set) SetBit(idx uint32) {
	w := int(idx / 64)
	if w > s.msb {
		s.msb = w
	}
	s.words[w] |= uint64(1) << (idx % 64)
}

// ClearBit clears bit idx.
func (s *Set) ClearBit(idx uint32) {
	w := int(idx / 64)
	s.words[w] &^= uint64(1) << (idx % 64)
	for s.msb > 0 && s.words[s.msb] == 0 {
		s.msb--
	}
}

// Clear resets every bit.
func (s *Set) Clear() {
	for i := 0; i <= s.msb; i++ {
		s.words[i] = 0
	}
	s.msb = 0
}

// IsZero reports whether no bit is set.
func (s *Set) IsZero() bool {
	return s.msb == 0 && s.words[0] == 0
}

// And computes s = a & b.
func (s *Set) And(a, b *Set) {
	min := a.msb
	if b.msb < min {
		min = b.msb
	}
	s.Clear()
	for i := min; i >= 0; i-- {
		w := a.words[i] & b.words[i]
		s.words[i] = w
		if s.msb == 0 && w != 0 {
			s.msb = i
		}
	}
}

// Copy sets s to a copy of other.
func (s *Set) Copy(other *Set) {
	*s = *other
}

// Equal reports whether s and other contain exactly the same bits.
func (s *Set) Equal(other *Set) bool {
	return *s == *other
}

// Less provides a total order over bitmaps suitable for canonicalization
// maps, mirroring Bitmap.cc's bmCompare (highest word first).
func (s *Set) Less(other *Set) bool {
	if s.msb != other.msb {
		return s.msb < other.msb
	}
	for i := s.msb; i >= 0; i-- {
		if s.words[i] != other.words[i] {
			return s.words[i] < other.words[i]
		}
	}
	return false
}

// Count returns the number of set bits.
func (s *Set) Count() int {
	n := 0
	for i := 0; i <= s.msb; i++ {
		n += bits.OnesCount64(s.words[i])
	}
	return n
}

// Traverse calls fn for every set bit in ascending order, stopping early if
// fn returns false.
func (s *Set) Traverse(fn func(uint32) bool) {
	for i := 0; i <= s.msb; i++ {
		word := s.words[i]
		base := uint32(i) * 64
		for word != 0 {
			r := bits.TrailingZeros64(word)
			t := word & -word
			word ^= t
			if !fn(base + uint32(r)) {
				return
			}
		}
	}
}

// AsSlice materializes the set bits as a sorted slice.
func (s *Set) AsSlice() []uint32 {
	out := make([]uint32, 0, s.Count())
	s.Traverse(func(idx uint32) bool {
		out = append(out, idx)
		return true
	})
	return out
}
