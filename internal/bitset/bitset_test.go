package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_SetCount(t *testing.T) {
	var s Set

	assert.Equal(t, 0, s.Count())

	s.SetBit(0)
	s.SetBit(42)
	assert.Equal(t, 2, s.Count())
}

func Test_SetTraverse(t *testing.T) {
	var s Set
	s.SetBit(0)
	s.SetBit(42)
	s.SetBit(512)

	var got []uint32
	s.Traverse(func(idx uint32) bool {
		got = append(got, idx)
		return true
	})

	assert.Equal(t, []uint32{0, 42, 512}, got)
}

func Test_SetPartialTraverse(t *testing.T) {
	var s Set
	s.SetBit(42)
	s.SetBit(84)
	s.SetBit(512)

	var got []uint32
	s.Traverse(func(idx uint32) bool {
		got = append(got, idx)
		return false
	})

	assert.Equal(t, []uint32{42}, got)
}

func Test_SetClearBitLowersMSB(t *testing.T) {
	var s Set
	s.SetBit(42)
	s.SetBit(512)

	s.ClearBit(512)
	assert.Equal(t, []uint32{42}, s.AsSlice())
}

func Test_SetAnd(t *testing.T) {
	var a, b, out Set
	a.SetBit(1)
	a.SetBit(2)
	a.SetBit(200)
	b.SetBit(2)
	b.SetBit(200)
	b.SetBit(300)

	out.And(&a, &b)
	assert.Equal(t, []uint32{2, 200}, out.AsSlice())
}

func Test_SetEqualAndLess(t *testing.T) {
	var a, b Set
	a.SetBit(5)
	b.SetBit(5)
	assert.True(t, a.Equal(&b))

	b.SetBit(900)
	assert.False(t, a.Equal(&b))
	assert.True(t, a.Less(&b))
	assert.False(t, b.Less(&a))
}

func Test_SetIsZero(t *testing.T) {
	var s Set
	assert.True(t, s.IsZero())
	s.SetBit(7)
	assert.False(t, s.IsZero())
	s.ClearBit(7)
	assert.True(t, s.IsZero())
}
