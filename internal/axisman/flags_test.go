package axisman

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagSetSetRangeAndHas(t *testing.T) {
	f := NewFlagSet(2, 10)
	require.NoError(t, f.SetRange(0, 2, 5))
	require.NoError(t, f.SetRange(1, 8, 10))

	assert.True(t, f.Has(0, 2))
	assert.True(t, f.Has(0, 4))
	assert.False(t, f.Has(0, 5))
	assert.True(t, f.Has(1, 9))
	assert.False(t, f.Has(1, 7))

	assert.Error(t, f.SetRange(2, 0, 1))
	assert.Error(t, f.SetRange(0, 5, 11))
}

func TestFlagSetTakeRows(t *testing.T) {
	f := NewFlagSet(3, 10)
	require.NoError(t, f.SetRange(1, 0, 3))
	require.NoError(t, f.SetRange(2, 5, 6))

	got, err := f.Take(0, []int{2, 1})
	require.NoError(t, err)
	g := got.(*FlagSet)
	assert.Equal(t, []int{2, 10}, g.Shape())
	assert.True(t, g.Has(0, 5))
	assert.True(t, g.Has(1, 0))
	assert.False(t, g.Has(1, 5))
}

func TestFlagSetSliceColumns(t *testing.T) {
	f := NewFlagSet(1, 20)
	require.NoError(t, f.SetRange(0, 4, 12))

	got, err := f.Slice(1, 8, 16)
	require.NoError(t, err)
	g := got.(*FlagSet)
	assert.Equal(t, []int{1, 8}, g.Shape())
	// Columns 8..11 were flagged; after the slice they sit at 0..3.
	assert.True(t, g.Has(0, 0))
	assert.True(t, g.Has(0, 3))
	assert.False(t, g.Has(0, 4))
}

func TestFlagSetTakeColumns(t *testing.T) {
	f := NewFlagSet(1, 10)
	require.NoError(t, f.SetRange(0, 2, 4))

	got, err := f.Take(1, []int{3, 9, 2})
	require.NoError(t, err)
	g := got.(*FlagSet)
	assert.True(t, g.Has(0, 0))
	assert.False(t, g.Has(0, 1))
	assert.True(t, g.Has(0, 2))
}

func TestFlagSetEqual(t *testing.T) {
	a := NewFlagSet(2, 10)
	b := NewFlagSet(2, 10)
	require.NoError(t, a.SetRange(0, 1, 4))
	require.NoError(t, b.SetRange(0, 1, 4))
	assert.True(t, a.Equal(b))

	require.NoError(t, b.SetRange(1, 0, 1))
	assert.False(t, a.Equal(b))

	cp := a.Copy()
	assert.True(t, a.Equal(cp))
	require.NoError(t, cp.(*FlagSet).SetRange(1, 2, 3))
	assert.False(t, a.Equal(cp))
}
