package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/indicator-hub/pkg/series"
)

func TestList_PrunesOldest(t *testing.T) {
	l, err := NewList[int](3)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		l.Append(i)
	}
	assert.Equal(t, []int{3, 4, 5}, l.Results())

	require.NoError(t, l.SetMaxSize(2))
	assert.Equal(t, []int{4, 5}, l.Results())

	_, err = NewList[int](-1)
	assert.ErrorIs(t, err, series.ErrInvalidParameter)
}

func TestList_PropagatesToNested(t *testing.T) {
	outer, err := NewList[int](0)
	require.NoError(t, err)
	inner, err := NewList[int](0)
	require.NoError(t, err)
	require.NoError(t, outer.Nest(inner, 14))

	require.NoError(t, outer.SetMaxSize(5))
	assert.Equal(t, 14, inner.MaxSize(), "nested keeps at least its minimum")

	require.NoError(t, outer.SetMaxSize(50))
	assert.Equal(t, 50, inner.MaxSize())

	require.NoError(t, outer.SetMaxSize(0))
	assert.Equal(t, 0, inner.MaxSize())
}

func TestWindow_Rolling(t *testing.T) {
	w := NewWindow(3)
	for _, v := range []float64{10, 20, 30} {
		_, evicted := w.Push(v)
		assert.False(t, evicted)
	}
	assert.True(t, w.Full())
	assert.Equal(t, 60.0, w.Sum())

	old, evicted := w.Push(40)
	assert.True(t, evicted)
	assert.Equal(t, 10.0, old)
	assert.Equal(t, 90.0, w.Sum())
	assert.Equal(t, 90.0, w.RunningSum())
	assert.Equal(t, 20.0, w.At(0))
	assert.Equal(t, 40.0, w.Last())

	w.Reset()
	assert.Zero(t, w.Len())
}

func TestExtremes_MatchesNaiveScan(t *testing.T) {
	values := []float64{5, 3, 8, 8, 1, 7, 2, 9, 4, 4, 6, 0}
	e := NewExtremes(4)

	for i, v := range values {
		e.Push(v)
		start := i - 3
		if start < 0 {
			start = 0
		}
		hi, lo := values[start], values[start]
		for _, x := range values[start : i+1] {
			if x > hi {
				hi = x
			}
			if x < lo {
				lo = x
			}
		}
		assert.Equal(t, hi, e.Max(), "max at %d", i)
		assert.Equal(t, lo, e.Min(), "min at %d", i)
		assert.Equal(t, i >= 3, e.Full())
	}
}
