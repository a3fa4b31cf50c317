package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorLifecycle(t *testing.T) {
	acc := NewAccumulator(2, []int{2, 3})
	assert.False(t, acc.Complete())

	require.Nil(t, acc.Put(0, 1, []float64{1, 2}))
	require.Nil(t, acc.Put(0, 2, []float64{3, 4}))
	require.Nil(t, acc.Put(1, 1, []float64{1, 1, 1}))
	assert.False(t, acc.Complete(), "layer 1 still missing a gradient")

	require.Nil(t, acc.Put(1, 2, []float64{2, 2, 2}))
	assert.True(t, acc.Complete())
	assert.Equal(t, []float64{3, 4}, acc.Slot(0, 2))
	assert.Equal(t, 2, acc.Count(0))

	acc.Reset()
	assert.False(t, acc.Complete())
	assert.Equal(t, []float64{0, 0}, acc.Slot(0, 2))
	assert.Equal(t, 0, acc.Count(0))
}

func TestAccumulatorExcessDeliveries(t *testing.T) {
	acc := NewAccumulator(1, []int{1})
	require.Nil(t, acc.Put(0, 1, []float64{5}))
	require.Nil(t, acc.Put(0, 1, []float64{9}))
	// The excess delivery is counted but the slot keeps the first value.
	assert.Equal(t, 1, acc.Excess())
	assert.Equal(t, []float64{5}, acc.Slot(0, 1))
	assert.Equal(t, 2, acc.Count(0))
}

func TestAccumulatorRejectsBadPut(t *testing.T) {
	acc := NewAccumulator(2, []int{2})
	assert.NotNil(t, acc.Put(1, 1, []float64{1, 2}))
	assert.NotNil(t, acc.Put(0, 0, []float64{1, 2}))
	assert.NotNil(t, acc.Put(0, 3, []float64{1, 2}))
	assert.NotNil(t, acc.Put(0, 1, []float64{1}))
}
