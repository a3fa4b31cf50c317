package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muchq/gradhub/coding"
	"github.com/muchq/gradhub/tensor"
	"github.com/muchq/gradhub/wire"
)

func TestBaselineWalksOwnShard(t *testing.T) {
	// Two workers over 64 samples: shard size 32, batch 8.
	w1 := NewBaseline(1, 2, 8, 64)
	w2 := NewBaseline(2, 2, 8, 64)

	b1 := w1.Batches(1)
	b2 := w2.Batches(1)
	require.Len(t, b1, 1)
	assert.Equal(t, 0, b1[0].Lo)
	assert.Equal(t, 32, b2[0].Lo, "workers must compute distinct shards")

	// Steps advance through the shard and wrap.
	assert.Equal(t, 8, w1.Batches(2)[0].Lo)
	assert.Equal(t, 0, w1.Batches(5)[0].Lo)
}

func TestReplicatedGroupMembersAgree(t *testing.T) {
	a := NewReplicated(42, 8, 32)
	b := NewReplicated(42, 8, 32)
	other := NewReplicated(43, 8, 32)

	assert.Equal(t, a.Batches(3), b.Batches(3), "same group seed means identical batches")
	assert.Equal(t, a.Batches(3)[0].Lo, other.Batches(3)[0].Lo)
	assert.NotEqual(t, a.Batches(3)[0].Seed, other.Batches(3)[0].Seed)

	// The epoch folds into the seed once the dataset wraps.
	perEpoch := int64(4)
	assert.Equal(t, a.Batches(1)[0].Lo, a.Batches(1+perEpoch)[0].Lo)
	assert.NotEqual(t, a.Batches(1)[0].Seed, a.Batches(1+perEpoch)[0].Seed)
}

func TestCyclicBatchesFollowMask(t *testing.T) {
	mask, err := coding.CyclicMask(3, 2)
	require.Nil(t, err)
	enc := coding.CyclicEncoding(mask, 2, 1)

	w2 := NewCyclic(enc, mask, 2, 4, 64)
	batches := w2.Batches(1)
	require.Len(t, batches, 2)
	// Rank 2's mask row selects batches 1 and 2 of the window.
	assert.Equal(t, 4, batches[0].Lo)
	assert.Equal(t, 8, batches[1].Lo)
}

func TestCyclicTransformCombines(t *testing.T) {
	mask, err := coding.CyclicMask(3, 3)
	require.Nil(t, err)
	enc := coding.CyclicEncoding(mask, 3, 1)

	w1 := NewCyclic(enc, mask, 1, 1, 8)
	perBatch := [][]*tensor.Tensor{
		{tensor.FromData([]float64{3}, 1)},
		{tensor.FromData([]float64{6}, 1)},
		{tensor.FromData([]float64{9}, 1)},
	}
	payloads, err := w1.Transform(perBatch)
	require.Nil(t, err)
	require.Len(t, payloads, 1)

	values, err := wire.Deinterleave(payloads[0])
	require.Nil(t, err)
	// Row-stochastic weights 1/3 over the three batches: (3+6+9)/3 = 6.
	assert.InDelta(t, 6, real(values[0]), 1e-12)
	assert.InDelta(t, 0, imag(values[0]), 1e-12)
}

func TestCyclicTransformBatchCountMismatch(t *testing.T) {
	mask, _ := coding.CyclicMask(3, 2)
	enc := coding.CyclicEncoding(mask, 2, 1)
	w1 := NewCyclic(enc, mask, 1, 1, 8)
	_, err := w1.Transform([][]*tensor.Tensor{{tensor.New(1)}})
	assert.NotNil(t, err)
}
