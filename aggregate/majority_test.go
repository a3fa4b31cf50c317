package aggregate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two groups of three with one lying replica: each group still resolves
// to its honest value, and the aggregate is the mean of the group votes.
func TestMajorityVoteWithAdversary(t *testing.T) {
	groups := [][]int{{1, 2, 3}, {4, 5, 6}}
	m := NewMajority(groups, []int{2})

	require.Nil(t, m.Ingest(0, 1, []float64{1, 1}))
	require.Nil(t, m.Ingest(0, 2, []float64{1, 1}))
	require.Nil(t, m.Ingest(0, 3, []float64{9, 9})) // adversarial replica
	require.Nil(t, m.Ingest(0, 4, []float64{2, 2}))
	require.Nil(t, m.Ingest(0, 5, []float64{2, 2}))
	require.Nil(t, m.Ingest(0, 6, []float64{2, 2}))

	out, err := m.Reduce()
	require.Nil(t, err)
	assert.Equal(t, []float64{1.5, 1.5}, out[0])
}

func TestMajorityVoteGroupsOfTwo(t *testing.T) {
	// g=2: a strict majority needs both replicas identical. Group 2's
	// replicas disagree, so there is no quorum.
	groups := [][]int{{1, 2}, {3, 4}}
	m := NewMajority(groups, []int{2})

	require.Nil(t, m.Ingest(0, 1, []float64{1, 1}))
	require.Nil(t, m.Ingest(0, 2, []float64{1, 1}))
	require.Nil(t, m.Ingest(0, 3, []float64{2, 2}))
	require.Nil(t, m.Ingest(0, 4, []float64{9, 9}))

	_, err := m.Reduce()
	var noMaj *NoMajorityError
	require.True(t, errors.As(err, &noMaj))
	assert.Equal(t, 1, noMaj.Group)
	assert.Equal(t, 0, noMaj.Layer)
	assert.True(t, errors.Is(err, ErrNoMajority))
}

func TestMajorityVoteUnanimousGroupsOfTwo(t *testing.T) {
	groups := [][]int{{1, 2}, {3, 4}}
	m := NewMajority(groups, []int{2})

	require.Nil(t, m.Ingest(0, 1, []float64{1, 1}))
	require.Nil(t, m.Ingest(0, 2, []float64{1, 1}))
	require.Nil(t, m.Ingest(0, 3, []float64{2, 2}))
	require.Nil(t, m.Ingest(0, 4, []float64{2, 2}))

	out, err := m.Reduce()
	require.Nil(t, err)
	assert.Equal(t, []float64{1.5, 1.5}, out[0])
}

func TestMajorityTieBreakEarliestRank(t *testing.T) {
	// 2-2 split in a group of four: neither value is a strict majority.
	groups := [][]int{{1, 2, 3, 4}}
	m := NewMajority(groups, []int{1})
	require.Nil(t, m.Ingest(0, 1, []float64{5}))
	require.Nil(t, m.Ingest(0, 2, []float64{5}))
	require.Nil(t, m.Ingest(0, 3, []float64{7}))
	require.Nil(t, m.Ingest(0, 4, []float64{7}))
	_, err := m.Reduce()
	assert.True(t, errors.Is(err, ErrNoMajority))

	// 3-1 split: the earliest-rank value carrying the quorum wins.
	m.Reset()
	require.Nil(t, m.Ingest(0, 1, []float64{5}))
	require.Nil(t, m.Ingest(0, 2, []float64{5}))
	require.Nil(t, m.Ingest(0, 3, []float64{5}))
	require.Nil(t, m.Ingest(0, 4, []float64{7}))
	out, err := m.Reduce()
	require.Nil(t, err)
	assert.Equal(t, []float64{5}, out[0])
}

func TestMajorityEqualityIsExact(t *testing.T) {
	groups := [][]int{{1, 2, 3}}
	m := NewMajority(groups, []int{1})
	require.Nil(t, m.Ingest(0, 1, []float64{1}))
	require.Nil(t, m.Ingest(0, 2, []float64{1 + 1e-12}))
	require.Nil(t, m.Ingest(0, 3, []float64{1 - 1e-12}))
	_, err := m.Reduce()
	assert.True(t, errors.Is(err, ErrNoMajority), "equality is bit-identical, not approximate")
}

func TestMajorityRejectsUnknownWorker(t *testing.T) {
	m := NewMajority([][]int{{1, 2}}, []int{1})
	assert.NotNil(t, m.Ingest(0, 7, []float64{1}))
}
