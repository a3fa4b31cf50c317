package worker

import (
	"fmt"

	"github.com/muchq/gradhub/coding"
	"github.com/muchq/gradhub/engine"
	"github.com/muchq/gradhub/tensor"
	"github.com/muchq/gradhub/wire"
)

// flatten turns a single batch's gradient list into per-layer payloads.
func flatten(grads []*tensor.Tensor) [][]float64 {
	out := make([][]float64, len(grads))
	for i, g := range grads {
		out[i] = append([]float64{}, g.Data...)
	}
	return out
}

// Baseline computes one distinct batch per step, walking this worker's
// shard of the training set.
type Baseline struct {
	rank        int
	workers     int
	batchSize   int
	datasetSize int
}

func NewBaseline(rank, workers, batchSize, datasetSize int) *Baseline {
	return &Baseline{rank: rank, workers: workers, batchSize: batchSize, datasetSize: datasetSize}
}

func (b *Baseline) Batches(step int64) []engine.Batch {
	shard := b.datasetSize / b.workers
	if shard < b.batchSize {
		shard = b.batchSize
	}
	perShard := shard / b.batchSize
	lo := (b.rank-1)*shard + int((step-1)%int64(perShard))*b.batchSize
	return []engine.Batch{{Lo: lo, Hi: lo + b.batchSize}}
}

func (b *Baseline) Transform(perBatch [][]*tensor.Tensor) ([][]float64, error) {
	if len(perBatch) != 1 {
		return nil, fmt.Errorf("baseline expects one batch, got %d", len(perBatch))
	}
	return flatten(perBatch[0]), nil
}

// Replicated computes the same batch as every other member of its group:
// the batch index depends only on the group seed, the epoch, and the
// step, so honest replicas are bit-identical.
type Replicated struct {
	groupSeed   int64
	batchSize   int
	datasetSize int
}

func NewReplicated(groupSeed int64, batchSize, datasetSize int) *Replicated {
	return &Replicated{groupSeed: groupSeed, batchSize: batchSize, datasetSize: datasetSize}
}

func (r *Replicated) Batches(step int64) []engine.Batch {
	perEpoch := r.datasetSize / r.batchSize
	if perEpoch < 1 {
		perEpoch = 1
	}
	idx := (step - 1) % int64(perEpoch)
	epoch := (step - 1) / int64(perEpoch)
	lo := int(idx) * r.batchSize
	return []engine.Batch{{Lo: lo, Hi: lo + r.batchSize, Seed: r.groupSeed ^ epoch}}
}

func (r *Replicated) Transform(perBatch [][]*tensor.Tensor) ([][]float64, error) {
	if len(perBatch) != 1 {
		return nil, fmt.Errorf("replicated expects one batch, got %d", len(perBatch))
	}
	return flatten(perBatch[0]), nil
}

// Cyclic computes the hatS sub-batches its mask row selects from the
// step's global window and transmits, per layer, the encoding-weighted
// linear combination of their gradients, interleaved as re/im pairs.
type Cyclic struct {
	enc         *coding.Matrix
	support     []int
	rank        int
	batchSize   int
	datasetSize int
}

func NewCyclic(enc, mask *coding.Matrix, rank, batchSize, datasetSize int) *Cyclic {
	return &Cyclic{
		enc:         enc,
		support:     mask.SupportOf(rank - 1),
		rank:        rank,
		batchSize:   batchSize,
		datasetSize: datasetSize,
	}
}

func (c *Cyclic) Batches(step int64) []engine.Batch {
	window := c.enc.Cols * c.batchSize
	span := c.datasetSize - window + 1
	if span < 1 {
		span = 1
	}
	start := int((step - 1) * int64(window) % int64(span))
	batches := make([]engine.Batch, len(c.support))
	for i, k := range c.support {
		lo := start + k*c.batchSize
		batches[i] = engine.Batch{Lo: lo, Hi: lo + c.batchSize}
	}
	return batches
}

func (c *Cyclic) Transform(perBatch [][]*tensor.Tensor) ([][]float64, error) {
	if len(perBatch) != len(c.support) {
		return nil, fmt.Errorf("cyclic expects %d batches, got %d", len(c.support), len(perBatch))
	}
	if len(perBatch) == 0 {
		return nil, fmt.Errorf("cyclic worker has an empty batch support")
	}
	layers := len(perBatch[0])
	out := make([][]float64, layers)
	for l := 0; l < layers; l++ {
		combined := make([]complex128, perBatch[0][l].Size())
		for i, k := range c.support {
			coeff := c.enc.At(c.rank-1, k)
			for j, v := range perBatch[i][l].Data {
				combined[j] += coeff * complex(v, 0)
			}
		}
		out[l] = wire.Interleave(combined)
	}
	return out, nil
}
