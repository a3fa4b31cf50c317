package aggregate

import (
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/muchq/gradhub/coding"
	"github.com/muchq/gradhub/wire"
)

const (
	// maxEnumeratedSubsets caps full subset enumeration; beyond it only
	// the cyclic windows and the full row set are probed.
	maxEnumeratedSubsets = 256

	// candidateTol is the relative distance under which two decoded
	// candidates count as the same solution.
	candidateTol = 1e-6

	decodeCacheSize = 512
)

// Cyclic recovers the batch-gradient sum from the workers' linear
// combinations. Each worker w transmits Σ_k enc[w][k]·g_k over its
// assigned sub-batches; the decoder applies a decoding vector a with
// aᵀ·enc(S) = 1 over a row subset S and scales by 1/B to match the mean.
//
// When the simulated fault set is known (a test affordance) decoding uses
// the honest rows directly. Otherwise candidate subsets are enumerated
// and the plurality solution wins; no consistent plurality is a decode
// failure, as is a solution with a non-negligible imaginary part.
type Cyclic struct {
	enc     *coding.Matrix
	hatS    int
	workers int
	batches int
	lens    []int // real element count per layer; payloads carry 2x
	rows    [][][]complex128
	known   []int // known adversarial ranks, testing only

	vectors *expirable.LRU[string, []complex128]
}

func NewCyclic(enc *coding.Matrix, hatS int, lens []int, knownFaults []int) *Cyclic {
	rows := make([][][]complex128, len(lens))
	for l := range rows {
		rows[l] = make([][]complex128, enc.Rows)
	}
	return &Cyclic{
		enc:     enc,
		hatS:    hatS,
		workers: enc.Rows,
		batches: enc.Cols,
		lens:    append([]int{}, lens...),
		rows:    rows,
		known:   append([]int{}, knownFaults...),
		vectors: expirable.NewLRU[string, []complex128](decodeCacheSize, nil, time.Hour),
	}
}

func (c *Cyclic) Ingest(layer, worker int, payload []float64) error {
	if len(payload) != 2*c.lens[layer] {
		return fmt.Errorf("layer %d coded payload has %d elements, want %d", layer, len(payload), 2*c.lens[layer])
	}
	values, err := wire.Deinterleave(payload)
	if err != nil {
		return err
	}
	c.rows[layer][worker-1] = values
	return nil
}

func (c *Cyclic) Reduce() ([][]float64, error) {
	subsets := c.candidateSubsets()
	out := make([][]float64, len(c.lens))
	for l := range c.lens {
		decoded, err := c.decodeLayer(l, subsets)
		if err != nil {
			return nil, err
		}
		out[l] = decoded
	}
	return out, nil
}

func (c *Cyclic) Reset() {
	for l := range c.rows {
		for w := range c.rows[l] {
			c.rows[l][w] = nil
		}
	}
}

func (c *Cyclic) candidateSubsets() [][]int {
	if len(c.known) > 0 {
		adversarial := make(map[int]bool, len(c.known))
		for _, rank := range c.known {
			adversarial[rank] = true
		}
		var honest []int
		for w := 0; w < c.workers; w++ {
			if !adversarial[w+1] {
				honest = append(honest, w)
			}
		}
		return [][]int{honest}
	}

	var subsets [][]int
	if combos := coding.Combinations(c.workers, c.hatS); len(combos) <= maxEnumeratedSubsets {
		subsets = combos
	} else {
		subsets = coding.CyclicWindows(c.workers, c.hatS)
	}
	all := make([]int, c.workers)
	for i := range all {
		all[i] = i
	}
	return append(subsets, all)
}

func (c *Cyclic) decodeVector(subset []int) ([]complex128, bool) {
	key := fmt.Sprint(subset)
	if vec, ok := c.vectors.Get(key); ok {
		return vec, vec != nil
	}
	vec, err := coding.DecodeVector(c.enc, subset)
	if err != nil {
		// Negative entries are cached too; re-solving cannot help.
		c.vectors.Add(key, nil)
		return nil, false
	}
	c.vectors.Add(key, vec)
	return vec, true
}

func (c *Cyclic) decodeLayer(layer int, subsets [][]int) ([]float64, error) {
	var candidates [][]complex128
	var votes []int
	for _, subset := range subsets {
		vec, ok := c.decodeVector(subset)
		if !ok {
			continue
		}
		value := make([]complex128, c.lens[layer])
		missing := false
		for i, row := range subset {
			coded := c.rows[layer][row]
			if coded == nil {
				missing = true
				break
			}
			for j := range value {
				value[j] += vec[i] * coded[j]
			}
		}
		if missing {
			continue
		}
		matched := false
		for i, cand := range candidates {
			if complexClose(cand, value, candidateTol) {
				votes[i]++
				matched = true
				break
			}
		}
		if !matched {
			candidates = append(candidates, value)
			votes = append(votes, 1)
		}
	}

	if len(candidates) == 0 {
		return nil, &DecodeError{Layer: layer, Reason: "no decodable row subset"}
	}
	best, bestVotes, tied := 0, votes[0], false
	for i := 1; i < len(votes); i++ {
		if votes[i] > bestVotes {
			best, bestVotes, tied = i, votes[i], false
		} else if votes[i] == bestVotes {
			tied = true
		}
	}
	if tied && len(candidates) > 1 {
		return nil, &DecodeError{Layer: layer, Reason: "no plurality among decoded candidates"}
	}

	winner := candidates[best]
	scale := 0.0
	for _, v := range winner {
		if a := math.Abs(real(v)); a > scale {
			scale = a
		}
	}
	out := make([]float64, len(winner))
	for i, v := range winner {
		if math.Abs(imag(v)) > candidateTol*(1+scale) {
			return nil, &DecodeError{Layer: layer, Reason: "decoded gradient is not real"}
		}
		out[i] = real(v) / float64(c.batches)
	}
	return out, nil
}

func complexClose(a, b []complex128, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	scale := 0.0
	for i := range a {
		if m := cmplx.Abs(a[i]); m > scale {
			scale = m
		}
	}
	limit := tol * (1 + scale)
	for i := range a {
		if cmplx.Abs(a[i]-b[i]) > limit {
			return false
		}
	}
	return true
}
