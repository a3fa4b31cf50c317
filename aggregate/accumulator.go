package aggregate

import "fmt"

// Accumulator holds each worker's most recent gradient per layer for the
// current step, plus per-layer receive counters. Buffers are allocated
// once and reused; Reset always runs before new receives are posted, so
// each (layer, worker) slot has a single writer per step and needs no
// locking.
type Accumulator struct {
	workers int
	lens    []int
	slots   [][][]float64
	counts  []int
	excess  int
}

// NewAccumulator sizes one slot per (layer, worker) pair; lens gives the
// flat element count of each layer's payload.
func NewAccumulator(workers int, lens []int) *Accumulator {
	slots := make([][][]float64, len(lens))
	for l, n := range lens {
		slots[l] = make([][]float64, workers)
		for w := range slots[l] {
			slots[l][w] = make([]float64, n)
		}
	}
	return &Accumulator{
		workers: workers,
		lens:    append([]int{}, lens...),
		slots:   slots,
		counts:  make([]int, len(lens)),
	}
}

// Reset zeros every slot and counter for the next step.
func (a *Accumulator) Reset() {
	for l := range a.slots {
		for w := range a.slots[l] {
			buf := a.slots[l][w]
			for i := range buf {
				buf[i] = 0
			}
		}
		a.counts[l] = 0
	}
	a.excess = 0
}

// Put stores worker's gradient for layer and bumps the counter. Deliveries
// beyond the expected count are tallied but not stored.
func (a *Accumulator) Put(layer, worker int, payload []float64) error {
	if layer < 0 || layer >= len(a.slots) {
		return fmt.Errorf("layer %d out of range", layer)
	}
	if worker < 1 || worker > a.workers {
		return fmt.Errorf("worker rank %d out of range", worker)
	}
	if len(payload) != a.lens[layer] {
		return fmt.Errorf("layer %d payload has %d elements, want %d", layer, len(payload), a.lens[layer])
	}
	if a.counts[layer] >= a.workers {
		a.excess++
	} else {
		copy(a.slots[layer][worker-1], payload)
	}
	a.counts[layer]++
	return nil
}

func (a *Accumulator) Count(layer int) int { return a.counts[layer] }

// Excess counts deliveries to a layer after its counter reached the
// worker count this step.
func (a *Accumulator) Excess() int { return a.excess }

// Slot returns the stored buffer; callers must not retain it past Reset.
func (a *Accumulator) Slot(layer, worker int) []float64 {
	return a.slots[layer][worker-1]
}

// Complete reports whether every layer has all expected gradients.
func (a *Accumulator) Complete() bool {
	for _, c := range a.counts {
		if c < a.workers {
			return false
		}
	}
	return true
}
