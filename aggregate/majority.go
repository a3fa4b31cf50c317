package aggregate

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Majority reduces replicated gradients: within each group a value must
// appear bit-identically in a strict majority of the slots; the final
// aggregate is the mean of the per-group votes. Tolerates fewer than g/2
// corrupted replicas per group.
type Majority struct {
	groups   [][]int
	lens     []int
	replicas [][][][]float64 // [group][slot][layer]
	slotOf   map[int][2]int
}

func NewMajority(groups [][]int, lens []int) *Majority {
	replicas := make([][][][]float64, len(groups))
	slotOf := make(map[int][2]int)
	for g, members := range groups {
		replicas[g] = make([][][]float64, len(members))
		for s, rank := range members {
			replicas[g][s] = make([][]float64, len(lens))
			for l, n := range lens {
				replicas[g][s][l] = make([]float64, n)
			}
			slotOf[rank] = [2]int{g, s}
		}
	}
	return &Majority{
		groups:   groups,
		lens:     append([]int{}, lens...),
		replicas: replicas,
		slotOf:   slotOf,
	}
}

func (m *Majority) Ingest(layer, worker int, payload []float64) error {
	loc, ok := m.slotOf[worker]
	if !ok {
		return fmt.Errorf("worker rank %d belongs to no replication group", worker)
	}
	if len(payload) != m.lens[layer] {
		return fmt.Errorf("layer %d payload has %d elements, want %d", layer, len(payload), m.lens[layer])
	}
	copy(m.replicas[loc[0]][loc[1]][layer], payload)
	return nil
}

func (m *Majority) Reduce() ([][]float64, error) {
	out := make([][]float64, len(m.lens))
	for l, n := range m.lens {
		sum := make([]float64, n)
		for g := range m.groups {
			vote, err := m.vote(g, l)
			if err != nil {
				return nil, err
			}
			floats.Add(sum, vote)
		}
		floats.Scale(1/float64(len(m.groups)), sum)
		out[l] = sum
	}
	return out, nil
}

// vote scans candidates in ascending slot (worker rank) order and returns
// the first value matching a strict majority of the group's replicas. The
// counter resets for every candidate.
func (m *Majority) vote(group, layer int) ([]float64, error) {
	slots := m.replicas[group]
	size := len(slots)
	for cand := 0; cand < size; cand++ {
		count := 0
		for s := 0; s < size; s++ {
			if floats.Equal(slots[s][layer], slots[cand][layer]) {
				count++
			}
		}
		if count*2 > size {
			return slots[cand][layer], nil
		}
	}
	return nil, &NoMajorityError{Group: group, Layer: layer}
}

func (m *Majority) Reset() {
	for g := range m.replicas {
		for s := range m.replicas[g] {
			for l := range m.replicas[g][s] {
				buf := m.replicas[g][s][l]
				for i := range buf {
					buf[i] = 0
				}
			}
		}
	}
}
