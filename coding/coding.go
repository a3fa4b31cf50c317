// Package coding holds the redundancy structures behind the robust
// aggregation modes: replication groups (identical batches within a
// group) and the cyclic linear code (each worker ships one linear
// combination of its assigned sub-batch gradients).
package coding

import (
	"errors"
	"fmt"
	"math/cmplx"
	"math/rand"
)

var ErrNotDecodable = errors.New("encoding matrix subset is not decodable")

// Matrix is a dense complex matrix in row-major order. Encoding
// coefficients may be complex (DFT-style codes); the canonical
// constructor below uses real row-stochastic weights.
type Matrix struct {
	Rows, Cols int
	Data       []complex128
}

func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]complex128, rows*cols)}
}

func (m *Matrix) At(r, c int) complex128 {
	return m.Data[r*m.Cols+c]
}

func (m *Matrix) Set(r, c int, v complex128) {
	m.Data[r*m.Cols+c] = v
}

// SupportOf lists the columns with non-zero entries in row r.
func (m *Matrix) SupportOf(r int) []int {
	var support []int
	for c := 0; c < m.Cols; c++ {
		if m.At(r, c) != 0 {
			support = append(support, c)
		}
	}
	return support
}

// Groups partitions worker ranks 1..workers into contiguous groups of
// groupSize. Every worker lands in exactly one group.
func Groups(workers, groupSize int) ([][]int, error) {
	if groupSize < 1 || workers%groupSize != 0 {
		return nil, fmt.Errorf("cannot partition %d workers into groups of %d", workers, groupSize)
	}
	count := workers / groupSize
	groups := make([][]int, count)
	rank := 1
	for g := range groups {
		groups[g] = make([]int, groupSize)
		for s := range groups[g] {
			groups[g][s] = rank
			rank++
		}
	}
	return groups, nil
}

// GroupOf locates rank's group and its slot within it.
func GroupOf(groups [][]int, rank int) (int, int, error) {
	for g, members := range groups {
		for s, member := range members {
			if member == rank {
				return g, s, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("rank %d belongs to no group", rank)
}

// GroupSeeds derives one batch-shuffling seed per group from a base seed.
// Workers mix the epoch in themselves.
func GroupSeeds(groups int, base int64) []int64 {
	seeds := make([]int64, groups)
	for i := range seeds {
		seeds[i] = base + int64(i)*23
	}
	return seeds
}

// CyclicMask builds the W×B batch-selection mask for the cyclic code with
// B = workers: row r selects the hatS batches (r+j) mod B.
func CyclicMask(workers, hatS int) (*Matrix, error) {
	if hatS < 1 || hatS > workers {
		return nil, fmt.Errorf("batch load %d out of range for %d workers", hatS, workers)
	}
	m := NewMatrix(workers, workers)
	for r := 0; r < workers; r++ {
		for j := 0; j < hatS; j++ {
			m.Set(r, (r+j)%workers, 1)
		}
	}
	return m, nil
}

// CyclicEncoding builds the coefficient matrix on the mask's support so
// that the all-ones combination lies in the span of any W-(hatS-1) rows:
// pick a random H with H·1 = 0, put every row in null(H), and normalise
// rows to sum one. With hatS = W this degenerates to uniform 1/hatS
// weights. seed fixes the random draw so every rank builds the same code.
func CyclicEncoding(mask *Matrix, hatS int, seed int64) *Matrix {
	n := mask.Cols
	s := hatS - 1
	enc := NewMatrix(mask.Rows, n)
	if s == 0 {
		// Each worker computes exactly one batch; the identity pattern
		// carries it through unchanged.
		for r := 0; r < mask.Rows; r++ {
			for _, c := range mask.SupportOf(r) {
				enc.Set(r, c, 1)
			}
		}
		return enc
	}

	// H is s×n, row sums zero, with (generically) every s-column
	// submatrix invertible.
	rng := rand.New(rand.NewSource(seed))
	h := make([][]complex128, s)
	for j := range h {
		row := make([]complex128, n)
		mean := 0.0
		raw := make([]float64, n)
		for k := range raw {
			raw[k] = rng.NormFloat64()
			mean += raw[k]
		}
		mean /= float64(n)
		for k := range row {
			row[k] = complex(raw[k]-mean, 0)
		}
		h[j] = row
	}

	for r := 0; r < mask.Rows; r++ {
		support := mask.SupportOf(r)
		anchor := support[0]
		rest := support[1:]
		// Solve H[:, rest]·y = -H[:, anchor] so the whole row sits in
		// null(H).
		a := make([][]complex128, s)
		b := make([]complex128, s)
		for j := 0; j < s; j++ {
			a[j] = make([]complex128, len(rest))
			for i, c := range rest {
				a[j][i] = h[j][c]
			}
			b[j] = -h[j][anchor]
		}
		y, err := solveComplex(a, b)
		if err != nil {
			// A singular draw is measure zero; perturb deterministically
			// by retrying with the next seed.
			return CyclicEncoding(mask, hatS, seed+1)
		}
		enc.Set(r, anchor, 1)
		sum := complex128(1)
		for i, c := range rest {
			enc.Set(r, c, y[i])
			sum += y[i]
		}
		if cmplx.Abs(sum) > 1e-9 {
			for _, c := range support {
				enc.Set(r, c, enc.At(r, c)/sum)
			}
		}
	}
	return enc
}

// DecodeVector solves Eᵀ(S)·a = 1 in the least-squares sense for the
// given row subset, so that aᵀ·r(S) recovers the sum of all per-batch
// gradients. Returns ErrNotDecodable when the subset cannot reproduce the
// all-ones combination.
func DecodeVector(enc *Matrix, subset []int) ([]complex128, error) {
	n := len(subset)
	if n == 0 {
		return nil, ErrNotDecodable
	}
	// Normal equations of the overdetermined system: G·a = rhs with
	// G[i][j] = Σ_b conj(E[i][b])·E[j][b], rhs[i] = Σ_b conj(E[i][b]).
	// A tiny ridge keeps G solvable when rows are linearly dependent
	// (repetition codes); the residual check below is the real gate.
	const ridge = 1e-9
	g := make([][]complex128, n)
	rhs := make([]complex128, n)
	for i := 0; i < n; i++ {
		g[i] = make([]complex128, n)
		for j := 0; j < n; j++ {
			var sum complex128
			for b := 0; b < enc.Cols; b++ {
				sum += cmplx.Conj(enc.At(subset[i], b)) * enc.At(subset[j], b)
			}
			if i == j {
				sum += ridge
			}
			g[i][j] = sum
		}
		var sum complex128
		for b := 0; b < enc.Cols; b++ {
			sum += cmplx.Conj(enc.At(subset[i], b))
		}
		rhs[i] = sum
	}
	a, err := solveComplex(g, rhs)
	if err != nil {
		return nil, err
	}
	// Verify the original (non-normal) system is actually satisfied.
	for b := 0; b < enc.Cols; b++ {
		var sum complex128
		for i, row := range subset {
			sum += a[i] * enc.At(row, b)
		}
		if cmplx.Abs(sum-1) > 1e-6 {
			return nil, ErrNotDecodable
		}
	}
	return a, nil
}

// solveComplex is Gaussian elimination with partial pivoting. gonum's mat
// package has no complex solver, and these systems are small: at most
// one unknown per worker row.
func solveComplex(a [][]complex128, b []complex128) ([]complex128, error) {
	n := len(a)
	m := make([][]complex128, n)
	for i := range m {
		m[i] = append(append([]complex128{}, a[i]...), b[i])
	}
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if cmplx.Abs(m[r][col]) > cmplx.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if cmplx.Abs(m[pivot][col]) < 1e-12 {
			return nil, ErrNotDecodable
		}
		m[col], m[pivot] = m[pivot], m[col]
		for r := col + 1; r < n; r++ {
			factor := m[r][col] / m[col][col]
			for c := col; c <= n; c++ {
				m[r][c] -= factor * m[col][c]
			}
		}
	}
	x := make([]complex128, n)
	for r := n - 1; r >= 0; r-- {
		sum := m[r][n]
		for c := r + 1; c < n; c++ {
			sum -= m[r][c] * x[c]
		}
		x[r] = sum / m[r][r]
	}
	return x, nil
}

// Combinations enumerates all k-subsets of [0, n), ascending.
func Combinations(n, k int) [][]int {
	if k < 0 || k > n {
		return nil
	}
	var out [][]int
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for {
		out = append(out, append([]int{}, idx...))
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// CyclicWindows lists the n row subsets formed by hatS cyclically
// consecutive rows, the fallback when full enumeration is too large.
func CyclicWindows(n, hatS int) [][]int {
	out := make([][]int, n)
	for r := 0; r < n; r++ {
		window := make([]int, hatS)
		for j := 0; j < hatS; j++ {
			window[j] = (r + j) % n
		}
		out[r] = window
	}
	return out
}

// Decodable verifies the encoding admits a decoding vector over the full
// row set. Smaller subsets are probed opportunistically at decode time;
// the full set is the one combination that must always work.
func Decodable(enc *Matrix) error {
	all := make([]int, enc.Rows)
	for i := range all {
		all[i] = i
	}
	if _, err := DecodeVector(enc, all); err != nil {
		return fmt.Errorf("full row set: %w", err)
	}
	return nil
}
