package worker

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/muchq/gradhub/config"
)

const (
	// defaultConstant is the scalar the constant error mode expands over
	// the gradient.
	defaultConstant = 100.0

	// noiseStd scales the Gaussian noise of the random error mode.
	noiseStd = 10.0

	// corruptScale blows up cyclic payloads enough that a naive decode
	// cannot miss it.
	corruptScale = 1e3
)

// Adversary simulates a Byzantine worker for robustness testing. It
// rewrites outgoing payloads according to the configured error mode.
type Adversary struct {
	Mode     string
	Constant float64
	rng      *rand.Rand
}

// NewAdversary seeds the noise source per rank so corrupted runs stay
// reproducible.
func NewAdversary(mode string, rank int, seed int64) *Adversary {
	return &Adversary{
		Mode:     mode,
		Constant: defaultConstant,
		rng:      rand.New(rand.NewSource(seed + int64(rank)*7919)),
	}
}

// Corrupt returns the corrupted form of one layer's payload.
func (a *Adversary) Corrupt(values []float64) []float64 {
	out := append([]float64{}, values...)
	switch a.Mode {
	case config.ErrModeRevGrad:
		floats.Scale(-1, out)
	case config.ErrModeConstant:
		for i := range out {
			out[i] = a.Constant
		}
	case config.ErrModeRandom:
		for i := range out {
			out[i] += a.rng.NormFloat64() * noiseStd
		}
	case config.ErrModeCyclicCorrupt:
		// Perturb the coded payload (re/im pairs alike) far outside the
		// honest range.
		for i := range out {
			out[i] += a.rng.NormFloat64() * corruptScale
		}
	}
	return out
}
