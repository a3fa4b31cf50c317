package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.Nil(t, Default().Validate())
}

func TestValidateRejectsBadTopology(t *testing.T) {
	cfg := Default()
	cfg.Flavour = FlavourReplicated
	cfg.UpdateMode = UpdateMajorityVote
	cfg.Workers = 5
	cfg.GroupSize = 2
	err := cfg.Validate()
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, ErrBadConfig))
}

func TestValidateReplicatedFaultBound(t *testing.T) {
	cfg := Default()
	cfg.Flavour = FlavourReplicated
	cfg.UpdateMode = UpdateMajorityVote
	cfg.Workers = 6
	cfg.GroupSize = 3
	cfg.WorkerFail = 1
	assert.Nil(t, cfg.Validate(), "f=1 < g/2 for g=3")

	cfg.WorkerFail = 2
	assert.NotNil(t, cfg.Validate(), "f=2 violates f < g/2 for g=3")
}

func TestValidateCyclicBounds(t *testing.T) {
	cfg := Default()
	cfg.Flavour = FlavourCyclic
	cfg.Workers = 3
	cfg.WorkerFail = 1
	assert.Nil(t, cfg.Validate())
	assert.Equal(t, 3, cfg.HatS())

	cfg.WorkerFail = 2 // hat-s = 5 > W
	assert.NotNil(t, cfg.Validate())
}

func TestValidateFlavourUpdateCompat(t *testing.T) {
	cfg := Default()
	cfg.UpdateMode = UpdateMajorityVote
	assert.NotNil(t, cfg.Validate(), "majority_vote needs replicated flavour")

	cfg = Default()
	cfg.Flavour = FlavourCyclic
	cfg.UpdateMode = UpdateMean
	assert.Nil(t, cfg.Validate())
}

func TestValidateAdversarySet(t *testing.T) {
	cfg := Default()
	cfg.AdversaryRanks = []int{4}
	cfg.ErrMode = ErrModeRevGrad
	assert.NotNil(t, cfg.Validate(), "rank 4 outside 1..3")

	cfg.AdversaryRanks = []int{3}
	assert.Nil(t, cfg.Validate())

	cfg.ErrMode = ErrModeNone
	assert.NotNil(t, cfg.Validate(), "adversaries need an err_mode")
}

func TestFailRanksPlacement(t *testing.T) {
	cfg := Default()
	cfg.Workers = 5
	cfg.WorkerFail = 2
	cfg.ErrMode = ErrModeRevGrad
	assert.Equal(t, []int{5, 4}, cfg.FailRanks())
	assert.True(t, cfg.IsAdversary(5))
	assert.False(t, cfg.IsAdversary(1))

	cfg.Flavour = FlavourCyclic
	assert.Equal(t, []int{1, 2}, cfg.FailRanks())

	cfg.AdversaryRanks = []int{3}
	assert.Equal(t, []int{3}, cfg.FailRanks())
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.toml")
	body := `
flavour = "baseline"
update_mode = "geometric_median"
workers = 5
worker_fail = 2
learning_rate = 0.1
max_steps = 50
`
	require.Nil(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.Nil(t, err)
	assert.Equal(t, UpdateGeometricMedian, cfg.UpdateMode)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 0.1, cfg.LearningRate)
	// Defaults survive for keys the file omits.
	assert.Equal(t, int64(10), cfg.EvalFreq)
}

func TestLoadEnvOverridesHistoryDSN(t *testing.T) {
	t.Setenv("DB_CONNECTION_STRING", "postgres://example/train")
	cfg, err := Load("")
	require.Nil(t, err)
	assert.Equal(t, "postgres://example/train", cfg.HistoryDSN)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/definitely/not/here.toml")
	assert.True(t, errors.Is(err, ErrBadConfig))
}
