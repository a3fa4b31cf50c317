// Package config carries the full configuration surface of a training
// run. A TOML file populates Config; Validate enforces every topology and
// fault-tolerance constraint before any step runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrBadConfig wraps every constraint violation detected at startup.
var ErrBadConfig = errors.New("bad config")

// Flavours select how workers derive their batches and how the
// coordinator aggregates.
const (
	FlavourBaseline   = "baseline"
	FlavourReplicated = "replicated"
	FlavourCyclic     = "cyclic"
)

// Update modes for the coordinator-side reduce.
const (
	UpdateMean            = "mean"
	UpdateGeometricMedian = "geometric_median"
	UpdateMajorityVote    = "majority_vote"
)

// Parameter distribution modes.
const (
	TransportBroadcast    = "broadcast"
	TransportPointToPoint = "point_to_point"
)

// Adversarial simulation modes.
const (
	ErrModeNone          = ""
	ErrModeRevGrad       = "rev_grad"
	ErrModeConstant      = "constant"
	ErrModeRandom        = "random"
	ErrModeCyclicCorrupt = "cyclic_corrupt"
)

type Config struct {
	Flavour       string `toml:"flavour"`
	UpdateMode    string `toml:"update_mode"`
	TransportMode string `toml:"transport_mode"`
	CompressGrad  bool   `toml:"compress_grad"`

	Workers    int `toml:"workers"`
	GroupSize  int `toml:"group_size"`
	WorkerFail int `toml:"worker_fail"`

	// AdversaryRanks overrides the default fail-set placement (highest
	// ranks for baseline/replicated, lowest for cyclic).
	AdversaryRanks []int  `toml:"adversary_ranks"`
	ErrMode        string `toml:"err_mode"`

	LearningRate float64 `toml:"learning_rate"`
	Momentum     float64 `toml:"momentum"`
	MaxSteps     int64   `toml:"max_steps"`
	EvalFreq     int64   `toml:"eval_freq"`
	TimeoutMs    int64   `toml:"timeout_threshold_ms"`

	CheckpointStep int64  `toml:"checkpoint_step"`
	TrainDir       string `toml:"train_dir"`

	BatchSize   int   `toml:"batch_size"`
	DatasetSize int   `toml:"dataset_size"`
	FeatureDim  int   `toml:"feature_dim"`
	Seed        int64 `toml:"seed"`

	ListenAddr     string `toml:"listen_addr"`
	CoordinatorURL string `toml:"coordinator_url"`
	MetricsAddr    string `toml:"metrics_addr"`
	HistoryDSN     string `toml:"history_dsn"`
}

// Default returns a runnable single-group baseline configuration.
func Default() Config {
	return Config{
		Flavour:       FlavourBaseline,
		UpdateMode:    UpdateMean,
		TransportMode: TransportBroadcast,
		Workers:       3,
		GroupSize:     1,
		LearningRate:  0.01,
		MaxSteps:      100,
		EvalFreq:      10,
		TimeoutMs:     30_000,
		TrainDir:      "train",
		BatchSize:     32,
		DatasetSize:   1024,
		FeatureDim:    8,
		Seed:          1,
		ListenAddr:    ":7780",
	}
}

// Load reads a TOML file over the defaults. The history connection string
// can also come from the environment, which wins over the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrBadConfig, err)
		}
	}
	if dsn, ok := os.LookupEnv("DB_CONNECTION_STRING"); ok && strings.TrimSpace(dsn) != "" {
		cfg.HistoryDSN = strings.TrimSpace(dsn)
	}
	return cfg, cfg.Validate()
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// HatS is the per-worker batch load of the cyclic flavour.
func (c Config) HatS() int { return 2*c.WorkerFail + 1 }

func (c Config) Validate() error {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Flavour {
	case FlavourBaseline, FlavourReplicated, FlavourCyclic:
	default:
		bad("unknown flavour %q", c.Flavour)
	}
	switch c.UpdateMode {
	case UpdateMean, UpdateGeometricMedian, UpdateMajorityVote:
	default:
		bad("unknown update_mode %q", c.UpdateMode)
	}
	switch c.TransportMode {
	case TransportBroadcast, TransportPointToPoint:
	default:
		bad("unknown transport_mode %q", c.TransportMode)
	}
	switch c.ErrMode {
	case ErrModeNone, ErrModeRevGrad, ErrModeConstant, ErrModeRandom, ErrModeCyclicCorrupt:
	default:
		bad("unknown err_mode %q", c.ErrMode)
	}

	if c.Workers < 1 {
		bad("need at least one worker, got %d", c.Workers)
	}
	if c.WorkerFail < 0 {
		bad("worker_fail must be non-negative, got %d", c.WorkerFail)
	}
	if c.LearningRate <= 0 {
		bad("learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		bad("momentum must be in [0, 1), got %g", c.Momentum)
	}
	if c.MaxSteps < 1 {
		bad("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if c.EvalFreq < 1 {
		bad("eval_freq must be at least 1, got %d", c.EvalFreq)
	}
	if c.TimeoutMs <= 0 {
		bad("timeout_threshold_ms must be positive, got %d", c.TimeoutMs)
	}
	if c.BatchSize < 1 {
		bad("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.CheckpointStep < 0 {
		bad("checkpoint_step must be non-negative, got %d", c.CheckpointStep)
	}

	switch c.Flavour {
	case FlavourReplicated:
		if c.UpdateMode != UpdateMajorityVote {
			bad("replicated flavour requires majority_vote, got %q", c.UpdateMode)
		}
		if c.GroupSize < 1 || c.Workers%c.GroupSize != 0 {
			bad("workers (%d) must split into equal groups of group_size (%d)", c.Workers, c.GroupSize)
		} else if 2*c.WorkerFail >= c.GroupSize {
			bad("worker_fail (%d) must be below group_size/2 (%d)", c.WorkerFail, c.GroupSize)
		}
	case FlavourCyclic:
		if c.UpdateMode == UpdateMajorityVote {
			bad("cyclic flavour decodes linearly; majority_vote does not apply")
		}
		if c.HatS() > c.Workers {
			bad("batch load 2f+1 (%d) exceeds worker count (%d)", c.HatS(), c.Workers)
		}
		if 2*c.WorkerFail > c.Workers-1 {
			bad("worker_fail (%d) exceeds (workers-1)/2", c.WorkerFail)
		}
	case FlavourBaseline:
		if c.UpdateMode == UpdateMajorityVote {
			bad("majority_vote requires the replicated flavour")
		}
		if c.UpdateMode == UpdateGeometricMedian && 2*c.WorkerFail > c.Workers-1 {
			bad("worker_fail (%d) exceeds (workers-1)/2", c.WorkerFail)
		}
	}

	for _, rank := range c.AdversaryRanks {
		if rank < 1 || rank > c.Workers {
			bad("adversary rank %d outside 1..%d", rank, c.Workers)
		}
	}
	if len(c.AdversaryRanks) > 0 && c.ErrMode == ErrModeNone {
		bad("adversary_ranks set but err_mode is empty")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadConfig, strings.Join(problems, "; "))
}

// FailRanks returns the simulated adversary set: the explicit override
// when present, otherwise the conventional placement (highest ranks, or
// lowest for the cyclic flavour).
func (c Config) FailRanks() []int {
	if len(c.AdversaryRanks) > 0 {
		return append([]int{}, c.AdversaryRanks...)
	}
	if c.ErrMode == ErrModeNone || c.WorkerFail == 0 {
		return nil
	}
	ranks := make([]int, 0, c.WorkerFail)
	if c.Flavour == FlavourCyclic {
		for r := 1; r <= c.WorkerFail && r <= c.Workers; r++ {
			ranks = append(ranks, r)
		}
		return ranks
	}
	for r := c.Workers; r > c.Workers-c.WorkerFail && r >= 1; r-- {
		ranks = append(ranks, r)
	}
	return ranks
}

// IsAdversary reports whether rank is in the simulated fail set.
func (c Config) IsAdversary(rank int) bool {
	for _, r := range c.FailRanks() {
		if r == rank {
			return true
		}
	}
	return false
}
