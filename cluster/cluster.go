// Package cluster assembles a full training topology from a Config and
// runs it. The in-process Run drives one coordinator and W workers over
// the channel transport, which is both the local deployment mode and the
// protocol test harness; the Build helpers are shared with the networked
// binary.
package cluster

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/muchq/gradhub/aggregate"
	"github.com/muchq/gradhub/coding"
	"github.com/muchq/gradhub/config"
	"github.com/muchq/gradhub/coordinator"
	"github.com/muchq/gradhub/engine"
	"github.com/muchq/gradhub/tensor"
	"github.com/muchq/gradhub/transport"
	"github.com/muchq/gradhub/wire"
	"github.com/muchq/gradhub/worker"
)

// BuildCodec picks the wire codec for gradient payloads.
func BuildCodec(cfg config.Config) wire.Codec {
	if cfg.CompressGrad {
		return wire.Deflate{}
	}
	return wire.Raw{}
}

// Matrices constructs the cyclic flavour's encoding and mask from the
// topology.
func Matrices(cfg config.Config) (enc, mask *coding.Matrix, err error) {
	mask, err = coding.CyclicMask(cfg.Workers, cfg.HatS())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", config.ErrBadConfig, err)
	}
	enc = coding.CyclicEncoding(mask, cfg.HatS(), cfg.Seed)
	if err := coding.Decodable(enc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", config.ErrBadConfig, err)
	}
	return enc, mask, nil
}

// BuildAggregator constructs the reducer the configuration asks for.
// lens carries the per-layer element counts of the uncoded gradients.
func BuildAggregator(cfg config.Config, lens []int) (aggregate.Aggregator, error) {
	switch cfg.Flavour {
	case config.FlavourCyclic:
		enc, _, err := Matrices(cfg)
		if err != nil {
			return nil, err
		}
		// Under simulated corruption the fault set is known, which is
		// the offline-decoding test affordance; production runs leave it
		// empty and the decoder enumerates subsets.
		return aggregate.NewCyclic(enc, cfg.HatS(), lens, cfg.FailRanks()), nil
	case config.FlavourReplicated:
		groups, err := coding.Groups(cfg.Workers, cfg.GroupSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrBadConfig, err)
		}
		return aggregate.NewMajority(groups, lens), nil
	}
	switch cfg.UpdateMode {
	case config.UpdateGeometricMedian:
		return aggregate.NewGeoMedian(lens), nil
	default:
		return aggregate.NewMean(lens, cfg.Workers), nil
	}
}

// BuildFlavour constructs one worker's batching strategy.
func BuildFlavour(cfg config.Config, rank int) (worker.Flavour, error) {
	switch cfg.Flavour {
	case config.FlavourReplicated:
		groups, err := coding.Groups(cfg.Workers, cfg.GroupSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrBadConfig, err)
		}
		gi, _, err := coding.GroupOf(groups, rank)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrBadConfig, err)
		}
		seeds := coding.GroupSeeds(len(groups), cfg.Seed)
		return worker.NewReplicated(seeds[gi], cfg.BatchSize, cfg.DatasetSize), nil
	case config.FlavourCyclic:
		enc, mask, err := Matrices(cfg)
		if err != nil {
			return nil, err
		}
		return worker.NewCyclic(enc, mask, rank, cfg.BatchSize, cfg.DatasetSize), nil
	default:
		return worker.NewBaseline(rank, cfg.Workers, cfg.BatchSize, cfg.DatasetSize), nil
	}
}

// CoordinatorOptions maps the configuration onto the step-loop options.
func CoordinatorOptions(cfg config.Config, runID string) coordinator.Options {
	return coordinator.Options{
		LearningRate:   cfg.LearningRate,
		Momentum:       cfg.Momentum,
		MaxSteps:       cfg.MaxSteps,
		EvalFreq:       cfg.EvalFreq,
		Timeout:        cfg.Timeout(),
		TrainDir:       cfg.TrainDir,
		PointToPoint:   cfg.TransportMode == config.TransportPointToPoint,
		Coded:          cfg.Flavour == config.FlavourCyclic,
		CheckpointStep: cfg.CheckpointStep,
		RunID:          runID,
		UpdateMode:     cfg.UpdateMode,
	}
}

type Result struct {
	RunID     string
	FinalStep int64
	Params    []*tensor.Tensor
	Frozen    []bool
}

// Run executes a whole training run in-process: rank 0 plus cfg.Workers
// worker goroutines over a channel transport. engineFor supplies each
// rank's gradient engine; rank 0's engine provides shapes, initial
// parameters, and the optional evaluator.
func Run(ctx context.Context, cfg config.Config, engineFor func(rank int) engine.Engine) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	eng0 := engineFor(0)
	shapes := engine.TrainableShapes(eng0)
	lens := make([]int, len(shapes))
	for i, s := range shapes {
		lens[i] = tensor.SizeOf(s)
	}
	agg, err := BuildAggregator(cfg, lens)
	if err != nil {
		return nil, err
	}
	codec := BuildCodec(cfg)

	net := transport.NewNetwork(cfg.Workers + 1)
	result := &Result{RunID: uuid.NewString()}

	coord, err := coordinator.New(net.Endpoint(0), codec, agg, eng0.InitParams(), eng0.Frozen(), CoordinatorOptions(cfg, result.RunID))
	if err != nil {
		net.Close()
		return nil, err
	}
	if ev, ok := eng0.(engine.Evaluator); ok {
		coord.Evaluator = ev
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the network is the workers' end-of-stream signal, on
		// success and failure alike.
		defer net.Close()
		final, err := coord.Run(gctx)
		result.FinalStep = final
		result.Params = coord.Params()
		result.Frozen = eng0.Frozen()
		return err
	})
	for rank := 1; rank <= cfg.Workers; rank++ {
		flavour, err := BuildFlavour(cfg, rank)
		if err != nil {
			net.Close()
			return nil, err
		}
		w, err := worker.New(net.Endpoint(rank), codec, engineFor(rank), flavour, cfg.TransportMode == config.TransportPointToPoint)
		if err != nil {
			net.Close()
			return nil, err
		}
		if cfg.IsAdversary(rank) {
			w.SetAdversary(worker.NewAdversary(cfg.ErrMode, rank, cfg.Seed))
		}
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}
