// Package coordinator drives the synchronous training protocol from rank
// 0: broadcast the step and the parameters, collect one gradient per
// worker and trainable layer, reduce with the configured aggregation
// rule, apply the update, and periodically persist a checkpoint.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/muchq/gradhub/aggregate"
	"github.com/muchq/gradhub/checkpoint"
	"github.com/muchq/gradhub/clock"
	"github.com/muchq/gradhub/engine"
	"github.com/muchq/gradhub/history"
	"github.com/muchq/gradhub/metrics"
	"github.com/muchq/gradhub/tensor"
	"github.com/muchq/gradhub/transport"
	"github.com/muchq/gradhub/wire"
)

// waitSlice bounds each wait-any so the collection loop re-reads its
// clock between waits.
const waitSlice = 50 * time.Millisecond

// ErrWorkerTimeout wraps step aborts caused by a straggling or dead
// worker. No partial aggregation is ever applied.
var ErrWorkerTimeout = errors.New("worker timeout")

// ErrShapeMismatch wraps step aborts caused by a malformed gradient.
var ErrShapeMismatch = errors.New("gradient shape mismatch")

type TimeoutError struct {
	Rank  int
	Layer int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no gradient from rank %d for layer %d within the timeout", e.Rank, e.Layer)
}

func (e *TimeoutError) Unwrap() error { return ErrWorkerTimeout }

type ShapeMismatchError struct {
	Worker   int
	Layer    int
	Expected int
	Got      int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("rank %d sent layer %d with %d elements, want %d", e.Worker, e.Layer, e.Got, e.Expected)
}

func (e *ShapeMismatchError) Unwrap() error { return ErrShapeMismatch }

type Options struct {
	LearningRate float64
	Momentum     float64
	MaxSteps     int64
	EvalFreq     int64
	Timeout      time.Duration
	TrainDir     string

	// PointToPoint distributes parameters with one awaited send per
	// destination instead of the collective broadcast.
	PointToPoint bool

	// Coded marks gradient payloads as interleaved complex linear
	// combinations (cyclic flavour): twice the layer's element count.
	Coded bool

	// CheckpointStep resumes from an existing checkpoint; 0 is a cold
	// start at step 1.
	CheckpointStep int64

	RunID      string
	UpdateMode string
}

type Coordinator struct {
	tr    transport.Transport
	codec wire.Codec
	agg   aggregate.Aggregator
	acc   *aggregate.Accumulator
	opts  Options

	params   []*tensor.Tensor
	frozen   []bool
	trainIdx []int
	lens     []int // expected payload element count per trainable layer
	velocity [][]float64
	step     int64

	// Optional collaborators, set before Run. Clock defaults to the
	// system clock; tests swap in a test clock to drive the timeout path
	// deterministically.
	Metrics   *metrics.Trainer
	History   *history.Store
	Evaluator engine.Evaluator
	Clock     clock.Clock

	log *slog.Logger
}

func New(tr transport.Transport, codec wire.Codec, agg aggregate.Aggregator, params []*tensor.Tensor, frozen []bool, opts Options) (*Coordinator, error) {
	if len(params) != len(frozen) {
		return nil, fmt.Errorf("%d layers but %d frozen flags", len(params), len(frozen))
	}
	var trainIdx []int
	var lens []int
	for i, f := range frozen {
		if f {
			continue
		}
		trainIdx = append(trainIdx, i)
		n := params[i].Size()
		if opts.Coded {
			n *= 2
		}
		lens = append(lens, n)
	}
	if err := transport.ValidateTagSpace(len(trainIdx)); err != nil {
		return nil, err
	}
	velocity := make([][]float64, len(trainIdx))
	for i, pi := range trainIdx {
		velocity[i] = make([]float64, params[pi].Size())
	}
	copied := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		copied[i] = p.Copy()
	}
	return &Coordinator{
		tr:       tr,
		codec:    codec,
		agg:      agg,
		acc:      aggregate.NewAccumulator(tr.World()-1, lens),
		opts:     opts,
		params:   copied,
		frozen:   append([]bool{}, frozen...),
		trainIdx: trainIdx,
		lens:     lens,
		velocity: velocity,
		Clock:    clock.NewSystem(),
		log:      slog.Default().With("role", "coordinator"),
	}, nil
}

// Params exposes the live parameter vector, trainable and frozen layers.
func (c *Coordinator) Params() []*tensor.Tensor { return c.params }

// Step reports the current step counter.
func (c *Coordinator) Step() int64 { return c.step }

// Run executes steps until MaxSteps and returns the last completed step.
// Aggregation and timeout failures abort the current step and surface as
// errors; recovery is restarting from the last checkpoint.
func (c *Coordinator) Run(ctx context.Context) (int64, error) {
	c.step = 1
	if c.opts.CheckpointStep > 0 {
		if err := c.resume(); err != nil {
			return 0, err
		}
	}
	for ; c.step <= c.opts.MaxSteps; c.step++ {
		if err := ctx.Err(); err != nil {
			return c.step - 1, err
		}
		if err := c.runStep(); err != nil {
			return c.step - 1, fmt.Errorf("step %d: %w", c.step, err)
		}
	}
	return c.step - 1, nil
}

func (c *Coordinator) resume() error {
	path := checkpoint.Path(c.opts.TrainDir, c.opts.CheckpointStep)
	state, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	restored, frozen := state.Tensors()
	if len(restored) != len(c.params) {
		return fmt.Errorf("checkpoint has %d layers, model has %d", len(restored), len(c.params))
	}
	for i, p := range restored {
		if !tensor.ShapeEqual(p.Shape, c.params[i].Shape) {
			return fmt.Errorf("checkpoint layer %d has shape %v, want %v", i, p.Shape, c.params[i].Shape)
		}
		copy(c.params[i].Data, p.Data)
		c.frozen[i] = frozen[i]
	}
	c.step = state.Step + 1
	c.log.Info("resumed from checkpoint", "path", path, "step", c.step)
	return nil
}

func (c *Coordinator) runStep() error {
	stepStart := c.Clock.Now()
	workers := c.tr.World() - 1
	c.log.Info("entering step", "step", c.step)

	if err := c.broadcastStep(); err != nil {
		return err
	}
	if err := c.broadcastParams(); err != nil {
		return err
	}
	if err := c.collect(workers); err != nil {
		return err
	}

	reduceStart := c.Clock.Now()
	reduced, err := c.agg.Reduce()
	if err != nil {
		return err
	}
	if c.Metrics != nil {
		c.Metrics.ReduceDuration.Observe(c.Clock.Now().Sub(reduceStart).Seconds())
	}

	gradNorm := c.apply(reduced)

	if c.step%c.opts.EvalFreq == 0 {
		if err := c.persist(); err != nil {
			return err
		}
	}
	if c.History != nil {
		if err := c.History.InsertStep(c.opts.RunID, c.step, c.opts.UpdateMode, c.Clock.Now().Sub(stepStart), gradNorm); err != nil {
			c.log.Warn("failed to record step history", "error", err)
		}
	}
	if c.Metrics != nil {
		c.Metrics.StepsCompleted.Inc()
		c.Metrics.StepDuration.Observe(c.Clock.Now().Sub(stepStart).Seconds())
		c.Metrics.ExcessDeliveries.Add(float64(c.acc.Excess()))
	}

	c.agg.Reset()
	c.acc.Reset()
	return nil
}

// broadcastStep sends the counter to every worker; all step sends
// complete before any parameter send begins.
func (c *Coordinator) broadcastStep() error {
	payload := wire.EncodeStep(c.step)
	handles := make([]transport.Handle, 0, c.tr.World()-1)
	for rank := 1; rank < c.tr.World(); rank++ {
		h, err := c.tr.Send(rank, transport.StepTag, payload)
		if err != nil {
			return fmt.Errorf("step broadcast to rank %d: %w", rank, err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if _, _, err := transport.Wait(h); err != nil {
			return fmt.Errorf("step broadcast: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) broadcastParams() error {
	for li, pi := range c.trainIdx {
		payload := wire.EncodeFloats(c.params[pi].Data)
		if !c.opts.PointToPoint {
			if _, err := c.tr.Broadcast(0, transport.ParamTag(li), payload); err != nil {
				return fmt.Errorf("parameter broadcast for layer %d: %w", li, err)
			}
			continue
		}
		handles := make([]transport.Handle, 0, c.tr.World()-1)
		for rank := 1; rank < c.tr.World(); rank++ {
			h, err := c.tr.Send(rank, transport.ParamTag(li), payload)
			if err != nil {
				return fmt.Errorf("parameter send for layer %d to rank %d: %w", li, rank, err)
			}
			handles = append(handles, h)
		}
		for _, h := range handles {
			if _, _, err := transport.Wait(h); err != nil {
				return fmt.Errorf("parameter send for layer %d: %w", li, err)
			}
		}
	}
	return nil
}

type expected struct {
	worker int
	layer  int
}

// collect posts one receive per (worker, trainable layer) pair and waits
// for completions in arrival order. The step is complete only when every
// layer has all gradients; there is no partial progress.
func (c *Coordinator) collect(workers int) error {
	// Buffers are reused across steps; resetting before posting receives
	// keeps each slot single-writer for the step.
	c.acc.Reset()
	c.agg.Reset()

	handles := make([]transport.Handle, 0, workers*len(c.lens))
	meta := make([]expected, 0, workers*len(c.lens))
	for li := range c.lens {
		for rank := 1; rank <= workers; rank++ {
			h, err := c.tr.Recv(rank, transport.GradTag(li))
			if err != nil {
				return fmt.Errorf("posting gradient receive: %w", err)
			}
			handles = append(handles, h)
			meta = append(meta, expected{worker: rank, layer: li})
		}
	}

	collectStart := c.Clock.Now()
	deadline := collectStart.Add(c.opts.Timeout)
	firstSeen := false
	var mismatch *ShapeMismatchError

	for !c.acc.Complete() {
		pending := 0
		for _, h := range handles {
			if h != nil {
				pending++
			}
		}
		if pending == 0 {
			// Every receive completed but dropped messages left the step
			// starved; nothing more can arrive.
			return c.timeoutError(handles, meta, mismatch)
		}
		remaining := deadline.Sub(c.Clock.Now())
		if remaining <= 0 {
			return c.timeoutError(handles, meta, mismatch)
		}
		// Wait in bounded slices so the deadline is always judged against
		// the injected clock.
		slice := remaining
		if slice > waitSlice {
			slice = waitSlice
		}
		idx, st, payload, err := transport.WaitAnyTimeout(handles, slice)
		if errors.Is(err, transport.ErrWaitTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: gradient receive: %v", transport.ErrTransportFailure, err)
		}
		m := meta[idx]
		handles[idx] = nil

		values, err := c.codec.Decode(payload)
		if err != nil || len(values) != c.lens[m.layer] {
			got := -1
			if err == nil {
				got = len(values)
			}
			mismatch = &ShapeMismatchError{Worker: m.worker, Layer: m.layer, Expected: c.lens[m.layer], Got: got}
			c.log.Warn("dropping malformed gradient", "rank", m.worker, "layer", m.layer, "got", got, "want", c.lens[m.layer])
			if c.Metrics != nil {
				c.Metrics.ShapeMismatches.Inc()
			}
			continue
		}
		if !firstSeen {
			firstSeen = true
			if c.Metrics != nil {
				c.Metrics.FirstGradLatency.Observe(c.Clock.Now().Sub(collectStart).Seconds())
			}
		}
		if c.acc.Count(m.layer) <= workers {
			if err := c.agg.Ingest(m.layer, st.Source, values); err != nil {
				return fmt.Errorf("aggregating layer %d from rank %d: %w", m.layer, st.Source, err)
			}
		}
		if err := c.acc.Put(m.layer, st.Source, values); err != nil {
			return err
		}
		if c.Metrics != nil {
			c.Metrics.GradientsReceived.WithLabelValues(metrics.Layer(m.layer)).Inc()
		}
	}
	return nil
}

func (c *Coordinator) timeoutError(handles []transport.Handle, meta []expected, mismatch *ShapeMismatchError) error {
	// A recorded mismatch is the more precise cause: the worker was
	// flagged, its slot never filled, and the step starved.
	if mismatch != nil {
		return mismatch
	}
	for i, h := range handles {
		if h != nil {
			return &TimeoutError{Rank: meta[i].worker, Layer: meta[i].layer}
		}
	}
	return &TimeoutError{}
}

// apply performs P <- P - lr*v with v <- momentum*v + G, and returns the
// L2 norm of the aggregate across layers.
func (c *Coordinator) apply(reduced [][]float64) float64 {
	sumSquares := 0.0
	for i, pi := range c.trainIdx {
		g := reduced[i]
		v := c.velocity[i]
		floats.Scale(c.opts.Momentum, v)
		floats.Add(v, g)
		floats.AddScaled(c.params[pi].Data, -c.opts.LearningRate, v)
		n := floats.Norm(g, 2)
		sumSquares += n * n
	}
	return math.Sqrt(sumSquares)
}

func (c *Coordinator) persist() error {
	state := checkpoint.FromTensors(c.step, c.opts.RunID, c.params, c.frozen)
	path, err := checkpoint.Save(c.opts.TrainDir, state)
	if err != nil {
		return err
	}
	c.log.Info("saved checkpoint", "path", path, "step", c.step)
	if c.Evaluator != nil {
		trainable := make([]*tensor.Tensor, 0, len(c.trainIdx))
		for _, pi := range c.trainIdx {
			trainable = append(trainable, c.params[pi])
		}
		loss, err := c.Evaluator.Evaluate(trainable)
		if err != nil {
			c.log.Warn("evaluation failed", "error", err)
		} else {
			c.log.Info("evaluated model", "step", c.step, "loss", loss)
		}
	}
	return nil
}
