// Package worker runs the worker side of the training protocol: observe
// the step, fetch parameters, compute (possibly coded) gradients on the
// flavour's batches, and ship them back last layer first.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/muchq/gradhub/engine"
	"github.com/muchq/gradhub/tensor"
	"github.com/muchq/gradhub/transport"
	"github.com/muchq/gradhub/wire"
)

// Flavour supplies the two per-deployment strategies: which batches to
// compute on a step, and how per-batch gradient lists become the
// transmitted per-layer payloads.
type Flavour interface {
	Batches(step int64) []engine.Batch
	Transform(perBatch [][]*tensor.Tensor) ([][]float64, error)
}

type Worker struct {
	tr        transport.Transport
	codec     wire.Codec
	eng       engine.Engine
	flavour   Flavour
	adversary *Adversary

	pointToPoint bool
	params       []*tensor.Tensor // trainable layers only
	step         int64
	log          *slog.Logger
}

func New(tr transport.Transport, codec wire.Codec, eng engine.Engine, flavour Flavour, pointToPoint bool) (*Worker, error) {
	shapes := engine.TrainableShapes(eng)
	if err := transport.ValidateTagSpace(len(shapes)); err != nil {
		return nil, err
	}
	params := make([]*tensor.Tensor, 0, len(shapes))
	frozen := eng.Frozen()
	for i, p := range eng.InitParams() {
		if !frozen[i] {
			params = append(params, p.Copy())
		}
	}
	return &Worker{
		tr:           tr,
		codec:        codec,
		eng:          eng,
		flavour:      flavour,
		pointToPoint: pointToPoint,
		params:       params,
		log:          slog.Default().With("role", "worker", "rank", tr.Rank()),
	}, nil
}

// SetAdversary puts the worker in the simulated fail set: every outgoing
// gradient is corrupted with the adversary's error mode.
func (w *Worker) SetAdversary(a *Adversary) { w.adversary = a }

// Run loops until the coordinator stops broadcasting steps (transport
// EOF) or the transport fails.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := w.awaitStep()
		if transport.IsEOF(err) {
			w.log.Info("coordinator closed the stream, stopping", "step", w.step)
			return nil
		}
		if err != nil {
			return err
		}
		if next == w.step {
			// Duplicate announcement; the previous reply is still in
			// flight.
			continue
		}
		w.step = next
		w.log.Debug("entering step", "step", w.step)

		if err := w.fetchParams(); err != nil {
			if transport.IsEOF(err) {
				return nil
			}
			return err
		}
		payloads, err := w.computePayloads()
		if err != nil {
			return err
		}
		if err := w.sendGradients(payloads); err != nil {
			if transport.IsEOF(err) {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) awaitStep() (int64, error) {
	h, err := w.tr.Recv(0, transport.StepTag)
	if err != nil {
		return 0, fmt.Errorf("posting step receive: %w", err)
	}
	_, payload, err := transport.Wait(h)
	if err != nil {
		return 0, err
	}
	return wire.DecodeStep(payload)
}

func (w *Worker) fetchParams() error {
	for li, p := range w.params {
		var payload []byte
		var err error
		if w.pointToPoint {
			h, recvErr := w.tr.Recv(0, transport.ParamTag(li))
			if recvErr != nil {
				return fmt.Errorf("posting parameter receive: %w", recvErr)
			}
			_, payload, err = transport.Wait(h)
		} else {
			payload, err = w.tr.Broadcast(0, transport.ParamTag(li), nil)
		}
		if err != nil {
			return err
		}
		values, err := wire.DecodeFloats(payload)
		if err != nil {
			return fmt.Errorf("parameter payload for layer %d: %w", li, err)
		}
		if len(values) != p.Size() {
			return fmt.Errorf("parameter payload for layer %d has %d elements, want %d", li, len(values), p.Size())
		}
		copy(p.Data, values)
	}
	return nil
}

func (w *Worker) computePayloads() ([][]float64, error) {
	batches := w.flavour.Batches(w.step)
	perBatch := make([][]*tensor.Tensor, len(batches))
	for i, b := range batches {
		grads, err := w.eng.Compute(w.params, b)
		if err != nil {
			return nil, fmt.Errorf("gradient computation on batch [%d, %d): %w", b.Lo, b.Hi, err)
		}
		if len(grads) != len(w.params) {
			return nil, fmt.Errorf("engine produced %d gradients, want %d", len(grads), len(w.params))
		}
		perBatch[i] = grads
	}
	payloads, err := w.flavour.Transform(perBatch)
	if err != nil {
		return nil, err
	}
	if w.adversary != nil {
		for i := range payloads {
			payloads[i] = w.adversary.Corrupt(payloads[i])
		}
	}
	return payloads, nil
}

// sendGradients transmits in reverse layer order, matching the order
// back-propagation produces gradients, with at most one send in flight.
func (w *Worker) sendGradients(payloads [][]float64) error {
	var last transport.Handle
	for li := len(payloads) - 1; li >= 0; li-- {
		encoded, err := w.codec.Encode(payloads[li])
		if err != nil {
			return fmt.Errorf("encoding layer %d: %w", li, err)
		}
		if last != nil {
			if _, _, err := transport.Wait(last); err != nil {
				return err
			}
		}
		last, err = w.tr.Send(0, transport.GradTag(li), encoded)
		if err != nil {
			return fmt.Errorf("sending layer %d: %w", li, err)
		}
	}
	if last != nil {
		if _, _, err := transport.Wait(last); err != nil {
			return err
		}
	}
	return nil
}
