package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muchq/gradhub/config"
	"github.com/muchq/gradhub/engine"
	"github.com/muchq/gradhub/tensor"
	"github.com/muchq/gradhub/transport"
	"github.com/muchq/gradhub/wire"
)

func startWorker(t *testing.T, net *transport.Network, adversary *Adversary) chan error {
	t.Helper()
	eng := engine.NewConstant(
		[]*tensor.Tensor{tensor.FromData([]float64{0, 0}, 2)},
		[]*tensor.Tensor{tensor.FromData([]float64{1, 2}, 2)},
	)
	w, err := New(net.Endpoint(1), wire.Raw{}, eng, NewBaseline(1, 1, 1, 1), false)
	require.Nil(t, err)
	if adversary != nil {
		w.SetAdversary(adversary)
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	return done
}

func driveStep(t *testing.T, coord *transport.Endpoint, step int64, params []float64) []float64 {
	t.Helper()
	h, err := coord.Send(1, transport.StepTag, wire.EncodeStep(step))
	require.Nil(t, err)
	_, _, err = transport.Wait(h)
	require.Nil(t, err)

	_, err = coord.Broadcast(0, transport.ParamTag(0), wire.EncodeFloats(params))
	require.Nil(t, err)

	gh, err := coord.Recv(1, transport.GradTag(0))
	require.Nil(t, err)
	_, payload, err := transport.Wait(gh)
	require.Nil(t, err)
	values, err := wire.DecodeFloats(payload)
	require.Nil(t, err)
	return values
}

func TestWorkerStepRoundTrip(t *testing.T) {
	net := transport.NewNetwork(2)
	done := startWorker(t, net, nil)

	values := driveStep(t, net.Endpoint(0), 1, []float64{5, 5})
	assert.Equal(t, []float64{1, 2}, values)

	values = driveStep(t, net.Endpoint(0), 2, []float64{4, 4})
	assert.Equal(t, []float64{1, 2}, values)

	net.Close()
	assert.Nil(t, <-done, "transport EOF is a clean stop")
}

func TestWorkerIgnoresDuplicateStep(t *testing.T) {
	net := transport.NewNetwork(2)
	done := startWorker(t, net, nil)

	coord := net.Endpoint(0)
	driveStep(t, coord, 1, []float64{5, 5})

	// A duplicate announcement must not trigger a second reply.
	h, err := coord.Send(1, transport.StepTag, wire.EncodeStep(1))
	require.Nil(t, err)
	_, _, err = transport.Wait(h)
	require.Nil(t, err)

	gh, err := coord.Recv(1, transport.GradTag(0))
	require.Nil(t, err)
	_, _, _, err = transport.WaitAnyTimeout([]transport.Handle{gh}, 100*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrWaitTimeout)

	net.Close()
	assert.Nil(t, <-done)
}

func TestWorkerAppliesAdversary(t *testing.T) {
	net := transport.NewNetwork(2)
	done := startWorker(t, net, NewAdversary(config.ErrModeRevGrad, 1, 1))

	values := driveStep(t, net.Endpoint(0), 1, []float64{5, 5})
	assert.Equal(t, []float64{-1, -2}, values)

	net.Close()
	assert.Nil(t, <-done)
}
