package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagHelpers(t *testing.T) {
	assert.Equal(t, uint16(11), ParamTag(0))
	assert.Equal(t, uint16(88), GradTag(0))
	assert.Equal(t, uint16(90), GradTag(2))
	assert.Nil(t, ValidateTagSpace(1))
	assert.Nil(t, ValidateTagSpace(77))
	assert.NotNil(t, ValidateTagSpace(78))
	assert.NotNil(t, ValidateTagSpace(0))
}

func TestSendRecvRoundTrip(t *testing.T) {
	net := NewNetwork(2)
	defer net.Close()
	a, b := net.Endpoint(0), net.Endpoint(1)

	sh, err := a.Send(1, StepTag, []byte{1, 2, 3})
	require.Nil(t, err)
	_, _, err = Wait(sh)
	require.Nil(t, err)

	rh, err := b.Recv(0, StepTag)
	require.Nil(t, err)
	st, payload, err := Wait(rh)
	require.Nil(t, err)
	assert.Equal(t, 0, st.Source)
	assert.Equal(t, StepTag, st.Tag)
	assert.Equal(t, []byte{1, 2, 3}, payload)
}

func TestPerSourceTagFIFO(t *testing.T) {
	net := NewNetwork(2)
	defer net.Close()
	a, b := net.Endpoint(0), net.Endpoint(1)

	for i := byte(0); i < 10; i++ {
		h, err := a.Send(1, GradTag(0), []byte{i})
		require.Nil(t, err)
		_, _, err = Wait(h)
		require.Nil(t, err)
	}
	for i := byte(0); i < 10; i++ {
		h, err := b.Recv(0, GradTag(0))
		require.Nil(t, err)
		_, payload, err := Wait(h)
		require.Nil(t, err)
		assert.Equal(t, []byte{i}, payload, "same (source, tag) messages must arrive in send order")
	}
}

func TestCrossTagDemux(t *testing.T) {
	net := NewNetwork(2)
	defer net.Close()
	a, b := net.Endpoint(0), net.Endpoint(1)

	_, err := a.Send(1, GradTag(1), []byte("second"))
	require.Nil(t, err)
	_, err = a.Send(1, GradTag(0), []byte("first"))
	require.Nil(t, err)

	// Receiving in the opposite order of the sends works because tags
	// demultiplex into independent streams.
	h0, err := b.Recv(0, GradTag(0))
	require.Nil(t, err)
	_, p0, err := Wait(h0)
	require.Nil(t, err)
	assert.Equal(t, "first", string(p0))

	h1, err := b.Recv(0, GradTag(1))
	require.Nil(t, err)
	_, p1, err := Wait(h1)
	require.Nil(t, err)
	assert.Equal(t, "second", string(p1))
}

func TestWaitAnyReturnsCompleted(t *testing.T) {
	net := NewNetwork(3)
	defer net.Close()
	coord := net.Endpoint(0)

	h1, err := coord.Recv(1, GradTag(0))
	require.Nil(t, err)
	h2, err := coord.Recv(2, GradTag(0))
	require.Nil(t, err)

	_, err = net.Endpoint(2).Send(0, GradTag(0), []byte{9})
	require.Nil(t, err)

	idx, st, payload, err := WaitAnyTimeout([]Handle{h1, h2}, time.Second)
	require.Nil(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 2, st.Source)
	assert.Equal(t, []byte{9}, payload)
}

func TestWaitAnyTimeout(t *testing.T) {
	net := NewNetwork(2)
	defer net.Close()
	h, err := net.Endpoint(0).Recv(1, GradTag(0))
	require.Nil(t, err)

	_, _, _, err = WaitAnyTimeout([]Handle{h}, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestBroadcast(t *testing.T) {
	net := NewNetwork(3)
	defer net.Close()

	payload := []byte("params")
	results := make(chan []byte, 2)
	for rank := 1; rank <= 2; rank++ {
		go func(rank int) {
			got, err := net.Endpoint(rank).Broadcast(0, ParamTag(0), nil)
			require.Nil(t, err)
			results <- got
		}(rank)
	}
	_, err := net.Endpoint(0).Broadcast(0, ParamTag(0), payload)
	require.Nil(t, err)
	for i := 0; i < 2; i++ {
		assert.Equal(t, payload, <-results)
	}
}

func TestCloseUnblocksReceivers(t *testing.T) {
	net := NewNetwork(2)
	h, err := net.Endpoint(1).Recv(0, StepTag)
	require.Nil(t, err)

	go net.Close()
	_, _, err = Wait(h)
	assert.True(t, IsEOF(err))
}

func TestRecvDrainsQueuedAfterClose(t *testing.T) {
	net := NewNetwork(2)
	_, err := net.Endpoint(0).Send(1, StepTag, []byte{7})
	require.Nil(t, err)
	time.Sleep(10 * time.Millisecond)
	net.Close()

	h, err := net.Endpoint(1).Recv(0, StepTag)
	require.Nil(t, err)
	_, payload, err := Wait(h)
	require.Nil(t, err)
	assert.Equal(t, []byte{7}, payload)
}
