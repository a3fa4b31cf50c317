package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestWorker(t *testing.T, hub *Hub, rank, world int) *Link {
	t.Helper()
	link, err := DialWorker("ws://"+hub.Addr()+WSPath, rank, world)
	require.Nil(t, err)
	return link
}

func TestHubJoinAndExchange(t *testing.T) {
	hub, err := ListenHub("127.0.0.1:0", 3)
	require.Nil(t, err)
	defer hub.Close()

	w1 := dialTestWorker(t, hub, 1, 3)
	defer w1.Close()
	w2 := dialTestWorker(t, hub, 2, 3)
	defer w2.Close()
	require.Nil(t, hub.WaitReady(5*time.Second))

	// Coordinator -> worker.
	sh, err := hub.Send(1, StepTag, []byte{1})
	require.Nil(t, err)
	_, _, err = Wait(sh)
	require.Nil(t, err)

	rh, err := w1.Recv(0, StepTag)
	require.Nil(t, err)
	st, payload, err := Wait(rh)
	require.Nil(t, err)
	assert.Equal(t, 0, st.Source)
	assert.Equal(t, []byte{1}, payload)

	// Worker -> coordinator, demultiplexed by source rank.
	_, err = w2.Send(0, GradTag(0), []byte{42})
	require.Nil(t, err)
	gh, err := hub.Recv(2, GradTag(0))
	require.Nil(t, err)
	st, payload, err = Wait(gh)
	require.Nil(t, err)
	assert.Equal(t, 2, st.Source)
	assert.Equal(t, GradTag(0), st.Tag)
	assert.Equal(t, []byte{42}, payload)
}

func TestHubFIFOPerSourceTag(t *testing.T) {
	hub, err := ListenHub("127.0.0.1:0", 2)
	require.Nil(t, err)
	defer hub.Close()

	w1 := dialTestWorker(t, hub, 1, 2)
	defer w1.Close()
	require.Nil(t, hub.WaitReady(5*time.Second))

	for i := byte(0); i < 8; i++ {
		_, err := w1.Send(0, GradTag(3), []byte{i})
		require.Nil(t, err)
	}
	for i := byte(0); i < 8; i++ {
		h, err := hub.Recv(1, GradTag(3))
		require.Nil(t, err)
		_, payload, err := Wait(h)
		require.Nil(t, err)
		assert.Equal(t, []byte{i}, payload)
	}
}

func TestHubBroadcast(t *testing.T) {
	hub, err := ListenHub("127.0.0.1:0", 3)
	require.Nil(t, err)
	defer hub.Close()

	w1 := dialTestWorker(t, hub, 1, 3)
	defer w1.Close()
	w2 := dialTestWorker(t, hub, 2, 3)
	defer w2.Close()
	require.Nil(t, hub.WaitReady(5*time.Second))

	payload := []byte("layer-0")
	results := make(chan []byte, 2)
	for _, link := range []*Link{w1, w2} {
		go func(l *Link) {
			got, err := l.Broadcast(0, ParamTag(0), nil)
			require.Nil(t, err)
			results <- got
		}(link)
	}
	_, err = hub.Broadcast(0, ParamTag(0), payload)
	require.Nil(t, err)
	for i := 0; i < 2; i++ {
		assert.Equal(t, payload, <-results)
	}
}

func TestHubCloseIsWorkerEOF(t *testing.T) {
	hub, err := ListenHub("127.0.0.1:0", 2)
	require.Nil(t, err)

	w1 := dialTestWorker(t, hub, 1, 2)
	defer w1.Close()
	require.Nil(t, hub.WaitReady(5*time.Second))

	h, err := w1.Recv(0, StepTag)
	require.Nil(t, err)
	hub.Close()

	_, _, err = Wait(h)
	assert.True(t, IsEOF(err))
}

func TestHubRejectsUnknownRankSend(t *testing.T) {
	hub, err := ListenHub("127.0.0.1:0", 2)
	require.Nil(t, err)
	defer hub.Close()

	_, err = hub.Send(1, StepTag, nil)
	assert.ErrorIs(t, err, ErrTransportFailure)
}
