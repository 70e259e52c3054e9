package fakegateway_test

import (
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/sselink/internal/fakegateway"
)

func TestGatewayScriptsStreams(t *testing.T) {
	gw := fakegateway.New()
	defer gw.Close()
	gw.Handle("Feed", func(s *fakegateway.Stream) {
		s.Comment("hello")
		s.Next(`{"a":1}`)
		s.Event("next", "line1\nline2")
		s.Complete()
	})

	resp, err := http.Get(gw.URL() + "?operationName=Feed&query=subscription")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t,
		": hello\n\n"+
			"event: next\ndata: {\"a\":1}\n\n"+
			"event: next\ndata: line1\ndata: line2\n\n"+
			"event: complete\n\n",
		string(body))

	assert.Equal(t, 1, gw.Connects("Feed"))
	reqs := gw.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "subscription", reqs[0].Query)
	assert.Equal(t, "Feed", reqs[0].OperationName)
}

func TestGatewayCountsAttempts(t *testing.T) {
	gw := fakegateway.New()
	defer gw.Close()

	var mu sync.Mutex
	var attempts []int
	gw.Handle("Feed", func(s *fakegateway.Stream) {
		mu.Lock()
		attempts = append(attempts, s.Attempt)
		mu.Unlock()
		s.Complete()
	})

	for i := 0; i < 3; i++ {
		resp, err := http.Get(gw.URL() + "?operationName=Feed")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 3, gw.Connects("Feed"))
}

func TestGatewayRejectsUnknownOperations(t *testing.T) {
	gw := fakegateway.New()
	defer gw.Close()

	resp, err := http.Get(gw.URL() + "?operationName=Ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGatewayReject(t *testing.T) {
	gw := fakegateway.New()
	defer gw.Close()
	gw.Handle("Feed", func(s *fakegateway.Stream) {
		s.Reject(http.StatusServiceUnavailable, "draining")
	})

	resp, err := http.Get(gw.URL() + "?operationName=Feed")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "draining\n", string(body))
}
