package sse_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/sselink/pkg/connection"
	"github.com/opsdeck/sselink/pkg/connection/sse"
	"github.com/opsdeck/sselink/pkg/faults"
)

type recordedEvent struct {
	name string
	data string
}

type captureHandler struct {
	openCh chan struct{}
	evCh   chan recordedEvent
	errCh  chan error
}

var _ connection.Handler = (*captureHandler)(nil)

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		openCh: make(chan struct{}, 4),
		evCh:   make(chan recordedEvent, 64),
		errCh:  make(chan error, 4),
	}
}

func (h *captureHandler) HandleOpen() {
	h.openCh <- struct{}{}
}

func (h *captureHandler) HandleEvent(name string, data []byte) {
	h.evCh <- recordedEvent{name: name, data: string(data)}
}

func (h *captureHandler) HandleError(err error) {
	h.errCh <- err
}

func (h *captureHandler) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-h.openCh:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never opened")
	}
}

func (h *captureHandler) waitEvent(t *testing.T) recordedEvent {
	t.Helper()
	select {
	case event := <-h.evCh:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived")
		return recordedEvent{}
	}
}

func (h *captureHandler) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no error arrived")
		return nil
	}
}

// streamHandler writes the given frames and then holds the response open
// until the client goes away.
func streamHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		flusher.Flush()

		for _, frame := range frames {
			_, _ = io.WriteString(w, frame)
		}
		flusher.Flush()
		<-r.Context().Done()
	}
}

func openCarrier(t *testing.T, cfg sse.Config) (*sse.Carrier, *captureHandler) {
	t.Helper()
	car := sse.New(cfg)
	h := newCaptureHandler()
	require.NoError(t, car.Open(context.Background(), h))
	t.Cleanup(func() { _ = car.Close() })
	return car, h
}

func TestCarrierStreamsEvents(t *testing.T) {
	srv := httptest.NewServer(streamHandler(
		"event: next\ndata: {\"seq\":1}\n\n",
		": ping\n",
		"event: next\ndata: {\"seq\":2}\n\n",
		"event: complete\n\n",
	))
	defer srv.Close()

	_, h := openCarrier(t, sse.Config{URL: srv.URL})

	h.waitOpen(t)
	assert.Equal(t, recordedEvent{"next", `{"seq":1}`}, h.waitEvent(t))
	assert.Equal(t, recordedEvent{"heartbeat", ""}, h.waitEvent(t))
	assert.Equal(t, recordedEvent{"next", `{"seq":2}`}, h.waitEvent(t))
	assert.Equal(t, recordedEvent{"complete", ""}, h.waitEvent(t))
}

func TestCarrierForwardsHeaders(t *testing.T) {
	headerCh := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerCh <- r.Header.Clone()
		streamHandler("event: complete\n\n")(w, r)
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer token-1")
	header.Set("X-Tenant", "ops")
	_, h := openCarrier(t, sse.Config{URL: srv.URL, Header: header})
	h.waitOpen(t)

	got := <-headerCh
	assert.Equal(t, "Bearer token-1", got.Get("Authorization"))
	assert.Equal(t, "ops", got.Get("X-Tenant"))
	assert.Equal(t, "text/event-stream", got.Get("Accept"))
	assert.Equal(t, "no-cache", got.Get("Cache-Control"))
}

func TestCarrierRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no access", http.StatusForbidden)
	}))
	defer srv.Close()

	_, h := openCarrier(t, sse.Config{URL: srv.URL})

	err := h.waitError(t)
	var status *faults.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusForbidden, status.Code)
	assert.Equal(t, "no access", status.Body)
	assert.Equal(t, faults.Auth, faults.KindOf(err))
	assert.Empty(t, h.openCh, "a rejected dial must not report open")
}

func TestCarrierWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>not a stream</html>")
	}))
	defer srv.Close()

	_, h := openCarrier(t, sse.Config{URL: srv.URL})

	err := h.waitError(t)
	assert.Equal(t, faults.Server, faults.KindOf(err))
	assert.Contains(t, err.Error(), "content type")
	assert.Empty(t, h.openCh)
}

func TestCarrierServerDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "event: next\ndata: {\"seq\":1}\n\n")
		// Returning drops the connection mid-subscription.
	}))
	defer srv.Close()

	_, h := openCarrier(t, sse.Config{URL: srv.URL})

	h.waitOpen(t)
	assert.Equal(t, recordedEvent{"next", `{"seq":1}`}, h.waitEvent(t))

	err := h.waitError(t)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, faults.Network, faults.KindOf(err))
}

func TestCarrierCloseSuppressesCallbacks(t *testing.T) {
	srv := httptest.NewServer(streamHandler("event: next\ndata: {\"seq\":1}\n\n"))
	defer srv.Close()

	car, h := openCarrier(t, sse.Config{URL: srv.URL})
	h.waitOpen(t)
	h.waitEvent(t)

	require.NoError(t, car.Close())
	require.NoError(t, car.Close(), "close is idempotent")

	select {
	case err := <-h.errCh:
		t.Fatalf("close must not surface an error, got %v", err)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestCarrierOpenMisuse(t *testing.T) {
	srv := httptest.NewServer(streamHandler())
	defer srv.Close()

	car, h := openCarrier(t, sse.Config{URL: srv.URL})
	assert.Error(t, car.Open(context.Background(), h), "double open is rejected")

	require.NoError(t, car.Close())
	assert.Error(t, car.Open(context.Background(), h), "reopening a closed carrier is rejected")
}
