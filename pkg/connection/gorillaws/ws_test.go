package gorillaws_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/sselink/pkg/connection"
	"github.com/opsdeck/sselink/pkg/connection/gorillaws"
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
		t.Fatal("session never opened")
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

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func upgradeServer(script func(conn *gorilla.Conn)) *httptest.Server {
	upgrader := gorilla.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
}

// writeThenHold sends the given text frames and then keeps the session open
// until the client goes away.
func writeThenHold(frames ...string) func(*gorilla.Conn) {
	return func(conn *gorilla.Conn) {
		for _, frame := range frames {
			if err := conn.WriteMessage(gorilla.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func openCarrier(t *testing.T, cfg gorillaws.Config) (*gorillaws.Carrier, *captureHandler) {
	t.Helper()
	car := gorillaws.New(cfg)
	h := newCaptureHandler()
	require.NoError(t, car.Open(context.Background(), h))
	t.Cleanup(func() { _ = car.Close() })
	return car, h
}

func TestCarrierStreamsEvents(t *testing.T) {
	srv := upgradeServer(writeThenHold(
		`{"type":"next","payload":{"seq":1}}`,
		`{"type":"heartbeat"}`,
		`{"type":"next","payload":{"seq":2}}`,
		`{"type":"complete"}`,
	))
	defer srv.Close()

	_, h := openCarrier(t, gorillaws.Config{URL: wsURL(srv)})

	h.waitOpen(t)
	assert.Equal(t, recordedEvent{"next", `{"seq":1}`}, h.waitEvent(t))
	assert.Equal(t, recordedEvent{"heartbeat", ""}, h.waitEvent(t))
	assert.Equal(t, recordedEvent{"next", `{"seq":2}`}, h.waitEvent(t))
	assert.Equal(t, recordedEvent{"complete", ""}, h.waitEvent(t))
}

func TestCarrierRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, h := openCarrier(t, gorillaws.Config{URL: wsURL(srv)})

	err := h.waitError(t)
	var status *faults.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusUnauthorized, status.Code)
	assert.Equal(t, "bad token", status.Body)
	assert.Equal(t, faults.Auth, faults.KindOf(err))
	assert.Empty(t, h.openCh, "a rejected handshake must not report open")
}

func TestCarrierMalformedEnvelope(t *testing.T) {
	srv := upgradeServer(writeThenHold(`{"type":`))
	defer srv.Close()

	_, h := openCarrier(t, gorillaws.Config{URL: wsURL(srv)})

	h.waitOpen(t)
	err := h.waitError(t)
	assert.Equal(t, faults.Parse, faults.KindOf(err))
}

func TestCarrierServerDrop(t *testing.T) {
	srv := upgradeServer(func(conn *gorilla.Conn) {
		_ = conn.WriteMessage(gorilla.TextMessage, []byte(`{"type":"next","payload":{"seq":1}}`))
		// Returning closes the TCP connection without a close handshake.
	})
	defer srv.Close()

	_, h := openCarrier(t, gorillaws.Config{URL: wsURL(srv)})

	h.waitOpen(t)
	assert.Equal(t, recordedEvent{"next", `{"seq":1}`}, h.waitEvent(t))

	err := h.waitError(t)
	assert.Equal(t, faults.Network, faults.KindOf(err))
}

func TestCarrierCloseHandshake(t *testing.T) {
	codeCh := make(chan int, 1)
	srv := upgradeServer(func(conn *gorilla.Conn) {
		_ = conn.WriteMessage(gorilla.TextMessage, []byte(`{"type":"next","payload":1}`))
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				var closeErr *gorilla.CloseError
				if errors.As(err, &closeErr) {
					codeCh <- closeErr.Code
				}
				return
			}
		}
	})
	defer srv.Close()

	car, h := openCarrier(t, gorillaws.Config{URL: wsURL(srv)})
	h.waitOpen(t)
	h.waitEvent(t)

	require.NoError(t, car.Close())
	require.NoError(t, car.Close(), "close is idempotent")

	select {
	case code := <-codeCh:
		assert.Equal(t, gorilla.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the close frame")
	}

	select {
	case err := <-h.errCh:
		t.Fatalf("close must not surface an error, got %v", err)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestCarrierPingBecomesHeartbeat(t *testing.T) {
	srv := upgradeServer(func(conn *gorilla.Conn) {
		_ = conn.WriteControl(gorilla.PingMessage, []byte("k"), time.Now().Add(time.Second))
		writeThenHold()(conn)
	})
	defer srv.Close()

	_, h := openCarrier(t, gorillaws.Config{URL: wsURL(srv)})

	h.waitOpen(t)
	assert.Equal(t, recordedEvent{"heartbeat", ""}, h.waitEvent(t))
}

func TestCarrierForwardsHeaders(t *testing.T) {
	headerCh := make(chan http.Header, 1)
	upgrader := gorilla.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerCh <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		writeThenHold()(conn)
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer token-1")
	_, h := openCarrier(t, gorillaws.Config{URL: wsURL(srv), Header: header})
	h.waitOpen(t)

	got := <-headerCh
	assert.Equal(t, "Bearer token-1", got.Get("Authorization"))
}
