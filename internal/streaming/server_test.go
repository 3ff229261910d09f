package streaming

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, h *harness) (*httptest.Server, string) {
	t.Helper()
	srv := NewServer(h.coord, testLogger())
	ts := httptest.NewServer(http.HandlerFunc(srv.handle))
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return ts, wsURL
}

func TestViewerReceivesBinaryFLVFrames(t *testing.T) {
	h := newHarness(3, time.Minute)
	_, wsURL := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	waitFor(t, time.Second, func() bool { return h.spawnCount() == 1 })
	h.encoder(0).emit(sampleStream())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []byte
	for len(got) < flvHeaderSize {
		msgType, data, readErr := conn.ReadMessage()
		if readErr != nil {
			t.Fatalf("read failed: %v", readErr)
		}
		if msgType != websocket.BinaryMessage {
			t.Fatalf("message type = %d, want binary", msgType)
		}
		got = append(got, data...)
	}
	if !bytes.HasPrefix(got, []byte("FLV\x01")) {
		t.Errorf("stream does not start with FLV signature: %x", got[:4])
	}
}

func TestAnyPathUpgrades(t *testing.T) {
	h := newHarness(3, time.Minute)
	_, wsURL := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/some/arbitrary/path", nil)
	if err != nil {
		t.Fatalf("dial on arbitrary path failed: %v", err)
	}
	conn.Close()
}

func TestViewerMessagesAreIgnored(t *testing.T) {
	h := newHarness(3, time.Minute)
	_, wsURL := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return h.spawnCount() == 1 })

	// Inbound messages must not disturb the stream.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello?")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	h.encoder(0).emit(sampleStream())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Errorf("stream interrupted after a viewer message: %v", err)
	}
}

func TestDisconnectDetectedByReadLoop(t *testing.T) {
	h := newHarness(3, 50*time.Millisecond)
	_, wsURL := newTestServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.coord.State() == StateRunning })

	conn.Close()

	// The read loop notices, the coordinator drains and then stops the
	// encoder after the grace period.
	waitFor(t, 2*time.Second, func() bool { return h.coord.State() == StateIdle })
}

func TestPlainRequestsTold426(t *testing.T) {
	h := newHarness(3, time.Minute)
	ts, _ := newTestServer(t, h)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
}

func TestMetricsServedOnPlainGet(t *testing.T) {
	h := newHarness(3, time.Minute)
	ts, _ := newTestServer(t, h)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestFaultedViewerGetsPolicyClose(t *testing.T) {
	h := newHarness(1, time.Minute)
	_, wsURL := newTestServer(t, h)

	// Trip the breaker with the first viewer's run.
	first, _, err := websocket.DefaultDialer.Dial(wsURL+"/", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer first.Close()
	waitFor(t, time.Second, func() bool { return h.spawnCount() == 1 })
	h.encoder(0).crash(1)
	waitFor(t, time.Second, func() bool { return h.coord.State() == StateFaulted })

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, readErr := conn.ReadMessage()
	if readErr == nil {
		t.Fatal("expected close, got a message")
	}
	if !websocket.IsCloseError(readErr, websocket.ClosePolicyViolation) {
		t.Errorf("close error = %v, want policy violation (1008)", readErr)
	}
}
