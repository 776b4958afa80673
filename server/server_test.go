package server

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/config"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/protocol"
)

// newTestServer builds a broker mounted in an httptest server.
func newTestServer(t *testing.T) (*MasterServer, *httptest.Server) {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:       0,
			StaticDir:  dir,
			ReadmePath: filepath.Join(dir, "README.md"),
		},
		Reference: config.ReferenceConfig{
			Path: filepath.Join(dir, "reference-content.json"),
		},
	}

	srv := NewMasterServer(cfg, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// testWorker is a fake recognition worker speaking the worker protocol.
type testWorker struct {
	t    *testing.T
	conn *websocket.Conn
}

// dialWorker connects a fake worker and waits for it to appear in the
// registry. Call before starting any client so the count is unambiguous.
func dialWorker(t *testing.T, srv *MasterServer, ts *httptest.Server) *testWorker {
	t.Helper()
	before := srv.workersAvailable()
	conn := dialWS(t, wsURL(ts, "/worker/ws/speech"))
	w := &testWorker{t: t, conn: conn}
	waitFor(t, func() bool { return srv.workersAvailable() == before+1 }, "worker registered")
	return w
}

// readOpen reads and decodes the opening control frame.
func (w *testWorker) readOpen() protocol.OpenRequest {
	w.t.Helper()
	w.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		w.t.Fatalf("worker failed to read opening frame: %v", err)
	}
	if mt != websocket.TextMessage {
		w.t.Fatalf("opening frame type = %d, want text", mt)
	}
	var open protocol.OpenRequest
	if err := json.Unmarshal(data, &open); err != nil {
		w.t.Fatalf("opening frame unparseable: %v", err)
	}
	return open
}

// collectUntilEOS reads binary frames until the EOS marker and returns the
// audio payloads (EOS excluded).
func (w *testWorker) collectUntilEOS() [][]byte {
	w.t.Helper()
	var frames [][]byte
	for {
		w.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.t.Fatalf("worker read failed before EOS: %v", err)
		}
		if string(data) == protocol.EOSMarker {
			return frames
		}
		frames = append(frames, data)
	}
}

// sendEvent sends one JSON event to the broker.
func (w *testWorker) sendEvent(ev protocol.Event) {
	w.t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		w.t.Fatalf("failed to marshal event: %v", err)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.t.Fatalf("worker failed to send event: %v", err)
	}
}

// finalEvent builds a successful final event with one transcript.
func finalEvent(transcript string) protocol.Event {
	return protocol.Event{
		Status: protocol.StatusSuccess,
		Result: &protocol.Result{
			Final:      true,
			Hypotheses: []protocol.Hypothesis{{Transcript: transcript}},
		},
	}
}

// expectClosed asserts the worker connection gets closed by the broker.
func (w *testWorker) expectClosed() {
	w.t.Helper()
	w.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}
