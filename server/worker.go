package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/protocol"
)

// clientSession is the worker-facing view of either client variant. The
// worker session delivers parsed events through it and notifies it when the
// worker socket closes.
type clientSession interface {
	SessionID() string

	// sendEvent delivers a worker event. raw is the verbatim frame for
	// transparent relay; ev is the parsed form for result accumulation.
	sendEvent(raw []byte, ev *protocol.Event)

	// workerClosed signals that the paired worker is gone. For streaming
	// sessions this surfaces as end-of-stream; for chunked sessions it
	// unblocks the final-result waiter.
	workerClosed()
}

// WorkerSession is one live connection to a recognition worker.
//
// State transitions: Idle (in registry, client == nil) -> Busy (claimed,
// client set) -> Closed. The session never initiates pairing itself; the
// claiming client session calls setClient and later releases the worker by
// closing it.
type WorkerSession struct {
	srv  *MasterServer
	conn *websocket.Conn

	// writeMu serializes all writes to the worker socket so client audio,
	// the opening control frame, and EOS keep their arrival order.
	writeMu sync.Mutex

	mu     sync.Mutex
	client clientSession

	closeOnce sync.Once
}

// HandleWorkerSocket accepts a worker connection and registers it as idle.
// All origins are accepted: workers connect from arbitrary hosts and the
// deployment relies on network topology, not Origin headers.
func (s *MasterServer) HandleWorkerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Worker socket upgrade failed", "error", err)
		return
	}

	ws := &WorkerSession{srv: s, conn: conn}
	s.addWorker(ws)
	ws.readLoop()
}

// setClient pairs the worker with a client session. Called exactly once at
// claim time; the pairing is cleared only by clearClient at release.
func (w *WorkerSession) setClient(c clientSession) {
	w.mu.Lock()
	w.client = c
	w.mu.Unlock()
}

// clearClient drops the pairing so teardown does not call back into a
// client that already finished.
func (w *WorkerSession) clearClient() {
	w.mu.Lock()
	w.client = nil
	w.mu.Unlock()
}

func (w *WorkerSession) currentClient() clientSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client
}

// writeFrame sends one frame to the worker. A write error means the worker
// is gone; the caller treats it as peer close.
func (w *WorkerSession) writeFrame(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(messageType, data)
}

// writeOpen sends the opening JSON control frame after pairing.
func (w *WorkerSession) writeOpen(req protocol.OpenRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return w.writeFrame(websocket.TextMessage, data)
}

// Close releases the worker by closing its socket. The read loop observes
// the close and runs teardown.
func (w *WorkerSession) Close() {
	w.writeMu.Lock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()

	w.conn.Close()
}

// readLoop consumes worker events until the socket closes.
func (w *WorkerSession) readLoop() {
	defer w.teardown()

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.srv.logger.Infow("Worker leaving", "error", err)
			return
		}

		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			w.srv.logger.Errorw("Unparseable event from worker, closing worker session",
				"error", err,
			)
			w.conn.Close()
			return
		}

		client := w.currentClient()
		if client == nil {
			// Protocol violation: events are only valid while paired.
			// Contained to this worker session, never fatal to the process.
			w.srv.logger.Errorw("Worker sent event while unpaired, closing worker session",
				"status", ev.Status,
			)
			w.conn.Close()
			return
		}

		client.sendEvent(data, &ev)
	}
}

// teardown runs exactly once when the worker socket is done: remove from
// the registry (no-op if claimed), notify any paired client, publish.
func (w *WorkerSession) teardown() {
	w.closeOnce.Do(func() {
		w.srv.removeWorker(w)

		w.mu.Lock()
		client := w.client
		w.client = nil
		w.mu.Unlock()

		w.conn.Close()

		if client != nil {
			w.srv.logger.Infow("Worker closed while paired, ending client session",
				"session_id", client.SessionID(),
			)
			client.workerClosed()
		}

		w.srv.publishStatus()
	})
}
