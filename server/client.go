package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/protocol"
)

// DecoderSession is a streaming websocket client: audio frames in, JSON
// recognition events out. The broker is transparent to the audio encoding;
// inbound frames are relayed to the paired worker verbatim.
type DecoderSession struct {
	srv  *MasterServer
	conn *websocket.Conn

	id          string
	userID      string
	contentID   string
	contentType *string

	// writeMu serializes event writes to the client socket.
	writeMu sync.Mutex

	worker *WorkerSession

	finishOnce sync.Once
}

// HandleDecoderSocket accepts a streaming client, claims a worker, and
// relays frames both ways until either side drops.
func (s *MasterServer) HandleDecoderSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Decoder socket upgrade failed", "error", err)
		return
	}

	sess := &DecoderSession{
		srv:       s,
		conn:      conn,
		id:        uuid.NewString(),
		userID:    queryDefault(r, "user-id", "none"),
		contentID: queryDefault(r, "content-id", "none"),
	}
	if ct := r.URL.Query().Get("content-type"); ct != "" {
		sess.contentType = &ct
	}

	s.logger.Infow("Decoder session open",
		"session_id", sess.id,
		"user_id", sess.userID,
		"content_id", sess.contentID,
	)

	worker, err := s.claimWorker()
	if err != nil {
		s.logger.Warnw("No worker available for client request", "session_id", sess.id)
		sess.writeEvent(protocol.Event{
			Status:  protocol.StatusNotAvailable,
			Message: "No decoder available, try again later",
		})
		conn.Close()
		return
	}

	sess.worker = worker
	worker.setClient(sess)
	s.publishStatus()

	if sess.contentType != nil {
		s.logger.Infow("Using content type",
			"session_id", sess.id,
			"content_type", *sess.contentType,
		)
	}

	if err := worker.writeOpen(protocol.OpenRequest{
		ID:          sess.id,
		ContentType: sess.contentType,
		UserID:      sess.userID,
		ContentID:   sess.contentID,
	}); err != nil {
		s.logger.Warnw("Failed to send opening frame to worker",
			"session_id", sess.id,
			"error", err,
		)
		sess.finish()
		conn.Close()
		return
	}

	sess.readLoop()
}

// SessionID implements clientSession.
func (c *DecoderSession) SessionID() string { return c.id }

// readLoop relays client audio to the worker until the client disconnects
// or the worker write fails.
func (c *DecoderSession) readLoop() {
	defer func() {
		c.finish()
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.srv.logger.Infow("Decoder session connection closed", "session_id", c.id)
			return
		}

		c.srv.relayLog.Do(func() {
			c.srv.logger.Debugw("Forwarding client audio to worker",
				"session_id", c.id,
				"bytes", len(data),
			)
		})

		if err := c.worker.writeFrame(websocket.BinaryMessage, data); err != nil {
			c.srv.logger.Infow("Worker write failed, ending decoder session",
				"session_id", c.id,
				"error", err,
			)
			return
		}
	}
}

// finish runs the teardown exactly once: count the request, publish
// status, and release the worker. Errors on this path are swallowed; the
// session is over either way.
func (c *DecoderSession) finish() {
	c.finishOnce.Do(func() {
		c.srv.requestDone()
		if c.worker != nil {
			c.worker.clearClient()
			c.worker.Close()
		}
	})
}

// sendEvent implements clientSession: forward the worker event to the
// client verbatim as a JSON text frame.
func (c *DecoderSession) sendEvent(raw []byte, _ *protocol.Event) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		// Peer is gone; the read loop observes the close and finishes.
		c.srv.logger.Debugw("Event write to client failed",
			"session_id", c.id,
			"error", err,
		)
	}
}

// workerClosed implements clientSession: the worker is gone, so surface
// end-of-stream to the client by closing the socket. The read loop unwinds
// and runs finish.
func (c *DecoderSession) workerClosed() {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.conn.Close()
}

// writeEvent marshals and sends one event to the client.
func (c *DecoderSession) writeEvent(ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.sendEvent(data, &ev)
}

func queryDefault(r *http.Request, key, fallback string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return fallback
}
