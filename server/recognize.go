package server

import (
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/protocol"
)

// chunkedSession is the HTTP client variant: the request body streams
// audio, and the single JSON response carries the accumulated final
// transcript once the worker closes.
type chunkedSession struct {
	srv *MasterServer

	id        string
	userID    string
	contentID string

	worker *WorkerSession

	// mu guards finalHyp, which the worker read loop appends to while the
	// handler goroutine streams the request body.
	mu       sync.Mutex
	finalHyp string

	// final is the single-delivery rendezvous between the body-end wait
	// and the worker-close path. Buffered so delivery never blocks the
	// worker teardown.
	final       chan string
	deliverOnce sync.Once

	finishOnce sync.Once
}

// HandleRecognize serves POST/PUT chunked recognition requests.
func (s *MasterServer) HandleRecognize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	sess := &chunkedSession{
		srv:       s,
		id:        uuid.NewString(),
		userID:    queryDefault(r, "device-id", "none"),
		contentID: queryDefault(r, "content-id", "none"),
		final:     make(chan string, 1),
	}

	s.logger.Infow("Chunked recognize session open",
		"session_id", sess.id,
		"user_id", sess.userID,
		"content_id", sess.contentID,
	)

	worker, err := s.claimWorker()
	if err != nil {
		s.logger.Warnw("No worker available for client request", "session_id", sess.id)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("No workers available"))
		return
	}

	sess.worker = worker
	worker.setClient(sess)
	s.publishStatus()

	contentType := r.URL.Query().Get("Content-Type")
	if contentType == "" {
		contentType = r.Header.Get("Content-Type")
	}
	var ct *string
	if contentType != "" {
		s.logger.Infow("Using content type",
			"session_id", sess.id,
			"content_type", contentType,
		)
		ct = &contentType
	}

	if err := worker.writeOpen(protocol.OpenRequest{
		ID:          sess.id,
		ContentType: ct,
		UserID:      sess.userID,
		ContentID:   sess.contentID,
	}); err != nil {
		s.logger.Warnw("Failed to send opening frame to worker",
			"session_id", sess.id,
			"error", err,
		)
		sess.finish()
		writeError(w, http.StatusBadGateway, "Worker unavailable")
		return
	}

	if err := sess.streamBody(r.Body); err != nil {
		// Client aborted mid-upload: release the worker and give up on
		// the response; the connection is gone anyway.
		s.logger.Infow("Client aborted chunked upload",
			"session_id", sess.id,
			"error", err,
		)
		sess.finish()
		return
	}

	// End of request body: signal EOS, then wait for the worker to close.
	// A failed EOS write means the worker already dropped; its teardown
	// delivers whatever accumulated, so fall through to the wait.
	if err := worker.writeFrame(websocket.BinaryMessage, []byte(protocol.EOSMarker)); err != nil {
		s.logger.Infow("EOS write failed, worker already gone", "session_id", sess.id)
	}

	s.logger.Infow("Waiting for final result", "session_id", sess.id)

	select {
	case hyp := <-sess.final:
		s.logger.Infow("Final hypothesis ready",
			"session_id", sess.id,
			"transcript", hyp,
		)
		writeJSON(w, http.StatusOK, protocol.RecognizeResponse{
			Status:     protocol.StatusSuccess,
			ID:         sess.id,
			Hypotheses: []protocol.RecognizeHypothesis{{Utterance: hyp}},
		})
		sess.finish()
	case <-r.Context().Done():
		// The HTTP client went away while we waited; still release the
		// worker so nothing leaks.
		s.logger.Infow("Client gone while waiting for final result", "session_id", sess.id)
		sess.finish()
	}
}

// streamBody forwards request-body chunks to the worker as binary frames.
// A worker write failure is not an error here: the body is drained and the
// rendezvous resolves with whatever the worker produced before dropping.
func (c *chunkedSession) streamBody(body io.Reader) error {
	buf := make([]byte, 4096)
	workerGone := false
	for {
		n, err := body.Read(buf)
		if n > 0 && !workerGone {
			c.srv.relayLog.Do(func() {
				c.srv.logger.Debugw("Forwarding body chunk to worker",
					"session_id", c.id,
					"bytes", n,
				)
			})
			if werr := c.worker.writeFrame(websocket.BinaryMessage, buf[:n]); werr != nil {
				c.srv.logger.Infow("Worker write failed mid-upload",
					"session_id", c.id,
					"error", werr,
				)
				workerGone = true
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// SessionID implements clientSession.
func (c *chunkedSession) SessionID() string { return c.id }

// sendEvent implements clientSession: accumulate transcripts from final
// successful events; everything else is logged and ignored.
func (c *chunkedSession) sendEvent(_ []byte, ev *protocol.Event) {
	c.srv.logger.Debugw("Event from worker",
		"session_id", c.id,
		"status", ev.Status,
	)

	if ev.Status != protocol.StatusSuccess || ev.Result == nil ||
		!ev.Result.Final || len(ev.Result.Hypotheses) == 0 {
		return
	}

	c.mu.Lock()
	if len(c.finalHyp) > 0 {
		c.finalHyp += " "
	}
	c.finalHyp += ev.Result.Hypotheses[0].Transcript
	c.mu.Unlock()
}

// workerClosed implements clientSession: deliver the accumulated
// transcript to the blocked response handler, exactly once.
func (c *chunkedSession) workerClosed() {
	c.deliverOnce.Do(func() {
		c.mu.Lock()
		hyp := c.finalHyp
		c.mu.Unlock()
		c.final <- hyp
	})
}

// finish counts the request and releases the worker, exactly once.
func (c *chunkedSession) finish() {
	c.finishOnce.Do(func() {
		c.srv.requestDone()
		if c.worker != nil {
			c.worker.clearClient()
			c.worker.Close()
		}
	})
}
