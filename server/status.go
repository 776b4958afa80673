package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/protocol"
)

// StatusHub maintains the set of status observers and pushes counter
// snapshots to them on change.
//
// Publishing never blocks on a slow observer: each observer has a small
// buffered channel drained by its write pump, and a frame that does not fit
// is dropped for that observer (the next frame carries newer state anyway).
type StatusHub struct {
	logger *zap.SugaredLogger

	mu        sync.Mutex
	observers map[*StatusObserver]struct{}
}

// StatusObserver is one live monitoring connection.
type StatusObserver struct {
	hub  *StatusHub
	conn *websocket.Conn

	// mu guards send against a Publish racing the observer's close.
	mu     sync.Mutex
	send   chan protocol.StatusFrame
	closed bool
}

// NewStatusHub creates an empty observer set.
func NewStatusHub(log *zap.SugaredLogger) *StatusHub {
	return &StatusHub{
		logger:    log,
		observers: make(map[*StatusObserver]struct{}),
	}
}

// Attach registers an observer and queues the current frame to it only.
func (h *StatusHub) Attach(obs *StatusObserver, current protocol.StatusFrame) {
	h.mu.Lock()
	h.observers[obs] = struct{}{}
	total := len(h.observers)
	h.mu.Unlock()

	h.logger.Infow("New status listener", "listeners", total)
	obs.offer(current, h.logger)
}

// Detach removes an observer. Idempotent.
func (h *StatusHub) Detach(obs *StatusObserver) {
	h.mu.Lock()
	_, ok := h.observers[obs]
	delete(h.observers, obs)
	total := len(h.observers)
	h.mu.Unlock()

	if ok {
		h.logger.Infow("Status listener left", "listeners", total)
	}
}

// Publish queues a frame to every observer.
func (h *StatusHub) Publish(frame protocol.StatusFrame) {
	h.mu.Lock()
	observers := make([]*StatusObserver, 0, len(h.observers))
	for obs := range h.observers {
		observers = append(observers, obs)
	}
	h.mu.Unlock()

	for _, obs := range observers {
		obs.offer(frame, h.logger)
	}
}

// CloseAll closes every observer connection. Used on shutdown.
func (h *StatusHub) CloseAll() {
	h.mu.Lock()
	observers := make([]*StatusObserver, 0, len(h.observers))
	for obs := range h.observers {
		observers = append(observers, obs)
	}
	h.observers = make(map[*StatusObserver]struct{})
	h.mu.Unlock()

	for _, obs := range observers {
		obs.close()
	}
}

// offer queues a frame without blocking; a full buffer means the observer
// is behind and this frame coalesces into the next one.
func (o *StatusObserver) offer(frame protocol.StatusFrame, log *zap.SugaredLogger) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	select {
	case o.send <- frame:
	default:
		log.Debugw("Status observer behind, dropping frame")
	}
}

func (o *StatusObserver) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.send)
}

// writePump drains queued status frames to the observer connection and
// keeps it alive with pings.
func (o *StatusObserver) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages and detects the peer going away.
func (o *StatusObserver) readPump() {
	defer func() {
		o.hub.Detach(o)
		o.close()
		o.conn.Close()
	}()

	o.conn.SetReadLimit(512)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// HandleStatusSocket upgrades a monitoring connection and attaches it to
// the status hub. Inbound messages are ignored.
func (s *MasterServer) HandleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Status socket upgrade failed", "error", err)
		return
	}

	obs := &StatusObserver{
		hub:  s.statusHub,
		conn: conn,
		send: make(chan protocol.StatusFrame, statusSendBuffer),
	}

	s.statusHub.Attach(obs, s.statusFrame())

	go obs.writePump()
	go obs.readPump()
}
