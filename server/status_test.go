package server

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/protocol"
)

// statusObserverConn wraps an observer websocket for frame assertions.
type statusObserverConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialObserver(t *testing.T, ts string) *statusObserverConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts, nil)
	if err != nil {
		t.Fatalf("failed to dial status socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &statusObserverConn{t: t, conn: conn}
}

func (o *statusObserverConn) readFrame() protocol.StatusFrame {
	o.t.Helper()
	o.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame protocol.StatusFrame
	if err := o.conn.ReadJSON(&frame); err != nil {
		o.t.Fatalf("failed to read status frame: %v", err)
	}
	return frame
}

// waitForFrame reads frames until pred holds. Intermediate frames may
// coalesce under load, so only the eventual state is asserted.
func (o *statusObserverConn) waitForFrame(pred func(protocol.StatusFrame) bool, msg string) {
	o.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pred(o.readFrame()) {
			return
		}
	}
	o.t.Fatalf("never observed %s", msg)
}

// TestStatusFanout walks two observers through a worker connect and one
// completed streaming request.
func TestStatusFanout(t *testing.T) {
	srv, ts := newTestServer(t)
	url := wsURL(ts, "/client/ws/status")

	o1 := dialObserver(t, url)
	o2 := dialObserver(t, url)

	// Attach frame reflects the empty broker
	for _, o := range []*statusObserverConn{o1, o2} {
		frame := o.readFrame()
		if frame.NumWorkersAvailable != 0 || frame.NumRequestsProcessed != 0 {
			t.Errorf("attach frame = %+v, want zero counters", frame)
		}
	}

	worker := dialWorker(t, srv, ts)
	for _, o := range []*statusObserverConn{o1, o2} {
		o.waitForFrame(func(f protocol.StatusFrame) bool {
			return f.NumWorkersAvailable == 1
		}, "worker-added frame")
	}

	// One quick streaming session
	client := dialWS(t, wsURL(ts, "/client/ws/speech"))
	worker.readOpen()
	client.Close()
	worker.expectClosed()

	for _, o := range []*statusObserverConn{o1, o2} {
		o.waitForFrame(func(f protocol.StatusFrame) bool {
			return f.NumWorkersAvailable == 0 && f.NumRequestsProcessed == 1
		}, "request-completed frame")
	}
}

// TestStatusObserverDetach: a departing observer leaves the hub; later
// publishes reach the remaining one only.
func TestStatusObserverDetach(t *testing.T) {
	srv, ts := newTestServer(t)
	url := wsURL(ts, "/client/ws/status")

	o1 := dialObserver(t, url)
	o2 := dialObserver(t, url)
	o1.readFrame()
	o2.readFrame()

	o2.conn.Close()
	waitFor(t, func() bool {
		srv.statusHub.mu.Lock()
		defer srv.statusHub.mu.Unlock()
		return len(srv.statusHub.observers) == 1
	}, "observer detached")

	dialWorker(t, srv, ts)
	o1.waitForFrame(func(f protocol.StatusFrame) bool {
		return f.NumWorkersAvailable == 1
	}, "frame after detach")
}

// TestStatusPublishNeverBlocks: publishing to an observer with a full
// buffer drops frames instead of stalling the broker.
func TestStatusPublishNeverBlocks(t *testing.T) {
	hub := NewStatusHub(zap.NewNop().Sugar())
	obs := &StatusObserver{
		hub:  hub,
		send: make(chan protocol.StatusFrame, statusSendBuffer),
	}
	hub.Attach(obs, protocol.StatusFrame{})

	done := make(chan struct{})
	go func() {
		// Far more frames than the buffer holds; no pump is draining
		for i := 0; i < statusSendBuffer*10; i++ {
			hub.Publish(protocol.StatusFrame{NumWorkersAvailable: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}
}
