// Package server implements the dispatch core of the speech-recognition
// gateway: it pairs client sessions with recognition workers, relays audio
// and result events between them, and fans out broker status to observers.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/config"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/errors"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/protocol"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to a peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from a status observer
	pongWait = 60 * time.Second

	// Send pings to status observers with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Outbound buffer per status observer; frames beyond this are coalesced
	statusSendBuffer = 8
)

// ErrNoWorkerAvailable is returned by claimWorker when the registry is
// empty. Surfaced to clients as 503 (HTTP) or a status event (websocket).
var ErrNoWorkerAvailable = errors.New("no worker available")

// MasterServer brokers client sessions and recognition workers.
//
// Shared mutable state is limited to the idle-worker registry, the status
// observer set, and the processed-request counter; each is serialized
// independently (one mutex, one mutex, one atomic) and never held across a
// call into another.
type MasterServer struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	// mu guards available. A worker is in this set iff it is idle.
	mu        sync.Mutex
	available map[*WorkerSession]struct{}

	statusHub *StatusHub
	refStore  *ReferenceStore

	requestsProcessed atomic.Uint64

	httpServer *http.Server
	startTime  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// relayLog throttles the per-frame relay logging so audio streaming
	// does not flood the log at debug verbosity.
	relayLog rate.Sometimes
}

// NewMasterServer creates a broker with an empty worker registry.
func NewMasterServer(cfg *config.Config, log *zap.SugaredLogger) *MasterServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &MasterServer{
		cfg:       cfg,
		logger:    log,
		available: make(map[*WorkerSession]struct{}),
		refStore:  NewReferenceStore(cfg.Reference.Path, log),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		relayLog:  rate.Sometimes{First: 3, Interval: time.Second},
	}
	s.statusHub = NewStatusHub(log)
	return s
}

// addWorker inserts a worker into the idle registry and publishes status.
// Idempotent.
func (s *MasterServer) addWorker(w *WorkerSession) {
	s.mu.Lock()
	s.available[w] = struct{}{}
	total := len(s.available)
	s.mu.Unlock()

	s.logger.Infow("New worker available", "workers_available", total)
	s.publishStatus()
}

// removeWorker removes a worker from the idle registry if present and
// reports whether it was there. Idempotent; a claimed worker is a no-op.
func (s *MasterServer) removeWorker(w *WorkerSession) bool {
	s.mu.Lock()
	_, ok := s.available[w]
	delete(s.available, w)
	s.mu.Unlock()
	return ok
}

// claimWorker atomically pops an idle worker. Which worker is picked is
// whatever map iteration yields first; clients must not rely on any order.
func (s *MasterServer) claimWorker() (*WorkerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for w := range s.available {
		delete(s.available, w)
		return w, nil
	}
	return nil, ErrNoWorkerAvailable
}

// workersAvailable returns the current idle-registry cardinality.
func (s *MasterServer) workersAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.available)
}

func (s *MasterServer) statusFrame() protocol.StatusFrame {
	return protocol.StatusFrame{
		NumWorkersAvailable:  s.workersAvailable(),
		NumRequestsProcessed: s.requestsProcessed.Load(),
	}
}

func (s *MasterServer) publishStatus() {
	s.statusHub.Publish(s.statusFrame())
}

// requestDone counts one completed request and publishes status. Called
// exactly once per session that successfully claimed a worker.
func (s *MasterServer) requestDone() {
	s.requestsProcessed.Add(1)
	s.publishStatus()
}

// Start binds the listening port and begins serving. Non-blocking; returns
// once the listener is bound.
func (s *MasterServer) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to bind port %d", port)
	}

	s.httpServer = &http.Server{
		Handler: s.Handler(),
		// No global read/write timeouts: websocket and chunked upload
		// sessions are long-lived by design.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server ready",
		"url", fmt.Sprintf("http://localhost:%d", port),
		"port", port,
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections, then closes the idle worker sockets
// and all status observers. Websocket sessions of paired workers and their
// clients are not closed here.
func (s *MasterServer) Shutdown(ctx context.Context) error {
	s.logger.Infow("Shutting down")
	s.cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	// The registry holds only idle workers, so none of these has a client.
	s.mu.Lock()
	workers := make([]*WorkerSession, 0, len(s.available))
	for w := range s.available {
		workers = append(workers, w)
	}
	s.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}

	s.statusHub.CloseAll()
	return err
}
