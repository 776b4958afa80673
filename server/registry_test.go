package server

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/config"
	"github.com/kdavis-mozilla/kaldi-gstreamer-server/errors"
)

func newBareServer() *MasterServer {
	cfg := &config.Config{}
	return NewMasterServer(cfg, zap.NewNop().Sugar())
}

func TestClaimEmptyRegistry(t *testing.T) {
	srv := newBareServer()

	_, err := srv.claimWorker()
	if !errors.Is(err, ErrNoWorkerAvailable) {
		t.Errorf("claim on empty registry = %v, want ErrNoWorkerAvailable", err)
	}
}

func TestAddRemoveIdempotent(t *testing.T) {
	srv := newBareServer()
	w := &WorkerSession{srv: srv}

	srv.addWorker(w)
	srv.addWorker(w)
	if got := srv.workersAvailable(); got != 1 {
		t.Errorf("size after double add = %d, want 1", got)
	}

	if !srv.removeWorker(w) {
		t.Error("first remove must report presence")
	}
	if srv.removeWorker(w) {
		t.Error("second remove must be a no-op")
	}
	if got := srv.workersAvailable(); got != 0 {
		t.Errorf("size after remove = %d, want 0", got)
	}
}

// TestClaimRemovesFromRegistry: a claimed worker is no longer idle, so a
// second claim cannot return it.
func TestClaimRemovesFromRegistry(t *testing.T) {
	srv := newBareServer()
	w := &WorkerSession{srv: srv}
	srv.addWorker(w)

	claimed, err := srv.claimWorker()
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed != w {
		t.Errorf("claimed %p, want %p", claimed, w)
	}
	if _, err := srv.claimWorker(); !errors.Is(err, ErrNoWorkerAvailable) {
		t.Errorf("second claim = %v, want ErrNoWorkerAvailable", err)
	}
}

// TestConcurrentClaimsUnique: N racing claims over M workers hand out each
// worker at most once.
func TestConcurrentClaimsUnique(t *testing.T) {
	srv := newBareServer()

	const workers = 8
	const claimers = 32

	for i := 0; i < workers; i++ {
		srv.addWorker(&WorkerSession{srv: srv})
	}

	var mu sync.Mutex
	seen := make(map[*WorkerSession]int)
	failures := 0

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := srv.claimWorker()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				return
			}
			seen[w]++
		}()
	}
	wg.Wait()

	if len(seen) != workers {
		t.Errorf("distinct claimed workers = %d, want %d", len(seen), workers)
	}
	for w, n := range seen {
		if n != 1 {
			t.Errorf("worker %p claimed %d times", w, n)
		}
	}
	if failures != claimers-workers {
		t.Errorf("failed claims = %d, want %d", failures, claimers-workers)
	}
	if srv.workersAvailable() != 0 {
		t.Errorf("registry size = %d, want 0", srv.workersAvailable())
	}
}

// TestRace_RegistryChurn exercises add/remove/claim/status interleavings.
// Run with: go test -race -run TestRace_RegistryChurn ./server
func TestRace_RegistryChurn(t *testing.T) {
	srv := newBareServer()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w := &WorkerSession{srv: srv}
				srv.addWorker(w)
				if claimed, err := srv.claimWorker(); err == nil {
					srv.removeWorker(claimed)
				}
				srv.publishStatus()
				srv.requestDone()
			}
		}()
	}
	wg.Wait()

	if got := srv.requestsProcessed.Load(); got != 800 {
		t.Errorf("requests processed = %d, want 800", got)
	}
}
