package server

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/version"
)

// HandleMain serves the landing page: the project README, as the original
// server rendered it.
func (s *MasterServer) HandleMain(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, s.cfg.Server.ReadmePath)
}

// healthResponse is the /health payload.
type healthResponse struct {
	Status               string  `json:"status"`
	Version              string  `json:"version"`
	UptimeSeconds        int64   `json:"uptime_seconds"`
	NumWorkersAvailable  int     `json:"num_workers_available"`
	NumRequestsProcessed uint64  `json:"num_requests_processed"`
	MemoryRSSBytes       uint64  `json:"memory_rss_bytes,omitempty"`
	CPUPercent           float64 `json:"cpu_percent,omitempty"`
}

// HandleHealth reports liveness plus process self-stats.
func (s *MasterServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:               "ok",
		Version:              version.Get().Version,
		UptimeSeconds:        int64(time.Since(s.startTime).Seconds()),
		NumWorkersAvailable:  s.workersAvailable(),
		NumRequestsProcessed: s.requestsProcessed.Load(),
	}

	// Self-stats are best-effort; the endpoint stays useful without them.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			resp.MemoryRSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
