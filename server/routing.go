package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// relayUpgrader upgrades worker and decoder-client sockets. Origin checking
// is disabled on purpose: both sides connect from arbitrary hosts and the
// broker performs no authentication (deployment relies on network
// topology).
var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// statusUpgrader upgrades monitoring sockets with gorilla's default
// same-origin policy.
var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler builds the route table.
func (s *MasterServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.HandleMain)
	mux.HandleFunc("/client/ws/speech", s.HandleDecoderSocket)
	mux.HandleFunc("/client/ws/status", s.HandleStatusSocket)
	mux.HandleFunc("/client/dynamic/reference", s.HandleReference)
	mux.HandleFunc("/client/dynamic/recognize", s.HandleRecognize)
	mux.HandleFunc("/worker/ws/speech", s.HandleWorkerSocket)
	mux.Handle("/client/static/",
		http.StripPrefix("/client/static/", http.FileServer(http.Dir(s.cfg.Server.StaticDir))))
	mux.HandleFunc("/health", s.HandleHealth)

	return mux
}
