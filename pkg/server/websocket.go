package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Subprotocol is the only WebSocket subprotocol the proxy accepts
const Subprotocol = "mles-websocket"

// HandleWebSocket upgrades requests that ask for the mles-websocket
// subprotocol and serves the session until it ends
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !offersSubprotocol(r) {
		debugLog.Printf("Rejecting WebSocket upgrade from %s: protocols %q", r.RemoteAddr, websocket.Subprotocols(r))
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	select {
	case <-s.shutdown:
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		debugLog.Printf("Failed to upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	s.sessions.Add(1)
	defer s.sessions.Done()

	sess := newSession(conn, s.config, s.metrics)
	s.serveSession(sess)
}

func offersSubprotocol(r *http.Request) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == Subprotocol {
			return true
		}
	}
	return false
}
