package conn

import (
	"encoding/json"
	"net/http"
)

// AgentVersion is reported by the info endpoint and exchanged during
// version negotiation logging; it is not part of the wire protocol
// version, which is codec.ProtocolVersion.
const AgentVersion = "0.1.0"

// RegisterHealthRoutes mounts the out-of-band health/info endpoints
// used by mDNS discovery clients and monitoring probes, separate from
// the session wire protocol served by Serve.
func (s *Server) RegisterHealthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type infoResponse struct {
	Version     string `json:"version"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Version:     AgentVersion,
		Connections: s.Registry.ConnectionCount(),
		Sessions:    s.Registry.SessionCount(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
