package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/nmxmxh/orgmesh/internal/core"
	"github.com/nmxmxh/orgmesh/internal/mesh"
	"github.com/nmxmxh/orgmesh/internal/telemetry"
)

const maxBodySize = 16 << 20

// opsServer exposes the node's state and gossip controls over HTTP
type opsServer struct {
	coord   *mesh.Coordinator
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func newOpsHandler(coord *mesh.Coordinator, metrics *telemetry.Metrics, logger *slog.Logger) http.Handler {
	s := &opsServer{coord: coord, metrics: metrics, logger: logger.With("component", "ops-http")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", metrics.MetricsHandler())
	mux.Handle("GET /v1/state", metrics.Instrument("export", http.HandlerFunc(s.exportState)))
	mux.Handle("POST /v1/state/merge", metrics.Instrument("merge", http.HandlerFunc(s.mergeState)))
	mux.Handle("POST /v1/broadcast", metrics.Instrument("broadcast", http.HandlerFunc(s.broadcast)))
	mux.Handle("GET /v1/peers", metrics.Instrument("peers", http.HandlerFunc(s.peers)))
	mux.Handle("GET /v1/orgs/{id}", metrics.Instrument("get_org", http.HandlerFunc(s.getOrg)))
	mux.Handle("PUT /v1/orgs/{id}/{field}", metrics.Instrument("update_org", http.HandlerFunc(s.updateOrg)))
	return mux
}

func (s *opsServer) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *opsServer) exportState(w http.ResponseWriter, _ *http.Request) {
	data, err := s.coord.State().ExportState()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// mergeState absorbs a peer export. X-Peer-ID names the source in logs.
func (s *opsServer) mergeState(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	peerID := r.Header.Get("X-Peer-ID")
	if peerID == "" {
		peerID = r.RemoteAddr
	}
	if err := s.coord.SyncFrom(r.Context(), peerID, data); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *opsServer) broadcast(w http.ResponseWriter, r *http.Request) {
	msg, err := s.coord.BroadcastOnce(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *opsServer) peers(w http.ResponseWriter, _ *http.Request) {
	peers := []string{}
	if node := s.coord.Node(); node != nil {
		peers = node.Peers()
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *opsServer) getOrg(w http.ResponseWriter, r *http.Request) {
	org, err := s.coord.State().GetOrg(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// updateOrg sets one field from a JSON scalar body, e.g. "Acme" or 5.
func (s *opsServer) updateOrg(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		http.Error(w, "body must be a JSON value", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.coord.State().UpdateOrg(r.Context(), id, r.PathValue("field"), value); err != nil {
		s.writeError(w, err)
		return
	}
	org, err := s.coord.State().GetOrg(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *opsServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrSerialization):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNoBackend):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
