package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes mounts the signaling, health and metrics endpoints.
func (h *SignalingHandler) SetupRoutes(r *mux.Router, wsPath string) {
	r.HandleFunc(wsPath, h.HandleWebSocket)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
}

func (h *SignalingHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	census := h.mgr.Census()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"rooms":  h.mgr.Count(),
		"users":  census.Users,
	})
}
