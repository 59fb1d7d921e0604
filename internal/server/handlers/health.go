package handlers

import (
	"net/http"
)

type HealthResponse struct {
	Status string `json:"status"`
	Tabs   int    `json:"tabs,omitempty"`
}

// Health returns the health status of the server
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready reports ready once the catalogue is loaded.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.Manager == nil || a.catalogue() == nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "starting"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Tabs: len(a.Manager.Tabs())})
}
