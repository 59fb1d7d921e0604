package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyrti/redpill/internal/emulator"
	"github.com/vyrti/redpill/internal/manager"
	"github.com/vyrti/redpill/internal/session"
)

func tabHandle(r *http.Request) session.Handle {
	return session.Handle(chi.URLParam(r, "tab"))
}

func (a *API) ListTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Manager.Tabs())
}

// OpenLocalTab starts an ad-hoc local shell.
func (a *API) OpenLocalTab(w http.ResponseWriter, r *http.Request) {
	h, err := a.Manager.OpenLocal(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := a.Manager.Tab(h)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type TabResponse struct {
	manager.TabInfo
	Snapshot emulator.Snapshot `json:"snapshot"`
}

// GetTab describes a tab and returns its current screen.
func (a *API) GetTab(w http.ResponseWriter, r *http.Request) {
	h := tabHandle(r)
	info, err := a.Manager.Tab(h)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := a.Manager.ReadSnapshot(h)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TabResponse{TabInfo: info, Snapshot: snap})
}

func (a *API) CloseTab(w http.ResponseWriter, r *http.Request) {
	if err := a.Manager.Close(tabHandle(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
