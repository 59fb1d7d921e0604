package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/terminal"
)

type GroupRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id"`
	Color    *string `json:"color"`
}

func (a *API) ListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.catalogue().Groups())
}

func (a *API) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	g := catalogue.NewGroup(req.Name)
	g.ParentID = req.ParentID
	g.Color = req.Color
	created, err := a.catalogue().AddGroup(g)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateGroup renames, recolours or reparents a group.
func (a *API) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	g := catalogue.Group{ID: chi.URLParam(r, "id"), Name: req.Name, ParentID: req.ParentID, Color: req.Color}
	if err := a.catalogue().UpdateGroup(g); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := a.catalogue().Group(g.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	if recursive(r) {
		err = a.catalogue().DeleteGroupRecursive(id)
	} else {
		err = a.catalogue().DeleteGroup(id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ConnectResult struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Handle    string `json:"handle,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

type ConnectResponse struct {
	Total   int             `json:"total"`
	Opened  int             `json:"opened"`
	Failed  int             `json:"failed"`
	Results []ConnectResult `json:"results"`
}

// ConnectGroup opens a tab for every session in the group.
func (a *API) ConnectGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	connect := a.Manager.MassConnect
	if recursive(r) {
		connect = a.Manager.MassConnectRecursive
	}
	results, err := connect(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ConnectResponse{Total: len(results), Results: make([]ConnectResult, len(results))}
	for i, res := range results {
		out := ConnectResult{SessionID: res.SessionID, Name: res.Name, Handle: string(res.Handle)}
		if res.Err != nil {
			out.Error = res.Err.Error()
			out.Kind = terminal.KindOf(res.Err).String()
			resp.Failed++
		} else {
			resp.Opened++
		}
		resp.Results[i] = out
	}
	writeJSON(w, http.StatusOK, resp)
}
