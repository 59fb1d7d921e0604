package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/credentials"
)

// ListSessions returns every session, the sessions of ?group=, or the
// fuzzy matches for ?q= best first.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("q") != "":
		writeJSON(w, http.StatusOK, a.catalogue().Search(q.Get("q")))
	case q.Get("group") != "":
		list, err := a.catalogue().SessionsInGroup(q.Get("group"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	default:
		writeJSON(w, http.StatusOK, a.catalogue().Sessions())
	}
}

func (a *API) CreateSession(w http.ResponseWriter, r *http.Request) {
	var s catalogue.Session
	if err := decode(r, &s); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	created, err := a.catalogue().AddSession(s)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.catalogue().Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var s catalogue.Session
	if err := decode(r, &s); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	s.ID = chi.URLParam(r, "id")
	updated, err := a.catalogue().UpdateSession(s)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.catalogue().DeleteSession(chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SecretRequest struct {
	Kind  credentials.Kind `json:"kind"`
	Value string           `json:"value"`
}

// SetSecret stores a password or key passphrase for a session. The value
// is never echoed or logged.
func (a *API) SetSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := a.catalogue().Session(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req SecretRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Value == "" {
		badRequest(w, "value is required")
		return
	}
	if a.Secrets == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "no credential store configured"})
		return
	}

	secret := []byte(req.Value)
	err = a.Secrets.SetSecret(id, req.Kind, secret)
	credentials.Zero(secret)

	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailed
	}
	a.Audit.Write(auditEntry(r, audit.Entry{
		Action:       "secret.set",
		ResourceType: "session",
		ResourceID:   id,
		ResourceName: s.Name,
		Status:       status,
		Detail:       map[string]any{"kind": string(req.Kind)},
	}))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenSession connects a catalogue session and returns its new tab.
func (a *API) OpenSession(w http.ResponseWriter, r *http.Request) {
	h, err := a.Manager.Open(r.Context(), chi.URLParam(r, "id"))
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

type BackupResponse struct {
	Path string `json:"path"`
}

func (a *API) BackupCatalogue(w http.ResponseWriter, r *http.Request) {
	path, err := a.catalogue().Backup()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BackupResponse{Path: path})
}

func (a *API) ReloadCatalogue(w http.ResponseWriter, r *http.Request) {
	if err := a.catalogue().Reload(); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
