package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/credentials"
	"github.com/vyrti/redpill/internal/manager"
	"github.com/vyrti/redpill/internal/sftp"
	"github.com/vyrti/redpill/internal/terminal"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("encoding response")
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalogue.ErrGroupNotFound),
		errors.Is(err, catalogue.ErrSessionNotFound),
		errors.Is(err, manager.ErrUnknownTab),
		errors.Is(err, credentials.ErrNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, catalogue.ErrGroupCycle),
		errors.Is(err, catalogue.ErrGroupNotEmpty):
		return http.StatusConflict
	case errors.Is(err, catalogue.ErrInvalidGroup),
		errors.Is(err, catalogue.ErrInvalidSession),
		errors.Is(err, credentials.ErrInvalidKind),
		errors.Is(err, manager.ErrNotRemote):
		return http.StatusBadRequest
	case errors.Is(err, sftp.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, os.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, terminal.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, terminal.ErrNetworkFailed),
		errors.Is(err, terminal.ErrProtocolFailed),
		errors.Is(err, terminal.ErrSpawnFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	if k := terminal.KindOf(err); k != terminal.KindOther {
		resp.Kind = k.String()
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func recursive(r *http.Request) bool {
	switch r.URL.Query().Get("recursive") {
	case "1", "true", "yes":
		return true
	}
	return false
}
