package handlers

import (
	"fmt"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/sftp"
)

type MkdirRequest struct {
	Path    string `json:"path"`
	Parents bool   `json:"parents"`
}

type RenameRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type UploadResponse struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// withFiles opens an SFTP client for the session in the URL, runs fn and
// closes the client.
func (a *API) withFiles(w http.ResponseWriter, r *http.Request, fn func(c *sftp.Client)) {
	c, err := a.Manager.OpenFiles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer c.Close()
	fn(c)
}

func requirePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := r.URL.Query().Get("path")
	if p == "" {
		badRequest(w, "path is required")
		return "", false
	}
	return p, true
}

func (a *API) fileAudit(r *http.Request, action, target string, err error, detail map[string]any) {
	status := audit.StatusSuccess
	if err != nil {
		status = audit.StatusFailed
		if detail == nil {
			detail = map[string]any{}
		}
		detail["error"] = err.Error()
	}
	a.Audit.Write(auditEntry(r, audit.Entry{
		Action:       action,
		ResourceType: "session",
		ResourceID:   chi.URLParam(r, "id"),
		ResourceName: target,
		Status:       status,
		Detail:       detail,
	}))
}

// ListFiles lists ?path (default ".", the login directory).
func (a *API) ListFiles(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "."
	}
	a.withFiles(w, r, func(c *sftp.Client) {
		entries, err := c.ListDir(dir)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})
}

// DownloadFile streams ?path as an attachment.
func (a *API) DownloadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	a.withFiles(w, r, func(c *sftp.Client) {
		st, err := c.Stat(p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if st.Type == "dir" {
			badRequest(w, "path is a directory")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
		if st.Type == "file" {
			w.Header().Set("Content-Length", strconv.FormatInt(st.Size, 10))
		}
		n, err := c.Download(p, w)
		a.fileAudit(r, "file.download", p, err, map[string]any{"bytes": n})
		if err != nil {
			// headers are already sent
			log.Warn().Err(err).Str("path", p).Msg("download interrupted")
		}
	})
}

// UploadFile writes the raw request body to ?path.
func (a *API) UploadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	if r.ContentLength > sftp.MaxUploadBytes {
		writeError(w, r, fmt.Errorf("%w: %d bytes", sftp.ErrTooLarge, r.ContentLength))
		return
	}
	a.withFiles(w, r, func(c *sftp.Client) {
		n, err := c.Upload(p, r.Body)
		a.fileAudit(r, "file.upload", p, err, map[string]any{"bytes": n})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, UploadResponse{Path: p, Bytes: n})
	})
}

func (a *API) MakeDir(w http.ResponseWriter, r *http.Request) {
	var req MkdirRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Path == "" {
		badRequest(w, "path is required")
		return
	}
	a.withFiles(w, r, func(c *sftp.Client) {
		if err := c.Mkdir(req.Path, req.Parents); err != nil {
			writeError(w, r, err)
			return
		}
		st, err := c.Stat(req.Path)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, st)
	})
}

func (a *API) RenameFile(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.From == "" || req.To == "" {
		badRequest(w, "from and to are required")
		return
	}
	a.withFiles(w, r, func(c *sftp.Client) {
		err := c.Rename(req.From, req.To)
		a.fileAudit(r, "file.rename", req.From, err, map[string]any{"to": req.To})
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (a *API) DeleteFile(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePath(w, r)
	if !ok {
		return
	}
	a.withFiles(w, r, func(c *sftp.Client) {
		err := c.Delete(p)
		a.fileAudit(r, "file.delete", p, err, nil)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
