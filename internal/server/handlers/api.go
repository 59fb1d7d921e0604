package handlers

import (
	"net/http"
	"time"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/credentials"
	"github.com/vyrti/redpill/internal/manager"
)

// API serves the catalogue, tab and file routes.
type API struct {
	Manager *manager.Manager
	Secrets credentials.Store
	Audit   *audit.Logger
	// PollInterval paces WebSocket snapshot frames.
	PollInterval time.Duration
	// AllowedOrigins are accepted on WebSocket upgrades. An empty list only
	// admits same-host requests; "*" admits any origin.
	AllowedOrigins []string
}

func (a *API) catalogue() *catalogue.Catalogue { return a.Manager.Catalogue() }

// auditEntry fills the request fields of an audit record.
func auditEntry(r *http.Request, e audit.Entry) audit.Entry {
	e.IP = r.RemoteAddr
	e.UserAgent = r.UserAgent()
	return e
}
