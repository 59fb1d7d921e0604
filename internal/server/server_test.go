package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/config"
	"github.com/vyrti/redpill/internal/credentials"
	"github.com/vyrti/redpill/internal/emulator"
	"github.com/vyrti/redpill/internal/manager"
	"github.com/vyrti/redpill/internal/server"
	"github.com/vyrti/redpill/internal/terminal"
	"github.com/vyrti/redpill/internal/testutil"
)

const waitTimeout = 2 * time.Second

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	srv     *httptest.Server
	cat     *catalogue.Catalogue
	secrets *credentials.MemoryStore
	local   *testutil.FakeConnector
	remote  *testutil.FakeConnector
	audit   *lockedBuffer
	token   string
}

type fixtureOptions struct {
	token string
	// files, when set, serves SFTP routes instead of the fake remote.
	files *terminal.SSHConnector
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	secrets := credentials.NewMemoryStore()
	cat, err := catalogue.Open(&catalogue.MemoryStorage{}, secrets)
	if err != nil {
		t.Fatalf("catalogue.Open: %v", err)
	}
	f := &fixture{
		cat:     cat,
		secrets: secrets,
		local:   testutil.NewFakeConnector(),
		remote:  testutil.NewFakeConnector(),
		audit:   &lockedBuffer{},
		token:   opts.token,
	}
	auditLog := audit.New(f.audit)
	mopts := manager.Options{
		Catalogue: cat,
		Secrets:   secrets,
		Local:     f.local,
		Remote:    f.remote,
		NewEngine: func(cols, rows int) emulator.Engine { return testutil.NewRecordingEngine(cols, rows) },
		Audit:     auditLog,
	}
	if opts.files != nil {
		mopts.Files = opts.files
	}
	mgr := manager.New(mopts)
	cfg := &config.Config{
		APIToken:     opts.token,
		PollInterval: 5 * time.Millisecond,
	}
	s := server.New(cfg, mgr, secrets, auditLog)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		mgr.CloseAll()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s = %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (f *fixture) sshSession(t *testing.T, name string, group *string) catalogue.Session {
	t.Helper()
	s := catalogue.NewSSHSession(name, "10.0.0.1", 22, "ops")
	s.GroupID = group
	got, err := f.cat.AddSession(s)
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	return got
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodGet, "/health", nil)
	expectStatus(t, resp, http.StatusOK)

	resp = f.do(t, http.MethodGet, "/ready", nil)
	expectStatus(t, resp, http.StatusOK)
	var body struct{ Status string }
	decodeBody(t, resp, &body)
	if body.Status != "ready" {
		t.Errorf("ready status = %q", body.Status)
	}
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, fixtureOptions{token: "s3cret"})

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", "", http.StatusUnauthorized},
		{"malformed", "s3cret", "", http.StatusUnauthorized},
		{"bearer", "Bearer s3cret", "", http.StatusOK},
		{"query", "", "?access_token=s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/groups"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	// health stays open
	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health = %d", resp.StatusCode)
	}
}

func TestGroupLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodPost, "/api/groups", map[string]any{"name": "prod"})
	expectStatus(t, resp, http.StatusCreated)
	var parent catalogue.Group
	decodeBody(t, resp, &parent)

	resp = f.do(t, http.MethodPost, "/api/groups", map[string]any{"name": "web", "parent_id": parent.ID})
	expectStatus(t, resp, http.StatusCreated)
	var child catalogue.Group
	decodeBody(t, resp, &child)

	// moving a group under its own child is a cycle
	resp = f.do(t, http.MethodPut, "/api/groups/"+parent.ID, map[string]any{"name": "prod", "parent_id": child.ID})
	expectStatus(t, resp, http.StatusConflict)

	resp = f.do(t, http.MethodPut, "/api/groups/"+child.ID, map[string]any{"name": "frontend", "parent_id": parent.ID})
	expectStatus(t, resp, http.StatusOK)
	var renamed catalogue.Group
	decodeBody(t, resp, &renamed)
	if renamed.Name != "frontend" {
		t.Errorf("renamed group = %+v", renamed)
	}

	resp = f.do(t, http.MethodPost, "/api/groups", map[string]any{"name": "  "})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = f.do(t, http.MethodPost, "/api/groups", map[string]any{"name": "x", "bogus": 1})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = f.do(t, http.MethodDelete, "/api/groups/"+parent.ID, nil)
	expectStatus(t, resp, http.StatusConflict)

	resp = f.do(t, http.MethodDelete, "/api/groups/"+parent.ID+"?recursive=1", nil)
	expectStatus(t, resp, http.StatusNoContent)

	resp = f.do(t, http.MethodDelete, "/api/groups/"+parent.ID, nil)
	expectStatus(t, resp, http.StatusNotFound)
	var e struct{ Error string }
	decodeBody(t, resp, &e)
	if e.Error == "" {
		t.Error("404 without error message")
	}
}

func TestSessionCRUDAndSearch(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"session_type": "Ssh",
		"name":         "db-primary",
		"host":         "db1.internal",
		"username":     "postgres",
		"auth":         map[string]any{"type": "Password"},
	})
	expectStatus(t, resp, http.StatusCreated)
	var created catalogue.Session
	decodeBody(t, resp, &created)
	if created.ID == "" || created.Port != catalogue.DefaultPort {
		t.Errorf("created = %+v", created)
	}
	f.sshSession(t, "web-1", nil)

	resp = f.do(t, http.MethodGet, "/api/sessions?q=dbprim", nil)
	expectStatus(t, resp, http.StatusOK)
	var found []catalogue.Session
	decodeBody(t, resp, &found)
	if len(found) != 1 || found[0].ID != created.ID {
		t.Errorf("search = %+v", found)
	}

	created.Name = "db-main"
	resp = f.do(t, http.MethodPut, "/api/sessions/"+created.ID, created)
	expectStatus(t, resp, http.StatusOK)

	resp = f.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	expectStatus(t, resp, http.StatusOK)
	var got catalogue.Session
	decodeBody(t, resp, &got)
	if got.Name != "db-main" {
		t.Errorf("name after update = %q", got.Name)
	}

	resp = f.do(t, http.MethodDelete, "/api/sessions/"+created.ID, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp = f.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestSetSecretIsNotLogged(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	s := f.sshSession(t, "web", nil)

	resp := f.do(t, http.MethodPut, "/api/sessions/"+s.ID+"/secret", map[string]any{"kind": "password", "value": "hunter2"})
	expectStatus(t, resp, http.StatusNoContent)

	got, err := f.secrets.GetSecret(s.ID, credentials.KindPassword)
	if err != nil || string(got) != "hunter2" {
		t.Errorf("stored secret = %q, %v", got, err)
	}
	if strings.Contains(f.audit.String(), "hunter2") {
		t.Error("secret value written to the audit log")
	}
	if !strings.Contains(f.audit.String(), "secret.set") {
		t.Error("secret.set not audited")
	}

	resp = f.do(t, http.MethodPut, "/api/sessions/"+s.ID+"/secret", map[string]any{"kind": "token", "value": "x"})
	expectStatus(t, resp, http.StatusBadRequest)

	resp = f.do(t, http.MethodPut, "/api/sessions/missing/secret", map[string]any{"kind": "password", "value": "x"})
	expectStatus(t, resp, http.StatusNotFound)
}

func TestOpenSessionAndCloseTab(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	s := f.sshSession(t, "web", nil)

	resp := f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/open", nil)
	expectStatus(t, resp, http.StatusCreated)
	var tab manager.TabInfo
	decodeBody(t, resp, &tab)
	if tab.Handle == "" || tab.ConfigID != s.ID || tab.State != "open" {
		t.Fatalf("tab = %+v", tab)
	}

	backend := f.remote.Backends()[0]
	backend.Emit([]byte("welcome"))

	ok := testutil.Eventually(waitTimeout, func() bool {
		resp := f.do(t, http.MethodGet, "/api/tabs/"+string(tab.Handle), nil)
		var got struct {
			Snapshot emulator.Snapshot `json:"snapshot"`
		}
		decodeBody(t, resp, &got)
		return strings.Contains(got.Snapshot.Text, "welcome")
	})
	if !ok {
		t.Error("tab snapshot never showed the output")
	}

	resp = f.do(t, http.MethodGet, "/api/tabs", nil)
	var tabs []manager.TabInfo
	decodeBody(t, resp, &tabs)
	if len(tabs) != 1 {
		t.Errorf("tabs = %+v", tabs)
	}

	resp = f.do(t, http.MethodDelete, "/api/tabs/"+string(tab.Handle), nil)
	expectStatus(t, resp, http.StatusNoContent)
	if !backend.Closed() {
		t.Error("backend still open after DELETE")
	}
	resp = f.do(t, http.MethodGet, "/api/tabs/"+string(tab.Handle), nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestOpenSessionErrorStatus(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	tests := []struct {
		err  error
		want int
		kind string
	}{
		{fmt.Errorf("%w: denied", terminal.ErrAuthFailed), http.StatusUnauthorized, "auth_failed"},
		{fmt.Errorf("%w: refused", terminal.ErrNetworkFailed), http.StatusBadGateway, "network_failed"},
		{terminal.ErrHostKeyMismatch, http.StatusBadGateway, "protocol_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			s := f.sshSession(t, tt.kind, nil)
			f.remote.FailFor(s.ID, tt.err)

			resp := f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/open", nil)
			expectStatus(t, resp, tt.want)
			var e struct{ Error, Kind string }
			decodeBody(t, resp, &e)
			if e.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", e.Kind, tt.kind)
			}
		})
	}

	resp := f.do(t, http.MethodGet, "/api/tabs", nil)
	var tabs []manager.TabInfo
	decodeBody(t, resp, &tabs)
	if len(tabs) != 0 {
		t.Errorf("failed opens left tabs: %+v", tabs)
	}
}

func TestOpenLocalTab(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodPost, "/api/tabs", nil)
	expectStatus(t, resp, http.StatusCreated)
	var tab manager.TabInfo
	decodeBody(t, resp, &tab)
	if tab.Remote || tab.Title == "" {
		t.Errorf("local tab = %+v", tab)
	}
	if len(f.local.Backends()) != 1 {
		t.Errorf("local connector used %d times", len(f.local.Backends()))
	}
}

func TestConnectGroup(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	g, err := f.cat.AddGroup(catalogue.NewGroup("fleet"))
	if err != nil {
		t.Fatal(err)
	}
	a := f.sshSession(t, "a", &g.ID)
	b := f.sshSession(t, "b", &g.ID)
	c := f.sshSession(t, "c", &g.ID)
	f.remote.FailFor(b.ID, fmt.Errorf("%w: nope", terminal.ErrAuthFailed))

	resp := f.do(t, http.MethodPost, "/api/groups/"+g.ID+"/connect", nil)
	expectStatus(t, resp, http.StatusOK)
	var got struct {
		Total, Opened, Failed int
		Results               []struct {
			SessionID string `json:"session_id"`
			Handle    string
			Error     string
			Kind      string
		}
	}
	decodeBody(t, resp, &got)

	if got.Total != 3 || got.Opened != 2 || got.Failed != 1 {
		t.Fatalf("counts = %d/%d/%d", got.Total, got.Opened, got.Failed)
	}
	want := []string{a.ID, b.ID, c.ID}
	for i, r := range got.Results {
		if r.SessionID != want[i] {
			t.Errorf("result %d is %s, want %s", i, r.SessionID, want[i])
		}
	}
	if got.Results[1].Kind != "auth_failed" || got.Results[1].Handle != "" {
		t.Errorf("failed result = %+v", got.Results[1])
	}
	if got.Results[0].Handle == "" || got.Results[2].Handle == "" {
		t.Error("successful results without handles")
	}

	resp = f.do(t, http.MethodPost, "/api/groups/missing/connect", nil)
	expectStatus(t, resp, http.StatusNotFound)
}

func TestCatalogueReload(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp := f.do(t, http.MethodPost, "/api/catalogue/reload", nil)
	expectStatus(t, resp, http.StatusNoContent)
}
