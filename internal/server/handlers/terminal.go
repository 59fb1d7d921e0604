package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/emulator"
	"github.com/vyrti/redpill/internal/pollbridge"
	"github.com/vyrti/redpill/internal/session"
)

// controlPrefix marks a client frame as a JSON control message rather than
// keyboard input.
const controlPrefix = 0x00

const writeWait = 10 * time.Second

// ControlMessage is a JSON control frame. Clients send "resize"; the server
// sends "snapshot", "closed" and "error".
type ControlMessage struct {
	Type     string             `json:"type"`
	Cols     uint16             `json:"cols,omitempty"`
	Rows     uint16             `json:"rows,omitempty"`
	Snapshot *emulator.Snapshot `json:"snapshot,omitempty"`
	Kind     string             `json:"kind,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (a *API) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     a.checkOrigin,
	}
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(a.AllowedOrigins, "*") || slices.Contains(a.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

// TerminalStream attaches a WebSocket to a tab. Binary or text frames are
// keyboard input unless they start with 0x00, in which case the rest is a
// JSON ControlMessage. The server pushes a snapshot frame whenever the
// screen changes and a "closed" frame when the tab ends. Disconnecting the
// socket leaves the tab open.
func (a *API) TerminalStream(w http.ResponseWriter, r *http.Request) {
	h := tabHandle(r)
	live, err := a.Manager.Lookup(h)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket")
		return
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		a.readInput(ws, h)
	}()

	snap := live.ReadSnapshot()
	if err := ws.send(ControlMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}

	bridge := pollbridge.Bridge{Interval: a.PollInterval}
	err = bridge.Run(ctx, live, func(s emulator.Snapshot) error {
		return ws.send(ControlMessage{Type: "snapshot", Snapshot: &s})
	})
	if err == nil {
		st := live.Status()
		msg := ControlMessage{Type: "closed", Kind: st.Kind.String()}
		if st.Err != nil {
			msg.Error = st.Err.Error()
		}
		_ = ws.send(msg)
		ws.close(websocket.CloseNormalClosure, "tab closed")
	}

	cancel()
	_ = conn.Close()
	<-readerDone
	log.Debug().Str("tab", string(h)).Msg("terminal stream detached")
}

func (a *API) readInput(ws *wsConn, h session.Handle) {
	for {
		_, msg, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("tab", string(h)).Msg("WebSocket read error")
			}
			return
		}
		if len(msg) == 0 {
			continue
		}

		if msg[0] == controlPrefix {
			var ctl ControlMessage
			if err := json.Unmarshal(msg[1:], &ctl); err != nil {
				_ = ws.send(ControlMessage{Type: "error", Error: "invalid control message"})
				continue
			}
			switch ctl.Type {
			case "resize":
				err = a.Manager.Resize(h, ctl.Cols, ctl.Rows)
			default:
				_ = ws.send(ControlMessage{Type: "error", Error: "unknown control type " + ctl.Type})
				continue
			}
		} else {
			err = a.Manager.WriteInput(h, msg)
		}
		if err != nil {
			_ = ws.send(ControlMessage{Type: "error", Error: err.Error()})
		}
	}
}
