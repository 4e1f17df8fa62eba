// Package admin implements the HTTP+WebSocket endpoint-management surface
// described in spec §"Supplemented features": creating and removing proxy
// ports at runtime and watching the relay pool's size live. Grounded on
// original_source/command/http_web.py's FastAPI router, reworked onto
// net/http plus gorilla/websocket and jpillora/requestlog the way the
// teacher wires its own HTTP layer.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/tomasen/realip"

	"github.com/sammck-go/revtun/revtun"
)

// Admin serves the endpoint-management API for one Server.
type Admin struct {
	server *revtun.Server
	logger revtun.Logger
	debug  bool

	upgrader websocket.Upgrader
}

// New creates an Admin surface over server.
func New(server *revtun.Server, logger revtun.Logger, debug bool) *Admin {
	return &Admin{
		server: server,
		logger: logger,
		debug:  debug,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the mux serving the admin API, wrapped with
// jpillora/requestlog when debug logging is enabled — the same convention
// the teacher's own Server.Run uses for its reverse-proxy HTTP handler.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/endpoint/manager/add/", a.handleAdd)
	mux.HandleFunc("/endpoint/manager/remove/", a.handleRemove)
	mux.HandleFunc("/endpoint/manager/list/", a.handleList)
	mux.HandleFunc("/endpoint/manager/watching", a.handleWatching)

	var h http.Handler = mux
	if a.debug {
		h = requestlog.Wrap(h)
	}
	return h
}

type addRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	BindPort int    `json:"bind_port"`
}

func (a *Admin) handleAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	endpoint := revtun.Endpoint(req.Host + ":" + strconv.Itoa(req.Port))
	a.logger.ILogf("add endpoint %s requested from %s", endpoint, realip.FromRequest(r))

	if _, exists := a.server.Proxy.PortByEndpoint(endpoint); exists {
		writeJSON(w, map[string]string{"status": "warning", "detail": string(endpoint) + " was already created"})
		return
	}

	port, err := a.server.Proxy.CreatePort(context.Background(), endpoint, req.BindPort)
	if err != nil {
		writeJSON(w, map[string]string{"status": "error", "detail": err.Error()})
		return
	}
	writeJSON(w, map[string]interface{}{
		"status":   "success",
		"id":       port.ID,
		"bind":     port.BindAddr().String(),
		"endpoint": string(endpoint),
	})
}

func (a *Admin) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idStr := r.URL.Query().Get("server_id")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		http.Error(w, "bad server_id", http.StatusBadRequest)
		return
	}
	a.logger.ILogf("remove endpoint id=%d requested from %s", id, realip.FromRequest(r))

	var found *revtun.ProxyPort
	for _, p := range a.server.Proxy.Ports() {
		if p.ID == id {
			found = p
			break
		}
	}
	if found == nil {
		writeJSON(w, map[string]string{"status": "warning", "detail": "server not found"})
		return
	}
	if err := a.server.Proxy.ClosePort(found.Endpoint); err != nil {
		writeJSON(w, map[string]string{"status": "error", "detail": err.Error()})
		return
	}
	writeJSON(w, map[string]string{"status": "success"})
}

type portInfo struct {
	ID        int    `json:"id"`
	Bind      string `json:"bind"`
	Endpoint  string `json:"endpoint"`
	OpenConns int32  `json:"open_conns"`
}

func (a *Admin) handleList(w http.ResponseWriter, r *http.Request) {
	ports := a.server.Proxy.Ports()
	out := make([]portInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, portInfo{
			ID:        p.ID,
			Bind:      p.BindAddr().String(),
			Endpoint:  string(p.Endpoint),
			OpenConns: p.OpenConns(),
		})
	}
	writeJSON(w, out)
}

func (a *Admin) handleWatching(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WLogf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()
	a.logger.DLogf("pool watcher connected from %s", realip.FromRequest(r))

	watchID := a.server.Pool.AddWatcher(func(ev revtun.PoolEvent) {
		conn.WriteJSON(map[string]interface{}{"event": string(ev.Name), "pool_size": a.server.Pool.Size()})
	})
	defer a.server.Pool.RemoveWatcher(watchID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
