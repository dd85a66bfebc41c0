package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"marketmaker/internal/config"
)

// Handlers holds the HTTP handler dependencies for the observability
// surface. The origin allowlist is normalized once at construction rather
// than re-parsed on every upgrade.
type Handlers struct {
	eng     EngineView
	feed    *feed
	origins map[string]struct{} // normalized scheme://host entries, empty = default policy
	logger  *slog.Logger
}

// NewHandlers builds the handler set over the given engine view.
func NewHandlers(eng EngineView, cfg config.DashboardConfig, fd *feed, logger *slog.Logger) *Handlers {
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if key, ok := originKey(o); ok {
			origins[key] = struct{}{}
		}
	}
	return &Handlers{
		eng:     eng,
		feed:    fd,
		origins: origins,
		logger:  logger.With("component", "api_handlers"),
	}
}

// HandleHealth reports the derived operational verdict: ok, degraded, or
// unhealthy.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := BuildHealth(h.eng)

	status := http.StatusOK
	if health.Status == HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		h.logger.Error("encode health response", "error", err)
	}
}

// HandleSnapshot returns the current full per-symbol state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(h.eng)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection, attaches it to the push feed,
// and seeds it with the current state.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return h.originAllowed(req.Header.Get("Origin"), req.Host)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := h.feed.attach(conn)
	h.feed.seed(s, DashboardEvent{Type: "snapshot", Timestamp: time.Now(), Data: BuildSnapshot(h.eng)})
}

// originAllowed gates socket upgrades. Non-browser clients that send no
// Origin header pass. With an allowlist configured the list is exclusive;
// without one, loopback hosts and the request's own host are accepted.
func (h *Handlers) originAllowed(origin, reqHost string) bool {
	if origin == "" {
		return true
	}
	key, ok := originKey(origin)
	if !ok {
		return false
	}

	if len(h.origins) > 0 {
		_, listed := h.origins[key]
		return listed
	}

	host := hostOf(key)
	switch host {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	if rh, _, err := net.SplitHostPort(reqHost); err == nil {
		reqHost = rh
	}
	return host == strings.ToLower(strings.TrimSpace(reqHost))
}

// originKey normalizes an origin URL to lowercase "scheme://host",
// reporting false for anything unparseable or schemeless.
func originKey(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// hostOf strips the scheme and any port from a normalized origin key.
func hostOf(key string) string {
	host := key[strings.Index(key, "://")+3:]
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
