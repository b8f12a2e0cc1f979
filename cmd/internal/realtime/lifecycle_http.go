package realtime

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderConnectionID carries the transport-assigned connection id on lifecycle routes.
const HeaderConnectionID = "X-Connection-Id"

// HeaderGatewaySecret authenticates the managed gateway when a secret is configured.
const HeaderGatewaySecret = "X-Gateway-Secret"

// LifecycleHTTP exposes Lifecycle to a managed WebSocket gateway that invokes
// the $connect, $disconnect and $default routes over HTTP.
type LifecycleHTTP struct {
	lc     *Lifecycle
	log    *slog.Logger
	secret string
}

// NewLifecycleHTTP constructs the binding. An empty secret disables the gateway check.
func NewLifecycleHTTP(lc *Lifecycle, secret string, log *slog.Logger) *LifecycleHTTP {
	if log == nil {
		log = slog.Default()
	}
	return &LifecycleHTTP{lc: lc, log: log, secret: strings.TrimSpace(secret)}
}

// Register mounts the lifecycle routes on mux.
func (h *LifecycleHTTP) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /realtime/connect", h.handleConnect)
	mux.HandleFunc("POST /realtime/disconnect", h.handleDisconnect)
	mux.HandleFunc("POST /realtime/default", h.handleDefault)
}

func (h *LifecycleHTTP) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.preflight(w, r)
	if !ok {
		return
	}
	writeAck(w, h.lc.Connect(r.Context(), id, r.URL.Query().Get("token")))
}

func (h *LifecycleHTTP) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.preflight(w, r)
	if !ok {
		return
	}
	writeAck(w, h.lc.Disconnect(r.Context(), id))
}

func (h *LifecycleHTTP) handleDefault(w http.ResponseWriter, r *http.Request) {
	id, ok := h.preflight(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDefaultBodyBytes))
	if err != nil {
		// An unreadable heartbeat is still just a heartbeat.
		h.log.Debug("realtime.default.read.fail", "connection_id", id, "err", err)
		body = nil
	}
	writeAck(w, h.lc.Default(r.Context(), id, body))
}

func (h *LifecycleHTTP) preflight(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.secret != "" {
		got := r.Header.Get(HeaderGatewaySecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.log.Warn("realtime.gateway.reject", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return "", false
		}
	}

	id := strings.TrimSpace(r.Header.Get(HeaderConnectionID))
	if id == "" {
		http.Error(w, "missing connection id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func writeAck(w http.ResponseWriter, ack Ack) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(ack.StatusCode)
	_, _ = io.WriteString(w, ack.Body)
}
