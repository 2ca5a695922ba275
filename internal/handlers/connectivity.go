package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/maneesh/audioshelf/internal/connectivity"
)

// ConnectivityHandler reports and overrides the online/offline signal
type ConnectivityHandler struct {
	signal *connectivity.Signal
	logger *slog.Logger
}

// NewConnectivityHandler creates a connectivity handler
func NewConnectivityHandler(signal *connectivity.Signal, logger *slog.Logger) *ConnectivityHandler {
	return &ConnectivityHandler{signal: signal, logger: logger}
}

// ConnectivityState is the body of both connectivity routes
type ConnectivityState struct {
	Online bool `json:"online"`
	Forced bool `json:"forced"`
}

// OverrideRequest pins the state; a null online clears the override
type OverrideRequest struct {
	Online *bool `json:"online"`
}

// Get handles GET /offline/connectivity
func (ch *ConnectivityHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ch.state())
}

// Put handles PUT /offline/connectivity
func (ch *ConnectivityHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ch.signal.Override(req.Online) {
		ch.logger.Info("connectivity overridden", "online", ch.signal.Online(), "forced", req.Online != nil)
	}
	writeJSON(w, http.StatusOK, ch.state())
}

func (ch *ConnectivityHandler) state() ConnectivityState {
	return ConnectivityState{Online: ch.signal.Online(), Forced: ch.signal.Forced()}
}
