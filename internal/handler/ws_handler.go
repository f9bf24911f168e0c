package handler

import (
	"log/slog"
	"net/http"

	"notebook-sync-client/internal/middleware"
	"notebook-sync-client/internal/websocket"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

// EventsHandler upgrades UI connections and attaches them to the event hub.
// Authentication happens in middleware before the upgrade.
type EventsHandler struct {
	hub      *websocket.Hub
	upgrader ws.Upgrader
	logger   *slog.Logger
}

// NewEventsHandler accepts browser upgrades only from allowedOrigins, a
// comma-separated list where "*" allows any origin. Requests without an
// Origin header come from non-browser clients and are accepted.
func NewEventsHandler(hub *websocket.Hub, readBufferSize, writeBufferSize int, allowedOrigins string, logger *slog.Logger) *EventsHandler {
	origins := middleware.ParseOrigins(allowedOrigins)
	return &EventsHandler{
		hub: hub,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins.Allows(origin)
			},
		},
		logger: logger,
	}
}

func (h *EventsHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("[WebSocket] failed to upgrade connection", "error", err)
		return
	}

	sub := websocket.NewSubscriber(uuid.New().String(), conn, h.hub)
	if !h.hub.Join(sub) {
		conn.Close()
		return
	}

	h.logger.Info("[WebSocket] subscriber connected", "subscriber", sub.ID, "remote", r.RemoteAddr)

	go sub.WritePump()
	go sub.ReadPump()
}
