package handler

import (
	"log/slog"
	"net/http"

	"notebook-sync-client/internal/middleware"

	"github.com/gorilla/mux"
)

type RouterConfig struct {
	// JWTSecret enables bearer authentication on the API when set.
	JWTSecret      string
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

func NewRouter(nb *NotebookHandler, events *EventsHandler, cfg RouterConfig, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.AllowedOrigins,
		cfg.AllowedMethods,
		cfg.AllowedHeaders,
	))

	r.HandleFunc("/health", healthHandler).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	if cfg.JWTSecret != "" {
		api.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	}

	api.HandleFunc("/status", nb.Status).Methods("GET", "OPTIONS")
	api.HandleFunc("/notebook", nb.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/cells", nb.AddCell).Methods("POST", "OPTIONS")
	api.HandleFunc("/cells/{id}", nb.GetCell).Methods("GET", "OPTIONS")
	api.HandleFunc("/cells/{id}/content", nb.UpdateContent).Methods("PUT", "OPTIONS")
	api.HandleFunc("/cells/{id}/evaluate", nb.Evaluate).Methods("POST", "OPTIONS")
	api.HandleFunc("/cells/{id}/output", nb.Output).Methods("GET", "OPTIONS")
	api.HandleFunc("/cells/{id}/history", nb.History).Methods("GET", "OPTIONS")
	api.HandleFunc("/reorder", nb.Reorder).Methods("POST", "OPTIONS")
	api.HandleFunc("/order", nb.SetOrder).Methods("PUT", "OPTIONS")
	api.HandleFunc("/ws", events.HandleConnection).Methods("GET")

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"notebook-sync-client"}`))
}
