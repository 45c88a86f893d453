// Package server wires HTTP handlers into a gorilla/mux router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/relaychat/internal/logging"
)

// SetupRoutes configures and returns the router with all application routes:
// health check, WebSocket endpoint, and test page.
func (s *Server) SetupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.requestLogger)
	router.HandleFunc("/", HealthHandler).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/health", HealthHandler).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/ws", s.WebSocketHandler)
	router.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	return router
}

// requestLogger attaches a request-scoped logger for logging.Ctx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.log.With().Str(logging.FieldRemoteAddr, r.RemoteAddr).Str("path", r.URL.Path).Logger()
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), logger)))
	})
}
