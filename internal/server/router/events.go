package router

import (
	"net/http"

	"github.com/babelcloud/gbox/packages/screenrec/internal/server/handlers"
)

// EventsRouter handles event polling and the WebSocket push channel
type EventsRouter struct {
	handlers *handlers.EventHandlers
}

// RegisterRoutes registers event routes
func (r *EventsRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService, _ := server.(handlers.ServerService)
	r.handlers = handlers.NewEventHandlers(serverService)

	mux.HandleFunc("/api/events", r.handlers.HandleEvents)
	mux.HandleFunc("/ws", r.handlers.HandleWebSocket)
}

// GetPathPrefix returns the path prefix for this router
func (r *EventsRouter) GetPathPrefix() string {
	return "/ws"
}
