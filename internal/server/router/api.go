package router

import (
	"net/http"

	"github.com/babelcloud/gbox/packages/screenrec/internal/server/handlers"
)

// APIRouter handles health and server management routes
type APIRouter struct {
	handlers *handlers.APIHandlers
}

// RegisterRoutes registers all API routes
func (r *APIRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService, _ := server.(handlers.ServerService)
	r.handlers = handlers.NewAPIHandlers(serverService)

	mux.HandleFunc("/api/health", r.handlers.HandleHealth)
	mux.HandleFunc("/api/status", r.handlers.HandleStatus)
	mux.HandleFunc("/api/server/shutdown", r.handlers.HandleServerShutdown)
	mux.HandleFunc("/api/server/info", r.handlers.HandleServerInfo)
}

// GetPathPrefix returns the path prefix for this router
func (r *APIRouter) GetPathPrefix() string {
	return "/api"
}
