package router

import (
	"net/http"

	"github.com/babelcloud/gbox/packages/screenrec/internal/server/handlers"
)

// RecordingRouter handles recording control and catalog routes
type RecordingRouter struct {
	recording  *handlers.RecordingHandlers
	recordings *handlers.RecordingsHandlers
}

// RegisterRoutes registers recording routes
func (r *RecordingRouter) RegisterRoutes(mux *http.ServeMux, server interface{}) {
	serverService, _ := server.(handlers.ServerService)
	r.recording = handlers.NewRecordingHandlers(serverService)
	r.recordings = handlers.NewRecordingsHandlers(serverService)

	mux.HandleFunc("/api/recording/start", r.recording.HandleStart)
	mux.HandleFunc("/api/recording/stop", r.recording.HandleStop)
	mux.HandleFunc("/api/recording/discard", r.recording.HandleDiscard)
	mux.HandleFunc("/api/recording/status", r.recording.HandleStatus)

	mux.HandleFunc("/api/recordings", r.recordings.HandleList)
	mux.HandleFunc("/api/recordings/", r.recordings.HandleRecordingAction)
}

// GetPathPrefix returns the path prefix for this router
func (r *RecordingRouter) GetPathPrefix() string {
	return "/api/recording"
}
