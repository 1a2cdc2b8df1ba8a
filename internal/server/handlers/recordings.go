package handlers

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/library"
)

// RecordingsHandlers serves the recordings catalog
type RecordingsHandlers struct {
	serverService ServerService
}

// NewRecordingsHandlers creates a new catalog handlers instance
func NewRecordingsHandlers(serverSvc ServerService) *RecordingsHandlers {
	return &RecordingsHandlers{serverService: serverSvc}
}

// HandleList handles GET /api/recordings
func (h *RecordingsHandlers) HandleList(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodGet) {
		return
	}
	recs, err := h.serverService.Library().List()
	if err != nil {
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []library.Recording{}
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": recs,
		"count":      len(recs),
	})
}

// HandleRecordingAction handles GET and DELETE /api/recordings/{name}
func (h *RecordingsHandlers) HandleRecordingAction(w http.ResponseWriter, req *http.Request) {
	name := strings.TrimPrefix(req.URL.Path, "/api/recordings/")
	if name == "" {
		RespondError(w, http.StatusBadRequest, "recording name required")
		return
	}

	switch req.Method {
	case http.MethodGet:
		rec, err := h.serverService.Library().Get(name)
		if err != nil {
			RespondError(w, libraryStatus(err), err.Error())
			return
		}
		RespondJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if err := h.serverService.Library().Delete(name); err != nil {
			RespondError(w, libraryStatus(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func libraryStatus(err error) int {
	switch {
	case errors.Is(err, library.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
