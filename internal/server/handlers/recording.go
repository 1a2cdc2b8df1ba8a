package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec/ffmpeg"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source"
	"github.com/babelcloud/gbox/packages/screenrec/internal/util"
)

// RecordingHandlers drives the session controller
type RecordingHandlers struct {
	serverService ServerService
}

// NewRecordingHandlers creates a new recording handlers instance
func NewRecordingHandlers(serverSvc ServerService) *RecordingHandlers {
	return &RecordingHandlers{serverService: serverSvc}
}

// StartRequest is the body of POST /api/recording/start
type StartRequest struct {
	BitRate int `json:"bitrate"`
}

// StatusResponse is the body of GET /api/recording/status
type StatusResponse struct {
	State     session.State    `json:"state"`
	Recording bool             `json:"recording"`
	Session   *session.Session `json:"session,omitempty"`
	Last      *session.Result  `json:"last,omitempty"`
	Seq       int64            `json:"seq"`
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, source.ErrNotAuthorized), errors.Is(err, source.ErrRevoked):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInsufficientSpace):
		return http.StatusInsufficientStorage
	case errors.Is(err, ffmpeg.ErrNoHardwareEncoder):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleStart handles POST /api/recording/start
func (h *RecordingHandlers) HandleStart(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodPost) {
		return
	}

	var body StartRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		RespondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.BitRate < 0 {
		RespondError(w, http.StatusBadRequest, "bitrate must not be negative")
		return
	}

	grant, err := h.serverService.NewGrant(req)
	if err != nil {
		RespondError(w, http.StatusForbidden, err.Error())
		return
	}

	sess, err := h.serverService.Recorder().Start(req.Context(), grant, body.BitRate)
	if err != nil {
		util.GetLogger().Warn("start recording rejected", "error", err)
		RespondError(w, startStatus(err), err.Error())
		return
	}
	RespondJSON(w, http.StatusCreated, sess)
}

// HandleStop handles POST /api/recording/stop
func (h *RecordingHandlers) HandleStop(w http.ResponseWriter, req *http.Request) {
	h.finish(w, req, h.serverService.Recorder().Stop)
}

// HandleDiscard handles POST /api/recording/discard
func (h *RecordingHandlers) HandleDiscard(w http.ResponseWriter, req *http.Request) {
	h.finish(w, req, h.serverService.Recorder().Discard)
}

func (h *RecordingHandlers) finish(w http.ResponseWriter, req *http.Request, fn func() (*session.Result, error)) {
	if !requireMethod(w, req, http.MethodPost) {
		return
	}
	res, err := fn()
	if err != nil {
		if errors.Is(err, session.ErrNotRecording) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

// HandleStatus handles GET /api/recording/status
func (h *RecordingHandlers) HandleStatus(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodGet) {
		return
	}
	rec := h.serverService.Recorder()
	resp := StatusResponse{
		State:     rec.State(),
		Recording: rec.IsRecording(),
		Last:      rec.LastResult(),
		Seq:       rec.Events().Last(),
	}
	if sess, ok := rec.Current(); ok {
		resp.Session = &sess
	}
	RespondJSON(w, http.StatusOK, resp)
}
