package handlers

import (
	"net/http"
	"os"
	"time"
)

// APIHandlers contains handlers for server health and lifecycle
type APIHandlers struct {
	serverService ServerService
}

// NewAPIHandlers creates a new API handlers instance
func NewAPIHandlers(serverSvc ServerService) *APIHandlers {
	return &APIHandlers{serverService: serverSvc}
}

func (h *APIHandlers) HandleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"screenrec"}`))
}

func (h *APIHandlers) HandleStatus(w http.ResponseWriter, req *http.Request) {
	if h.serverService == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"running","service":"screenrec"}`))
		return
	}

	status := map[string]interface{}{
		"running":   h.serverService.IsRunning(),
		"port":      h.serverService.GetPort(),
		"uptime":    h.serverService.GetUptime().String(),
		"recording": h.serverService.Recorder().IsRecording(),
		"version":   h.serverService.GetVersion(),
		"build_id":  h.serverService.GetBuildID(),
	}
	RespondJSON(w, http.StatusOK, status)
}

func (h *APIHandlers) HandleServerInfo(w http.ResponseWriter, req *http.Request) {
	info := map[string]interface{}{
		"version":  h.serverService.GetVersion(),
		"build_id": h.serverService.GetBuildID(),
		"port":     h.serverService.GetPort(),
		"uptime":   h.serverService.GetUptime().String(),
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	RespondJSON(w, http.StatusOK, info)
}

func (h *APIHandlers) HandleServerShutdown(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodPost) {
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Server shutting down",
	})

	// Shutdown after response; Stop finalizes a recording in progress
	go func() {
		time.Sleep(100 * time.Millisecond)
		h.serverService.Stop()
		os.Exit(0)
	}()
}
