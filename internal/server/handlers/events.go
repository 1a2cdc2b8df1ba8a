package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/screenrec/internal/util"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// EventHandlers publishes controller events over HTTP polling and WebSocket
type EventHandlers struct {
	serverService ServerService
	upgrader      websocket.Upgrader
}

// NewEventHandlers creates a new event handlers instance
func NewEventHandlers(serverSvc ServerService) *EventHandlers {
	return &EventHandlers{
		serverService: serverSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local control surface
			},
		},
	}
}

func sinceParam(req *http.Request) (int64, bool) {
	raw := req.URL.Query().Get("since")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	return n, err == nil && n >= 0
}

// HandleEvents handles GET /api/events?since=N
func (h *EventHandlers) HandleEvents(w http.ResponseWriter, req *http.Request) {
	if !requireMethod(w, req, http.MethodGet) {
		return
	}
	since, ok := sinceParam(req)
	if !ok {
		RespondError(w, http.StatusBadRequest, "invalid since")
		return
	}
	bus := h.serverService.Recorder().Events()
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"events": bus.Since(since),
		"last":   bus.Last(),
	})
}

// HandleWebSocket handles GET /ws. Events after ?since=N are replayed, then
// new events are pushed in emission order.
func (h *EventHandlers) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	since, ok := sinceParam(req)
	if !ok {
		RespondError(w, http.StatusBadRequest, "invalid since")
		return
	}
	if req.URL.Query().Get("since") == "" {
		since = -1
	}

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		util.GetLogger().Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	bus := h.serverService.Recorder().Events()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	// reader: only used to notice the peer going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					util.GetLogger().Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	sent := bus.Last()
	if since >= 0 {
		sent = since
		for _, ev := range bus.Since(since) {
			if !h.send(conn, ev) {
				return
			}
			sent = ev.Seq
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Seq <= sent {
				continue
			}
			if !h.send(conn, ev) {
				return
			}
			sent = ev.Seq
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHandlers) send(conn *websocket.Conn, ev session.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		util.GetLogger().Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
