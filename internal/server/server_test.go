package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/codec/codectest"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/library"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/session"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source"
	"github.com/babelcloud/gbox/packages/screenrec/internal/recorder/source/sourcetest"
	"github.com/babelcloud/gbox/packages/screenrec/internal/server/handlers"
)

func newTestServer(t *testing.T) (*httptest.Server, *RecorderServer) {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "ScreenRec")
	cfg.JoinTimeout = 200 * time.Millisecond
	ctrl := session.New(cfg, &codectest.Factory{}, &sourcetest.Provider{},
		session.WithFreeSpace(func(string) (uint64, error) { return 1 << 40, nil }))
	t.Cleanup(ctrl.Shutdown)

	srv := NewRecorderServer(0, ctrl, library.New(cfg.OutputDir, nil))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRecordingLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/recording/status")
	require.NoError(t, err)
	status := decode[map[string]interface{}](t, resp)
	resp.Body.Close()
	assert.Equal(t, "idle", status["state"])
	assert.Equal(t, false, status["recording"])

	resp = post(t, ts.URL+"/api/recording/start", `{"bitrate":4000000}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decode[session.Session](t, resp)
	assert.Equal(t, 4_000_000, sess.BitRate)

	resp = post(t, ts.URL+"/api/recording/start", `{}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	time.Sleep(300 * time.Millisecond)

	resp = post(t, ts.URL+"/api/recording/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[session.Result](t, resp)
	assert.Equal(t, sess.ID, res.ID)
	assert.False(t, res.Discarded)

	resp = post(t, ts.URL+"/api/recording/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/recordings")
	require.NoError(t, err)
	list := decode[struct {
		Recordings []library.Recording `json:"recordings"`
	}](t, resp)
	resp.Body.Close()
	require.Len(t, list.Recordings, 1)
	name := list.Recordings[0].Name
	assert.Equal(t, filepath.Base(sess.Path), name)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/recordings/"+name, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/recordings/"+name, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/recordings/notes.txt", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDiscardOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := post(t, ts.URL+"/api/recording/start", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = post(t, ts.URL+"/api/recording/discard", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[session.Result](t, resp).Discarded)

	r, err := http.Get(ts.URL + "/api/recordings")
	require.NoError(t, err)
	defer r.Body.Close()
	assert.EqualValues(t, 0, decode[map[string]interface{}](t, r)["count"])
}

func TestStartRejectsBadRequests(t *testing.T) {
	ts, srv := newTestServer(t)

	resp := post(t, ts.URL+"/api/recording/start", `{"bitrate":-1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = post(t, ts.URL+"/api/recording/start", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := http.Get(ts.URL + "/api/recording/start")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, r.StatusCode)

	srv.SetGrantFunc(func(*http.Request) (*source.Grant, error) {
		g := source.NewGrant()
		g.Revoke("user declined")
		return g, nil
	})
	resp = post(t, ts.URL+"/api/recording/start", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEventsPollingAndWebSocket(t *testing.T) {
	ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?since=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := post(t, ts.URL+"/api/recording/start", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = post(t, ts.URL+"/api/recording/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var types []session.EventType
	var last int64
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev session.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		types = append(types, ev.Type)
		if ev.Type == session.EventState && ev.State == session.StateIdle {
			break
		}
	}
	assert.Contains(t, types, session.EventStarted)
	assert.Contains(t, types, session.EventStopped)

	r, err := http.Get(ts.URL + "/api/events?since=2")
	require.NoError(t, err)
	defer r.Body.Close()
	body := decode[struct {
		Events []session.Event `json:"events"`
		Last   int64           `json:"last"`
	}](t, r)
	require.NotEmpty(t, body.Events)
	assert.EqualValues(t, 3, body.Events[0].Seq)
	assert.Equal(t, last, body.Last)

	r2, err := http.Get(ts.URL + "/api/events?since=x")
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r2.StatusCode)
}

func TestServerImplementsServerService(t *testing.T) {
	var _ handlers.ServerService = (*RecorderServer)(nil)

	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "healthy", decode[map[string]string](t, resp)["status"])
}
