package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/pausesync/internal/chat"
	"github.com/petervdpas/pausesync/internal/engine"
	"github.com/petervdpas/pausesync/internal/pause"
	"github.com/petervdpas/pausesync/internal/session"
)

func TestPlayerMessage(t *testing.T) {
	assert.Equal(t, "Alice is currently in a cutscene!", PlayerMessage("Alice"))
	assert.Equal(t, "Player is currently in a cutscene!", PlayerMessage(""))
}

func TestOverlayView(t *testing.T) {
	o := NewOverlay()
	assert.Equal(t, View{}, o.View())

	o.Open("Alice")
	v := o.View()
	assert.True(t, v.Open)
	assert.Equal(t, "Game Paused", v.Title)
	assert.Equal(t, "Alice is currently in a cutscene!", v.Message)
	assert.Equal(t, "While you wait for the cutscene to finish:", v.WaitLine)
	assert.Equal(t, []string{"prairie-king", "junimo-kart"}, v.Activities)

	o.Close()
	assert.False(t, o.View().Open)
	assert.Empty(t, o.View().Message)
}

func TestOverlayActivities(t *testing.T) {
	o := NewOverlay()

	err := o.Launch("tetris")
	assert.ErrorIs(t, err, ErrUnknownActivity)

	require.NoError(t, o.Launch(PrairieKing))
	assert.Equal(t, PrairieKing, o.View().Activity)

	o.Unload()
	assert.Empty(t, o.View().Activity)
}

func TestOverlaySubscribeCoalesces(t *testing.T) {
	o := NewOverlay()
	ch := o.Subscribe()
	defer o.Unsubscribe(ch)

	o.Open("Alice")
	o.SetBusy(true)
	o.Close()

	select {
	case <-ch:
	default:
		t.Fatal("no change signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write([]byte("one\ntw"))
	_, _ = b.Write([]byte("o\n\nthree\n"))

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "two", snap[0].Msg)
	assert.Equal(t, "three", snap[1].Msg)
}

func TestLogBufferTagsSubsystem(t *testing.T) {
	cases := map[string]string{
		"PAUSE: local cutscene started":                  "PAUSE",
		"2026/10/17 09:30:00 COMPAT: authority warned":   "COMPAT",
		"2026/10/17 09:30:00.123456 P2P: connected to 1": "P2P",
		"2026/10/17 09:30:00 peer id: 12D3KooW":          "",
		"[online] 12D3Koo -> \"Alice\"":                  "",
		"WARNING: peer table listener full":              "WARNING",
		"Pause: mixed case is not a tag":                 "",
	}
	for line, want := range cases {
		assert.Equal(t, want, subsystemOf(line), line)
	}
}

func TestLogBufferFiltersBySubsystem(t *testing.T) {
	b := NewLogBuffer(8)
	logger := log.New(b, "", log.LstdFlags)
	logger.Printf("PAUSE: initiator A disconnected, removed")
	logger.Printf("P2P: connected to 1 bootstrap peer(s)")
	logger.Printf("COMPAT: waiting for host manifest")
	logger.Printf("PAUSE: launched activity junimo-kart")

	got := b.Snapshot("pause")
	require.Len(t, got, 2)
	assert.Equal(t, "PAUSE", got[0].Subsystem)
	assert.Contains(t, got[1].Msg, "launched activity")

	assert.Len(t, b.Snapshot("PAUSE", "COMPAT"), 3)
	assert.Len(t, b.Snapshot(), 4)
}

// fakeSession stands in for the session loop.
type fakeSession struct {
	mu      sync.Mutex
	overlay *Overlay
	status  session.Status
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) setPaused(name string) {
	f.mu.Lock()
	f.status.Paused = true
	f.status.OverlayOpen = true
	f.status.Initiator = name
	f.status.Initiators = []string{"A"}
	f.mu.Unlock()
	f.overlay.Open(name)
}

func (f *fakeSession) LaunchActivity(ctx context.Context, name string) error {
	if !f.overlay.View().Open {
		return pause.ErrNotPaused
	}
	if err := f.overlay.Launch(name); err != nil {
		return fmt.Errorf("launch %s: %w", name, err)
	}
	f.overlay.Close()
	return nil
}

func (f *fakeSession) ActivityDone(ctx context.Context) error {
	if f.overlay.View().Activity == "" {
		return pause.ErrNoActivity
	}
	f.overlay.Unload()
	if f.Status().Paused {
		f.overlay.Open(f.Status().Initiator)
	}
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeSession, Deps) {
	t.Helper()
	o := NewOverlay()
	fs := &fakeSession{overlay: o, status: session.Status{Self: "B", Name: "Bob", Role: "participant"}}
	d := Deps{
		Session:  fs,
		Overlay:  o,
		Logs:     NewLogBuffer(16),
		Notices:  chat.New(16),
		Cutscene: engine.NewStatic(),
		SelfID:   "B",
		SelfName: "Bob",
	}
	srv := httptest.NewServer(NewServer(d).Handler())
	t.Cleanup(srv.Close)
	return srv, fs, d
}

func TestStateEndpoint(t *testing.T) {
	srv, fs, _ := newTestServer(t)
	fs.setPaused("Alice")

	resp, err := http.Get(srv.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, true, got["paused"])
	assert.Equal(t, "Alice", got["initiator"])
	assert.Equal(t, "Bob", got["name"])
}

func TestActivityEndpoint(t *testing.T) {
	srv, fs, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/activity/junimo-kart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	fs.setPaused("Alice")

	resp, err = http.Post(srv.URL+"/api/activity/tetris", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/activity/junimo-kart", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.False(t, v.Open)
	assert.Equal(t, JunimoKart, v.Activity)
}

func TestActivityDoneEndpoint(t *testing.T) {
	srv, fs, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/activity/done", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	fs.setPaused("Alice")
	resp, err = http.Post(srv.URL+"/api/activity/"+PrairieKing, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/activity/done", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var v View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.True(t, v.Open)
	assert.Empty(t, v.Activity)
	assert.Equal(t, "Alice is currently in a cutscene!", v.Message)
}

func TestCutsceneEndpointDrivesStaticEngine(t *testing.T) {
	srv, _, d := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/cutscene", "application/json",
		strings.NewReader(`{"active":true,"skippable":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	snap := d.Cutscene.Poll()
	assert.True(t, snap.Active)
	assert.True(t, snap.Skippable)
	assert.Equal(t, "Bob", snap.OwnerName)

	resp, err = http.Post(srv.URL+"/api/cutscene", "application/json", strings.NewReader(`{"active":false}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.False(t, d.Cutscene.Poll().Active)
}

func TestMenuEndpoint(t *testing.T) {
	srv, _, d := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/menu", "application/json", strings.NewReader(`{"busy":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, d.Overlay.Busy())
}

func TestLogsEndpoint(t *testing.T) {
	srv, _, d := newTestServer(t)
	logger := log.New(d.Logs, "", 0)
	logger.Printf("SHELL: hello")

	resp, err := http.Get(srv.URL + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "SHELL: hello", entries[0].Msg)
	assert.Equal(t, "SHELL", entries[0].Subsystem)
}

func TestLogsEndpointFiltersBySubsystem(t *testing.T) {
	srv, _, d := newTestServer(t)
	logger := log.New(d.Logs, "", 0)
	logger.Printf("PAUSE: overlay opened")
	logger.Printf("P2P: peer connected")
	logger.Printf("COMPAT: host version 1.0.0")

	resp, err := http.Get(srv.URL + "/api/logs?subsystem=PAUSE,COMPAT")
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "PAUSE", entries[0].Subsystem)
	assert.Equal(t, "COMPAT", entries[1].Subsystem)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, typ string) wsFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var f wsFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func TestWebsocketPushesStateAndAcceptsActions(t *testing.T) {
	srv, fs, d := newTestServer(t)
	conn := dialWS(t, srv)

	first := readFrame(t, conn, "state")
	require.NotNil(t, first.Overlay)
	assert.False(t, first.Overlay.Open)

	fs.setPaused("Alice")
	var f wsFrame
	for {
		f = readFrame(t, conn, "state")
		if f.Overlay.Open {
			break
		}
	}
	assert.Equal(t, "Alice is currently in a cutscene!", f.Overlay.Message)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "tetris"}))
	errFrame := readFrame(t, conn, "error")
	assert.Contains(t, errFrame.Error, "unknown activity")

	require.NoError(t, conn.WriteJSON(map[string]string{"action": PrairieKing}))
	for {
		f = readFrame(t, conn, "state")
		if f.Overlay.Activity == PrairieKing {
			break
		}
	}
	assert.False(t, f.Overlay.Open)

	require.NoError(t, conn.WriteJSON(map[string]bool{"done": true}))
	for {
		f = readFrame(t, conn, "state")
		if f.Overlay.Open {
			break
		}
	}
	assert.Empty(t, f.Overlay.Activity)

	d.Notices.Post("A", "Alice has started a cutscene!", false)
	n := readFrame(t, conn, "notice")
	require.NotNil(t, n.Notice)
	assert.Equal(t, "Alice has started a cutscene!", n.Notice.Text)
}

func TestWebsocketReportsBusyMenu(t *testing.T) {
	srv, _, d := newTestServer(t)
	conn := dialWS(t, srv)
	readFrame(t, conn, "state")

	require.NoError(t, conn.WriteJSON(map[string]any{"busy": true}))
	require.Eventually(t, d.Overlay.Busy, 2*time.Second, 5*time.Millisecond)
}
