package shell

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/pausesync/internal/chat"
	"github.com/petervdpas/pausesync/internal/engine"
	"github.com/petervdpas/pausesync/internal/initiators"
	"github.com/petervdpas/pausesync/internal/pause"
	"github.com/petervdpas/pausesync/internal/session"
)

// Session is the coordination loop as seen from the shell.
type Session interface {
	Status() session.Status
	LaunchActivity(ctx context.Context, name string) error
	ActivityDone(ctx context.Context) error
}

type Deps struct {
	Session Session
	Overlay *Overlay
	Logs    *LogBuffer
	Notices *chat.Log

	// Cutscene is set when no script drives the engine; POST /api/cutscene
	// then toggles the local cutscene by hand.
	Cutscene *engine.Static
	SelfID   initiators.ParticipantID
	SelfName string
}

type Server struct {
	deps     Deps
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	s := &Server{
		deps: d,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The UI is a local process; it may load from file:// or any port.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("SHELL: http://%s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	handleGet(s.mux, "/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.deps.Session.Status())
	})

	handleGet(s.mux, "/api/overlay", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.deps.Overlay.View())
	})

	handleGet(s.mux, "/api/notices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.deps.Notices.Notices())
	})

	// The activity reports back here when the player quits it.
	handlePost(s.mux, "/api/activity/done", func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Session.ActivityDone(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Overlay.View())
	})

	handlePost(s.mux, "/api/activity/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Session.LaunchActivity(r.Context(), r.PathValue("name")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Overlay.View())
	})

	handlePost(s.mux, "/api/menu", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Busy bool `json:"busy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		s.deps.Overlay.SetBusy(req.Busy)
		writeJSON(w, http.StatusOK, s.deps.Overlay.View())
	})

	handlePost(s.mux, "/api/cutscene", func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Cutscene == nil {
			http.Error(w, "cutscenes are scripted on this peer", http.StatusConflict)
			return
		}
		var req struct {
			Active    bool `json:"active"`
			Skippable bool `json:"skippable"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		snap := engine.Snapshot{}
		if req.Active {
			snap = engine.Snapshot{
				Active:    true,
				Owner:     s.deps.SelfID,
				OwnerName: s.deps.SelfName,
				Skippable: req.Skippable,
			}
		}
		s.deps.Cutscene.Set(snap)
		w.WriteHeader(http.StatusNoContent)
	})

	if s.deps.Logs != nil {
		handleGet(s.mux, "/api/logs", s.deps.Logs.ServeLogsJSON)
		handleGet(s.mux, "/api/logs/stream", s.deps.Logs.ServeLogsSSE)
	}

	handleGet(s.mux, "/ws", s.serveWS)
}

// ── websocket bridge ───────────────────────────────────────────────────────

type wsFrame struct {
	Type    string          `json:"type"`
	Overlay *View           `json:"overlay,omitempty"`
	Status  *session.Status `json:"status,omitempty"`
	Notice  *chat.Notice    `json:"notice,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type wsRequest struct {
	Action string `json:"action"`
	Done   bool   `json:"done"`
	Busy   *bool  `json:"busy"`
}

const wsPollInterval = 250 * time.Millisecond

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	send := make(chan wsFrame, 32)
	stop := make(chan struct{})
	var stopOnce sync.Once
	cleanup := func() { stopOnce.Do(func() { close(stop) }) }
	defer cleanup()

	overlayCh := s.deps.Overlay.Subscribe()
	defer s.deps.Overlay.Unsubscribe(overlayCh)

	var noticeCh <-chan *chat.Notice
	if s.deps.Notices != nil {
		noticeCh = s.deps.Notices.Subscribe()
		defer s.deps.Notices.Unsubscribe(noticeCh)
	}

	doneWriter := make(chan struct{})
	go func() {
		defer close(doneWriter)
		ticker := time.NewTicker(wsPollInterval)
		defer ticker.Stop()

		var lastView View
		var lastStatus session.Status
		first := true
		pushState := func() bool {
			v, st := s.deps.Overlay.View(), s.deps.Session.Status()
			if !first && reflect.DeepEqual(v, lastView) && reflect.DeepEqual(st, lastStatus) {
				return true
			}
			first, lastView, lastStatus = false, v, st
			return write(conn, wsFrame{Type: "state", Overlay: &v, Status: &st})
		}

		if !pushState() {
			return
		}
		for {
			var ok bool
			select {
			case <-stop:
				return
			case <-overlayCh:
				ok = pushState()
			case <-ticker.C:
				ok = pushState()
			case n, open := <-noticeCh:
				if !open {
					noticeCh = nil
					continue
				}
				ok = write(conn, wsFrame{Type: "notice", Notice: n})
			case f := <-send:
				ok = write(conn, f)
			}
			if !ok {
				return
			}
		}
	}()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			cleanup()
			<-doneWriter
			return
		}
		if req.Busy != nil {
			s.deps.Overlay.SetBusy(*req.Busy)
		}
		var err error
		switch {
		case req.Done:
			err = s.deps.Session.ActivityDone(r.Context())
		case req.Action != "":
			err = s.deps.Session.LaunchActivity(r.Context(), req.Action)
		}
		if err != nil {
			select {
			case send <- wsFrame{Type: "error", Error: err.Error()}:
			case <-stop:
			}
		}
	}
}

func write(conn *websocket.Conn, f wsFrame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f) == nil
}

// ── helpers ────────────────────────────────────────────────────────────────

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc("GET "+path, fn)
}

func handlePost(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc("POST "+path, fn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownActivity):
		status = http.StatusNotFound
	case errors.Is(err, pause.ErrNotPaused), errors.Is(err, pause.ErrNoActivity):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
