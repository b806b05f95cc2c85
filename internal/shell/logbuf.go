package shell

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/pausesync/internal/util"
)

// LogEntry is one log line. Subsystem is the upper-case tag the message
// opens with ("PAUSE", "COMPAT", "P2P"), or empty for untagged lines.
type LogEntry struct {
	TS        time.Time `json:"ts"`
	Subsystem string    `json:"subsystem,omitempty"`
	Msg       string    `json:"msg"`
}

const logSubscriberBuffer = 64

// LogBuffer tees the process log into a tail that /api/logs can filter by
// subsystem. Install with log.SetOutput(io.MultiWriter(os.Stderr, buf)).
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(lines int) *LogBuffer {
	if lines <= 0 {
		lines = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](lines),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write splits p into lines; a trailing partial line waits for the next
// write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		line, err := b.partial.ReadString('\n')
		if err != nil {
			// put the unterminated tail back
			rest := []byte(line)
			b.partial.Reset()
			b.partial.Write(rest)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.add(LogEntry{TS: time.Now(), Subsystem: subsystemOf(line), Msg: line})
	}
	return len(p), nil
}

func (b *LogBuffer) add(e LogEntry) {
	b.entries.Push(e)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// slow reader
		}
	}
}

// subsystemOf finds the "TAG:" a message starts with, skipping the date and
// time the log package may put in front of it.
func subsystemOf(line string) string {
	for i, f := range strings.Fields(line) {
		if i > 2 {
			break
		}
		if tag, ok := strings.CutSuffix(f, ":"); ok && isTag(tag) {
			return tag
		}
		if f[0] < '0' || f[0] > '9' {
			break
		}
	}
	return ""
}

func isTag(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Snapshot returns the tail, keeping only the given subsystems when any are
// named.
func (b *LogBuffer) Snapshot(subsystems ...string) []LogEntry {
	return b.entries.Filter(subsystemFilter(subsystems))
}

func subsystemFilter(subsystems []string) func(LogEntry) bool {
	if len(subsystems) == 0 {
		return nil
	}
	want := make(map[string]bool, len(subsystems))
	for _, s := range subsystems {
		want[strings.ToUpper(s)] = true
	}
	return func(e LogEntry) bool { return want[e.Subsystem] }
}

// querySubsystems reads ?subsystem=PAUSE,COMPAT (or repeated params).
func querySubsystems(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["subsystem"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, logSubscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs[?subsystem=PAUSE,P2P]
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.Snapshot(querySubsystems(r)...))
}

// GET /api/logs/stream[?subsystem=...] (Server-Sent Events), new lines only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	keep := subsystemFilter(querySubsystems(r))

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if keep != nil && !keep(e) {
				continue
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
