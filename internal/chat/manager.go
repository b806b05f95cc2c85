package chat

import (
	"log"
	"sync"
	"time"

	"github.com/petervdpas/pausesync/internal/util"
)

// DefaultBufferSize is the default number of notices kept in memory.
const DefaultBufferSize = 100

// Log keeps the recent session notices and fans them out to listeners.
type Log struct {
	mu        sync.RWMutex
	notices   *util.RingBuffer[*Notice]
	listeners []chan *Notice
}

func New(bufferSize int) *Log {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Log{
		notices:   util.NewRingBuffer[*Notice](bufferSize),
		listeners: make([]chan *Notice, 0),
	}
}

// Post records a notice produced locally.
func (l *Log) Post(from, text string, warning bool) *Notice {
	n := NewNotice(from, text, warning)
	l.add(n)
	return n
}

// Receive records a notice that arrived from a peer. A redelivered envelope
// id is ignored and Receive returns false.
func (l *Log) Receive(id, from, text string, warning bool) bool {
	if id != "" && l.notices.Any(func(n *Notice) bool { return n.ID == id }) {
		return false
	}
	if id == "" {
		id = NewNotice(from, text, warning).ID
	}
	l.add(&Notice{
		ID:        id,
		From:      from,
		Text:      text,
		Severity:  severityOf(warning),
		Timestamp: time.Now().UnixMilli(),
	})
	return true
}

// Notices returns the buffered notices, oldest first.
func (l *Log) Notices() []*Notice {
	return l.notices.Snapshot()
}

// Subscribe returns a channel that receives new notices
func (l *Log) Subscribe() <-chan *Notice {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan *Notice, 10)
	l.listeners = append(l.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel
func (l *Log) Unsubscribe(ch <-chan *Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, listener := range l.listeners {
		if listener == ch {
			close(listener)
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *Log) add(n *Notice) {
	if n.Warning() {
		log.Printf("WARNING: %s", n.Text)
	} else {
		log.Printf("NOTICE: %s", n.Text)
	}

	l.notices.Push(n)

	l.mu.RLock()
	for _, listener := range l.listeners {
		select {
		case listener <- n:
		default:
			// Listener buffer full, skip
		}
	}
	l.mu.RUnlock()
}

// Close shuts down all listeners.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, listener := range l.listeners {
		close(listener)
	}
	l.listeners = nil
}
