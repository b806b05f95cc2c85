// Package shell is the local presentation surface: the blocking overlay, the
// activities offered while waiting, and an HTTP/websocket bridge so an
// out-of-process UI can render them.
package shell

import (
	"errors"
	"fmt"
	"log"
	"sync"
)

const (
	Title    = "Game Paused"
	WaitLine = "While you wait for the cutscene to finish:"
)

// Activity names accepted by Launch.
const (
	PrairieKing = "prairie-king"
	JunimoKart  = "junimo-kart"
)

var Activities = []string{PrairieKing, JunimoKart}

var ErrUnknownActivity = errors.New("shell: unknown activity")

// PlayerMessage is the line shown under the title.
func PlayerMessage(name string) string {
	if name == "" {
		name = "Player"
	}
	return fmt.Sprintf("%s is currently in a cutscene!", name)
}

func validActivity(name string) bool {
	for _, a := range Activities {
		if a == name {
			return true
		}
	}
	return false
}

// View is what a UI needs to draw the overlay.
type View struct {
	Open       bool     `json:"open"`
	Title      string   `json:"title,omitempty"`
	Message    string   `json:"message,omitempty"`
	WaitLine   string   `json:"wait_line,omitempty"`
	Activities []string `json:"activities,omitempty"`
	Activity   string   `json:"activity,omitempty"`
	Busy       bool     `json:"busy"`
}

// Overlay holds the screen state. It is written by the session loop and
// read by HTTP handlers, so every method locks.
type Overlay struct {
	mu        sync.Mutex
	open      bool
	initiator string
	activity  string
	busy      bool
	listeners []chan struct{}
}

func NewOverlay() *Overlay {
	return &Overlay{}
}

func (o *Overlay) Open(initiatorName string) {
	o.mu.Lock()
	o.open = true
	o.initiator = initiatorName
	o.mu.Unlock()
	log.Printf("SHELL: overlay open (%s)", PlayerMessage(initiatorName))
	o.changed()
}

func (o *Overlay) Close() {
	o.mu.Lock()
	was := o.open
	o.open = false
	o.initiator = ""
	o.mu.Unlock()
	if was {
		log.Printf("SHELL: overlay closed")
		o.changed()
	}
}

func (o *Overlay) Launch(activity string) error {
	if !validActivity(activity) {
		return fmt.Errorf("%w: %q", ErrUnknownActivity, activity)
	}
	o.mu.Lock()
	o.activity = activity
	o.mu.Unlock()
	log.Printf("SHELL: launching %s", activity)
	o.changed()
	return nil
}

func (o *Overlay) Unload() {
	o.mu.Lock()
	was := o.activity
	o.activity = ""
	o.mu.Unlock()
	if was != "" {
		log.Printf("SHELL: unloaded %s", was)
		o.changed()
	}
}

// Busy reports whether the UI says another menu is showing.
func (o *Overlay) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

func (o *Overlay) SetBusy(busy bool) {
	o.mu.Lock()
	changed := o.busy != busy
	o.busy = busy
	o.mu.Unlock()
	if changed {
		o.changed()
	}
}

func (o *Overlay) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()

	v := View{Open: o.open, Activity: o.activity, Busy: o.busy}
	if o.open {
		v.Title = Title
		v.Message = PlayerMessage(o.initiator)
		v.WaitLine = WaitLine
		v.Activities = append([]string(nil), Activities...)
	}
	return v
}

// Subscribe returns a channel signalled after every change. Signals
// coalesce; read View for the current state.
func (o *Overlay) Subscribe() chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan struct{}, 1)
	o.listeners = append(o.listeners, ch)
	return ch
}

func (o *Overlay) Unsubscribe(ch chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, l := range o.listeners {
		if l == ch {
			o.listeners = append(o.listeners[:i], o.listeners[i+1:]...)
			return
		}
	}
}

func (o *Overlay) changed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
