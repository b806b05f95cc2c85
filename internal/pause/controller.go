// Package pause turns the session's initiator set into the local blocking
// UI. A Controller never touches the network or the engine directly: the
// session loop feeds it ticks, envelopes and peer events, and it answers
// through the Broadcaster and Screen it was built with.
//
// All methods must be called from one goroutine.
package pause

import (
	"errors"
	"fmt"
	"log"

	"github.com/petervdpas/pausesync/internal/chat"
	"github.com/petervdpas/pausesync/internal/engine"
	"github.com/petervdpas/pausesync/internal/initiators"
	"github.com/petervdpas/pausesync/internal/proto"
	"github.com/petervdpas/pausesync/internal/util"
)

var (
	ErrNotPaused  = errors.New("pause: no blocking UI is open")
	ErrNoActivity = errors.New("pause: no activity is running")
)

// Broadcaster sends a message to every other connected participant.
type Broadcaster interface {
	Broadcast(kind proto.Kind, payload any) error
}

// Screen is the local presentation surface.
type Screen interface {
	// Open shows (or refreshes) the blocking UI naming the initiator.
	Open(initiatorName string)
	Close()
	Launch(activity string) error
	Unload()
	// Busy reports whether some other menu currently owns the screen.
	Busy() bool
}

// Notices is the local chat log.
type Notices interface {
	Post(from, text string, warning bool) *chat.Notice
	Receive(id, from, text string, warning bool) bool
}

// Roster resolves display names of connected participants.
type Roster interface {
	Name(id string) string
}

type Options struct {
	Self     initiators.ParticipantID
	SelfName string
	Out      Broadcaster
	Screen   Screen
	Notices  Notices
	Roster   Roster
}

// Status is a read-only view of the controller for the shell.
type Status struct {
	Paused         bool     `json:"paused"`
	OverlayOpen    bool     `json:"overlay_open"`
	LocalInitiator bool     `json:"local_initiator"`
	Initiator      string   `json:"initiator"`
	Initiators     []string `json:"initiators"`
	Activity       string   `json:"activity,omitempty"`
}

type Controller struct {
	self     initiators.ParticipantID
	selfName string
	set      *initiators.Set

	out     Broadcaster
	screen  Screen
	notices Notices
	roster  Roster

	overlay   bool
	shownName string
	activity  string
	wasPaused bool
}

func New(o Options) *Controller {
	return &Controller{
		self:     o.Self,
		selfName: o.SelfName,
		set:      initiators.New(),
		out:      o.Out,
		screen:   o.Screen,
		notices:  o.Notices,
		roster:   o.Roster,
	}
}

// ShouldBePaused is the derived local pause state: a cutscene runs somewhere
// and it is not ours.
func (c *Controller) ShouldBePaused() bool {
	return c.set.Any() && !c.set.Contains(c.self)
}

// CurrentInitiatorDisplayName names the first recorded initiator, or "" when
// nobody is in a cutscene.
func (c *Controller) CurrentInitiatorDisplayName() string {
	id, ok := c.set.First()
	if !ok {
		return ""
	}
	return c.nameOf(id)
}

func (c *Controller) Initiators() []initiators.ParticipantID {
	return c.set.Members()
}

func (c *Controller) Status() Status {
	members := c.set.Members()
	ids := make([]string, len(members))
	for i, id := range members {
		ids[i] = string(id)
	}
	return Status{
		Paused:         c.ShouldBePaused(),
		OverlayOpen:    c.overlay,
		LocalInitiator: c.set.Contains(c.self),
		Initiator:      c.CurrentInitiatorDisplayName(),
		Initiators:     ids,
		Activity:       c.activity,
	}
}

// Tick runs once per engine frame.
func (c *Controller) Tick(snap engine.Snapshot) {
	local := c.set.Contains(c.self)
	switch {
	case snap.Active && snap.Owner == c.self:
		if !local && snap.Skippable {
			c.beginLocal(snap.OwnerName)
		}
	case !snap.Active && local:
		c.endLocal(snap.OwnerName)
	}
	c.reconcile()
}

func (c *Controller) beginLocal(name string) {
	if name == "" {
		name = c.selfName
	}
	c.notify(fmt.Sprintf("%s has started a cutscene!", name), false)

	c.set.Add(c.self)
	c.send(proto.KindInitiatorAdd, proto.InitiatorPayload{PlayerID: string(c.self)})
	c.send(proto.KindPauseBegin, nil)
	log.Printf("PAUSE: local cutscene started, pausing peers")
}

func (c *Controller) endLocal(name string) {
	if name == "" {
		name = c.selfName
	}
	c.send(proto.KindPauseEnd, nil)

	c.set.Remove(c.self)
	c.send(proto.KindInitiatorRemove, proto.InitiatorPayload{PlayerID: string(c.self)})

	c.notify(fmt.Sprintf("%s has finished a cutscene!", name), false)
	log.Printf("PAUSE: local cutscene finished, resuming peers")
}

// reconcile re-derives the blocking UI from the initiator set. Opening is
// level-triggered so a missed PauseBegin heals on the next tick. Closing
// fires on the paused to unpaused edge, so an early PauseEnd from one of
// several initiators never resumes us.
func (c *Controller) reconcile() {
	paused := c.ShouldBePaused()
	switch {
	case paused && c.overlay:
		if name := c.CurrentInitiatorDisplayName(); name != c.shownName {
			c.open(name)
		}
	case paused && c.activity == "" && !c.screen.Busy():
		c.open(c.CurrentInitiatorDisplayName())
	case !paused && c.wasPaused:
		c.closeAll()
	}
	c.wasPaused = paused
}

// HandleMessage applies one envelope received from a peer. Every branch is
// idempotent.
func (c *Controller) HandleMessage(env proto.Envelope) {
	switch env.Kind {
	case proto.KindChatNotice:
		n, err := env.ChatNotice()
		if err != nil {
			log.Printf("PAUSE: dropping notice from %s: %v", util.ShortID(env.From), err)
			return
		}
		c.notices.Receive(env.ID, env.From, n.Text, n.Warning)

	case proto.KindPauseBegin:
		// Forces the UI over other menus. A PauseBegin that overtook its
		// InitiatorAdd is a no-op; the add opens the UI when it lands.
		if !c.ShouldBePaused() || c.overlay || c.activity != "" {
			return
		}
		c.open(c.CurrentInitiatorDisplayName())

	case proto.KindPauseEnd:
		if c.set.Contains(c.self) || c.ShouldBePaused() {
			return
		}
		c.closeAll()

	case proto.KindInitiatorAdd, proto.KindInitiatorRemove:
		p, err := env.Initiator()
		if err != nil {
			log.Printf("PAUSE: dropping %s from %s: %v", env.Kind, util.ShortID(env.From), err)
			return
		}
		id := initiators.ParticipantID(p.PlayerID)
		if id == c.self {
			// Our own membership is decided locally.
			return
		}
		if env.Kind == proto.KindInitiatorAdd {
			c.set.Add(id)
		} else {
			c.set.Remove(id)
		}
		c.reconcile()
	}
}

// PeerDisconnected drops a departed initiator on its behalf and tells the
// rest of the session to do the same.
func (c *Controller) PeerDisconnected(id initiators.ParticipantID) {
	if id == c.self || !c.set.Contains(id) {
		return
	}
	c.set.Remove(id)
	c.send(proto.KindInitiatorRemove, proto.InitiatorPayload{PlayerID: string(id)})
	c.send(proto.KindPauseEnd, nil)
	log.Printf("PAUSE: initiator %s disconnected, removed", util.ShortID(string(id)))
	c.reconcile()
}

// Retain drops, as if they had just disconnected, every initiator that
// present no longer reports. Run each tick it catches departures whose
// disconnect event was lost or overtaken by a late InitiatorAdd.
func (c *Controller) Retain(present func(initiators.ParticipantID) bool) {
	for _, id := range c.set.Members() {
		if id != c.self && !present(id) {
			c.PeerDisconnected(id)
		}
	}
}

// LaunchActivity hands the screen from the blocking UI to an activity.
func (c *Controller) LaunchActivity(name string) error {
	if !c.overlay {
		return ErrNotPaused
	}
	c.screen.Close()
	c.overlay = false
	c.shownName = ""
	if err := c.screen.Launch(name); err != nil {
		c.open(c.CurrentInitiatorDisplayName())
		return fmt.Errorf("launch %s: %w", name, err)
	}
	c.activity = name
	log.Printf("PAUSE: launched activity %s", name)
	return nil
}

// ActivityDone is called when the running activity exits on its own. The
// blocking UI comes back if the pause is still on.
func (c *Controller) ActivityDone() error {
	if c.activity == "" {
		return ErrNoActivity
	}
	log.Printf("PAUSE: activity %s finished", c.activity)
	c.screen.Unload()
	c.activity = ""
	c.reconcile()
	return nil
}

// Reassert re-broadcasts this participant's own membership so a lost
// InitiatorAdd or InitiatorRemove eventually heals on every replica.
func (c *Controller) Reassert() {
	if c.set.Contains(c.self) {
		c.send(proto.KindInitiatorAdd, proto.InitiatorPayload{PlayerID: string(c.self)})
		return
	}
	c.send(proto.KindInitiatorRemove, proto.InitiatorPayload{PlayerID: string(c.self)})
}

// Reset discards the replica at session end.
func (c *Controller) Reset() {
	c.set.Clear()
	c.closeAll()
	c.wasPaused = false
}

func (c *Controller) open(name string) {
	c.screen.Open(name)
	c.overlay = true
	c.shownName = name
}

func (c *Controller) closeAll() {
	if c.activity != "" {
		c.screen.Unload()
		c.activity = ""
	}
	if c.overlay {
		c.screen.Close()
		c.overlay = false
		c.shownName = ""
	}
}

func (c *Controller) nameOf(id initiators.ParticipantID) string {
	if id == c.self {
		return c.selfName
	}
	return c.roster.Name(string(id))
}

func (c *Controller) notify(text string, warning bool) {
	c.notices.Post(string(c.self), text, warning)
	c.send(proto.KindChatNotice, proto.ChatNoticePayload{Text: text, Warning: warning})
}

func (c *Controller) send(kind proto.Kind, payload any) {
	if err := c.out.Broadcast(kind, payload); err != nil {
		log.Printf("PAUSE: broadcast %s failed: %v", kind, err)
	}
}
