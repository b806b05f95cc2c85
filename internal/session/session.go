// Package session runs the single coordination loop for one multiplayer
// session. The loop owns the initiator replica; every input (engine ticks,
// peer messages, connects and disconnects, shell actions, compatibility
// verdicts) is serialised through it, and readers on other goroutines see
// an immutable Status snapshot.
package session

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/petervdpas/pausesync/internal/chat"
	"github.com/petervdpas/pausesync/internal/compat"
	"github.com/petervdpas/pausesync/internal/engine"
	"github.com/petervdpas/pausesync/internal/initiators"
	"github.com/petervdpas/pausesync/internal/pause"
	"github.com/petervdpas/pausesync/internal/proto"
	"github.com/petervdpas/pausesync/internal/state"
	"github.com/petervdpas/pausesync/internal/util"
)

var ErrStopped = errors.New("session: not running")

// Transport publishes an envelope to every other participant.
type Transport interface {
	Broadcast(ctx context.Context, kind proto.Kind, payload any) error
}

type Peer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      bool   `json:"host"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
}

type Status struct {
	Self string `json:"self"`
	Name string `json:"name"`
	Role string `json:"role"`
	pause.Status
	ExpectedVersion string `json:"expected_version,omitempty"`
	Peers           []Peer `json:"peers"`
}

type Options struct {
	Self     initiators.ParticipantID
	SelfName string
	ModID    string

	Tick     time.Duration
	Reassert time.Duration

	Engine    engine.Engine
	Transport Transport
	Screen    pause.Screen
	Notices   *chat.Log
	Peers     *state.PeerTable
	Gate      *compat.Gate
}

type action struct {
	run   func() error
	reply chan error
}

type Session struct {
	opts Options
	ctrl *pause.Controller

	inbox    chan proto.Envelope
	actions  chan action
	verdicts chan compat.Verdict
	done     chan struct{}

	// Only touched by the loop goroutine.
	runCtx context.Context

	status atomic.Pointer[Status]
}

func New(o Options) *Session {
	if o.Tick <= 0 {
		o.Tick = 16 * time.Millisecond
	}
	s := &Session{
		opts:     o,
		inbox:    make(chan proto.Envelope, 256),
		actions:  make(chan action),
		verdicts: make(chan compat.Verdict, 16),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
	}
	s.ctrl = pause.New(pause.Options{
		Self:     o.Self,
		SelfName: o.SelfName,
		Out:      s,
		Screen:   o.Screen,
		Notices:  o.Notices,
		Roster:   o.Peers,
	})
	s.publish()
	return s
}

// Broadcast sends through the transport. It is the controller's outbound
// port and runs on the loop goroutine.
func (s *Session) Broadcast(kind proto.Kind, payload any) error {
	return s.opts.Transport.Broadcast(s.runCtx, kind, payload)
}

// Deliver queues an envelope received from a peer.
func (s *Session) Deliver(ctx context.Context, env proto.Envelope) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case s.inbox <- env:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LaunchActivity asks the loop to hand the screen to an activity and waits
// for the outcome.
func (s *Session) LaunchActivity(ctx context.Context, name string) error {
	return s.do(ctx, func() error { return s.ctrl.LaunchActivity(name) })
}

// ActivityDone reports that the running activity exited.
func (s *Session) ActivityDone(ctx context.Context) error {
	return s.do(ctx, s.ctrl.ActivityDone)
}

// do runs fn on the loop goroutine.
func (s *Session) do(ctx context.Context, fn func() error) error {
	a := action{run: fn, reply: make(chan error, 1)}
	select {
	case s.actions <- a:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-a.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the last published snapshot.
func (s *Session) Status() Status {
	return *s.status.Load()
}

// Run drives the loop until ctx is cancelled. The initiator replica is
// discarded on return.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	s.runCtx = ctx

	events, present := s.opts.Peers.SubscribeConnected()
	defer s.opts.Peers.Unsubscribe(events)

	tick := time.NewTicker(s.opts.Tick)
	defer tick.Stop()

	var reassert <-chan time.Time
	if s.opts.Reassert > 0 {
		t := time.NewTicker(s.opts.Reassert)
		defer t.Stop()
		reassert = t.C
	}

	// Peers that connected before the loop started.
	for _, id := range present {
		s.opts.Gate.PeerConnected(ctx, id, s.verdicts)
		if p, ok := s.opts.Peers.Get(id); ok && p.HasManifest {
			s.opts.Gate.Observe(p.Host, p.Mods)
		}
	}

	log.Printf("SESSION: running as %s (%s), tick %s", s.opts.SelfName, s.opts.Gate.Role(), s.opts.Tick)
	s.publish()

	for {
		select {
		case <-ctx.Done():
			s.ctrl.Reset()
			s.publish()
			log.Printf("SESSION: stopped")
			return nil

		case <-tick.C:
			s.ctrl.Retain(s.present)
			s.ctrl.Tick(s.opts.Engine.Poll())

		case env := <-s.inbox:
			s.onEnvelope(env)

		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.onPeerEvent(ctx, evt)

		case a := <-s.actions:
			a.reply <- a.run()

		case v := <-s.verdicts:
			s.onVerdict(v)

		case <-reassert:
			s.ctrl.Reassert()
		}
		s.publish()
	}
}

// onEnvelope refuses to record an initiator that is not in the session, so
// a duplicate or relayed InitiatorAdd from a departed peer cannot pause us.
func (s *Session) onEnvelope(env proto.Envelope) {
	if env.Kind == proto.KindInitiatorAdd {
		p, err := env.Initiator()
		if err == nil && !s.present(initiators.ParticipantID(p.PlayerID)) {
			log.Printf("SESSION: ignoring initiator %s, not connected", util.ShortID(p.PlayerID))
			return
		}
	}
	s.ctrl.HandleMessage(env)
}

func (s *Session) present(id initiators.ParticipantID) bool {
	if id == s.opts.Self {
		return true
	}
	_, ok := s.opts.Peers.Get(string(id))
	return ok
}

func (s *Session) onPeerEvent(ctx context.Context, evt state.PeerEvent) {
	switch evt.Type {
	case state.EventConnect:
		log.Printf("SESSION: %s joined", util.ShortID(evt.PeerID))
		s.opts.Gate.PeerConnected(ctx, evt.PeerID, s.verdicts)

	case state.EventUpdate:
		s.opts.Gate.Observe(evt.Peer.Host, evt.Peer.Mods)

	case state.EventDisconnect:
		log.Printf("SESSION: %s left", util.ShortID(evt.PeerID))
		s.opts.Gate.PeerDisconnected(evt.PeerID)
		s.ctrl.PeerDisconnected(initiators.ParticipantID(evt.PeerID))
	}
}

func (s *Session) onVerdict(v compat.Verdict) {
	if v.OK() {
		return
	}
	s.opts.Notices.Post(string(s.opts.Self), v.Warning, true)
	if err := s.Broadcast(proto.KindChatNotice, proto.ChatNoticePayload{Text: v.Warning, Warning: true}); err != nil {
		log.Printf("SESSION: broadcast warning failed: %v", err)
	}
}

func (s *Session) publish() {
	st := Status{
		Self:            string(s.opts.Self),
		Name:            s.opts.SelfName,
		Role:            s.opts.Gate.Role().String(),
		Status:          s.ctrl.Status(),
		ExpectedVersion: s.opts.Gate.ExpectedVersion(),
		Peers:           []Peer{},
	}
	for _, id := range s.opts.Peers.Connected() {
		p, ok := s.opts.Peers.Get(id)
		if !ok {
			continue
		}
		m, installed := proto.FindMod(p.Mods, s.opts.ModID)
		st.Peers = append(st.Peers, Peer{
			ID:        id,
			Name:      p.Name,
			Host:      p.Host,
			Installed: installed,
			Version:   m.Version,
		})
	}
	s.status.Store(&st)
}
