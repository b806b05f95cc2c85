package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/pausesync/internal/chat"
	"github.com/petervdpas/pausesync/internal/compat"
	"github.com/petervdpas/pausesync/internal/engine"
	"github.com/petervdpas/pausesync/internal/initiators"
	"github.com/petervdpas/pausesync/internal/pause"
	"github.com/petervdpas/pausesync/internal/proto"
	"github.com/petervdpas/pausesync/internal/state"
)

const (
	testApp   = "pausesync.test"
	waitFor   = 2 * time.Second
	pollEvery = 5 * time.Millisecond
)

// hub is an in-memory broadcast medium between sessions.
type hub struct {
	mu      sync.Mutex
	members map[string]*Session
	sent    []proto.Envelope
}

func newHub() *hub { return &hub{members: map[string]*Session{}} }

func (h *hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, id)
}

func (h *hub) count(kind proto.Kind, from string, match func(proto.Envelope) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, env := range h.sent {
		if env.Kind == kind && env.From == from && (match == nil || match(env)) {
			n++
		}
	}
	return n
}

type hubTransport struct {
	h    *hub
	self string
}

func (t hubTransport) Broadcast(ctx context.Context, kind proto.Kind, payload any) error {
	env, err := proto.NewEnvelope(testApp, t.self, kind, payload)
	if err != nil {
		return err
	}
	t.h.mu.Lock()
	t.h.sent = append(t.h.sent, env)
	targets := make([]*Session, 0, len(t.h.members))
	for id, s := range t.h.members {
		if id != t.self {
			targets = append(targets, s)
		}
	}
	t.h.mu.Unlock()

	for _, s := range targets {
		_ = s.Deliver(ctx, env)
	}
	return nil
}

type fakeScreen struct {
	mu       sync.Mutex
	open     bool
	name     string
	launched string
}

func (s *fakeScreen) Open(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open, s.name = true, name
}

func (s *fakeScreen) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
}

func (s *fakeScreen) Launch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launched = name
	return nil
}

func (s *fakeScreen) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launched = ""
}

func (s *fakeScreen) Busy() bool { return false }

func (s *fakeScreen) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

type testPeer struct {
	id      string
	session *Session
	engine  *engine.Static
	screen  *fakeScreen
	peers   *state.PeerTable
	notices *chat.Log
}

type peerOpts struct {
	role     compat.Role
	version  string
	reassert time.Duration
}

func startPeer(t *testing.T, h *hub, id, name string, po peerOpts) *testPeer {
	t.Helper()
	if po.version == "" {
		po.version = "1.0.0"
	}
	p := &testPeer{
		id:      id,
		engine:  engine.NewStatic(),
		screen:  &fakeScreen{},
		peers:   state.NewPeerTable(),
		notices: chat.New(32),
	}
	gate := compat.New(compat.Options{
		Role:    po.role,
		Mod:     proto.ModInfo{ID: testApp, Version: po.version},
		ModName: "Fair Cutscenes",
		MaxWait: 300 * time.Millisecond,
		Peers:   p.peers,
	})
	p.session = New(Options{
		Self:      initiators.ParticipantID(id),
		SelfName:  name,
		ModID:     testApp,
		Tick:      2 * time.Millisecond,
		Reassert:  po.reassert,
		Engine:    p.engine,
		Transport: hubTransport{h: h, self: id},
		Screen:    p.screen,
		Notices:   p.notices,
		Peers:     p.peers,
		Gate:      gate,
	})

	h.mu.Lock()
	h.members[id] = p.session
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		gate.Close()
	})
	return p
}

// meet records each peer's presence in the other's table.
func meet(a, b *testPeer, aName, bName string) {
	mods := []proto.ModInfo{{ID: testApp, Version: "1.0.0"}}
	a.peers.SetPresence(b.id, bName, false, mods)
	b.peers.SetPresence(a.id, aName, false, mods)
}

func TestSessionPausesAndResumesRemotePeer(t *testing.T) {
	h := newHub()
	a := startPeer(t, h, "A", "Alice", peerOpts{})
	b := startPeer(t, h, "B", "Bob", peerOpts{})
	meet(a, b, "Alice", "Bob")

	a.engine.Start("A", "Alice")

	require.Eventually(t, func() bool {
		st := b.session.Status()
		return st.Paused && st.Initiator == "Alice"
	}, waitFor, pollEvery)
	assert.True(t, b.screen.isOpen())
	assert.True(t, a.session.Status().LocalInitiator)
	assert.Equal(t, []string{"A"}, b.session.Status().Initiators)

	a.engine.Clear()

	require.Eventually(t, func() bool {
		return !b.session.Status().Paused && !b.screen.isOpen()
	}, waitFor, pollEvery)
	assert.Equal(t, 1, h.count(proto.KindInitiatorAdd, "A", nil))
	assert.Equal(t, 1, h.count(proto.KindInitiatorRemove, "A", nil))
}

func TestSessionDisconnectReleasesPause(t *testing.T) {
	h := newHub()
	a := startPeer(t, h, "A", "Alice", peerOpts{})
	b := startPeer(t, h, "B", "Bob", peerOpts{})
	meet(a, b, "Alice", "Bob")

	a.engine.Start("A", "Alice")
	require.Eventually(t, func() bool { return b.session.Status().Paused }, waitFor, pollEvery)

	// A vanishes mid-cutscene.
	h.remove("A")
	b.peers.Disconnect("A")

	require.Eventually(t, func() bool {
		return !b.session.Status().Paused && !b.screen.isOpen()
	}, waitFor, pollEvery)
	assert.Equal(t, 1, h.count(proto.KindInitiatorRemove, "B", nil))
	assert.Empty(t, b.session.Status().Initiators)
}

func TestLateInitiatorAddFromDepartedPeerIsIgnored(t *testing.T) {
	h := newHub()
	a := startPeer(t, h, "A", "Alice", peerOpts{})
	b := startPeer(t, h, "B", "Bob", peerOpts{})
	meet(a, b, "Alice", "Bob")

	a.engine.Start("A", "Alice")
	require.Eventually(t, func() bool { return b.session.Status().Paused }, waitFor, pollEvery)

	h.remove("A")
	b.peers.Disconnect("A")
	require.Eventually(t, func() bool { return !b.session.Status().Paused }, waitFor, pollEvery)

	// A duplicate of A's add arrives after the disconnect.
	late, err := proto.NewEnvelope(testApp, "A", proto.KindInitiatorAdd, proto.InitiatorPayload{PlayerID: "A"})
	require.NoError(t, err)
	require.NoError(t, b.session.Deliver(context.Background(), late))

	assert.Never(t, func() bool {
		st := b.session.Status()
		return st.Paused || len(st.Initiators) > 0 || b.screen.isOpen()
	}, 200*time.Millisecond, pollEvery)
}

func TestSessionLaunchActivity(t *testing.T) {
	h := newHub()
	a := startPeer(t, h, "A", "Alice", peerOpts{})
	b := startPeer(t, h, "B", "Bob", peerOpts{})
	meet(a, b, "Alice", "Bob")

	ctx := context.Background()
	err := b.session.LaunchActivity(ctx, "junimo-kart")
	assert.True(t, errors.Is(err, pause.ErrNotPaused))

	a.engine.Start("A", "Alice")
	require.Eventually(t, func() bool { return b.session.Status().OverlayOpen }, waitFor, pollEvery)

	require.NoError(t, b.session.LaunchActivity(ctx, "junimo-kart"))
	require.Eventually(t, func() bool { return b.session.Status().Activity == "junimo-kart" }, waitFor, pollEvery)
	assert.False(t, b.screen.isOpen())

	require.NoError(t, b.session.ActivityDone(ctx))
	require.Eventually(t, b.screen.isOpen, waitFor, pollEvery)
	require.Eventually(t, func() bool { return b.session.Status().Activity == "" }, waitFor, pollEvery)
	assert.True(t, b.session.Status().Paused)
	assert.ErrorIs(t, b.session.ActivityDone(ctx), pause.ErrNoActivity)
}

func TestAuthorityWarnsOnVersionMismatch(t *testing.T) {
	h := newHub()
	host := startPeer(t, h, "H", "Hana", peerOpts{role: compat.RoleAuthority, version: "1.2.0"})

	host.peers.SetPresence("C", "Carol", false, []proto.ModInfo{{ID: testApp, Version: "1.1.0"}})

	isWarning := func(env proto.Envelope) bool {
		n, err := env.ChatNotice()
		return err == nil && n.Warning && strings.Contains(n.Text, "The player Carol has mod version 1.1.0")
	}
	require.Eventually(t, func() bool {
		return h.count(proto.KindChatNotice, "H", isWarning) == 1
	}, waitFor, pollEvery)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.count(proto.KindChatNotice, "H", isWarning))

	warnings := 0
	for _, n := range host.notices.Notices() {
		if n.Warning() {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestParticipantLearnsHostVersion(t *testing.T) {
	h := newHub()
	p := startPeer(t, h, "P", "Pia", peerOpts{})

	p.peers.SetPresence("H", "Hana", true, []proto.ModInfo{{ID: testApp, Version: "2.0.0"}})

	require.Eventually(t, func() bool {
		return p.session.Status().ExpectedVersion == "2.0.0"
	}, waitFor, pollEvery)
	assert.Equal(t, "participant", p.session.Status().Role)
}

func TestReassertRepeatsMembership(t *testing.T) {
	h := newHub()
	a := startPeer(t, h, "A", "Alice", peerOpts{reassert: 10 * time.Millisecond})

	a.engine.Start("A", "Alice")
	require.Eventually(t, func() bool {
		return h.count(proto.KindInitiatorAdd, "A", nil) >= 3
	}, waitFor, pollEvery)
}

func TestStatusListsPeers(t *testing.T) {
	h := newHub()
	a := startPeer(t, h, "A", "Alice", peerOpts{})
	a.peers.SetPresence("B", "Bob", false, []proto.ModInfo{{ID: testApp, Version: "1.0.0"}})
	a.peers.Connect("Z")

	require.Eventually(t, func() bool { return len(a.session.Status().Peers) == 2 }, waitFor, pollEvery)

	peers := a.session.Status().Peers
	assert.Equal(t, Peer{ID: "B", Name: "Bob", Installed: true, Version: "1.0.0"}, peers[0])
	assert.Equal(t, "Z", peers[1].ID)
	assert.False(t, peers[1].Installed)
}

func TestStoppedSessionRejectsWork(t *testing.T) {
	s := New(Options{
		Self:      "A",
		SelfName:  "Alice",
		Engine:    engine.NewStatic(),
		Transport: hubTransport{h: newHub(), self: "A"},
		Screen:    &fakeScreen{},
		Notices:   chat.New(8),
		Peers:     state.NewPeerTable(),
		Gate:      compat.New(compat.Options{Peers: state.NewPeerTable()}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	assert.ErrorIs(t, s.LaunchActivity(context.Background(), "junimo-kart"), ErrStopped)
	assert.ErrorIs(t, s.ActivityDone(context.Background()), ErrStopped)
	assert.ErrorIs(t, s.Deliver(context.Background(), proto.Envelope{}), ErrStopped)
	assert.False(t, s.Status().Paused)
}
