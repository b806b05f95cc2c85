// Package compat checks, on the session authority, that every joining peer
// runs the same version of this mod.
//
// The check never blocks the session loop: each connect starts a deferred
// task that waits for the peer's manifest with bounded exponential backoff
// and posts a Verdict back on a channel. Verdicts are advisory only.
package compat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/pausesync/internal/proto"
	"github.com/petervdpas/pausesync/internal/util"
)

var ErrNoManifest = errors.New("compat: peer manifest not received")

const (
	DefaultInitialDelay = 5 * time.Second
	DefaultMaxWait      = 15 * time.Second

	minBackoff = 50 * time.Millisecond
	maxBackoff = 2 * time.Second
)

type Role int

const (
	RoleParticipant Role = iota
	RoleAuthority
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "participant"
}

// ParseRole accepts "authority" (or "host") and "participant" (or "client").
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "authority", "host":
		return RoleAuthority, nil
	case "participant", "client", "":
		return RoleParticipant, nil
	}
	return RoleParticipant, fmt.Errorf("compat: unknown role %q", s)
}

// Peers is where manifests and display names come from.
type Peers interface {
	Name(id string) string
	Manifest(id string) ([]proto.ModInfo, bool)
}

// Verdict is the outcome of one peer check. An empty Warning means the peer
// is compatible.
type Verdict struct {
	PeerID    string
	Name      string
	Installed bool
	Version   string
	Warning   string
}

func (v Verdict) OK() bool { return v.Warning == "" }

type Options struct {
	Role         Role
	Mod          proto.ModInfo
	ModName      string
	InitialDelay time.Duration
	MaxWait      time.Duration
	Peers        Peers
}

type Gate struct {
	opts Options

	mu       sync.Mutex
	expected string
	pending  map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func New(o Options) *Gate {
	if o.ModName == "" {
		o.ModName = o.Mod.ID
	}
	return &Gate{
		opts:    o,
		pending: make(map[string]context.CancelFunc),
	}
}

func (g *Gate) Role() Role { return g.opts.Role }

// ExpectedVersion is the host's mod version as last observed by a
// participant, or our own version on the authority.
func (g *Gate) ExpectedVersion() string {
	if g.opts.Role == RoleAuthority {
		return g.opts.Mod.Version
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expected
}

// Observe records what a participant learns about the host from presence.
func (g *Gate) Observe(host bool, mods []proto.ModInfo) {
	if g.opts.Role != RoleParticipant || !host {
		return
	}
	m, _ := proto.FindMod(mods, g.opts.Mod.ID)
	g.mu.Lock()
	changed := g.expected != m.Version
	g.expected = m.Version
	g.mu.Unlock()
	if changed {
		log.Printf("COMPAT: host runs %s %q", g.opts.ModName, m.Version)
	}
}

// Evaluate checks one peer against the local mod. It returns ErrNoManifest
// until the peer's manifest has arrived.
func (g *Gate) Evaluate(id string) (Verdict, error) {
	mods, ok := g.opts.Peers.Manifest(id)
	if !ok {
		return Verdict{}, ErrNoManifest
	}
	return g.judge(id, mods, true), nil
}

func (g *Gate) judge(id string, mods []proto.ModInfo, haveManifest bool) Verdict {
	v := Verdict{PeerID: id, Name: g.opts.Peers.Name(id)}
	if v.Name == "" {
		v.Name = util.ShortID(id)
	}

	var m proto.ModInfo
	if haveManifest {
		m, v.Installed = proto.FindMod(mods, g.opts.Mod.ID)
	}
	if !v.Installed {
		v.Warning = fmt.Sprintf("[%s] The player %s does not have the mod installed. "+
			"For correct functionality, all players must have the mod installed.",
			g.opts.ModName, v.Name)
		return v
	}

	v.Version = m.Version
	if v.Version != g.opts.Mod.Version {
		v.Warning = fmt.Sprintf("[%s] The player %s has mod version %s when the Host mod is %s. "+
			"For correct functionality, the mod versions must match for all players.",
			g.opts.ModName, v.Name, v.Version, g.opts.Mod.Version)
	}
	return v
}

// PeerConnected schedules the check for a newly connected peer. Only the
// authority checks; on a participant this is a no-op. A reconnect replaces
// a check still pending for the same peer.
func (g *Gate) PeerConnected(ctx context.Context, id string, out chan<- Verdict) {
	if g.opts.Role != RoleAuthority {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	if prev, ok := g.pending[id]; ok {
		prev()
	}
	g.pending[id] = cancel
	g.wg.Add(1)
	g.mu.Unlock()

	go g.await(ctx, id, out)
}

// PeerDisconnected drops a pending check.
func (g *Gate) PeerDisconnected(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cancel, ok := g.pending[id]; ok {
		cancel()
		delete(g.pending, id)
	}
}

// Close cancels pending checks and waits for them to exit.
func (g *Gate) Close() {
	g.mu.Lock()
	for id, cancel := range g.pending {
		cancel()
		delete(g.pending, id)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gate) await(ctx context.Context, id string, out chan<- Verdict) {
	defer g.wg.Done()
	defer g.finish(ctx, id)

	if !sleep(ctx, g.opts.InitialDelay) {
		return
	}

	deadline := time.Now().Add(g.opts.MaxWait)
	backoff := minBackoff
	for {
		v, err := g.Evaluate(id)
		if err == nil {
			g.post(ctx, v, out)
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Printf("COMPAT: no manifest from %s after %s", util.ShortID(id), g.opts.MaxWait)
			g.post(ctx, g.judge(id, nil, false), out)
			return
		}

		wait := backoff + time.Duration(rand.Int63n(int64(backoff)))
		if wait > remaining {
			wait = remaining
		}
		if !sleep(ctx, wait) {
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (g *Gate) post(ctx context.Context, v Verdict, out chan<- Verdict) {
	if v.OK() {
		log.Printf("COMPAT: %s runs %s %s", v.Name, g.opts.ModName, v.Version)
	}
	select {
	case out <- v:
	case <-ctx.Done():
	}
}

// finish forgets the pending entry unless a newer check already replaced it.
func (g *Gate) finish(ctx context.Context, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ctx.Err() == nil {
		if cancel, ok := g.pending[id]; ok {
			cancel()
			delete(g.pending, id)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
