package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/petervdpas/pausesync/internal/chat"
	"github.com/petervdpas/pausesync/internal/compat"
	"github.com/petervdpas/pausesync/internal/config"
	"github.com/petervdpas/pausesync/internal/engine"
	"github.com/petervdpas/pausesync/internal/initiators"
	"github.com/petervdpas/pausesync/internal/p2p"
	"github.com/petervdpas/pausesync/internal/proto"
	"github.com/petervdpas/pausesync/internal/session"
	"github.com/petervdpas/pausesync/internal/shell"
	"github.com/petervdpas/pausesync/internal/state"
	"github.com/petervdpas/pausesync/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

func Run(ctx context.Context, opt Options) error {
	logBuf := shell.NewLogBuffer(opt.Cfg.Log.BufferLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))

	p2p.SetLogLevel(opt.Cfg.Log.Libp2pLevel)
	logBanner(opt.PeerDir, opt.CfgPath)

	return runPeer(ctx, opt, logBuf)
}

func runPeer(ctx context.Context, o Options, logs *shell.LogBuffer) error {
	cfg := o.Cfg
	role := cfg.Role()
	mods := []proto.ModInfo{{ID: cfg.Mod.ID, Version: cfg.Mod.Version}}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peers := state.NewPeerTable()

	// ── P2P node
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:    cfg.P2P.ListenPort,
		KeyFile:       util.ResolvePath(o.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:       cfg.P2P.MdnsTag,
		Bootstrap:     cfg.P2P.Bootstrap,
		PresenceTTL:   time.Duration(cfg.Presence.TTLSec) * time.Second,
		PresenceTopic: cfg.Presence.Topic,
		SessionTopic:  cfg.Session.Topic,
		AppID:         cfg.Mod.ID,
		Name:          cfg.Profile.Name,
		Host:          role == compat.RoleAuthority,
		Mods:          mods,
	}, peers)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	self := initiators.ParticipantID(node.ID())
	log.Printf("peer id: %s", node.ID())
	for _, a := range node.Addrs() {
		log.Printf("listening: %s", a)
	}

	if err := node.WatchConnections(ctx); err != nil {
		return err
	}

	// ── Cutscene source
	var eng engine.Engine
	var manual *engine.Static
	if cfg.Engine.Script != "" {
		le, err := engine.NewLuaEngine(util.ResolvePath(o.PeerDir, cfg.Engine.Script), self, cfg.Profile.Name)
		if err != nil {
			return fmt.Errorf("load cutscene script: %w", err)
		}
		defer le.Close()
		le.SetBudget(cfg.Engine.Budget())
		eng = le
	} else {
		manual = engine.NewStatic()
		eng = manual
	}

	// ── Session
	notices := chat.New(100)
	defer notices.Close()
	overlay := shell.NewOverlay()

	gate := compat.New(compat.Options{
		Role:         role,
		Mod:          mods[0],
		ModName:      cfg.Mod.Name,
		InitialDelay: cfg.Compat.InitialDelay(),
		MaxWait:      cfg.Compat.MaxWait(),
		Peers:        peers,
	})
	defer gate.Close()

	sess := session.New(session.Options{
		Self:      self,
		SelfName:  cfg.Profile.Name,
		ModID:     cfg.Mod.ID,
		Tick:      cfg.Session.Tick(),
		Reassert:  cfg.Session.Reassert(),
		Engine:    eng,
		Transport: node,
		Screen:    overlay,
		Notices:   notices,
		Peers:     peers,
		Gate:      gate,
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sess.Run(ctx); err != nil {
			errCh <- fmt.Errorf("session: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := node.RunMessageLoop(ctx, func(env proto.Envelope) {
			if err := sess.Deliver(ctx, env); err != nil {
				log.Printf("PEER: drop %s from %s: %v", env.Kind, util.ShortID(env.From), err)
			}
		})
		if err != nil {
			errCh <- fmt.Errorf("message loop: %w", err)
		}
	}()

	// ── Shell
	if cfg.Shell.HTTPAddr != "" {
		addr, url := NormalizeLocalShell(cfg.Shell.HTTPAddr)
		srv := shell.NewServer(shell.Deps{
			Session:  sess,
			Overlay:  overlay,
			Logs:     logs,
			Notices:  notices,
			Cutscene: manual,
			SelfID:   self,
			SelfName: cfg.Profile.Name,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				errCh <- fmt.Errorf("shell: %w", err)
			}
		}()
		log.Printf("shell: %s", url)
	}

	// ── Presence
	node.RunPresenceLoop(ctx, func(m proto.PresenceMsg) {
		if m.Type != proto.TypeUpdate {
			log.Printf("[%s] %s -> %q", m.Type, util.ShortID(m.PeerID), m.Name)
		}
	})

	if n := node.DialBootstrap(ctx); n > 0 {
		log.Printf("P2P: connected to %d bootstrap peer(s)", n)
	}
	node.Publish(ctx, proto.TypeOnline)

	go func() {
		t := time.NewTicker(time.Duration(cfg.Presence.HeartbeatSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				node.Publish(ctx, proto.TypeUpdate)
			}
		}
	}()

	go func() {
		t := time.NewTicker(1 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				peers.PruneStale(time.Now().Add(-time.Duration(cfg.Presence.TTLSec) * time.Second))
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Printf("PEER: %v", runErr)
	}

	log.Println("PEER: shutting down, sending offline message...")
	offCtx, offCancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	node.Publish(offCtx, proto.TypeOffline)
	offCancel()

	cancel()
	wg.Wait()
	return runErr
}
