package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/petervdpas/pausesync/internal/proto"
	"github.com/petervdpas/pausesync/internal/state"
	"github.com/petervdpas/pausesync/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Subsystems whose output is governed by log.libp2p_level.
var libp2pSubsystems = []string{"swarm2", "pubsub", "mdns", "basichost", "autonat", "net/identify"}

func init() {
	// Dial failures and backoff errors go to stderr by default.
	SetLogLevel("error")
}

// SetLogLevel applies level to the libp2p subsystems pausesync cares about.
func SetLogLevel(level string) {
	for _, s := range libp2pSubsystems {
		_ = logging.SetLogLevel(s, level)
	}
}

type Options struct {
	ListenHost string // default 0.0.0.0
	ListenPort int
	KeyFile    string

	MdnsTag     string // empty disables mDNS
	Bootstrap   []string
	PresenceTTL time.Duration

	PresenceTopic string
	SessionTopic  string
	AppID         string

	// What this peer announces in presence.
	Name string
	Host bool
	Mods []proto.ModInfo
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	presence    *pubsub.Topic
	presenceSub *pubsub.Subscription
	session     *pubsub.Topic
	sessionSub  *pubsub.Subscription
	md          mdns.Service

	peers *state.PeerTable
	opts  Options

	closeOnce sync.Once
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func New(ctx context.Context, o Options, peers *state.PeerTable) (*Node, error) {
	if o.ListenHost == "" {
		o.ListenHost = "0.0.0.0"
	}
	if o.PresenceTopic == "" {
		o.PresenceTopic = proto.PresenceTopic
	}
	if o.SessionTopic == "" {
		o.SessionTopic = proto.SessionTopic
	}
	if o.AppID == "" {
		o.AppID = proto.DefaultAppID
	}

	priv, isNew, err := loadOrCreateKey(o.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("P2P: generated new identity key: %s", o.KeyFile)
	} else {
		log.Printf("P2P: loaded identity key: %s", o.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", o.ListenHost, o.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{Host: h, peers: peers, opts: o}
	if err := n.setup(ctx); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) setup(ctx context.Context) error {
	if n.opts.MdnsTag != "" {
		n.md = mdns.NewMdnsService(n.Host, n.opts.MdnsTag, &mdnsNotifee{h: n.Host})
		if err := n.md.Start(); err != nil {
			return fmt.Errorf("start mdns: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(ctx, n.Host)
	if err != nil {
		return err
	}
	n.ps = ps

	if n.presence, err = ps.Join(n.opts.PresenceTopic); err != nil {
		return err
	}
	if n.presenceSub, err = n.presence.Subscribe(); err != nil {
		return err
	}
	if n.session, err = ps.Join(n.opts.SessionTopic); err != nil {
		return err
	}
	if n.sessionSub, err = n.session.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.presenceSub != nil {
			n.presenceSub.Cancel()
		}
		if n.sessionSub != nil {
			n.sessionSub.Cancel()
		}
		if n.md != nil {
			_ = n.md.Close()
		}
		err = n.Host.Close()
	})
	return err
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Addrs returns the host's full /p2p/ addresses, suitable for p2p.bootstrap.
func (n *Node) Addrs() []string {
	info := peer.AddrInfo{ID: n.Host.ID(), Addrs: n.Host.Addrs()}
	full, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(full))
	for _, a := range full {
		out = append(out, a.String())
	}
	return out
}

// DialBootstrap connects to every configured bootstrap address. Failures
// are logged; mDNS may still find the peers.
func (n *Node) DialBootstrap(ctx context.Context) int {
	connected := 0
	for _, s := range n.opts.Bootstrap {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("P2P: bootstrap %q: %v", s, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("P2P: bootstrap %q: %v", s, err)
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		err = n.Host.Connect(cctx, *pi)
		cancel()
		if err != nil {
			log.Printf("P2P: bootstrap %s unreachable: %v", util.ShortID(pi.ID.String()), err)
			continue
		}
		connected++
	}
	return connected
}

// Connect dials a peer by AddrInfo.
func (n *Node) Connect(ctx context.Context, pi peer.AddrInfo) error {
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	return n.Host.Connect(cctx, pi)
}

// WatchConnections feeds libp2p connectedness changes into the peer table
// until ctx is done.
func (n *Node) WatchConnections(ctx context.Context) error {
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return fmt.Errorf("subscribe connectedness: %w", err)
	}

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				evt := e.(event.EvtPeerConnectednessChanged)
				id := evt.Peer.String()
				switch evt.Connectedness {
				case network.Connected:
					n.peers.Connect(id)
				case network.NotConnected:
					n.peers.Disconnect(id)
				}
			}
		}
	}()
	return nil
}

func (n *Node) Publish(ctx context.Context, typ string) {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		msg.Name = n.opts.Name
		msg.Host = n.opts.Host
		msg.Mods = n.opts.Mods
		msg.Addrs = n.lanAddrs()
	}

	b, _ := json.Marshal(msg)
	_ = n.presence.Publish(ctx, b)
}

// lanAddrs returns the host's multiaddresses without loopback and
// link-local entries.
func (n *Node) lanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		direct = append(direct, a)
	}
	ttl := n.opts.PresenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, ttl)
	}
}

func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) {
	go func() {
		for {
			m, err := n.presenceSub.Next(ctx)
			if err != nil {
				return
			}

			var pm proto.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.PeerID == "" || pm.Type == "" {
				continue
			}
			if pm.PeerID == n.ID() || pm.PeerID != m.GetFrom().String() {
				continue
			}

			switch pm.Type {
			case proto.TypeOnline, proto.TypeUpdate:
				n.peers.SetPresence(pm.PeerID, pm.Name, pm.Host, pm.Mods)
				n.addPeerAddrs(pm.PeerID, pm.Addrs)
			case proto.TypeOffline:
				n.peers.Disconnect(pm.PeerID)
			}

			if onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

// Broadcast publishes one session envelope to every subscriber of the
// session topic.
func (n *Node) Broadcast(ctx context.Context, kind proto.Kind, payload any) error {
	data, err := proto.Encode(n.opts.AppID, n.ID(), kind, payload)
	if err != nil {
		return err
	}
	if err := n.session.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

// RunMessageLoop hands every session envelope from another peer to fn.
// Our own messages and envelopes for another application are dropped.
// It blocks until ctx is done.
func (n *Node) RunMessageLoop(ctx context.Context, fn func(proto.Envelope)) error {
	self := n.Host.ID()
	for {
		m, err := n.sessionSub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if m.ReceivedFrom == self || m.GetFrom() == self {
			continue
		}

		env, err := proto.Decode(m.Data, n.opts.AppID)
		if err != nil {
			if !errors.Is(err, proto.ErrForeignApp) {
				log.Printf("P2P: dropping session message from %s: %v", util.ShortID(m.GetFrom().String()), err)
			}
			continue
		}
		if env.From != m.GetFrom().String() {
			log.Printf("P2P: dropping envelope claiming %s from %s", util.ShortID(env.From), util.ShortID(m.GetFrom().String()))
			continue
		}
		fn(env)
	}
}
