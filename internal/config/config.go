package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/petervdpas/pausesync/internal/compat"
	"github.com/petervdpas/pausesync/internal/engine"
	"github.com/petervdpas/pausesync/internal/proto"
	"github.com/petervdpas/pausesync/internal/util"
)

// FileName is the config file looked up in a peer directory.
const FileName = "pausesync.json"

// EnvPrefix prefixes every environment override, e.g. PAUSESYNC_SESSION_ROLE.
const EnvPrefix = "PAUSESYNC_"

type Config struct {
	Identity Identity `json:"identity" envPrefix:"IDENTITY_"`
	P2P      P2P      `json:"p2p" envPrefix:"P2P_"`
	Presence Presence `json:"presence" envPrefix:"PRESENCE_"`
	Session  Session  `json:"session" envPrefix:"SESSION_"`
	Mod      Mod      `json:"mod" envPrefix:"MOD_"`
	Profile  Profile  `json:"profile" envPrefix:"PROFILE_"`
	Compat   Compat   `json:"compat" envPrefix:"COMPAT_"`
	Engine   Engine   `json:"engine" envPrefix:"ENGINE_"`
	Shell    Shell    `json:"shell" envPrefix:"SHELL_"`
	Log      Log      `json:"log" envPrefix:"LOG_"`
}

type Identity struct {
	KeyFile string `json:"key_file" env:"KEY_FILE"`
}

type P2P struct {
	ListenPort int    `json:"listen_port" env:"LISTEN_PORT"`
	MdnsTag    string `json:"mdns_tag" env:"MDNS_TAG"`

	// Multiaddrs with a /p2p/ component, dialed at start. Needed when
	// mDNS cannot see the host (different subnet, VPN).
	Bootstrap []string `json:"bootstrap" env:"BOOTSTRAP"`
}

type Presence struct {
	Topic        string `json:"topic" env:"TOPIC"`
	TTLSec       int    `json:"ttl_seconds" env:"TTL_SECONDS"`
	HeartbeatSec int    `json:"heartbeat_seconds" env:"HEARTBEAT_SECONDS"`
}

type Session struct {
	Topic string `json:"topic" env:"TOPIC"`

	// "authority" runs the compatibility check on joiners; exactly one
	// peer per session should be the authority.
	Role string `json:"role" env:"ROLE"`

	TickMillis int `json:"tick_millis" env:"TICK_MILLIS"`

	// Owner re-assertion period. 0 disables it.
	ReassertSec int `json:"reassert_seconds" env:"REASSERT_SECONDS"`
}

type Mod struct {
	ID      string `json:"id" env:"ID"`
	Name    string `json:"name" env:"NAME"`
	Version string `json:"version" env:"VERSION"`
}

type Profile struct {
	Name string `json:"name" env:"NAME"`
}

type Compat struct {
	InitialDelayMillis int `json:"initial_delay_millis" env:"INITIAL_DELAY_MILLIS"`
	MaxWaitMillis      int `json:"max_wait_millis" env:"MAX_WAIT_MILLIS"`
}

type Engine struct {
	// Lua script defining cutscene(tick). Empty means the cutscene state is
	// driven through the shell API.
	Script string `json:"script" env:"SCRIPT"`

	// Longest a single cutscene(tick) call may run.
	BudgetMillis int `json:"budget_millis" env:"BUDGET_MILLIS"`
}

type Shell struct {
	HTTPAddr string `json:"http_addr" env:"HTTP_ADDR"`
}

type Log struct {
	Libp2pLevel string `json:"libp2p_level" env:"LIBP2P_LEVEL"`
	BufferLines int    `json:"buffer_lines" env:"BUFFER_LINES"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
		},
		Presence: Presence{
			Topic:        proto.PresenceTopic,
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Session: Session{
			Topic:       proto.SessionTopic,
			Role:        "participant",
			TickMillis:  16,
			ReassertSec: 5,
		},
		Mod: Mod{
			ID:      proto.DefaultAppID,
			Name:    "Fair Multiplayer Cutscene Experience",
			Version: "1.0.0",
		},
		Profile: Profile{
			Name: "Player",
		},
		Compat: Compat{
			InitialDelayMillis: int(compat.DefaultInitialDelay / time.Millisecond),
			MaxWaitMillis:      int(compat.DefaultMaxWait / time.Millisecond),
		},
		Engine: Engine{
			BudgetMillis: int(engine.DefaultBudget / time.Millisecond),
		},
		Shell: Shell{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Libp2pLevel: "error",
			BufferLines: 500,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	for _, s := range c.P2P.Bootstrap {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("p2p.bootstrap %q: %w", s, err)
		}
	}

	// Presence
	if strings.TrimSpace(c.Presence.Topic) == "" {
		return errors.New("presence.topic is required")
	}
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}

	// Session
	if strings.TrimSpace(c.Session.Topic) == "" {
		return errors.New("session.topic is required")
	}
	if c.Session.Topic == c.Presence.Topic {
		return errors.New("session.topic and presence.topic must differ")
	}
	if _, err := compat.ParseRole(c.Session.Role); err != nil {
		return fmt.Errorf("session.role: %w", err)
	}
	if c.Session.TickMillis < 1 || c.Session.TickMillis > 1000 {
		return errors.New("session.tick_millis must be 1..1000")
	}
	if c.Session.ReassertSec < 0 {
		return errors.New("session.reassert_seconds must be >= 0")
	}

	// Mod
	if strings.TrimSpace(c.Mod.ID) == "" {
		return errors.New("mod.id is required")
	}
	if strings.TrimSpace(c.Mod.Version) == "" {
		return errors.New("mod.version is required")
	}

	// Compat
	if c.Compat.InitialDelayMillis < 0 {
		return errors.New("compat.initial_delay_millis must be >= 0")
	}
	if c.Compat.MaxWaitMillis < 0 {
		return errors.New("compat.max_wait_millis must be >= 0")
	}

	// Engine
	if c.Engine.BudgetMillis < 1 || c.Engine.BudgetMillis > 1000 {
		return errors.New("engine.budget_millis must be 1..1000")
	}

	// Shell
	if a := strings.TrimSpace(c.Shell.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("shell.http_addr: %w", err)
		}
	}

	// Log
	if c.Log.BufferLines <= 0 {
		return errors.New("log.buffer_lines must be > 0")
	}

	return nil
}

// Role resolves session.role. Validate has already rejected bad values.
func (c *Config) Role() compat.Role {
	r, _ := compat.ParseRole(c.Session.Role)
	return r
}

func (s Session) Tick() time.Duration { return time.Duration(s.TickMillis) * time.Millisecond }

func (s Session) Reassert() time.Duration { return time.Duration(s.ReassertSec) * time.Second }

func (c Compat) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMillis) * time.Millisecond
}

func (e Engine) Budget() time.Duration { return time.Duration(e.BudgetMillis) * time.Millisecond }

func (c Compat) MaxWait() time.Duration { return time.Duration(c.MaxWaitMillis) * time.Millisecond }

// ApplyEnv overrides cfg with any PAUSESYNC_* variables that are set.
// Unset variables leave the file values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without env overrides or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). Environment overrides apply either way but
// are never written back.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, true, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}
