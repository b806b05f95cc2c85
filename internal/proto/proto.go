// Package proto defines the pausesync wire formats: presence heartbeats and
// the session message catalogue exchanged over gossipsub.
package proto

import "time"

const (
	PresenceTopic = "pausesync.presence.v1"
	SessionTopic  = "pausesync.session.v1"
	MdnsTag       = "pausesync-mdns"

	// DefaultAppID tags every session envelope; receivers drop envelopes
	// carrying any other tag.
	DefaultAppID = "pausesync.FairMultiplayerCutsceneExperience"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// ModInfo is one entry of a peer's self-reported manifest.
type ModInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

type PresenceMsg struct {
	Type   string    `json:"type"` // online|update|offline
	PeerID string    `json:"peerId"`
	Name   string    `json:"name,omitempty"`
	Host   bool      `json:"host,omitempty"` // sender is the session authority
	Mods   []ModInfo `json:"mods,omitempty"`
	Addrs  []string  `json:"addrs,omitempty"`
	TS     int64     `json:"ts"`
}

// FindMod returns the manifest entry for modID.
func FindMod(mods []ModInfo, modID string) (ModInfo, bool) {
	for _, m := range mods {
		if m.ID == modID {
			return m, true
		}
	}
	return ModInfo{}, false
}

func NowMillis() int64 { return time.Now().UnixMilli() }
