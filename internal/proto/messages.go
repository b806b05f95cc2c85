package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind names one entry of the closed session message catalogue.
// Wire names are frozen; changing one splits the session.
type Kind string

const (
	KindChatNotice      Kind = "sendChatMessage"
	KindPauseBegin      Kind = "startPause"
	KindPauseEnd        Kind = "endPause"
	KindInitiatorAdd    Kind = "addPlayerToInitiators"
	KindInitiatorRemove Kind = "removePlayerFromInitiators"
)

var (
	ErrForeignApp  = errors.New("proto: envelope tagged for another application")
	ErrUnknownKind = errors.New("proto: unknown message kind")
	ErrWrongKind   = errors.New("proto: payload accessor does not match kind")
)

// Valid reports whether k belongs to the catalogue.
func (k Kind) Valid() bool {
	switch k {
	case KindChatNotice, KindPauseBegin, KindPauseEnd, KindInitiatorAdd, KindInitiatorRemove:
		return true
	}
	return false
}

// Envelope is the wire type published on the session topic.
type Envelope struct {
	App     string          `json:"app"`
	Kind    Kind            `json:"kind"`
	From    string          `json:"from"`
	ID      string          `json:"id"` // uuid4
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChatNoticePayload is shown in every participant's chat log.
type ChatNoticePayload struct {
	Text    string `json:"text"`
	Warning bool   `json:"warning"`
}

// InitiatorPayload carries the participant being added or removed.
type InitiatorPayload struct {
	PlayerID string `json:"player_id"`
}

// Encode builds and serialises an envelope. payload may be nil for kinds
// that carry none.
func Encode(app, from string, kind Kind, payload any) ([]byte, error) {
	env, err := NewEnvelope(app, from, kind, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewEnvelope builds an envelope with a fresh id and timestamp.
func NewEnvelope(app, from string, kind Kind, payload any) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	env := Envelope{
		App:  app,
		Kind: kind,
		From: from,
		ID:   uuid.NewString(),
		TS:   NowMillis(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("proto: encode %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode parses data and checks it is addressed to app.
func Decode(data []byte, app string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("proto: decode envelope: %w", err)
	}
	if env.App != app {
		return Envelope{}, fmt.Errorf("%w: %q", ErrForeignApp, env.App)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return env, nil
}

func (e Envelope) ChatNotice() (ChatNoticePayload, error) {
	var p ChatNoticePayload
	if e.Kind != KindChatNotice {
		return p, fmt.Errorf("%w: %s", ErrWrongKind, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("proto: decode chat notice: %w", err)
	}
	return p, nil
}

func (e Envelope) Initiator() (InitiatorPayload, error) {
	var p InitiatorPayload
	if e.Kind != KindInitiatorAdd && e.Kind != KindInitiatorRemove {
		return p, fmt.Errorf("%w: %s", ErrWrongKind, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("proto: decode initiator: %w", err)
	}
	if p.PlayerID == "" {
		return p, errors.New("proto: initiator payload without player_id")
	}
	return p, nil
}
