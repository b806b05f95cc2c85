package chat

import (
	"time"

	"github.com/google/uuid"
)

// Severity mirrors the two colours the in-game chat box uses.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Notice is one line of the shared session chat log.
type Notice struct {
	ID        string   `json:"id"`        // envelope id, or a fresh uuid for local notices
	From      string   `json:"from"`      // participant that produced it
	Text      string   `json:"text"`
	Severity  Severity `json:"severity"`
	Timestamp int64    `json:"timestamp"` // unix millis
}

// NewNotice creates a notice produced on this process.
func NewNotice(from, text string, warning bool) *Notice {
	return &Notice{
		ID:        uuid.NewString(),
		From:      from,
		Text:      text,
		Severity:  severityOf(warning),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (n *Notice) Warning() bool { return n.Severity == SeverityWarning }

func severityOf(warning bool) Severity {
	if warning {
		return SeverityWarning
	}
	return SeverityInfo
}
