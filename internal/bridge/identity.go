package bridge

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/vovakirdan/livechat-connect/internal/channel"
)

// Identity is a resolved visitor.
type Identity struct {
	Token     string // "<namespace>:<raw id>"
	RawID     string
	Synthetic bool // placeholder used because the payload had no sender
}

// NewIdentity builds the identity for a raw channel id.
func NewIdentity(namespace, rawID string) Identity {
	rawID = strings.TrimSpace(rawID)
	return Identity{Token: namespace + ":" + rawID, RawID: rawID}
}

// ResolveIncoming derives the visitor identity from a parsed channel event.
func ResolveIncoming(ch channel.Channel, ev channel.Event) (Identity, error) {
	if strings.TrimSpace(ev.VisitorID) == "" {
		return Identity{}, ErrIdentityUnavailable
	}
	return NewIdentity(ch.Namespace(), ev.VisitorID), nil
}

// ResolveOutgoing derives the visitor identity from a livechat payload's
// visitor.token, re-prefixed with the channel namespace.
func ResolveOutgoing(ch channel.Channel, payload []byte) (Identity, error) {
	token := gjson.GetBytes(payload, "visitor.token").String()
	_, rawID, found := strings.Cut(token, ":")
	if !found || strings.TrimSpace(rawID) == "" {
		return Identity{}, ErrIdentityUnavailable
	}
	return NewIdentity(ch.Namespace(), rawID), nil
}

// Placeholder returns the degraded identity used when resolution fails.
// Without a configured placeholder a random id is generated.
func Placeholder(namespace, placeholder string) Identity {
	if placeholder == "" {
		placeholder = "visitor-" + uuid.NewString()
	}
	id := NewIdentity(namespace, placeholder)
	id.Synthetic = true
	return id
}
