package bridge

import (
	"errors"
	"fmt"

	"github.com/vovakirdan/livechat-connect/internal/channel"
	"github.com/vovakirdan/livechat-connect/internal/livechat"
)

var (
	// ErrTransientNetwork wraps failures to reach the channel or the livechat
	// backend. Units failing with it are retried by the task runner.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrIdentityUnavailable is returned when no visitor id can be extracted.
	ErrIdentityUnavailable = errors.New("visitor identity unavailable")

	// ErrRoomInvalidated is returned when the backend rejects a room as closed or unknown.
	ErrRoomInvalidated = errors.New("livechat room invalidated")

	// ErrDuplicateEvent is returned when an envelope was already delivered.
	ErrDuplicateEvent = errors.New("event already delivered")

	// ErrNoAgentOnline is returned when the backend refuses a room for lack of agents.
	ErrNoAgentOnline = errors.New("no agent online")

	// ErrPartialBroadcast is returned when at least one admin broadcast target failed.
	ErrPartialBroadcast = errors.New("admin broadcast partially failed")

	// ErrUnknownConnector is returned for connector ids or tokens that are not configured.
	ErrUnknownConnector = errors.New("unknown connector")
)

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, livechat.ErrTransport) ||
		errors.Is(err, channel.ErrTransport)
}

func transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, livechat.ErrTransport) || errors.Is(err, channel.ErrTransport) {
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	return err
}

func roomInvalidated(code string) bool {
	switch code {
	case livechat.ErrorRoomClosed, livechat.ErrorInvalidRoom, livechat.ErrorInvalidToken:
		return true
	}
	return false
}
