package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks failures to reach the channel API at all.
	ErrTransport = errors.New("channel transport error")
	// ErrUnsupported is returned by variants lacking a capability.
	ErrUnsupported = errors.New("channel capability not supported")
	// ErrNoMedia is returned when a media event carries nothing to download.
	ErrNoMedia = errors.New("event has no media")
)

// UnknownTypeError is returned when no factory exists for a connector type.
type UnknownTypeError struct {
	Connector string
	Type      string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("channel: no factory for type %q (connector %s)", e.Type, e.Connector)
}

// MediaError is returned when the channel answered a media download with a failure.
type MediaError struct {
	EnvelopeID string
	Status     int
	Cause      error
}

func (e *MediaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channel: fetch media %s: %v", e.EnvelopeID, e.Cause)
	}
	return fmt.Sprintf("channel: fetch media %s: status %d", e.EnvelopeID, e.Status)
}

func (e *MediaError) Unwrap() error { return e.Cause }
