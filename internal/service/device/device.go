// Package device owns camera, microphone and screen capture handles between
// enable and release.
package device

import (
	"context"
	"fmt"
)

// Kind is a capturable device
type Kind string

const (
	Camera     Kind = "camera"
	Microphone Kind = "microphone"
	Screen     Kind = "screen"
)

// Kinds lists every device in release order
var Kinds = []Kind{Camera, Microphone, Screen}

// ParseKind validates a device name from the outside world
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Camera, Microphone, Screen:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown device kind %q", s)
}

// Track is one hardware track of an acquired stream
type Track interface {
	ID() string
	// Stop releases the underlying hardware
	Stop() error
}

// Source acquires hardware tracks
type Source interface {
	Open(ctx context.Context, kind Kind) ([]Track, error)
}

// Publisher toggles the logical device state on the signaling layer
type Publisher interface {
	SetEnabled(ctx context.Context, kind Kind, enabled bool) error
}

// AcquireError is a failed acquisition. Name follows the DOMException names
// the platform reports (NotReadableError, NotAllowedError, ...).
type AcquireError struct {
	Kind    Kind
	Name    string
	Message string
	Err     error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Name, e.Message)
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}
