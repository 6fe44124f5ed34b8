//go:build linux

package device

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"telecare-backend/pkg/logger"
)

// HardwareSource captures local devices through pion/mediadevices
// (V4L2 for cameras, malgo for microphones, X11 for screens).
type HardwareSource struct {
	width  int
	height int
}

// NewHardwareSource creates a source capped at 640x480 video
func NewHardwareSource() *HardwareSource {
	return &HardwareSource{width: 640, height: 480}
}

type hardwareTrack struct {
	track mediadevices.Track
}

func (t *hardwareTrack) ID() string  { return t.track.ID() }
func (t *hardwareTrack) Stop() error { return t.track.Close() }

type openResult struct {
	stream mediadevices.MediaStream
	err    error
}

// Open acquires kind. GetUserMedia cannot be cancelled, so when ctx ends
// first the stream is closed as soon as it arrives.
func (s *HardwareSource) Open(ctx context.Context, kind Kind) ([]Track, error) {
	ch := make(chan openResult, 1)
	go func() {
		stream, err := s.open(kind)
		ch <- openResult{stream: stream, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, toAcquireError(kind, r.err)
		}
		raw := r.stream.GetTracks()
		tracks := make([]Track, 0, len(raw))
		for _, t := range raw {
			tracks = append(tracks, &hardwareTrack{track: t})
		}
		return tracks, nil
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err != nil {
				return
			}
			for _, t := range r.stream.GetTracks() {
				if err := t.Close(); err != nil {
					logger.Warn("Failed to close abandoned track", zap.String("kind", string(kind)), zap.Error(err))
				}
			}
		}()
		return nil, toAcquireError(kind, ctx.Err())
	}
}

func (s *HardwareSource) open(kind Kind) (mediadevices.MediaStream, error) {
	switch kind {
	case Camera:
		return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.Width = prop.IntRanged{Max: s.width}
				c.Height = prop.IntRanged{Max: s.height}
			},
		})
	case Microphone:
		return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		})
	case Screen:
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(_ *mediadevices.MediaTrackConstraints) {},
		})
	}
	return nil, &AcquireError{Kind: kind, Name: "NotSupportedError", Message: "unknown device kind"}
}

// Devices lists the capture devices the drivers can see
func (s *HardwareSource) Devices() []Info {
	var out []Info
	for _, d := range mediadevices.EnumerateDevices() {
		kind, ok := kindOf(d)
		if !ok {
			continue
		}
		out = append(out, Info{ID: d.DeviceID, Kind: kind, Label: d.Label})
	}
	return out
}

// kindOf maps a driver to a device kind. Screens enumerate as video inputs.
func kindOf(d mediadevices.MediaDeviceInfo) (Kind, bool) {
	switch {
	case d.DeviceType == driver.Screen:
		return Screen, true
	case d.Kind == mediadevices.VideoInput:
		return Camera, true
	case d.Kind == mediadevices.AudioInput:
		return Microphone, true
	}
	return "", false
}
