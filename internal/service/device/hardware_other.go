//go:build !linux

package device

import "context"

// HardwareSource reports every device as unsupported off linux; native
// capture drivers are only wired for V4L2 and malgo.
type HardwareSource struct{}

func NewHardwareSource() *HardwareSource {
	return &HardwareSource{}
}

func (s *HardwareSource) Open(_ context.Context, kind Kind) ([]Track, error) {
	return nil, &AcquireError{
		Kind:    kind,
		Name:    "NotSupportedError",
		Message: "native capture is not available on this platform",
	}
}

func (s *HardwareSource) Devices() []Info {
	return nil
}
