//go:build linux && !noscreen

package device

// X11 screens; needs libx11 and libxext headers. Build with -tags noscreen
// where they are missing.
import _ "github.com/pion/mediadevices/pkg/driver/screen"
