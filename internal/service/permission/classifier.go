// Package permission maps device and permission failures to user guidance.
package permission

import (
	"errors"
	"fmt"
	"strings"

	"telecare-backend/internal/service/device"
	apperrors "telecare-backend/pkg/errors"
)

// Kind is the failure taxonomy shown on the permission-recovery view
type Kind string

const (
	DeviceInUse             Kind = "device_in_use"
	SystemPermissionBlocked Kind = "system_permission_blocked"
	BrowserPermissionDenied Kind = "browser_permission_denied"
	Unknown                 Kind = "unknown"
)

// Guidance texts
const (
	GuidanceDeviceInUse = "Your camera or microphone is being used by another application. " +
		"Close other apps or tabs that may be using it, check for hardware conflicts, then reload."
	GuidanceSystemBlocked = "Your operating system is blocking camera or microphone access. " +
		"Check the camera and microphone privacy settings of your system, then reload."
	GuidanceBrowserDenied = "Camera or microphone access was denied. " +
		"Reset the site permissions using the lock icon in the address bar, then reload."
	GuidanceUnknown = "We could not start your camera or microphone. Please try again."
)

// Classification is the tagged result of Classify
type Classification struct {
	Kind     Kind   `json:"kind"`
	Guidance string `json:"guidance"`
}

type rule struct {
	kind     Kind
	patterns []string
}

// Order matters: the system-level message also reads as a denial.
var rules = []rule{
	{DeviceInUse, []string{"notreadableerror", "trackstarterror", "could not start", "device or resource busy"}},
	{SystemPermissionBlocked, []string{"permission denied by system"}},
	{BrowserPermissionDenied, []string{"notallowederror", "permissiondeniederror", "securityerror"}},
}

// Classify matches err's name and message against the taxonomy.
// It never panics; anything unrecognized is Unknown.
func Classify(err error) Classification {
	text := describe(err)
	if text == "" {
		return classification(Unknown)
	}

	lower := strings.ToLower(text)
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				return classification(r.kind)
			}
		}
	}
	return classification(Unknown)
}

// IsDeviceFailure reports whether a join failure should go to the
// permission-recovery view rather than be treated as a call error
func IsDeviceFailure(err error) bool {
	if err == nil {
		return false
	}
	var acq *device.AcquireError
	if errors.As(err, &acq) {
		return true
	}
	return Classify(err).Kind != Unknown
}

// AsAppError converts a classification into the error surfaced to the user
func (c Classification) AsAppError(cause error) *apperrors.AppError {
	return apperrors.PermissionError(c.Code(), c.Guidance, cause)
}

// Code is the API error code of the classification
func (c Classification) Code() apperrors.ErrorCode {
	switch c.Kind {
	case DeviceInUse:
		return apperrors.ErrCodeDeviceInUse
	case SystemPermissionBlocked:
		return apperrors.ErrCodeSystemBlocked
	case BrowserPermissionDenied:
		return apperrors.ErrCodeBrowserDenied
	default:
		return apperrors.ErrCodePermission
	}
}

func classification(k Kind) Classification {
	switch k {
	case DeviceInUse:
		return Classification{Kind: k, Guidance: GuidanceDeviceInUse}
	case SystemPermissionBlocked:
		return Classification{Kind: k, Guidance: GuidanceSystemBlocked}
	case BrowserPermissionDenied:
		return Classification{Kind: k, Guidance: GuidanceBrowserDenied}
	default:
		return Classification{Kind: Unknown, Guidance: GuidanceUnknown}
	}
}

// describe collects the name and message of err and everything it wraps
func describe(err error) (text string) {
	if err == nil {
		return ""
	}
	defer func() {
		if r := recover(); r != nil {
			text = fmt.Sprintf("%T", err)
		}
	}()

	var b strings.Builder
	var acq *device.AcquireError
	if errors.As(err, &acq) {
		b.WriteString(acq.Name)
		b.WriteByte(' ')
		b.WriteString(acq.Message)
		b.WriteByte(' ')
	}
	b.WriteString(err.Error())
	return b.String()
}
