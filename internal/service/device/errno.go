package device

import (
	"context"
	"errors"
	"strings"
	"syscall"
)

// toAcquireError maps a capture driver error onto the DOMException-style
// names the classifier understands
func toAcquireError(kind Kind, err error) *AcquireError {
	var acq *AcquireError
	if errors.As(err, &acq) {
		return acq
	}

	lower := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &AcquireError{Kind: kind, Name: "AbortError", Message: err.Error(), Err: err}
	case errors.Is(err, syscall.EBUSY), strings.Contains(lower, "device or resource busy"):
		return &AcquireError{Kind: kind, Name: "NotReadableError", Message: "Could not start " + string(kind) + " source", Err: err}
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM), strings.Contains(lower, "permission denied"):
		return &AcquireError{Kind: kind, Name: "NotAllowedError", Message: "Permission denied by system", Err: err}
	case strings.Contains(lower, "not found"), strings.Contains(lower, "failed to find"), strings.Contains(lower, "no such"):
		return &AcquireError{Kind: kind, Name: "NotFoundError", Message: "Requested device not found", Err: err}
	default:
		return &AcquireError{Kind: kind, Name: "UnknownError", Message: err.Error(), Err: err}
	}
}
