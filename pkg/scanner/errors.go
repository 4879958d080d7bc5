package scanner

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecthomas/units"
	"github.com/glimps-re/vt-connector/pkg/datamodel"
)

type ErrorKind string

const (
	ErrInvalidInput      ErrorKind = "invalid-input"
	ErrPayloadTooLarge   ErrorKind = "payload-too-large"
	ErrContentUnreadable ErrorKind = "content-unreadable"
	ErrUpstreamSubmit    ErrorKind = "upstream-submission"
	ErrMalformedResponse ErrorKind = "malformed-upstream-response"
	ErrTimeoutExceeded   ErrorKind = "timeout-exceeded"
	ErrCancelled         ErrorKind = "cancelled"
)

const genericFailureMessage = "verification failed, try again"

// ScanError is the only error type returned by the Orchestrator.
type ScanError struct {
	Kind       ErrorKind
	AnalysisID string
	Err        error
}

func (e *ScanError) Error() string {
	if e.AnalysisID != "" {
		return fmt.Sprintf("%s (analysis %s): %s", e.Kind, e.AnalysisID, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// UserMessage is safe to show to an end user: it never carries provider
// status codes or bodies.
func (e *ScanError) UserMessage() string {
	switch e.Kind {
	case ErrInvalidInput:
		invalid := new(datamodel.InvalidInputError)
		if errors.As(e.Err, &invalid) {
			return invalid.Reason
		}
		return "invalid input"
	case ErrPayloadTooLarge:
		tooLarge := new(datamodel.PayloadTooLargeError)
		if errors.As(e.Err, &tooLarge) && tooLarge.Max > 0 {
			return fmt.Sprintf("file exceeds the maximum size of %s", units.Base2Bytes(tooLarge.Max))
		}
		return "file is too large"
	case ErrContentUnreadable:
		return "file content could not be read"
	case ErrTimeoutExceeded:
		return "verification is taking longer than expected, try again later"
	case ErrCancelled:
		return "verification cancelled"
	default:
		return genericFailureMessage
	}
}

// newScanError maps a component error to its ScanError kind. A done ctx wins
// over any other error since the submission and poll errors then only
// reflect the abort.
func newScanError(ctx context.Context, analysisID string, err error) *ScanError {
	scanErr := new(ScanError)
	if errors.As(err, &scanErr) {
		return scanErr
	}
	scanErr = &ScanError{AnalysisID: analysisID, Err: err}

	var (
		invalid   *datamodel.InvalidInputError
		tooLarge  *datamodel.PayloadTooLargeError
		unread    *datamodel.ContentReadError
		malformed *datamodel.MalformedUpstreamResponseError
		timeout   *datamodel.TimeoutExceededError
	)
	switch {
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, datamodel.ErrCancelled):
		scanErr.Kind = ErrCancelled
		scanErr.Err = datamodel.ErrCancelled
	case errors.As(err, &invalid):
		scanErr.Kind = ErrInvalidInput
	case errors.As(err, &tooLarge):
		scanErr.Kind = ErrPayloadTooLarge
	case errors.As(err, &unread):
		scanErr.Kind = ErrContentUnreadable
	case errors.As(err, &timeout):
		scanErr.Kind = ErrTimeoutExceeded
		scanErr.AnalysisID = timeout.AnalysisID
	case errors.As(err, &malformed):
		scanErr.Kind = ErrMalformedResponse
	default:
		scanErr.Kind = ErrUpstreamSubmit
	}
	return scanErr
}
