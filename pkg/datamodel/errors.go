package datamodel

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned when the caller abandons a scan. It matches
// context.Canceled with errors.Is.
var ErrCancelled = fmt.Errorf("scan cancelled: %w", context.Canceled)

type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

type PayloadTooLargeError struct {
	Size int64
	Max  int64
}

func (e *PayloadTooLargeError) Error() string {
	if e.Size <= 0 {
		return fmt.Sprintf("payload exceeds maximum size of %d bytes", e.Max)
	}
	return fmt.Sprintf("payload of %d bytes exceeds maximum size of %d bytes", e.Size, e.Max)
}

// ContentReadError is a failure to read the content to submit, before
// anything reached the provider.
type ContentReadError struct {
	Err error
}

func (e *ContentReadError) Error() string {
	return fmt.Sprintf("could not read content: %s", e.Err)
}

func (e *ContentReadError) Unwrap() error {
	return e.Err
}

// UpstreamSubmissionError is a rejected submission. Status is 0 when no
// response was received.
type UpstreamSubmissionError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamSubmissionError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("upstream submission failed: %s", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("upstream submission failed with status %d: %s", e.Status, e.Err)
	default:
		return fmt.Sprintf("upstream submission failed with status %d", e.Status)
	}
}

func (e *UpstreamSubmissionError) Unwrap() error {
	return e.Err
}

type MalformedUpstreamResponseError struct {
	Reason string
	Body   string
}

func (e *MalformedUpstreamResponseError) Error() string {
	return "malformed upstream response: " + e.Reason
}

// TimeoutExceededError keeps the analysis id so polling can be resumed
// without a new submission.
type TimeoutExceededError struct {
	AnalysisID string
	Attempts   int
	LastErr    error
}

func (e *TimeoutExceededError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("analysis %s not completed after %d attempts, last error: %s", e.AnalysisID, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("analysis %s not completed after %d attempts", e.AnalysisID, e.Attempts)
}

func (e *TimeoutExceededError) Unwrap() error {
	return e.LastErr
}

// IsCancelled reports whether err comes from a caller abort.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
