package datamodel

import (
	"encoding/json"
	"io"
	"time"
)

type ScanKind string

const (
	KindURL  ScanKind = "url"
	KindFile ScanKind = "file"
)

// ScanRequest is one user submission. Only one of URL or Content is used,
// depending on Kind.
type ScanRequest struct {
	Kind        ScanKind
	URL         string
	Content     io.Reader
	Filename    string
	SubmittedAt time.Time
}

// Target returns the URL or the file name of the request.
func (r ScanRequest) Target() string {
	if r.Kind == KindURL {
		return r.URL
	}
	return r.Filename
}

// AnalysisHandle identifies an analysis job on the provider side.
type AnalysisHandle struct {
	ID        string    `json:"id"`
	Kind      ScanKind  `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

type PollStatus string

const (
	StatusQueued     PollStatus = "queued"
	StatusInProgress PollStatus = "in-progress"
	StatusCompleted  PollStatus = "completed"
	StatusFailed     PollStatus = "failed"
)

// ParsePollStatus maps the provider status field. Unknown values are treated
// as still queued so polling goes on.
func ParsePollStatus(s string) PollStatus {
	switch PollStatus(s) {
	case StatusInProgress:
		return StatusInProgress
	case StatusCompleted:
		return StatusCompleted
	default:
		return StatusQueued
	}
}

// PollState is owned by a single polling session.
type PollState struct {
	Attempt   int        `json:"attempt"`
	Status    PollStatus `json:"status"`
	LastError error      `json:"-"`
}

// AnalysisStatus is the answer to one status query.
type AnalysisStatus struct {
	ID     string
	Status PollStatus
	Raw    json.RawMessage
}
