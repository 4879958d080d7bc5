package datamodel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"
)

var LogLevel = &slog.LevelVar{}

var Logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: LogLevel,
}))

// Report is the serializable record of one finished scan, handed to the
// history and report collaborators.
type Report struct {
	ID             string              `json:"id"`
	Kind           ScanKind            `json:"kind"`
	Target         string              `json:"target"`
	SHA256         string              `json:"sha256,omitempty"`
	AnalysisID     string              `json:"analysisId"`
	Severity       Severity            `json:"severity"`
	Counts         EngineVerdictCounts `json:"counts"`
	Detections     []DetectingEngine   `json:"detections,omitempty"`
	RawPayloadKind RawPayloadKind      `json:"rawPayloadKind"`
	Opaque         string              `json:"opaque,omitempty"`
	EngineTotal    uint                `json:"engineTotal"`
	Degraded       bool                `json:"degraded,omitempty"`
	SubmittedAt    time.Time           `json:"submittedAt"`
	CompletedAt    time.Time           `json:"completedAt"`
}

type ReportsWriter struct {
	dst io.WriteSeeker
}

func NewReportsWriter(dst io.WriteSeeker) *ReportsWriter {
	return &ReportsWriter{dst: dst}
}

// Write appends r to a JSON array file, creating the array on first use.
func (rw *ReportsWriter) Write(r Report) (err error) {
	// try to seek above last "\n]"
	n, _ := rw.dst.Seek(-2, io.SeekEnd)
	out := bufio.NewWriter(rw.dst)
	if n == 0 {
		// start of file
		if _, err = out.WriteString("[\n"); err != nil {
			return
		}
	} else {
		if _, err = out.WriteString(",\n"); err != nil {
			return
		}
	}

	encoder := json.NewEncoder(out)
	err = encoder.Encode(r)
	if err != nil {
		return
	}
	if _, err = out.WriteString("]"); err != nil {
		return
	}
	if flushErr := out.Flush(); flushErr != nil {
		Logger.Error("failed to flush buffer", slog.String("error", flushErr.Error()))
	}
	return
}

// GenerateReport renders reports as an indented JSON array.
func GenerateReport(reports []Report) (r io.Reader, err error) {
	buffer := &bytes.Buffer{}
	out := json.NewEncoder(buffer)
	out.SetIndent("", "  ")
	err = out.Encode(reports)
	return buffer, err
}
