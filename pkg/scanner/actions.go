package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/glimps-re/vt-connector/pkg/datamodel"
)

type Actions struct {
	Log        bool
	Print      bool
	Verbose    bool
	PrintDest  io.Writer
	ReportDest io.WriteSeeker
}

// Action runs after a scan completed. Its error never fails the scan.
type Action interface {
	Handle(ctx context.Context, result Result, report *datamodel.Report) error
}

type ReportAction struct{}

func (a *ReportAction) Handle(_ context.Context, result Result, report *datamodel.Report) (err error) {
	report.ID = result.ID
	report.Kind = result.Kind
	report.Target = result.Target
	report.SHA256 = result.SHA256
	report.AnalysisID = result.Handle.ID
	report.Severity = result.Severity
	report.Counts = result.Verdict.Counts
	report.Detections = result.Verdict.Detections
	report.RawPayloadKind = result.Verdict.RawPayloadKind
	report.Opaque = result.Verdict.Opaque
	report.EngineTotal = result.Verdict.EngineTotal
	report.Degraded = result.Degraded
	report.SubmittedAt = result.SubmittedAt
	report.CompletedAt = result.SubmittedAt.Add(result.Duration)
	return
}

type LogAction struct {
	logger *slog.Logger
}

func NewLogAction(logger *slog.Logger) *LogAction {
	return &LogAction{logger: logger}
}

func (a *LogAction) Handle(ctx context.Context, result Result, report *datamodel.Report) (err error) {
	attrs := []slog.Attr{
		slog.String("target", result.Target),
		slog.String("kind", string(result.Kind)),
		slog.String("analysis-id", result.Handle.ID),
		slog.String("severity", string(result.Severity)),
		slog.Uint64("malicious", uint64(result.Verdict.Counts.Malicious)),
		slog.Uint64("engines", uint64(result.Verdict.EngineTotal)),
	}
	if result.SHA256 != "" {
		attrs = append(attrs, slog.String("sha256", result.SHA256))
	}
	if result.Severity == datamodel.SeverityClean {
		a.logger.LogAttrs(ctx, slog.LevelDebug, "info scanned", attrs...)
		return
	}
	names := make([]string, 0, len(result.Verdict.Detections))
	for _, d := range result.Verdict.Detections {
		names = append(names, d.Name)
	}
	attrs = append(attrs, slog.Any("detections", names))
	a.logger.LogAttrs(ctx, slog.LevelInfo, "info scanned", attrs...)
	return
}

// PrintAction writes one human readable line per scan.
type PrintAction struct {
	Verbose bool
	Out     io.Writer
}

func (a *PrintAction) Handle(_ context.Context, result Result, report *datamodel.Report) (err error) {
	out := a.Out
	if out == nil {
		out = os.Stdout
	}
	sb := strings.Builder{}
	switch result.Severity {
	case datamodel.SeverityMalicious, datamodel.SeveritySuspicious:
		fmt.Fprintf(&sb, "%s %s seems %s (%d/%d engines)", result.Kind, result.Target, result.Severity, result.Verdict.Counts.Malicious, result.Verdict.EngineTotal)
		if a.Verbose && len(result.Verdict.Detections) > 0 {
			labels := make([]string, 0, len(result.Verdict.Detections))
			for _, d := range result.Verdict.Detections {
				labels = append(labels, d.Name+": "+d.VerdictLabel)
			}
			fmt.Fprintf(&sb, " [%s]", strings.Join(labels, ", "))
		}
	default:
		fmt.Fprintf(&sb, "%s %s no threat found (%d engines)", result.Kind, result.Target, result.Verdict.EngineTotal)
	}
	if result.Degraded {
		fmt.Fprint(&sb, ", low confidence: unrecognized analysis format")
	}
	_, err = fmt.Fprintln(out, sb.String())
	return
}

// ReportWriterAction appends reports to a JSON array file.
type ReportWriterAction struct {
	mu     sync.Mutex
	writer *datamodel.ReportsWriter
}

func NewReportWriterAction(dst io.WriteSeeker) *ReportWriterAction {
	return &ReportWriterAction{writer: datamodel.NewReportsWriter(dst)}
}

func (a *ReportWriterAction) Handle(_ context.Context, result Result, report *datamodel.Report) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writer.Write(*report)
}

// MultiAction runs every action in order, even when one of them fails.
type MultiAction struct {
	Actions []Action
}

func NewMultiAction(actions ...Action) *MultiAction {
	return &MultiAction{Actions: actions}
}

func (a *MultiAction) Handle(ctx context.Context, result Result, report *datamodel.Report) error {
	var errs []error
	for _, h := range a.Actions {
		if err := h.Handle(ctx, result, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
